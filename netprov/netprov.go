// Package netprov asks outside world to make network usable and reports link state.
package netprov

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/juju/errors"
)

// Handle identifies one outstanding network request.
type Handle string

// StateFunc is called on provider goroutine, must not block.
type StateFunc func(iface string, connected bool)

type Provider interface {
	// Request asks for network. Availability is reported later via StateFunc.
	Request(ctx context.Context) (Handle, error)
	Release(h Handle) error
	OnStateChange(f StateFunc)
}

// requests tracks handles and state subscribers, shared by all providers.
type requests struct {
	mu      sync.Mutex
	handles map[Handle]struct{}
	subs    []StateFunc
}

func (r *requests) OnStateChange(f StateFunc) {
	if f == nil {
		return
	}
	r.mu.Lock()
	r.subs = append(r.subs, f)
	r.mu.Unlock()
}

func (r *requests) add() Handle {
	h := Handle(uuid.New().String())
	r.mu.Lock()
	if r.handles == nil {
		r.handles = make(map[Handle]struct{})
	}
	r.handles[h] = struct{}{}
	r.mu.Unlock()
	return h
}

// remove returns number of remaining handles.
func (r *requests) remove(h Handle) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handles[h]; !ok {
		return len(r.handles), errors.NotFoundf("network request handle=%s", h)
	}
	delete(r.handles, h)
	return len(r.handles), nil
}

func (r *requests) active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

func (r *requests) emit(iface string, connected bool) {
	r.mu.Lock()
	subs := append([]StateFunc(nil), r.subs...)
	r.mu.Unlock()
	for _, f := range subs {
		f(iface, connected)
	}
}
