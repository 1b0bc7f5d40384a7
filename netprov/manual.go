package netprov

import (
	"context"
	"sync"
)

// Manual reports state set by SetState, used by console `net up|down` and tests.
type Manual struct {
	requests
	mu         sync.Mutex
	iface      string
	up         bool
	requestErr error
}

func NewManual(iface string, up bool) *Manual {
	return &Manual{iface: iface, up: up}
}

// FailRequests makes next Request calls return err, nil restores normal mode.
func (m *Manual) FailRequests(err error) {
	m.mu.Lock()
	m.requestErr = err
	m.mu.Unlock()
}

func (m *Manual) Request(ctx context.Context) (Handle, error) {
	m.mu.Lock()
	err, up := m.requestErr, m.up
	m.mu.Unlock()
	if err != nil {
		return "", err
	}
	h := m.add()
	if up {
		m.emit(m.iface, true)
	}
	return h, nil
}

func (m *Manual) Release(h Handle) error {
	_, err := m.remove(h)
	return err
}

// Active returns number of outstanding requests.
func (m *Manual) Active() int { return m.active() }

func (m *Manual) State() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.up
}

// SetState notifies subscribers even when state did not change.
func (m *Manual) SetState(up bool) {
	m.mu.Lock()
	m.up = up
	m.mu.Unlock()
	m.emit(m.iface, up)
}
