package helpers

import "sync"

// OnceError keeps first stored error, later stores are ignored.
// Zero value is ready to use.
type OnceError struct {
	mu  sync.Mutex
	err error
	set bool
}

func (o *OnceError) Load() (error, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err, o.set
}

// StoreOnce returns previous state, e is stored only if nothing was stored before.
func (o *OnceError) StoreOnce(e error) (error, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	prev, found := o.err, o.set
	if !found {
		o.err, o.set = e, true
	}
	return prev, found
}
