package helpers

import (
	"context"
	"sync"
)

// Future is single assignment result, Done channel allows waiting in custom select.
type Future[T any] struct {
	mu     sync.Mutex
	result T
	set    bool
	done   chan struct{}
}

func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Complete stores v and returns true first time only.
func (f *Future[T]) Complete(v T) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.set {
		return false
	}
	f.result, f.set = v, true
	close(f.done)
	return true
}

func (f *Future[T]) Result() T {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result
}

func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.Result(), nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
