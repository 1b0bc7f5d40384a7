package helpers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuture(t *testing.T) {
	t.Parallel()
	f := NewFuture[int]()
	go func() {
		time.Sleep(time.Millisecond)
		f.Complete(42)
	}()
	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.False(t, f.Complete(7))
	assert.Equal(t, 42, f.Result())
}

func TestFutureWaitCancel(t *testing.T) {
	t.Parallel()
	f := NewFuture[error]()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := f.Wait(ctx)
	assert.Equal(t, context.DeadlineExceeded, err)
}
