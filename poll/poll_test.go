package poll

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/temoto/mqttlink/helpers"
)

func TestPoller(t *testing.T) {
	t.Parallel()

	var n int32
	p := Start(10*time.Millisecond, func(<-chan struct{}) { atomic.AddInt32(&n, 1) })
	assert.True(t, p.Running())
	assert.True(t, helpers.Eventually(time.Second, 5*time.Millisecond, func() bool { return atomic.LoadInt32(&n) >= 3 }))
	p.Stop()
	assert.False(t, p.Running())
	stopped := atomic.LoadInt32(&n)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, stopped, atomic.LoadInt32(&n), "tick after Stop")
	p.Stop()
}

func TestPollerStopUnblocksTick(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{}, 1)
	p := Start(time.Millisecond, func(stop <-chan struct{}) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-stop
	})
	<-entered
	done := make(chan struct{})
	go func() { p.Stop(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked by tick")
	}
}

func TestPollerNil(t *testing.T) {
	var p *Poller
	assert.False(t, p.Running())
	p.Stop()
}
