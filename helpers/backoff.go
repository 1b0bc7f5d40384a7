package helpers

import (
	"sync/atomic"
	"time"

	"github.com/temoto/mqttlink/helpers/atomic_clock"
)

// Backoff is limited exponential delay between retries.
// Zero failures mean no delay; first Failure schedules Min, each next one multiplies by K.
// Time already spent since last Failure counts towards delay.
type Backoff struct {
	next     int64 // atomic
	failures int32 // atomic
	last     atomic_clock.Clock

	Min time.Duration
	Max time.Duration
	K   float32
	Res time.Duration // default 1ms
}

// Delay returns remaining wait before next attempt.
func (b *Backoff) Delay() time.Duration {
	next := time.Duration(atomic.LoadInt64(&b.next))
	if next == 0 {
		return 0
	}
	remain := next - atomic_clock.Since(&b.last)
	if remain <= 0 {
		return 0
	}
	return b.round(remain)
}

// Wait sleeps Delay, returns false if done was closed first.
func (b *Backoff) Wait(done <-chan struct{}) bool {
	return SleepCtx(done, b.Delay())
}

func (b *Backoff) Failure() {
	next := time.Duration(atomic.LoadInt64(&b.next))
	if next == 0 {
		next = b.Min
	} else {
		next = time.Duration(float32(next) * b.K)
	}
	atomic.AddInt32(&b.failures, 1)
	b.last.SetNow()
	atomic.StoreInt64(&b.next, int64(b.clamp(next)))
}

func (b *Backoff) Failures() int { return int(atomic.LoadInt32(&b.failures)) }

func (b *Backoff) Reset() {
	atomic.StoreInt32(&b.failures, 0)
	atomic.StoreInt64(&b.next, 0)
}

func (b *Backoff) clamp(d time.Duration) time.Duration {
	if d < b.Min {
		d = b.Min
	}
	if b.Max != 0 && d > b.Max {
		d = b.Max
	}
	return b.round(d)
}

func (b *Backoff) round(d time.Duration) time.Duration {
	res := b.Res
	if res == 0 {
		res = time.Millisecond
	}
	return d / res * res
}
