// Package poll runs periodic task until owner stops it.
package poll

import (
	"time"

	"github.com/temoto/alive/v2"
)

// TickFunc receives stop channel, blocking work inside tick must select on it.
type TickFunc func(stop <-chan struct{})

// Poller calls tick every interval on own goroutine. Ticks never overlap,
// interval is measured from end of previous tick.
// Only owner stops Poller, tick has no say in it.
type Poller struct {
	alive    *alive.Alive
	interval time.Duration
}

func Start(interval time.Duration, tick TickFunc) *Poller {
	if interval <= 0 {
		panic("code error poll.Start interval must be positive")
	}
	p := &Poller{
		alive:    alive.NewAlive(),
		interval: interval,
	}
	p.alive.Add(1)
	go p.run(tick)
	return p
}

func (p *Poller) Interval() time.Duration { return p.interval }

// Running is false after Stop. Nil Poller is not running.
func (p *Poller) Running() bool { return p != nil && p.alive.IsRunning() }

// Stop returns after current tick (if any) finished.
// Safe to call many times and on nil. Must not be called from tick.
func (p *Poller) Stop() {
	if p == nil {
		return
	}
	p.alive.Stop()
	p.alive.Wait()
}

func (p *Poller) run(tick TickFunc) {
	defer p.alive.Done()
	stopch := p.alive.StopChan()
	t := time.NewTimer(p.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
		case <-stopch:
			return
		}
		tick(stopch)
		if !p.alive.IsRunning() {
			return
		}
		t.Reset(p.interval)
	}
}
