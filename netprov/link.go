package netprov

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/mqttlink/log2"
)

const DefaultLinkPollInterval = time.Second

// Link watches kernel operstate of single interface (wwan0, ppp0, eth0).
// Polling runs only while at least one request is outstanding.
type Link struct {
	requests
	Interface string
	SysRoot   string // default /sys/class/net
	Interval  time.Duration
	Log       *log2.Log

	mu    sync.Mutex
	alive *alive.Alive
	last  int8 // -1 unknown, 0 down, 1 up
}

func NewLink(iface string, log *log2.Log) *Link {
	return &Link{Interface: iface, Log: log, last: -1}
}

func (l *Link) Request(ctx context.Context) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	up, err := l.read()
	if err != nil {
		return "", errors.Annotatef(err, "network interface=%s", l.Interface)
	}
	h := l.add()

	l.mu.Lock()
	if l.alive == nil || !l.alive.IsRunning() {
		l.alive = alive.NewAlive()
		l.alive.Add(1)
		go l.worker(l.alive)
	}
	l.last = b2i(up)
	l.mu.Unlock()

	l.emit(l.Interface, up)
	return h, nil
}

func (l *Link) Release(h Handle) error {
	left, err := l.remove(h)
	if err != nil {
		return err
	}
	if left == 0 {
		l.Stop()
	}
	return nil
}

// Stop polling, returns after worker exited.
func (l *Link) Stop() {
	l.mu.Lock()
	a := l.alive
	l.alive = nil
	l.last = -1
	l.mu.Unlock()
	if a != nil {
		a.Stop()
		a.Wait()
	}
}

func (l *Link) worker(a *alive.Alive) {
	defer a.Done()
	interval := l.Interval
	if interval <= 0 {
		interval = DefaultLinkPollInterval
	}
	stopch := a.StopChan()
	for {
		select {
		case <-time.After(interval):
		case <-stopch:
			return
		}
		up, err := l.read()
		if err != nil {
			l.Log.Debugf("link read e=%v", err)
			up = false
		}
		l.mu.Lock()
		changed := l.alive == a && l.last != b2i(up)
		if changed {
			l.last = b2i(up)
		}
		l.mu.Unlock()
		if changed {
			l.Log.Infof("link interface=%s connected=%t", l.Interface, up)
			l.emit(l.Interface, up)
		}
	}
}

func (l *Link) read() (bool, error) {
	root := l.SysRoot
	if root == "" {
		root = "/sys/class/net"
	}
	b, err := ioutil.ReadFile(filepath.Join(root, l.Interface, "operstate"))
	if err != nil {
		return false, err
	}
	switch strings.TrimSpace(string(b)) {
	// ppp and tun report unknown while carrying traffic
	case "up", "unknown":
		return true, nil
	}
	return false, nil
}

func b2i(b bool) int8 {
	if b {
		return 1
	}
	return 0
}
