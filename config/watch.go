package config

import (
	"path/filepath"
	"time"

	"github.com/juju/errors"
	"github.com/rjeczalik/notify"
	"github.com/temoto/alive/v2"
	"github.com/temoto/mqttlink/log2"
)

// WatchSettle groups burst of events from single editor save.
const WatchSettle = 200 * time.Millisecond

type Watcher struct {
	alive *alive.Alive
	ch    chan notify.EventInfo
}

// Watch calls fn with freshly read config every time file at path is written or replaced.
// Directory is watched because editors often replace file by rename.
func Watch(log *log2.Log, path string, fn func(*Config, error)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Annotatef(err, "config watch path=%s", path)
	}
	w := &Watcher{
		alive: alive.NewAlive(),
		ch:    make(chan notify.EventInfo, 16),
	}
	if err = notify.Watch(filepath.Dir(abs), w.ch, notify.Write, notify.Create, notify.Rename); err != nil {
		return nil, errors.Annotatef(err, "config watch path=%s", path)
	}
	w.alive.Add(1)
	go w.run(log, abs, fn)
	return w, nil
}

func (w *Watcher) Stop() {
	if w == nil {
		return
	}
	w.alive.Stop()
	w.alive.Wait()
}

func (w *Watcher) run(log *log2.Log, path string, fn func(*Config, error)) {
	defer w.alive.Done()
	defer notify.Stop(w.ch)
	stopch := w.alive.StopChan()
	settle := time.NewTimer(WatchSettle)
	settle.Stop()
	for {
		select {
		case e := <-w.ch:
			if filepath.Clean(e.Path()) != path {
				continue
			}
			log.Debugf("config watch event=%s path=%s", e.Event(), e.Path())
			settle.Reset(WatchSettle)

		case <-settle.C:
			c, err := ReadFile(log, path)
			fn(c, err)

		case <-stopch:
			settle.Stop()
			return
		}
	}
}
