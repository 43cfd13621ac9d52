package dynso

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher polls the modification time of one file and reports changes.
//
// onChange runs on the watcher goroutine. The observed timestamp is recorded
// after onChange returns whatever it did, so a change is reported once.
type Watcher struct {
	path     string
	interval time.Duration
	stat     StatFunc
	onChange func()
	log      *zap.Logger
	last     time.Time

	notify *fsnotify.Watcher

	start sync.Once
	halt  sync.Once
	run   bool
	stop  chan struct{}
	done  chan struct{}
}

// NewWatcher creates a stopped Watcher whose last seen timestamp is last.
func NewWatcher(path string, last time.Time, interval time.Duration, stat StatFunc, onChange func()) *Watcher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if stat == nil {
		stat = ModTime
	}
	return &Watcher{
		path:     filepath.Clean(path),
		interval: interval,
		stat:     stat,
		onChange: onChange,
		log:      Logger(),
		last:     last,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Notify subscribes to filesystem events of the file's directory, each event
// naming the file triggers an early poll. Must be called before Start.
func (w *Watcher) Notify() error {
	n, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err = n.Add(filepath.Dir(w.path)); err != nil {
		_ = n.Close()
		return err
	}
	w.notify = n
	return nil
}

// Start the polling goroutine, repeated calls do nothing.
func (w *Watcher) Start() {
	w.start.Do(func() {
		w.run = true
		go w.loop()
	})
}

func (w *Watcher) loop() {
	defer close(w.done)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	var events <-chan fsnotify.Event
	var errs <-chan error
	if w.notify != nil {
		events, errs = w.notify.Events, w.notify.Errors
	}
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			w.poll()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) == w.path && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Chmod) != 0 {
				w.poll()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.log.Warn("watch events", zap.String("path", w.path), zap.Error(err))
		}
	}
}

// poll compares the modification time once and reports whether onChange ran.
// Only the loop goroutine calls it once the watcher is started.
func (w *Watcher) poll() bool {
	mt, err := w.stat(w.path)
	if err != nil {
		// the file may be half way through a rewrite
		w.log.Debug("stat module", zap.String("path", w.path), zap.Error(err))
		return false
	}
	if mt.Equal(w.last) {
		return false
	}
	w.log.Debug("module changed", zap.String("path", w.path), zap.Time("from", w.last), zap.Time("to", mt))
	w.onChange()
	w.last = mt
	return true
}

// Stop the goroutine and wait for it, including a change being handled.
func (w *Watcher) Stop() {
	w.halt.Do(func() {
		w.start.Do(func() {})
		close(w.stop)
		if w.run {
			<-w.done
		}
		if w.notify != nil {
			if err := w.notify.Close(); err != nil {
				w.log.Warn("close watch events", zap.String("path", w.path), zap.Error(err))
			}
		}
	})
}
