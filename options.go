package dynso

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// DefaultInterval between two modification time polls.
const DefaultInterval = time.Second

type options struct {
	interval   time.Duration
	log        *zap.Logger
	open       Opener
	stat       StatFunc
	notify     bool
	shadowDir  string
	serialized bool
	reg        prometheus.Registerer
}

// Option configures a Reloader.
type Option func(o *options)

func defaults() *options {
	return &options{
		interval: DefaultInterval,
		open:     OpenLibrary,
		stat:     ModTime,
	}
}

// WithInterval sets the poll interval, non-positive values keep DefaultInterval.
func WithInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithLogger overrides the package Logger for one Reloader.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// WithOpener replaces the system dynamic loader.
func WithOpener(open Opener) Option {
	return func(o *options) {
		if open != nil {
			o.open = open
		}
	}
}

// WithStat replaces how modification times are read.
func WithStat(stat StatFunc) Option {
	return func(o *options) {
		if stat != nil {
			o.stat = stat
		}
	}
}

// WithNotify lets filesystem events wake the watcher before the next tick.
func WithNotify(on bool) Option {
	return func(o *options) {
		o.notify = on
	}
}

// WithShadowCopy opens a per-generation copy of the module placed in dir,
// so the original file can be rebuilt in place while loaded.
func WithShadowCopy(dir string) Option {
	return func(o *options) {
		o.shadowDir = dir
	}
}

// WithSerializedCalls serializes concurrent calls to the same symbol.
func WithSerializedCalls(on bool) Option {
	return func(o *options) {
		o.serialized = on
	}
}

// WithRegisterer exports Metrics to reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.reg = reg
	}
}
