package dynso

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// Reloader keeps one module file loaded and swaps in a new load whenever the
// file changes on disk.
//
// Calls hold the lock for reading; a reload holds it for writing, so it waits
// for calls in flight and keeps new calls out until the new module is ready.
// A callee that never returns stalls reloads forever.
//
// After Close every call fails with ErrClosed.
type Reloader struct {
	path    string
	opts    *options
	log     *zap.Logger
	metrics *Metrics
	watcher *Watcher

	rw      RWLock
	current *module // nil when the last reload failed
	closed  bool
	gen     uint64

	callMu sync.Mutex
	calls  map[string]*sync.Mutex
}

// New loads path, extracts its exported functions and starts watching it.
func New(path string, opts ...Option) (*Reloader, error) {
	o := defaults()
	for _, opt := range opts {
		opt(o)
	}
	r := &Reloader{
		path:    path,
		opts:    o,
		log:     o.log,
		metrics: newMetrics(path),
		calls:   make(map[string]*sync.Mutex),
	}
	if r.log == nil {
		r.log = Logger()
	}
	r.log = r.log.With(zap.String("path", path))
	m, err := openModule(o, path, 1)
	if err != nil {
		return nil, err
	}
	if o.reg != nil {
		if err = r.metrics.register(o.reg); err != nil {
			_ = m.release()
			return nil, fmt.Errorf("register metrics of %s: %w", path, err)
		}
	}
	r.current, r.gen = m, m.gen
	r.metrics.loaded(m)
	r.watcher = NewWatcher(path, m.modTime, o.interval, o.stat, r.onChange)
	r.watcher.log = r.log
	if o.notify {
		if err = r.watcher.Notify(); err != nil {
			r.log.Warn("filesystem events unavailable, polling only", zap.Error(err))
		}
	}
	r.watcher.Start()
	r.log.Info("module loaded", zap.Uint64("generation", m.gen), zap.Int("functions", len(m.symbols)))
	return r, nil
}

func (r *Reloader) onChange() {
	_ = r.reload()
}

// reload releases the current module and loads the file again. A failure
// leaves the Reloader without a module until the file changes again.
func (r *Reloader) reload() error {
	r.rw.Lock()
	defer r.rw.Unlock()
	if r.closed {
		return ErrClosed
	}
	if old := r.current; old != nil {
		r.current = nil
		// the loader returns the still open handle for an unchanged path, so
		// the old one goes first
		if err := old.release(); err != nil {
			r.log.Warn("release module", zap.Uint64("generation", old.gen), zap.Error(err))
		}
	}
	r.gen++
	m, err := openModule(r.opts, r.path, r.gen)
	if err != nil {
		r.metrics.Reloads.WithLabelValues("failed").Inc()
		r.metrics.loaded(nil)
		r.log.Error("reload module", zap.Uint64("generation", r.gen), zap.Error(err))
		return err
	}
	r.current = m
	r.metrics.Reloads.WithLabelValues("ok").Inc()
	r.metrics.loaded(m)
	r.log.Info("module reloaded", zap.Uint64("generation", m.gen), zap.Int("functions", len(m.symbols)))
	return nil
}

// resolve must run under the read lock.
func (r *Reloader) resolve(name string) (*module, Sym, error) {
	switch {
	case r.closed:
		r.metrics.Invocations.WithLabelValues("closed").Inc()
		return nil, 0, ErrClosed
	case r.current == nil:
		r.metrics.Invocations.WithLabelValues("missing").Inc()
		return nil, 0, &InvocationError{Symbol: name, Cause: ErrNotLoaded}
	}
	addr := r.current.fetch(name)
	if addr == 0 {
		r.metrics.Invocations.WithLabelValues("missing").Inc()
		return nil, 0, &InvocationError{Symbol: name}
	}
	r.metrics.Invocations.WithLabelValues("ok").Inc()
	return r.current, addr, nil
}

// serialize locks the per symbol mutex when WithSerializedCalls is on.
func (r *Reloader) serialize(name string) func() {
	if !r.opts.serialized {
		return func() {}
	}
	r.callMu.Lock()
	mu, ok := r.calls[name]
	if !ok {
		mu = new(sync.Mutex)
		r.calls[name] = mu
	}
	r.callMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// Invoke calls the exported function name with integer or pointer arguments
// and returns its integer result, zero for void functions.
func (r *Reloader) Invoke(name string, args ...uintptr) (uintptr, error) {
	r.rw.RLock()
	defer r.rw.RUnlock()
	m, addr, err := r.resolve(name)
	if err != nil {
		return 0, err
	}
	defer r.serialize(name)()
	return m.lib.Invoke(addr, args...), nil
}

// Call binds the exported function name to the Go function type T and passes
// it to use. The function must not be kept after use returns; the next
// reload unmaps it. Panics inside use are returned as errors.
func Call[T any](r *Reloader, name string, use func(fn T) error) (err error) {
	r.rw.RLock()
	defer r.rw.RUnlock()
	m, addr, err := r.resolve(name)
	if err != nil {
		return err
	}
	var f T
	if err = m.lib.Bind(&f, addr); err != nil {
		return fmt.Errorf("bind %s: %w", name, err)
	}
	defer r.serialize(name)()
	defer func() {
		switch x := recover().(type) {
		case nil:
		case error:
			err = fmt.Errorf("call %s: %w", name, x)
		default:
			err = fmt.Errorf("call %s: %v", name, x)
		}
	}()
	return use(f)
}

// Session invokes functions of one module generation.
type Session interface {
	Invoke(name string, args ...uintptr) (uintptr, error)
	Functions() Symbols
	Generation() uint64
}

type session struct {
	r    *Reloader
	m    *module
	done bool
}

func (s *session) Invoke(name string, args ...uintptr) (uintptr, error) {
	if s.done {
		panic("dynso: Session used after Do returned")
	}
	addr := s.m.fetch(name)
	if addr == 0 {
		s.r.metrics.Invocations.WithLabelValues("missing").Inc()
		return 0, &InvocationError{Symbol: name}
	}
	s.r.metrics.Invocations.WithLabelValues("ok").Inc()
	defer s.r.serialize(name)()
	return s.m.lib.Invoke(addr, args...), nil
}

func (s *session) Functions() Symbols {
	return s.m.symbols.Clone()
}

func (s *session) Generation() uint64 {
	return s.m.gen
}

// Do runs f with a Session that keeps the current module loaded until f
// returns. f must not call other Reloader methods.
func (r *Reloader) Do(f func(s Session) error) error {
	r.rw.RLock()
	defer r.rw.RUnlock()
	switch {
	case r.closed:
		return ErrClosed
	case r.current == nil:
		return ErrNotLoaded
	}
	s := &session{r: r, m: r.current}
	defer func() { s.done = true }()
	return f(s)
}

// IsLoaded reports whether a usable module is loaded.
func (r *Reloader) IsLoaded() bool {
	r.rw.RLock()
	defer r.rw.RUnlock()
	return !r.closed && r.current != nil
}

// Functions returns a copy of the exported functions of the current module.
func (r *Reloader) Functions() Symbols {
	r.rw.RLock()
	defer r.rw.RUnlock()
	if r.current == nil {
		return Symbols{}
	}
	return r.current.symbols.Clone()
}

// Names of the exported functions, sorted.
func (r *Reloader) Names() []string {
	return r.Functions().Names()
}

// Generation counts loads, starting at 1. It is 0 while nothing is loaded.
func (r *Reloader) Generation() uint64 {
	r.rw.RLock()
	defer r.rw.RUnlock()
	if r.current == nil {
		return 0
	}
	return r.current.gen
}

func (r *Reloader) Path() string {
	return r.path
}

// Metrics of this Reloader.
func (r *Reloader) Metrics() *Metrics {
	return r.metrics
}

// Close stops watching, waits for a reload in progress and unloads the module.
func (r *Reloader) Close() error {
	r.watcher.Stop()
	r.rw.Lock()
	defer r.rw.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var errs *multierror.Error
	if r.current != nil {
		if err := r.current.release(); err != nil {
			errs = multierror.Append(errs, err)
		}
		r.current = nil
	}
	r.metrics.loaded(nil)
	if r.opts.reg != nil {
		r.metrics.unregister(r.opts.reg)
	}
	r.log.Info("module closed")
	return errs.ErrorOrNil()
}
