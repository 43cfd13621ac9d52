package pool

import (
	"errors"
	"path/filepath"
	"slices"
	"sync"

	. "github.com/ZenLiuCN/dynso"
	"github.com/ZenLiuCN/fn"
	"github.com/hashicorp/go-multierror"
)

// Pool keeps one Reloader per module file.
type Pool struct {
	Options []Option // applied to every module before per load options
	Modules map[string]*Reloader
	Loaded  []string // load order
	sync.RWMutex
}

var (
	ErrAlreadyLoad = errors.New("module already loaded")
	ErrNotLoad     = errors.New("module not loaded")
	ErrCorrupted   = errors.New("recording corrupted")
)

func key(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

// Load starts a Reloader for path
func (p *Pool) Load(path string, opts ...Option) (err error) {
	p.Lock()
	defer p.Unlock()
	k := key(path)
	if _, ok := p.Modules[k]; ok {
		return ErrAlreadyLoad
	}
	var r *Reloader
	if r, err = New(path, append(slices.Clone(p.Options), opts...)...); err != nil {
		return
	}
	p.Modules[k] = r
	p.Loaded = append(p.Loaded, k)
	return
}

// Unload closes the Reloader of path
func (p *Pool) Unload(path string) error {
	p.Lock()
	defer p.Unlock()
	k := key(path)
	r, ok := p.Modules[k]
	if !ok {
		return ErrNotLoad
	}
	i := slices.Index(p.Loaded, k)
	if i < 0 {
		return ErrCorrupted
	}
	p.Loaded = slices.Delete(p.Loaded, i, i+1)
	delete(p.Modules, k)
	return r.Close()
}

// Require fetch the Reloader of path
func (p *Pool) Require(path string) *Reloader {
	p.RLock()
	defer p.RUnlock()
	if r, ok := p.Modules[key(path)]; ok {
		return r
	}
	panic(ErrNotLoad)
}

// Invoke a function of the module at path
func (p *Pool) Invoke(path, symbolName string, args ...uintptr) (uintptr, error) {
	p.RLock()
	r, ok := p.Modules[key(path)]
	p.RUnlock()
	if !ok {
		return 0, ErrNotLoad
	}
	return r.Invoke(symbolName, args...)
}

// Functions of every loaded module by path
func (p *Pool) Functions() map[string]Symbols {
	p.RLock()
	defer p.RUnlock()
	v := make(map[string]Symbols, len(p.Modules))
	for _, k := range fn.MapKeys(p.Modules) {
		v[k] = p.Modules[k].Functions()
	}
	return v
}

// Close every module in reverse load order
func (p *Pool) Close() error {
	p.Lock()
	defer p.Unlock()
	var errs *multierror.Error
	for i := len(p.Loaded) - 1; i >= 0; i-- {
		k := p.Loaded[i]
		if r, ok := p.Modules[k]; ok {
			if err := r.Close(); err != nil {
				errs = multierror.Append(errs, err)
			}
			delete(p.Modules, k)
		}
	}
	p.Loaded = p.Loaded[:0]
	return errs.ErrorOrNil()
}

// NewPool create new pool
func NewPool(opts ...Option) *Pool {
	p := new(Pool)
	p.Options = opts
	p.Modules = make(map[string]*Reloader)
	return p
}
