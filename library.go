package dynso

import (
	"fmt"
	"reflect"
	"sync/atomic"
)

type (
	// Library is one OS-level load of a module file.
	//
	// Invoke and Bind are the only ways to call through an address; both
	// trust that the address came from the same Library and that the
	// arguments match what the function expects.
	Library interface {
		Lookup(name string) Sym                  //resolve a name, zero when absent
		Exports() (Symbols, error)               //enumerate every exported function
		Invoke(addr Sym, args ...uintptr) uintptr //call with integer or pointer arguments, returns the integer result
		Bind(fptr any, addr Sym) error           //bind addr to the function variable pointed to by fptr
		Close() error                            //unload, safe to repeat
	}
	// Opener opens path as a Library.
	Opener func(path string) (Library, error)
)

// StaticLibrary is an in-memory Library made of Go functions.
//
// Addresses are table indexes rather than code addresses. Functions taking
// and returning integer kinds can go through Invoke; any function can be
// bound with Bind.
type StaticLibrary struct {
	names  map[string]Sym
	funcs  []any
	closed atomic.Bool
	// OnClose runs once on the first Close
	OnClose func()
}

// NewStaticLibrary builds a StaticLibrary exporting funcs by name.
func NewStaticLibrary(funcs map[string]any) *StaticLibrary {
	l := &StaticLibrary{names: make(map[string]Sym, len(funcs)), funcs: make([]any, 1, len(funcs)+1)}
	for name, f := range funcs {
		if reflect.TypeOf(f).Kind() != reflect.Func {
			panic(fmt.Sprintf("dynso: static export %s is %T, not a function", name, f))
		}
		l.names[name] = Sym(len(l.funcs))
		l.funcs = append(l.funcs, f)
	}
	return l
}

// Closed reports whether Close was called.
func (l *StaticLibrary) Closed() bool {
	return l.closed.Load()
}

func (l *StaticLibrary) Lookup(name string) Sym {
	return l.names[name]
}

func (l *StaticLibrary) Exports() (Symbols, error) {
	return Symbols(l.names).Clone(), nil
}

func (l *StaticLibrary) function(addr Sym) reflect.Value {
	if l.closed.Load() {
		panic(fmt.Sprintf("dynso: call through %#x of a closed static library", uintptr(addr)))
	}
	if addr == 0 || int(addr) >= len(l.funcs) {
		panic(fmt.Sprintf("dynso: bad static address %#x", uintptr(addr)))
	}
	return reflect.ValueOf(l.funcs[addr])
}

func (l *StaticLibrary) Invoke(addr Sym, args ...uintptr) uintptr {
	f := l.function(addr)
	ft := f.Type()
	if ft.NumIn() != len(args) {
		panic(fmt.Sprintf("dynso: static function %#x takes %d arguments, got %d", uintptr(addr), ft.NumIn(), len(args)))
	}
	in := make([]reflect.Value, len(args))
	for i, a := range args {
		v := reflect.New(ft.In(i)).Elem()
		switch v.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			v.SetInt(int64(a))
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
			v.SetUint(uint64(a))
		case reflect.Bool:
			v.SetBool(a != 0)
		default:
			panic(fmt.Sprintf("dynso: static function %#x argument %d is %s", uintptr(addr), i, v.Type()))
		}
		in[i] = v
	}
	out := f.Call(in)
	if len(out) == 0 {
		return 0
	}
	switch r := out[0]; r.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return uintptr(r.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return uintptr(r.Uint())
	case reflect.Bool:
		if r.Bool() {
			return 1
		}
		return 0
	default:
		panic(fmt.Sprintf("dynso: static function %#x returns %s", uintptr(addr), r.Type()))
	}
}

func (l *StaticLibrary) Bind(fptr any, addr Sym) error {
	p := reflect.ValueOf(fptr)
	if p.Kind() != reflect.Pointer || p.Elem().Kind() != reflect.Func {
		return fmt.Errorf("%w: %T is not a pointer to a function", ErrBadSignature, fptr)
	}
	f := l.function(addr)
	if f.Type() != p.Elem().Type() {
		return fmt.Errorf("%w: %s is not %s", ErrBadSignature, f.Type(), p.Elem().Type())
	}
	p.Elem().Set(f)
	return nil
}

func (l *StaticLibrary) Close() error {
	if l.closed.CompareAndSwap(false, true) && l.OnClose != nil {
		l.OnClose()
	}
	return nil
}
