package dynso

import (
	"errors"
	"fmt"
)

var (
	// ErrOpenFailed occurs when the dynamic loader refuses a module file.
	ErrOpenFailed = errors.New("open module failed")
	// ErrMissingSection occurs when the dynamic section lacks the symbol table, string table or entry size.
	ErrMissingSection = errors.New("missing dynamic section entry")
	// ErrSymbolNotFound occurs when invoking a name the current module does not export.
	ErrSymbolNotFound = errors.New("symbol not found")
	// ErrNotLoaded occurs when the last reload left no usable module.
	ErrNotLoaded = errors.New("module not loaded")
	// ErrClosed occurs when using a Reloader after Close.
	ErrClosed = errors.New("reloader closed")
	// ErrBadSignature occurs when a symbol can not be bound to the requested function type.
	ErrBadSignature = errors.New("bad function signature")
)

// LoadErrorKind tells which load stage failed.
type LoadErrorKind int

const (
	OpenFailed LoadErrorKind = iota + 1
	MissingSection
)

func (k LoadErrorKind) String() string {
	switch k {
	case OpenFailed:
		return "open failed"
	case MissingSection:
		return "missing section"
	default:
		return fmt.Sprintf("LoadErrorKind(%d)", int(k))
	}
}

// LoadError reports a failure to bring a module into a usable state.
type LoadError struct {
	Kind  LoadErrorKind
	Path  string
	Cause error
}

func (e *LoadError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("load %s: %s", e.Path, e.Kind)
	}
	return fmt.Sprintf("load %s: %s: %v", e.Path, e.Kind, e.Cause)
}

func (e *LoadError) Unwrap() error {
	return e.Cause
}

func (e *LoadError) Is(target error) bool {
	switch target {
	case ErrOpenFailed:
		return e.Kind == OpenFailed
	case ErrMissingSection:
		return e.Kind == MissingSection
	}
	return false
}

// InvocationError reports a call that could not reach its target.
type InvocationError struct {
	Symbol string
	Cause  error // optional, ErrNotLoaded when no module is loaded
}

func (e *InvocationError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("invoke %s: %s", e.Symbol, ErrSymbolNotFound)
	}
	return fmt.Sprintf("invoke %s: %s: %v", e.Symbol, ErrSymbolNotFound, e.Cause)
}

func (e *InvocationError) Unwrap() error {
	return e.Cause
}

func (e *InvocationError) Is(target error) bool {
	return target == ErrSymbolNotFound
}
