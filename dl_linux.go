//go:build linux && (amd64 || arm64)

package dynso

import (
	"debug/elf"
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

const rtldDILinkmap = 2

// public head of glibc's struct link_map
type cLinkMap struct {
	addr uintptr
	name *byte
	ld   uintptr
	next uintptr
	prev uintptr
}

// Elf64_Dyn
type cDyn struct {
	tag int64
	val uint64
}

var (
	dlinfoOnce sync.Once
	dlinfo     func(handle uintptr, request int32, info unsafe.Pointer) int32
	dlinfoErr  error
)

func loadDlinfo() error {
	dlinfoOnce.Do(func() {
		for _, lib := range []string{"libc.so.6", "libdl.so.2"} {
			h, err := purego.Dlopen(lib, purego.RTLD_NOW|purego.RTLD_GLOBAL)
			if err != nil {
				dlinfoErr = err
				continue
			}
			addr, err := purego.Dlsym(h, "dlinfo")
			if err != nil {
				dlinfoErr = err
				continue
			}
			purego.RegisterFunc(&dlinfo, addr)
			dlinfoErr = nil
			return
		}
		if dlinfoErr == nil {
			dlinfoErr = errors.New("dlinfo unavailable")
		}
	})
	return dlinfoErr
}

// processMemory reads the current process address space.
type processMemory struct{}

func (processMemory) ReadAt(p []byte, off int64) (int, error) {
	if off <= 0 {
		return 0, fmt.Errorf("read of address %#x", off)
	}
	copy(p, unsafe.Slice((*byte)(unsafe.Pointer(uintptr(off))), len(p)))
	return len(p), nil
}

func cString(p *byte) string {
	if p == nil {
		return ""
	}
	n := 0
	for *(*byte)(unsafe.Add(unsafe.Pointer(p), n)) != 0 {
		n++
	}
	return string(unsafe.Slice(p, n))
}

// dlLibrary is a module opened by the system dynamic loader.
type dlLibrary struct {
	path   string
	handle uintptr
}

// OpenLibrary opens path with lazy binding and global visibility.
func OpenLibrary(path string) (Library, error) {
	h, err := purego.Dlopen(path, purego.RTLD_LAZY|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, &LoadError{Kind: OpenFailed, Path: path, Cause: err}
	}
	if h == 0 {
		return nil, &LoadError{Kind: OpenFailed, Path: path}
	}
	return &dlLibrary{path: path, handle: h}, nil
}

func (l *dlLibrary) Lookup(name string) Sym {
	if l.handle == 0 {
		return 0
	}
	addr, err := purego.Dlsym(l.handle, name)
	if err != nil {
		return 0
	}
	return Sym(addr)
}

// LinkMap reads the loader's link map of this library.
func (l *dlLibrary) LinkMap() (*LinkMap, error) {
	if l.handle == 0 {
		return nil, ErrNotLoaded
	}
	if err := loadDlinfo(); err != nil {
		return nil, fmt.Errorf("link map of %s: %w", l.path, err)
	}
	var lm *cLinkMap
	if rc := dlinfo(l.handle, rtldDILinkmap, unsafe.Pointer(&lm)); rc != 0 || lm == nil {
		return nil, fmt.Errorf("link map of %s: dlinfo returned %d", l.path, rc)
	}
	out := &LinkMap{Base: lm.addr, Name: cString(lm.name)}
	if out.Name == "" {
		out.Name = l.path
	}
	if lm.ld == 0 {
		return out, nil
	}
	for p := lm.ld; ; p += unsafe.Sizeof(cDyn{}) {
		d := (*cDyn)(unsafe.Pointer(p))
		if elf.DynTag(d.tag) == elf.DT_NULL {
			break
		}
		out.Dynamic = append(out.Dynamic, DynEntry{Tag: elf.DynTag(d.tag), Val: d.val})
	}
	return out, nil
}

func (l *dlLibrary) Exports() (Symbols, error) {
	lm, err := l.LinkMap()
	if err != nil {
		return nil, err
	}
	return ExtractSymbols(lm, processMemory{}, l.Lookup)
}

func (l *dlLibrary) Invoke(addr Sym, args ...uintptr) uintptr {
	r1, _, _ := purego.SyscallN(uintptr(addr), args...)
	return r1
}

func (l *dlLibrary) Bind(fptr any, addr Sym) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrBadSignature, r)
		}
	}()
	purego.RegisterFunc(fptr, uintptr(addr))
	return nil
}

func (l *dlLibrary) Close() error {
	if l.handle == 0 {
		return nil
	}
	h := l.handle
	l.handle = 0
	if err := purego.Dlclose(h); err != nil {
		return fmt.Errorf("dlclose %s: %w", l.path, err)
	}
	return nil
}
