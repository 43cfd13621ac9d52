package dynso

import (
	"maps"
	"slices"

	"github.com/ZenLiuCN/fn"
)

type (
	//Sym is the address of a resolved function inside a loaded module, zero means absent.
	Sym uintptr
	// Symbols maps exported function names to their resolved addresses.
	//
	// A Symbols is only meaningful while the module that produced it stays loaded.
	Symbols map[string]Sym
)

// Names dump sorted symbol names inside Symbols
func (s Symbols) Names() []string {
	n := fn.MapKeys(s)
	slices.Sort(n)
	return n
}

// Clone returns a copy detached from the owner
func (s Symbols) Clone() Symbols {
	if s == nil {
		return Symbols{}
	}
	return maps.Clone(s)
}
