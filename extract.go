package dynso

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
)

type (
	// DynEntry is one tag/value pair of a dynamic section.
	DynEntry struct {
		Tag elf.DynTag
		Val uint64
	}
	// LinkMap is the loader's view of one loaded object: its load base and dynamic section.
	LinkMap struct {
		Base    uintptr
		Name    string
		Dynamic []DynEntry
	}
	// Resolver resolves a symbol name to its address, zero when unresolvable.
	Resolver func(name string) Sym
)

const (
	sym64Size = 24
	// longest symbol name read from a string table without DT_STRSZ
	maxNameLen = 4096
)

// value of the first entry with tag, ok is false when absent.
func (l *LinkMap) value(tag elf.DynTag) (v uint64, ok bool) {
	for _, e := range l.Dynamic {
		if e.Tag == tag {
			return e.Val, true
		}
	}
	return 0, false
}

// pointer rebases an address entry. Loaders that keep the dynamic section
// read-only leave the link-time offsets in place.
func (l *LinkMap) pointer(v uint64) uint64 {
	if v < uint64(l.Base) {
		return v + uint64(l.Base)
	}
	return v
}

type symbolTable struct {
	mem    io.ReaderAt
	order  binary.ByteOrder
	symtab uint64
	strtab uint64
	strsz  uint64
	syment uint64
}

// ExtractSymbols walks the dynamic section of lm and resolves every defined
// function entry of its symbol table through resolve.
//
// mem reads the address space lm describes. The result is complete or an error.
func ExtractSymbols(lm *LinkMap, mem io.ReaderAt, resolve Resolver) (Symbols, error) {
	t := symbolTable{mem: mem, order: binary.NativeEndian}
	var hasSym, hasStr, hasEnt bool
	var hash, gnuHash uint64
	for _, e := range lm.Dynamic {
		switch e.Tag {
		case elf.DT_NULL:
		case elf.DT_SYMTAB:
			t.symtab, hasSym = lm.pointer(e.Val), true
		case elf.DT_STRTAB:
			t.strtab, hasStr = lm.pointer(e.Val), true
		case elf.DT_SYMENT:
			t.syment, hasEnt = e.Val, true
		case elf.DT_STRSZ:
			t.strsz = e.Val
		case elf.DT_HASH:
			hash = lm.pointer(e.Val)
		case elf.DT_GNU_HASH:
			gnuHash = lm.pointer(e.Val)
		}
	}
	switch {
	case !hasSym:
		return nil, &LoadError{Kind: MissingSection, Path: lm.Name, Cause: fmt.Errorf("no %s", elf.DT_SYMTAB)}
	case !hasStr:
		return nil, &LoadError{Kind: MissingSection, Path: lm.Name, Cause: fmt.Errorf("no %s", elf.DT_STRTAB)}
	case !hasEnt || t.syment == 0:
		return nil, &LoadError{Kind: MissingSection, Path: lm.Name, Cause: fmt.Errorf("no %s", elf.DT_SYMENT)}
	case t.syment < sym64Size:
		return nil, fmt.Errorf("extract %s: symbol entry size %d too small", lm.Name, t.syment)
	}
	var count uint64
	var err error
	switch {
	case hash != 0:
		count, err = t.hashCount(hash)
	case gnuHash != 0:
		count, err = t.gnuHashCount(gnuHash)
	default:
		if t.strtab <= t.symtab {
			return nil, fmt.Errorf("extract %s: string table precedes symbol table", lm.Name)
		}
		count = (t.strtab - t.symtab) / t.syment
	}
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", lm.Name, err)
	}
	out := make(Symbols)
	for i := uint64(0); i < count; i++ {
		var s elf.Sym64
		if err = t.read(t.symtab+i*t.syment, &s); err != nil {
			return nil, fmt.Errorf("extract %s: symbol %d: %w", lm.Name, i, err)
		}
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || elf.SectionIndex(s.Shndx) == elf.SHN_UNDEF {
			continue
		}
		name, err := t.name(s.Name)
		if err != nil {
			return nil, fmt.Errorf("extract %s: symbol %d: %w", lm.Name, i, err)
		}
		if name == "" {
			continue
		}
		if addr := resolve(name); addr != 0 {
			out[name] = addr
		}
	}
	return out, nil
}

func (t *symbolTable) read(addr uint64, v any) error {
	return binary.Read(io.NewSectionReader(t.mem, int64(addr), int64(binary.Size(v))), t.order, v)
}

// hashCount reads nchain of a SysV hash table, which equals the symbol count.
func (t *symbolTable) hashCount(addr uint64) (uint64, error) {
	var hdr [2]uint32
	if err := t.read(addr, &hdr); err != nil {
		return 0, fmt.Errorf("hash table: %w", err)
	}
	return uint64(hdr[1]), nil
}

// gnuHashCount finds the highest symbol index reachable from a GNU hash table.
func (t *symbolTable) gnuHashCount(addr uint64) (uint64, error) {
	var hdr struct {
		NBuckets  uint32
		SymOffset uint32
		BloomSize uint32
		Shift     uint32
	}
	if err := t.read(addr, &hdr); err != nil {
		return 0, fmt.Errorf("gnu hash table: %w", err)
	}
	buckets := addr + 16 + uint64(hdr.BloomSize)*8
	chains := buckets + uint64(hdr.NBuckets)*4
	last := uint32(0)
	for i := uint32(0); i < hdr.NBuckets; i++ {
		var b uint32
		if err := t.read(buckets+uint64(i)*4, &b); err != nil {
			return 0, fmt.Errorf("gnu hash bucket %d: %w", i, err)
		}
		last = max(last, b)
	}
	if last < hdr.SymOffset {
		return uint64(hdr.SymOffset), nil
	}
	for {
		var c uint32
		if err := t.read(chains+uint64(last-hdr.SymOffset)*4, &c); err != nil {
			return 0, fmt.Errorf("gnu hash chain %d: %w", last, err)
		}
		last++
		if c&1 != 0 {
			return uint64(last), nil
		}
	}
}

func (t *symbolTable) name(off uint32) (string, error) {
	limit := uint64(maxNameLen)
	if t.strsz != 0 {
		if uint64(off) >= t.strsz {
			return "", fmt.Errorf("name offset %d beyond string table", off)
		}
		limit = min(limit, t.strsz-uint64(off))
	}
	buf := make([]byte, limit)
	n, err := t.mem.ReadAt(buf, int64(t.strtab+uint64(off)))
	if n == 0 && err != nil {
		return "", err
	}
	buf = buf[:n]
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		return string(buf[:i]), nil
	}
	return "", fmt.Errorf("unterminated name at offset %d", off)
}
