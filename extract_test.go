package dynso

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// image is a fake address space starting at base.
type image struct {
	base uint64
	data []byte
}

func (m *image) ReadAt(p []byte, off int64) (int, error) {
	if uint64(off) < m.base || uint64(off) >= m.base+uint64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[uint64(off)-m.base:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *image) put(addr uint64, v any) {
	b := new(bytes.Buffer)
	if err := binary.Write(b, binary.NativeEndian, v); err != nil {
		panic(err)
	}
	copy(m.data[addr-m.base:], b.Bytes())
}

const (
	imgBase    = 0x10000
	imgSymtab  = imgBase + 0x40
	imgStrtab  = imgSymtab + 5*sym64Size
	imgHash    = imgBase + 0x200
	imgGnuHash = imgBase + 0x300
	imgStrings = "\x00add\x00counter\x00puts\x00sub\x00"
)

type hashStyle int

const (
	noHash hashStyle = iota
	sysvHash
	gnuHash
)

// newImage lays out 5 symbols: null, add (function), counter (object),
// puts (undefined function) and sub (function).
func newImage(style hashStyle) (*image, *LinkMap) {
	m := &image{base: imgBase, data: make([]byte, 0x400)}
	info := func(t elf.SymType) uint8 { return elf.ST_INFO(elf.STB_GLOBAL, t) }
	syms := []elf.Sym64{
		{},
		{Name: 1, Info: info(elf.STT_FUNC), Shndx: 9, Value: 0x1000},
		{Name: 5, Info: info(elf.STT_OBJECT), Shndx: 20, Value: 0x4000},
		{Name: 13, Info: info(elf.STT_FUNC), Shndx: uint16(elf.SHN_UNDEF)},
		{Name: 18, Info: info(elf.STT_FUNC), Shndx: 9, Value: 0x1010},
	}
	for i, s := range syms {
		m.put(imgSymtab+uint64(i)*sym64Size, s)
	}
	copy(m.data[imgStrtab-imgBase:], imgStrings)
	lm := &LinkMap{Base: imgBase, Name: "fake.so", Dynamic: []DynEntry{
		{Tag: elf.DT_SYMTAB, Val: imgSymtab},
		{Tag: elf.DT_STRTAB, Val: imgStrtab},
		{Tag: elf.DT_SYMENT, Val: sym64Size},
		{Tag: elf.DT_STRSZ, Val: uint64(len(imgStrings))},
	}}
	switch style {
	case sysvHash:
		m.put(imgHash, [2]uint32{1, 5})
		lm.Dynamic = append(lm.Dynamic, DynEntry{Tag: elf.DT_HASH, Val: imgHash})
	case gnuHash:
		// nbuckets, symoffset, bloom size, shift, bloom word, one bucket, chains of 1..4
		m.put(imgGnuHash, [4]uint32{1, 1, 1, 6})
		m.put(imgGnuHash+16, uint64(0xffff))
		m.put(imgGnuHash+24, uint32(1))
		m.put(imgGnuHash+28, [4]uint32{2, 4, 6, 9})
		lm.Dynamic = append(lm.Dynamic, DynEntry{Tag: elf.DT_GNU_HASH, Val: imgGnuHash})
	}
	return m, lm
}

var fakeAddrs = map[string]Sym{"add": 0x11000, "sub": 0x11010, "puts": 0x9000, "counter": 0x14000}

func fakeResolve(name string) Sym {
	return fakeAddrs[name]
}

func TestExtractSymbols(t *testing.T) {
	for name, style := range map[string]hashStyle{"adjacent": noHash, "sysv": sysvHash, "gnu": gnuHash} {
		t.Run(name, func(t *testing.T) {
			mem, lm := newImage(style)
			syms, err := ExtractSymbols(lm, mem, fakeResolve)
			require.NoError(t, err)
			assert.Equal(t, Symbols{"add": 0x11000, "sub": 0x11010}, syms)
		})
	}
}

func TestExtractSymbolsRebase(t *testing.T) {
	mem, lm := newImage(gnuHash)
	for i, e := range lm.Dynamic {
		if e.Tag != elf.DT_SYMENT && e.Tag != elf.DT_STRSZ {
			lm.Dynamic[i].Val -= imgBase
		}
	}
	syms, err := ExtractSymbols(lm, mem, fakeResolve)
	require.NoError(t, err)
	assert.Equal(t, []string{"add", "sub"}, syms.Names())
}

func TestExtractSymbolsUnresolved(t *testing.T) {
	mem, lm := newImage(sysvHash)
	syms, err := ExtractSymbols(lm, mem, func(name string) Sym {
		if name == "sub" {
			return 0
		}
		return fakeResolve(name)
	})
	require.NoError(t, err)
	assert.Equal(t, Symbols{"add": 0x11000}, syms)
}

func TestExtractSymbolsMissingSection(t *testing.T) {
	for _, tag := range []elf.DynTag{elf.DT_SYMTAB, elf.DT_STRTAB, elf.DT_SYMENT} {
		t.Run(tag.String(), func(t *testing.T) {
			mem, lm := newImage(noHash)
			var kept []DynEntry
			for _, e := range lm.Dynamic {
				if e.Tag != tag {
					kept = append(kept, e)
				}
			}
			lm.Dynamic = kept
			syms, err := ExtractSymbols(lm, mem, fakeResolve)
			assert.Nil(t, syms)
			require.ErrorIs(t, err, ErrMissingSection)
			var le *LoadError
			require.ErrorAs(t, err, &le)
			assert.Equal(t, MissingSection, le.Kind)
			assert.Equal(t, "fake.so", le.Path)
		})
	}
}

func TestExtractSymbolsUnreadable(t *testing.T) {
	mem, lm := newImage(sysvHash)
	mem.put(imgHash, [2]uint32{1, 64})
	_, err := ExtractSymbols(lm, mem, fakeResolve)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMissingSection)
}
