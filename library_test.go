package dynso

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticLibrary(t *testing.T) {
	closed := 0
	lib := NewStaticLibrary(map[string]any{
		"add":  func(a, b int32) int32 { return a + b },
		"neg":  func(a int64) int64 { return -a },
		"noop": func() {},
		"name": func() string { return "static" },
	})
	lib.OnClose = func() { closed++ }

	syms, err := lib.Exports()
	require.NoError(t, err)
	assert.Equal(t, []string{"add", "name", "neg", "noop"}, syms.Names())
	assert.Zero(t, lib.Lookup("missing"))

	assert.Equal(t, uintptr(5), lib.Invoke(lib.Lookup("add"), 2, 3))
	assert.Equal(t, int64(-7), int64(lib.Invoke(lib.Lookup("neg"), 7)))
	assert.Zero(t, lib.Invoke(lib.Lookup("noop")))
	assert.Panics(t, func() { lib.Invoke(lib.Lookup("name")) })
	assert.Panics(t, func() { lib.Invoke(lib.Lookup("add"), 1) })

	var name func() string
	require.NoError(t, lib.Bind(&name, lib.Lookup("name")))
	assert.Equal(t, "static", name())
	var wrong func() int
	assert.ErrorIs(t, lib.Bind(&wrong, lib.Lookup("name")), ErrBadSignature)
	assert.ErrorIs(t, lib.Bind(wrong, lib.Lookup("name")), ErrBadSignature)

	require.NoError(t, lib.Close())
	require.NoError(t, lib.Close())
	assert.Equal(t, 1, closed)
	assert.True(t, lib.Closed())
	assert.Panics(t, func() { lib.Invoke(syms["add"], 1, 2) })
}

func TestStaticLibraryRejectsValues(t *testing.T) {
	assert.Panics(t, func() { NewStaticLibrary(map[string]any{"answer": 42}) })
}

func TestSymbols(t *testing.T) {
	s := Symbols{"b": 2, "a": 1}
	assert.Equal(t, []string{"a", "b"}, s.Names())
	c := s.Clone()
	c["c"] = 3
	assert.Len(t, s, 2)
	assert.NotNil(t, Symbols(nil).Clone())
}
