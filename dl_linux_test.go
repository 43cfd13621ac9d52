//go:build linux && (amd64 || arm64)

package dynso

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ZenLiuCN/fn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// compile builds a shared library at out, skipping when no C compiler exists.
func compile(t *testing.T, out string, offset int) {
	t.Helper()
	cc, err := exec.LookPath("cc")
	if err != nil {
		t.Skip("no C compiler")
	}
	cmd := exec.Command(cc, "-shared", "-fPIC", "-DOFFSET="+strconv.Itoa(offset), "-o", out, "testdata/mod.c")
	b, err := cmd.CombinedOutput()
	require.NoError(t, err, string(b))
}

// mapped reports whether a file under dir is mapped into the process.
func mapped(t *testing.T, dir string) bool {
	t.Helper()
	maps, err := os.ReadFile("/proc/self/maps")
	require.NoError(t, err)
	return strings.Contains(string(maps), dir+string(filepath.Separator))
}

func TestOpenLibrary(t *testing.T) {
	p := filepath.Join(t.TempDir(), "libmod.so")
	compile(t, p, 0)

	lib, err := OpenLibrary(p)
	require.NoError(t, err)
	defer fn.IgnoreClose(lib)()
	assert.True(t, mapped(t, filepath.Dir(p)))

	syms, err := lib.Exports()
	require.NoError(t, err)
	names := syms.Names()
	assert.Contains(t, names, "add")
	assert.Contains(t, names, "sub")
	assert.Contains(t, names, "calls")
	assert.NotContains(t, names, "counter")
	assert.NotContains(t, names, "hidden")
	onDisk, err := Inspect(p)
	require.NoError(t, err)
	assert.Subset(t, onDisk, names)
	assert.Equal(t, lib.Lookup("add"), syms["add"])

	assert.Equal(t, uintptr(5), lib.Invoke(syms["add"], 2, 3))
	var sub func(a, b int32) int32
	require.NoError(t, lib.Bind(&sub, syms["sub"]))
	assert.Equal(t, int32(-1), sub(2, 3))
	assert.Equal(t, uintptr(1), lib.Invoke(syms["calls"]))

	require.NoError(t, lib.Close())
	require.NoError(t, lib.Close())
	assert.Zero(t, lib.Lookup("add"))
	assert.False(t, mapped(t, filepath.Dir(p)), "closed library still mapped")
}

func TestOpenLibraryFailure(t *testing.T) {
	_, err := OpenLibrary(filepath.Join(t.TempDir(), "missing.so"))
	assert.ErrorIs(t, err, ErrOpenFailed)

	p := filepath.Join(t.TempDir(), "garbage.so")
	require.NoError(t, os.WriteFile(p, []byte("not an elf file"), 0o644))
	_, err = OpenLibrary(p)
	assert.ErrorIs(t, err, ErrOpenFailed)
}

func TestReloaderNative(t *testing.T) {
	for name, shadow := range map[string]bool{"in place": false, "shadow copy": true} {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			p := filepath.Join(dir, "libmod.so")
			compile(t, p, 0)
			images := dir
			opts := []Option{WithInterval(10 * time.Millisecond)}
			if shadow {
				images = t.TempDir()
				opts = append(opts, WithShadowCopy(images))
			}
			r, err := New(p, opts...)
			require.NoError(t, err)
			closeAtEnd(t, r)

			v, err := r.Invoke("add", 2, 3)
			require.NoError(t, err)
			assert.Equal(t, uintptr(5), v)
			require.NoError(t, Call(r, "sub", func(sub func(a, b int32) int32) error {
				assert.Equal(t, int32(4), sub(7, 3))
				return nil
			}))

			next := filepath.Join(dir, "next.so")
			compile(t, next, 1)
			at := time.Now().Add(time.Minute)
			require.NoError(t, os.Chtimes(next, at, at))
			require.NoError(t, os.Rename(next, p))
			require.Eventually(t, func() bool {
				v, err := r.Invoke("add", 2, 3)
				return err == nil && v == 6
			}, 5*time.Second, 10*time.Millisecond)
			assert.Equal(t, uint64(2), r.Generation())
			v, err = r.Invoke("calls")
			require.NoError(t, err)
			assert.Equal(t, uintptr(1), v, "state starts over with the new module")

			require.NoError(t, r.Close())
			assert.False(t, mapped(t, images), "closed module still mapped")
		})
	}
}
