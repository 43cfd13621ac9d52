package dynso

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// module owns one load of the module file and the symbols resolved from it.
type module struct {
	path    string // the watched file
	image   string // the file actually opened, a shadow copy or path
	lib     Library
	modTime time.Time
	symbols Symbols
	gen     uint64
}

// openModule loads path and extracts its exports. On failure nothing stays loaded.
func openModule(o *options, path string, gen uint64) (m *module, err error) {
	mt, err := o.stat(path)
	if err != nil {
		return nil, &LoadError{Kind: OpenFailed, Path: path, Cause: err}
	}
	m = &module{path: path, image: path, modTime: mt, gen: gen}
	if o.shadowDir != "" {
		m.image = filepath.Join(o.shadowDir, shadowName(path, gen))
		if err = CopyFile(path, m.image, nil); err != nil {
			_ = os.Remove(m.image)
			return nil, &LoadError{Kind: OpenFailed, Path: path, Cause: fmt.Errorf("shadow copy: %w", err)}
		}
	}
	if m.lib, err = o.open(m.image); err != nil {
		m.removeShadow()
		return nil, err
	}
	if m.symbols, err = m.lib.Exports(); err != nil {
		_ = m.release()
		return nil, err
	}
	return m, nil
}

func shadowName(path string, gen uint64) string {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	return base[:len(base)-len(ext)] + "." + strconv.FormatUint(gen, 10) + ext
}

func (m *module) removeShadow() {
	if m.image == m.path {
		return
	}
	if err := os.Remove(m.image); err != nil && !os.IsNotExist(err) {
		Logger().Warn("remove shadow copy", zap.String("image", m.image), zap.Error(err))
	}
}

// fetch the address of name, zero when absent.
func (m *module) fetch(name string) Sym {
	return m.symbols[name]
}

// release unloads the library. Repeated calls do nothing.
func (m *module) release() error {
	if m.lib == nil {
		return nil
	}
	lib := m.lib
	m.lib = nil
	m.symbols = nil
	err := lib.Close()
	m.removeShadow()
	return err
}
