package dynso

import (
	"debug/elf"
	"io"
	"io/fs"
	"os"
	"slices"
	"time"

	"github.com/ZenLiuCN/fn"
)

// CopyFile from src to dest with optional src file info
func CopyFile(src string, dest string, si fs.FileInfo) (err error) {
	sf, err := os.Open(src)
	if err != nil {
		return err
	}
	defer fn.IgnoreClose(sf)()
	df, err := os.Create(dest)
	if err != nil {
		return err
	}
	_, err = io.Copy(df, sf)
	if e := df.Close(); err == nil {
		err = e
	}
	if err != nil {
		return
	}
	if si == nil {
		if si, err = sf.Stat(); err != nil {
			return
		}
	}
	return os.Chmod(dest, si.Mode())
}

// StatFunc reports the last modification time of a file.
type StatFunc func(path string) (time.Time, error)

// ModTime is the default StatFunc.
func ModTime(path string) (time.Time, error) {
	si, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return si.ModTime(), nil
}

// Inspect lists the exported function names of a module file without loading it
func Inspect(path string) ([]string, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer fn.IgnoreClose(f)()
	syms, err := f.DynamicSymbols()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) == elf.STT_FUNC && s.Section != elf.SHN_UNDEF && s.Name != "" {
			out = append(out, s.Name)
		}
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}
