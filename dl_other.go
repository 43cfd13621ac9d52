//go:build !(linux && (amd64 || arm64))

package dynso

import (
	"fmt"
	"runtime"
)

// OpenLibrary is unavailable on this platform, use WithOpener and a StaticLibrary instead.
func OpenLibrary(path string) (Library, error) {
	return nil, &LoadError{Kind: OpenFailed, Path: path, Cause: fmt.Errorf("no dynamic section support on %s/%s", runtime.GOOS, runtime.GOARCH)}
}
