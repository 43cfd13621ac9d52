/*
Package dynso keeps a native shared library loaded and reloads it whenever the file changes on disk.

# Underwater

 1. Modules are opened with the platform dynamic loader through [purego], no cgo needed.
 2. Exported functions are read from the dynamic section of the loaded image, so a module is
    enumerated without opening its file a second time.
 3. Calls share a readers-writer lock with the reloader. A reload waits for calls in flight, and a
    waiting reload keeps new calls out, so a call never sees a half swapped module.
 4. Changes are found by polling the modification time, optionally nudged by [fsnotify] events.

# Notes

 1. Only linux on amd64 and arm64 opens real libraries. Other platforms can still use [StaticLibrary]
    or their own [Opener].
 2. The loader caches handles by path. Old handles are closed before the file is opened again,
    or use [WithShadowCopy] to open a private copy per load.
 3. Addresses and bound functions are only valid until the next reload. Fetch them for each use,
    or hold one module with [Reloader.Do].
 4. A callee that never returns stalls reloads.

# Command

	go install github.com/ZenLiuCN/dynso/cmd/dynso@latest

See the cli help for inspect, functions, call and watch:

	dynso -h

[purego]: https://github.com/ebitengine/purego
[fsnotify]: https://github.com/fsnotify/fsnotify
*/
package dynso
