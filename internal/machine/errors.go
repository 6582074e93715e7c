package machine

import "github.com/pgflowd/pgflow/internal/perr"

// errRuntimeClosed is returned by SpawnWorker once Free has been called.
var errRuntimeClosed = perr.New(perr.KindFatal, "runtime is closed")

// duplicateWorkerError reports that a worker name is already in use.
func duplicateWorkerError(name string) error {
	return perr.New(perr.KindFatal, "worker \""+name+"\" already exists")
}

// errUnknownWorker reports that WaitWorker was called with a name that was
// never passed to SpawnWorker on this Runtime.
func errUnknownWorker(name string) error {
	return perr.New(perr.KindFatal, "unknown worker \""+name+"\"")
}
