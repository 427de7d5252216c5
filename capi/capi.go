//go:build cgo

// Command capi builds as a C shared/archive library (`go build
// -buildmode=c-shared`) exposing C-linkage wrappers for the
// profiler's verbs (spec §6.6): enable, disable, start, stop, save,
// synchronize, setStoreTrace, setStoreMemory, each taking
// null-terminated strings so a host C/Fortran application can drive
// the engine without a Go runtime of its own beyond this shared
// library. package main is required by c-shared buildmode; this is a
// build target alongside cmd/, not an importable package.
//
// One ThreadHandle is attached per calling OS thread on first use and
// cached in a map keyed by pthread_self(), since C callers have no
// Go-side concept of "attach once at startup" the way a pure-Go
// caller does.
package main

/*
#include <pthread.h>
*/
import "C"

import (
	"context"
	"sync"

	timerutility "github.com/AdvancedMultiPhysics/TimerUtility-sub000"
	"github.com/AdvancedMultiPhysics/TimerUtility-sub000/internal/timer"
)

var (
	handlesMu sync.Mutex
	handles   = map[uintptr]*timer.ThreadHandle{}
)

// threadHandle keys the cached ThreadHandle by pthread_self(), stable
// for the lifetime of the calling OS thread. A host that calls this
// library from a fixed pool of pthreads (the common OpenMP/pthread HPC
// pattern) gets one handle per thread automatically, matching the
// implicit thread-local attach the source relies on.
func threadHandle() *timer.ThreadHandle {
	key := uintptr(C.pthread_self())
	handlesMu.Lock()
	defer handlesMu.Unlock()
	if h, ok := handles[key]; ok {
		return h
	}
	h := timer.Default().Attach()
	handles[key] = h
	return h
}

func goString(s *C.char) string {
	if s == nil {
		return ""
	}
	return C.GoString(s)
}

//export ProfilerEnable
func ProfilerEnable(level C.int) C.int {
	if err := timer.Default().Enable(int(level)); err != nil {
		return -1
	}
	return 0
}

//export ProfilerDisable
func ProfilerDisable() {
	timer.Default().Disable()
}

//export ProfilerSetStoreTrace
func ProfilerSetStoreTrace(enabled C.int) {
	timer.Default().SetStoreTrace(enabled != 0)
}

//export ProfilerSetStoreMemory
func ProfilerSetStoreMemory(level C.int) {
	timer.Default().SetStoreMemory(timer.MemoryLevel(level))
}

//export ProfilerStart
func ProfilerStart(message, file *C.char, line, level C.int) C.int {
	h := threadHandle()
	id := timer.NewRegionID(goString(message), goString(file), int(line))
	if _, err := h.Start(id, goString(message), goString(file), int(line), int(level)); err != nil {
		return -1
	}
	return 0
}

//export ProfilerStop
func ProfilerStop(message, file *C.char, line, level C.int) C.int {
	h := threadHandle()
	id := timer.NewRegionID(goString(message), goString(file), int(line))
	if err := h.Stop(id, int(level), timer.TraceUseDefault); err != nil {
		return -1
	}
	return 0
}

//export ProfilerSynchronize
func ProfilerSynchronize() C.int {
	if err := timer.Default().Synchronize(context.Background()); err != nil {
		return -1
	}
	return 0
}

//export ProfilerSave
func ProfilerSave(filename *C.char, global C.int) C.int {
	if err := timerutility.Save(context.Background(), goString(filename), global != 0); err != nil {
		return -1
	}
	return 0
}

func main() {}
