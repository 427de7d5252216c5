// Package memstat implements timer.MemoryAccounter for a live process
// (spec §5 "Memory footprint accounting"). original_source/MemoryApp.*
// ties fast_bytes() to a running counter kept by an overridden global
// allocator and total_bytes() to host RSS; Go has no allocator-override
// hook, so this substitutes runtime.MemStats.Sys — a process-local
// figure the Go runtime already tracks with no syscall — for the
// "fast" counter, and the kernel-reported VmRSS from /proc/self/status
// for the "total"/host-reported figure, falling back to
// golang.org/x/sys/unix.Getrusage's maxrss if /proc is unavailable
// (e.g. non-Linux). The substitution is recorded in
// DESIGN.md; the two-function contract (fast_bytes/total_bytes) the
// core consumes is preserved exactly.
package memstat

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Accounter is the live-process implementation of timer.MemoryAccounter.
type Accounter struct{}

// New returns the live-process memory accounter.
func New() Accounter { return Accounter{} }

// FastBytes returns the Go runtime's own count of bytes obtained from
// the OS (runtime.MemStats.Sys: heap, stacks and runtime metadata),
// with no syscall required (spec §5's "fast"
// memory level).
func (Accounter) FastBytes() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Sys
}

// TotalBytes returns the process's resident set size as reported by
// the kernel (spec §5's "full" memory level): VmRSS from
// /proc/self/status, falling back to unix.Getrusage's maxrss when
// /proc is not mounted.
func (Accounter) TotalBytes() uint64 {
	if n, ok := vmRSSBytes(); ok {
		return n
	}
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	if ru.Maxrss < 0 {
		return 0
	}
	return uint64(ru.Maxrss) * 1024
}

func vmRSSBytes() (uint64, bool) {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return 0, false
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, false
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, false
		}
		return kb * 1024, true
	}
	return 0, false
}
