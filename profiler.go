// Package timerutility is an in-process instrumentation profiler for
// long-running scientific/HPC applications: nested start/stop timers
// keyed by (message, file[, line]), optional per-call trace logs and
// memory samples, and cross-rank result gathering. See SPEC_FULL.md
// for the full module breakdown; this file is a thin, documented
// façade over internal/timer so host code has one import instead of
// five.
package timerutility

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/AdvancedMultiPhysics/TimerUtility-sub000/internal/collective"
	"github.com/AdvancedMultiPhysics/TimerUtility-sub000/internal/memstat"
	"github.com/AdvancedMultiPhysics/TimerUtility-sub000/internal/plog"
	"github.com/AdvancedMultiPhysics/TimerUtility-sub000/internal/timer"
	"github.com/AdvancedMultiPhysics/TimerUtility-sub000/internal/timerfile"
)

// TimerMemoryResults is the full exportable snapshot Save writes and
// Load reads back (spec §3 Results model, §4.1 save/load).
type TimerMemoryResults = timer.TimerMemoryResults

// Re-exported types host code needs at the call site.
type (
	RegionID      = timer.RegionID
	ThreadHandle  = timer.ThreadHandle
	ScopedTimer   = timer.ScopedTimer
	Trace         = timer.Trace
	TimerResults  = timer.TimerResults
	TraceResult   = timer.TraceResult
	MemoryResults = timer.MemoryResults
	MemoryLevel   = timer.MemoryLevel
	Collective    = collective.Collective
)

// MemoryLevel values.
const (
	MemNone  = timer.MemNone
	MemPause = timer.MemPause
	MemFast  = timer.MemFast
	MemFull  = timer.MemFull
)

// NewRegionID computes a region's deterministic id from its message,
// file, and optional line (spec §3/§4.2). Most callers obtain ids once
// at package-init time and reuse them on every Start/Stop call.
func NewRegionID(message, file string, line int) RegionID {
	return timer.NewRegionID(message, file, line)
}

// Init installs the process-wide profiler with a real memory
// accounter and a go-logger-backed diagnostic logger, optionally
// wired to a cross-rank Collective (pass nil for single-process use).
// Call once at program startup, before any Attach/Enable.
func Init(coll Collective) {
	timer.SetDefault(timer.New(plog.Default(), memstat.New(), coll))
}

// Default returns the process-wide profiler singleton, constructing a
// single-process instance with a real memory accounter on first use if
// Init was never called.
func Default() *timer.Profiler {
	p := timer.Default()
	return p
}

// Enable turns timing on at the given detail level (0..127); levels
// above it are no-ops, letting hot inner loops stay instrumented
// without being charged at low detail settings.
func Enable(level int) error { return Default().Enable(level) }

// Disable turns timing off and clears all recorded data.
func Disable() { Default().Disable() }

// Attach registers the calling logical thread of execution and
// returns a handle scoped to it. Call once per goroutine that will
// time regions (spec §9's explicit substitute for implicit
// thread-local storage).
func Attach() *ThreadHandle { return Default().Attach() }

// Synchronize barriers across every rank of the configured Collective
// and computes each rank's wall-clock shift so Save's global=true path
// can align timestamps (spec §4.1).
func Synchronize(ctx context.Context) error { return Default().Synchronize(ctx) }

// GetTimerResults snapshots every timer across every attached thread.
func GetTimerResults() []TimerResults { return timer.GetTimerResults(Default()) }

// GetMemoryResults merges every attached thread's memory samples into
// one run-length-compressed series.
func GetMemoryResults() MemoryResults { return timer.GetMemoryResults(Default()) }

// Save writes the profiler's current state to disk, matching spec §4.1
// and §6.1's file-naming scheme: per-rank mode (global=false) writes
// "prefix.<rank+1>.timer"/".trace"/".memory" directly from this rank's
// own snapshot; global mode gathers every rank's snapshot to rank 0 via
// internal/timer.GatherGlobal (internal/collective.GatherBytes under
// the hood) and writes only "prefix.0.*", from rank 0. Non-zero ranks
// return nil immediately in global mode, since they have nothing left
// to write. The .trace/.memory files are only written when tracing or
// memory sampling is actually enabled, matching the source's
// trace_data/memory_data header flags.
func Save(ctx context.Context, prefix string, global bool) error {
	p := Default()
	storeTrace := p.StoreTraceEnabled()
	storeMemory := p.MemoryLevelNow() != MemNone
	local := timer.Snapshot(p, p.WalltimeNow())

	rank := p.Collective().Rank()
	if global {
		merged, err := timer.GatherGlobal(ctx, p, local)
		if err != nil {
			return fmt.Errorf("timerutility: save: gather: %w", err)
		}
		if rank != 0 {
			return nil
		}
		return writeResultFiles(fmt.Sprintf("%s.0", prefix), merged, 0, storeTrace, storeMemory)
	}
	return writeResultFiles(fmt.Sprintf("%s.%d", prefix, rank+1), local, rank, storeTrace, storeMemory)
}

func writeResultFiles(base string, data TimerMemoryResults, rank int, storeTrace, storeMemory bool) error {
	timerFile, err := os.Create(base + ".timer")
	if err != nil {
		return fmt.Errorf("timerutility: save: %w", err)
	}
	defer timerFile.Close()
	if err := timerfile.WriteTimer(timerFile, data.Timers, data.NProcs, rank, data.Walltime,
		storeTrace, storeMemory, time.Now()); err != nil {
		return fmt.Errorf("timerutility: save: writing %s: %w", base+".timer", err)
	}

	if storeTrace {
		traceFile, err := os.Create(base + ".trace")
		if err != nil {
			return fmt.Errorf("timerutility: save: %w", err)
		}
		defer traceFile.Close()
		if err := timerfile.WriteTrace(traceFile, data.Timers); err != nil {
			return fmt.Errorf("timerutility: save: writing %s: %w", base+".trace", err)
		}
	}

	if storeMemory {
		memoryFile, err := os.Create(base + ".memory")
		if err != nil {
			return fmt.Errorf("timerutility: save: %w", err)
		}
		defer memoryFile.Close()
		if err := timerfile.WriteMemory(memoryFile, data.Memory); err != nil {
			return fmt.Errorf("timerutility: save: writing %s: %w", base+".memory", err)
		}
	}
	return nil
}

// Load reads back a save produced by Save, matching spec §4.1 and the
// source's ProfilerApp::load(filename, rank, global):
//   - global=true loads "prefix.0.*" alone; rank=-1 keeps every rank's
//     data, otherwise the result is filtered down to just that rank.
//   - global=false with rank=-1 loads "prefix.1.*" to discover N_procs,
//     then loads and folds in every other rank's file via
//     timer.MergeTimerResults.
//   - global=false with rank>=0 loads exactly "prefix.<rank+1>.*".
func Load(prefix string, rank int, global bool) (TimerMemoryResults, error) {
	if global {
		data, err := loadResultFiles(fmt.Sprintf("%s.0", prefix))
		if err != nil {
			return TimerMemoryResults{}, err
		}
		if rank != -1 {
			data = timer.FilterRank(data, rank)
		}
		return data, nil
	}
	if rank != -1 {
		return loadResultFiles(fmt.Sprintf("%s.%d", prefix, rank+1))
	}
	first, err := loadResultFiles(fmt.Sprintf("%s.1", prefix))
	if err != nil {
		return TimerMemoryResults{}, err
	}
	all := []TimerMemoryResults{first}
	for i := 2; i <= first.NProcs; i++ {
		next, err := loadResultFiles(fmt.Sprintf("%s.%d", prefix, i))
		if err != nil {
			return TimerMemoryResults{}, err
		}
		all = append(all, next)
	}
	return timer.MergeTimerResults(all), nil
}

func loadResultFiles(base string) (TimerMemoryResults, error) {
	timerFile, err := os.Open(base + ".timer")
	if err != nil {
		return TimerMemoryResults{}, fmt.Errorf("timerutility: load: %w", err)
	}
	defer timerFile.Close()
	pf, err := timerfile.ReadTimer(timerFile)
	if err != nil {
		return TimerMemoryResults{}, fmt.Errorf("timerutility: load: reading %s: %w", base+".timer", err)
	}

	data := TimerMemoryResults{
		NProcs:   pf.Header.NProcs,
		Walltime: pf.Header.Walltime,
		Timers:   convertParsedTimers(pf.Timers),
	}

	if pf.Header.StoreTrace {
		traceFile, err := os.Open(base + ".trace")
		if err != nil {
			return TimerMemoryResults{}, fmt.Errorf("timerutility: load: %w", err)
		}
		defer traceFile.Close()
		blocks, err := timerfile.ReadTrace(traceFile)
		if err != nil {
			return TimerMemoryResults{}, fmt.Errorf("timerutility: load: reading %s: %w", base+".trace", err)
		}
		applyTraceBlocks(data.Timers, blocks)
	}

	if pf.Header.StoreMemory {
		memoryFile, err := os.Open(base + ".memory")
		if err != nil {
			return TimerMemoryResults{}, fmt.Errorf("timerutility: load: %w", err)
		}
		defer memoryFile.Close()
		mem, err := timerfile.ReadMemory(memoryFile)
		if err != nil {
			return TimerMemoryResults{}, fmt.Errorf("timerutility: load: reading %s: %w", base+".memory", err)
		}
		data.Memory = mem
	}
	return data, nil
}

// convertParsedTimers turns the .timer file's text-format entries back
// into the engine's native, nanosecond-scaled TimerResults tree.
func convertParsedTimers(parsed []timerfile.Timer) []TimerResults {
	out := make([]TimerResults, len(parsed))
	for i, t := range parsed {
		tr := TimerResults{ID: t.ID, Line: int64(t.Line), Message: t.Message, File: t.File, Path: t.Path}
		tr.Trace = make([]TraceResult, len(t.Traces))
		for j, te := range t.Traces {
			tr.Trace[j] = TraceResult{
				ID: t.ID, Thread: te.Thread, Rank: te.Rank,
				N: te.N, Min: sec2ns(te.Min), Max: sec2ns(te.Max), Tot: sec2ns(te.Tot),
				Stack: te.Stack, Stack2: te.Stack2,
			}
		}
		out[i] = tr
	}
	return out
}

// applyTraceBlocks folds each .trace file block's detailed call log
// back into the matching TraceResult, found by (id, thread, rank,
// stack), matching load_trace's lookup in the source. The rank must
// be part of the match: a global save's merged Timers carry one
// TraceResult per rank for a shared id, and a global .trace file
// likewise carries one block per rank, so matching on (thread, stack)
// alone would cross-wire one rank's detailed call log onto another
// rank's TraceResult whenever both ranks reused the same thread id.
func applyTraceBlocks(timers []TimerResults, blocks []timerfile.TraceBlock) {
	index := make(map[RegionID][]int, len(timers))
	for i, tr := range timers {
		index[tr.ID] = append(index[tr.ID], i)
	}
	for _, b := range blocks {
		for _, ti := range index[b.ID] {
			tr := &timers[ti]
			for j := range tr.Trace {
				if tr.Trace[j].Thread == b.Thread && tr.Trace[j].Rank == b.Rank && tr.Trace[j].Stack == b.Stack {
					tr.Trace[j].Times = b.Times
					break
				}
			}
		}
	}
}

func sec2ns(sec float64) uint64 { return uint64(sec*1e9 + 0.5) }
