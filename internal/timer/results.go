package timer

import (
	"context"
	"sort"

	"github.com/AdvancedMultiPhysics/TimerUtility-sub000/internal/collective"
)

// TraceResult is one calling context's accounting for one timer (spec
// §3 Results tree).
type TraceResult struct {
	ID     RegionID
	Thread uint64
	Rank   int
	N      uint64
	Min    uint64 // ns
	Max    uint64 // ns
	Tot    uint64 // ns
	Stack  uint64
	Stack2 uint64
	Times  []TimePair // nil unless this trace's StoreTimes was populated
}

// TimerResults is one registered region's metadata plus every calling
// context observed for it, across every attached thread.
type TimerResults struct {
	ID      RegionID
	Line    int64
	Message string
	File    string
	Path    string
	Trace   []TraceResult
}

// MemoryResults is one rank's merged memory-usage series.
type MemoryResults struct {
	Rank  int
	Time  []uint64
	Bytes []uint64
}

// TimerMemoryResults is the full exportable snapshot: every timer's
// results plus every rank's memory series, alongside the process
// count and elapsed walltime used to compute percentages.
type TimerMemoryResults struct {
	NProcs   int
	Walltime float64 // seconds
	Timers   []TimerResults
	Memory   []MemoryResults
}

// GetTimerResults snapshots every registered timer across every
// attached thread (spec §4.1/§4.6). Still-running traces get a
// best-effort synthesized call folded into their counters without
// mutating the live Trace (spec §9).
func GetTimerResults(p *Profiler) []TimerResults {
	p.threadsMu.Lock()
	defer p.threadsMu.Unlock()
	now := p.nowNS()
	infos := p.registry.All()
	threads := p.allThreads()
	out := make([]TimerResults, 0, len(infos))
	for _, info := range infos {
		out = append(out, buildTimerResult(p, info, now, threads))
	}
	return out
}

// GetTimerResultsByID returns the snapshot for exactly one id, or
// false if it was never registered.
func GetTimerResultsByID(p *Profiler, id RegionID) (TimerResults, bool) {
	info, ok := p.registry.Lookup(id)
	if !ok {
		return TimerResults{}, false
	}
	p.threadsMu.Lock()
	defer p.threadsMu.Unlock()
	return buildTimerResult(p, info, p.nowNS(), p.allThreads()), true
}

// GetTimerResultsByMessageFile implements the message+file lookup
// variant from spec §4.1 (path ignored per spec §4.2).
func GetTimerResultsByMessageFile(p *Profiler, message, file string) (TimerResults, bool) {
	info, ok := p.registry.LookupByMessageFile(message, file)
	if !ok {
		return TimerResults{}, false
	}
	p.threadsMu.Lock()
	defer p.threadsMu.Unlock()
	return buildTimerResult(p, info, p.nowNS(), p.allThreads()), true
}

func buildTimerResult(p *Profiler, info *TimerInfo, now uint64, threads []*ThreadData) TimerResults {
	tr := TimerResults{
		ID:      info.ID,
		Line:    info.Line(),
		Message: info.Message,
		File:    info.Filename,
		Path:    info.Path,
	}
	rank := p.coll.Rank()
	for _, td := range threads {
		slot := td.lookupSlot(info.ID)
		if slot == nil {
			continue
		}
		for t := slot.traceHead.Load(); t != nil; t = t.next.Load() {
			n, minT, maxT, tot, times := t.snapshot(now)
			if shift := p.shift.Load(); shift != 0 {
				for i := range times {
					times[i].Start = uint64(int64(times[i].Start) + shift)
					times[i].Stop = uint64(int64(times[i].Stop) + shift)
				}
			}
			tr.Trace = append(tr.Trace, TraceResult{
				ID: info.ID, Thread: td.ID, Rank: rank,
				N: n, Min: minT, Max: maxT, Tot: tot,
				Stack: t.Stack, Stack2: t.Stack2, Times: times,
			})
		}
	}
	return tr
}

// GetMemoryResults merges every attached thread's StoreMemory into one
// time-sorted, run-length-compressed series (spec §4.1/§9). Each
// thread's own series is already sorted (every Add happens at
// increasing "now"), so this is a k-way merge, not a sort; ties
// between threads at the same timestamp are broken by ascending
// thread id (spec §9's open question: the source leaves this
// unspecified, so this is the rewrite's documented choice).
func GetMemoryResults(p *Profiler) MemoryResults {
	p.threadsMu.Lock()
	defer p.threadsMu.Unlock()
	threads := p.allThreads()
	sort.Slice(threads, func(i, j int) bool { return threads[i].ID < threads[j].ID })

	type cursor struct {
		samples []MemSample
		idx     int
	}
	cursors := make([]cursor, len(threads))
	for i, td := range threads {
		td.memMu.Lock()
		src := td.memory.Samples()
		cp := make([]MemSample, len(src))
		copy(cp, src)
		td.memMu.Unlock()
		cursors[i] = cursor{samples: cp}
	}

	merged := NewStoreMemory()
	for {
		best := -1
		for i := range cursors {
			if cursors[i].idx >= len(cursors[i].samples) {
				continue
			}
			if best == -1 || cursors[i].samples[cursors[i].idx].Time < cursors[best].samples[cursors[best].idx].Time {
				best = i
			}
		}
		if best == -1 {
			break
		}
		s := cursors[best].samples[cursors[best].idx]
		cursors[best].idx++
		merged.Add(s.Time, s.Bytes)
	}

	samples := merged.Samples()
	timeOut := make([]uint64, len(samples))
	bytesOut := make([]uint64, len(samples))
	for i, s := range samples {
		timeOut[i] = s.Time
		bytesOut[i] = s.Bytes
	}
	return MemoryResults{Rank: p.coll.Rank(), Time: timeOut, Bytes: bytesOut}
}

// Snapshot bundles this rank's timer results, memory series, process
// count, and walltime into the one exportable TimerMemoryResults value
// that save()/load() and the cross-rank gather both work with (spec
// §3 Results model, §4.1 save).
func Snapshot(p *Profiler, walltime float64) TimerMemoryResults {
	return TimerMemoryResults{
		NProcs:   p.coll.Size(),
		Walltime: walltime,
		Timers:   GetTimerResults(p),
		Memory:   []MemoryResults{GetMemoryResults(p)},
	}
}

// GatherGlobal implements the save(..., global=true) half of spec §4.1:
// every rank packs its own Snapshot and sends it to rank 0 via
// collective.GatherBytes (the source's gatherTimers), which rank 0
// unpacks and folds together with MergeTimerResults (the Go analogue
// of ProfilerApp::addTimers). Non-zero ranks get a zero-valued result
// and nil error — they have nothing further to write themselves, since
// a global save only ever produces one file, from rank 0.
func GatherGlobal(ctx context.Context, p *Profiler, local TimerMemoryResults) (TimerMemoryResults, error) {
	bufs, err := collective.GatherBytes(ctx, p.coll, collective.TagTimers, Pack(local))
	if err != nil {
		return TimerMemoryResults{}, err
	}
	if p.coll.Rank() != 0 {
		return TimerMemoryResults{}, nil
	}
	perRank := make([]TimerMemoryResults, len(bufs))
	for i, buf := range bufs {
		rr, err := Unpack(buf)
		if err != nil {
			return TimerMemoryResults{}, err
		}
		perRank[i] = rr
	}
	return MergeTimerResults(perRank), nil
}

// FilterRank keeps only the Trace/Memory entries belonging to rank,
// matching the source's load()'s keepRank template: a timer with no
// remaining trace for this rank is kept, just with an empty Trace
// slice, since the source never drops the timer entry itself.
func FilterRank(data TimerMemoryResults, rank int) TimerMemoryResults {
	out := data
	out.Timers = make([]TimerResults, len(data.Timers))
	for i, tr := range data.Timers {
		out.Timers[i] = tr
		var kept []TraceResult
		for _, t := range tr.Trace {
			if t.Rank == rank {
				kept = append(kept, t)
			}
		}
		out.Timers[i].Trace = kept
	}
	var keptMem []MemoryResults
	for _, m := range data.Memory {
		if m.Rank == rank {
			keptMem = append(keptMem, m)
		}
	}
	out.Memory = keptMem
	return out
}

// stackFrame records, for one observed Stack2 value, which timer owns
// it and what the calling frame's own stack value was (which equals
// the enclosing call's Stack2, letting the chain be walked upward).
type stackFrame struct {
	owner  RegionID
	parent uint64
}

// BuildStackMap implements spec §4.7: a mapping from every observed
// Stack2 to its owning timer and enclosing frame, used to detect
// recursive re-entry into the same timer when computing exclusive
// ("self") time.
func BuildStackMap(results []TimerResults) map[uint64]stackFrame {
	m := make(map[uint64]stackFrame)
	for _, tr := range results {
		for _, t := range tr.Trace {
			m[t.Stack2] = stackFrame{owner: tr.ID, parent: t.Stack}
		}
	}
	return m
}

// IsRecursive reports whether the calling context "stack" (a trace's
// pre-fold Stack value) is nested, directly or transitively, inside
// another call to the same timer id — i.e. whether folding this
// trace's total into timerID's exclusive bucket would double-count.
func IsRecursive(m map[uint64]stackFrame, timerID RegionID, stack uint64) bool {
	cur := stack
	seen := make(map[uint64]bool)
	for cur != 0 {
		if seen[cur] {
			return false
		}
		seen[cur] = true
		frame, ok := m[cur]
		if !ok {
			return false
		}
		if frame.owner == timerID {
			return true
		}
		cur = frame.parent
	}
	return false
}
