package timer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AdvancedMultiPhysics/TimerUtility-sub000/internal/collective"
	"github.com/AdvancedMultiPhysics/TimerUtility-sub000/internal/memstat"
)

// MemoryLevel controls whether start/stop also samples memory usage,
// and which accounting function backs that sample (spec §3/§5).
type MemoryLevel int32

const (
	MemNone MemoryLevel = iota
	MemPause
	MemFast
	MemFull
)

// MemoryAccounter supplies the two functions the engine consumes for
// memory sampling (spec §1: "specified only by the two functions the
// core consumes"). internal/memstat implements this for a live
// process; tests can substitute a fake.
type MemoryAccounter interface {
	FastBytes() uint64
	TotalBytes() uint64
}

// Logger is the minimal leveled-logging surface the engine uses to
// report TraceAlreadyActive/CorruptedStack diagnostics (spec §7).
// internal/plog wraps github.com/opencoff/go-logger to this shape.
type Logger interface {
	Warn(format string, v ...interface{})
	Error(format string, v ...interface{})
}

const maxLevel = 128

// Profiler is the process-wide façade from spec §4.1. The zero value
// is not usable; construct with New. The source refuses a second
// file-scope instance — this port keeps that intent as a single
// recommended package-level singleton (see Default/SetDefault below)
// while still exposing a plain constructor for tests, per spec §9
// "Per-process singleton".
type Profiler struct {
	registry *TimerRegistry

	threadHead   atomic.Pointer[ThreadData]
	threadsMu    sync.Mutex // serializes snapshot scans of the thread list; Attach prepends with CAS
	nextThreadID atomic.Uint64

	level             atomic.Int32 // -1 disabled
	storeTraceDefault atomic.Bool
	memLevel          atomic.Int32
	ignoreErrors      atomic.Bool
	shift             atomic.Int64 // d_shift, ns, set by Synchronize

	bytesCharged atomic.Int64 // profiler's own memory charge (d_bytes)

	constructMu   sync.Mutex
	constructWall time.Time

	logger Logger
	mem    MemoryAccounter
	coll   collective.Collective
}

// New constructs a standalone Profiler. Most callers should use
// Default() instead; New exists so tests can run several profilers
// side by side without sharing state. coll may be nil, in which case
// Synchronize/cross-rank Save behave as the single-process stub.
func New(logger Logger, mem MemoryAccounter, coll collective.Collective) *Profiler {
	if coll == nil {
		coll = collective.Single{}
	}
	p := &Profiler{registry: NewTimerRegistry(), logger: logger, mem: mem, coll: coll}
	p.level.Store(-1)
	return p
}

var (
	defaultOnce sync.Once
	defaultP    *Profiler
)

// Default returns the process-wide singleton, constructing it (with a
// no-op logger and the real process memory accounter) on first use.
// Host code that wants a custom logger/accounter should call New and
// SetDefault once at startup instead.
func Default() *Profiler {
	defaultOnce.Do(func() {
		if defaultP == nil {
			defaultP = New(noopLogger{}, memstat.New(), nil)
		}
	})
	return defaultP
}

// SetDefault installs p as the process-wide singleton. Must be called
// before any goroutine calls Default(); intended for a single
// early-startup call, matching spec §9's "expose a testable
// constructor... but keep the public API routed through the
// singleton".
func SetDefault(p *Profiler) { defaultP = p }

type noopLogger struct{}

func (noopLogger) Warn(string, ...interface{})  {}
func (noopLogger) Error(string, ...interface{}) {}

type noopAccounter struct{}

func (noopAccounter) FastBytes() uint64  { return 0 }
func (noopAccounter) TotalBytes() uint64 { return 0 }

// Enable sets the active detail level (0..127). On transition from
// disabled it stamps the construction time that anchors every
// subsequent relative timestamp (spec §4.1).
func (p *Profiler) Enable(level int) error {
	if level < 0 || level >= maxLevel {
		return newErr(UsageError, "level %d out of range [0,%d)", level, maxLevel)
	}
	p.constructMu.Lock()
	if p.level.Load() < 0 {
		p.constructWall = time.Now()
	}
	p.constructMu.Unlock()
	p.level.Store(int32(level))
	return nil
}

// Disable sets the level to -1, briefly waits for in-flight start/
// stop calls to finish, then clears every thread's tables and the
// global registry (spec §4.1).
func (p *Profiler) Disable() {
	p.level.Store(-1)
	time.Sleep(10 * time.Microsecond)
	for _, td := range p.allThreads() {
		for i := range td.buckets {
			td.buckets[i].Store(nil)
		}
		td.memMu.Lock()
		td.memory.Reset()
		td.memMu.Unlock()
	}
	p.registry.Reset()
}

// Level reports the current detail level, or -1 if disabled.
func (p *Profiler) Level() int { return int(p.level.Load()) }

// SetStoreTrace sets the default policy for whether a call appends to
// its trace's StoreTimes; callers may override this per Start/Stop
// call via the traceOverride parameter.
func (p *Profiler) SetStoreTrace(enabled bool) { p.storeTraceDefault.Store(enabled) }

// SetStoreMemory sets the memory-sampling level (spec §3/§5).
func (p *Profiler) SetStoreMemory(level MemoryLevel) { p.memLevel.Store(int32(level)) }

// MemoryLevelNow reports the current memory-sampling level.
func (p *Profiler) MemoryLevelNow() MemoryLevel { return MemoryLevel(p.memLevel.Load()) }

// StoreTraceEnabled reports the current default policy set by
// SetStoreTrace, used to stamp the .timer file's store_trace flag
// (spec §6.2).
func (p *Profiler) StoreTraceEnabled() bool { return p.storeTraceDefault.Load() }

// SetIgnoreTimerErrors toggles best-effort recovery from mismatched
// start/stop calls (spec §4.5) instead of disabling the profiler.
func (p *Profiler) SetIgnoreTimerErrors(v bool) { p.ignoreErrors.Store(v) }

func (p *Profiler) nowNS() uint64 {
	p.constructMu.Lock()
	base := p.constructWall
	p.constructMu.Unlock()
	if base.IsZero() {
		return 0
	}
	d := time.Since(base)
	if d < 0 {
		return 0
	}
	return uint64(d.Nanoseconds())
}

// Attach registers a new logical thread and returns a handle scoped to
// it (see ThreadHandle's doc comment for why this replaces implicit
// thread-local lookup).
func (p *Profiler) Attach() *ThreadHandle {
	id := p.nextThreadID.Add(1) - 1
	td := newThreadData(id)
	p.chargeBytes(int64(storeMemoryInitialCap) * memSampleBytes) // newThreadData's eager StoreMemory allocation
	for {
		head := p.threadHead.Load()
		td.next.Store(head)
		if p.threadHead.CompareAndSwap(head, td) {
			break
		}
	}
	return &ThreadHandle{p: p, td: td}
}

func (p *Profiler) allThreads() []*ThreadData {
	var out []*ThreadData
	for cur := p.threadHead.Load(); cur != nil; cur = cur.next.Load() {
		out = append(out, cur)
	}
	return out
}

// chargeBytes adjusts the profiler's own memory charge. Every
// allocation the engine performs on the hot path (new Trace, new
// timerSlot, new TimerInfo, StoreTimes/StoreMemory growth) should call
// this so getMemoryResults can report host_total_bytes - d_bytes
// (spec §5 "Memory footprint accounting").
func (p *Profiler) chargeBytes(n int64) { p.bytesCharged.Add(n) }

func (td *ThreadData) lookupSlot(id RegionID) *timerSlot {
	key := bucketKey(id)
	for cur := td.buckets[key].Load(); cur != nil; cur = cur.next.Load() {
		if cur.id == id {
			return cur
		}
	}
	return nil
}

func (h *ThreadHandle) recordMemory(nowNS uint64) {
	level := MemoryLevel(h.p.memLevel.Load())
	var bytes uint64
	switch level {
	case MemFast:
		bytes = h.p.fastBytes()
	case MemFull:
		bytes = h.p.totalBytes()
	default:
		return
	}
	h.td.memMu.Lock()
	grown := h.td.memory.Add(nowNS, bytes)
	h.td.memMu.Unlock()
	if grown != 0 {
		h.p.chargeBytes(grown)
	}
}

func (p *Profiler) fastBytes() uint64 {
	charged := p.bytesCharged.Load()
	total := int64(p.mem.FastBytes())
	if total < charged {
		return 0
	}
	return uint64(total - charged)
}

func (p *Profiler) totalBytes() uint64 {
	charged := p.bytesCharged.Load()
	total := int64(p.mem.TotalBytes())
	if total < charged {
		return 0
	}
	return uint64(total - charged)
}

// Memory appends one StoreMemory sample for this thread at "now", if
// the profiler's memory level is >= Fast (spec §4.1 memory()).
func (h *ThreadHandle) Memory() {
	if MemoryLevel(h.p.memLevel.Load()) < MemFast {
		return
	}
	h.recordMemory(h.p.nowNS())
}

// Start begins timing region id on this thread. message/file/line are
// only consulted the first time this id is seen anywhere in the
// process (or on this thread); level follows spec §4.1's contract: a
// call whose level exceeds the profiler's active level, or while
// disabled, is a silent no-op (nil, nil).
func (h *ThreadHandle) Start(id RegionID, message, file string, line, level int) (*Trace, error) {
	p := h.p
	if level < 0 || level >= maxLevel {
		return nil, newErr(UsageError, "level %d out of range [0,%d)", level, maxLevel)
	}
	cur := p.level.Load()
	if cur < 0 || level > int(cur) {
		return nil, nil
	}
	slot, slotCreated, infoCreated := h.td.getOrCreateSlot(p.registry, id, message, file, line)
	if slotCreated {
		p.chargeBytes(approxTimerSlotBytes)
	}
	if infoCreated {
		p.chargeBytes(approxTimerInfoBytes)
	}
	oldStack, _ := h.td.foldStart(id)
	newStack := h.td.stack.Load()
	tr, traceCreated := slot.findOrCreateTrace(oldStack, newStack)
	if traceCreated {
		p.chargeBytes(approxTraceBytes)
	}
	now := p.nowNS()
	if err := tr.begin(now); err != nil {
		if p.ignoreErrors.Load() {
			if _, bytesGrown, _ := tr.end(now, p.storeTraceDefault.Load()); bytesGrown != 0 {
				p.chargeBytes(bytesGrown)
			}
			_ = tr.begin(now)
		} else {
			p.reportAndDisable(err, "start", h.td.ID, slot)
			return nil, err
		}
	}
	if MemoryLevel(p.memLevel.Load()) >= MemFast {
		h.recordMemory(now)
	}
	return tr, nil
}

// traceOverride values, matching spec §4.4 step 5.
const (
	TraceUseDefault = -1
	TraceOff        = 0
	TraceOn         = 1
)

// Stop ends the most recent Start call for id on this thread. Capture
// of "now" happens before any other work so profiler overhead is
// excluded from the measurement (spec §4.4 step 1).
func (h *ThreadHandle) Stop(id RegionID, level, traceOverride int) error {
	p := h.p
	end := p.nowNS()
	if level < 0 || level >= maxLevel {
		return newErr(UsageError, "level %d out of range [0,%d)", level, maxLevel)
	}
	cur := p.level.Load()
	if cur < 0 || level > int(cur) {
		return nil
	}
	stack2Expected, stackExpected := h.td.foldStop(id)
	slot := h.td.lookupSlot(id)
	var tr *Trace
	if slot != nil {
		for cand := slot.traceHead.Load(); cand != nil; cand = cand.next.Load() {
			if cand.Stack == stackExpected {
				tr = cand
				break
			}
		}
	}
	if tr == nil || tr.Stack2 != stack2Expected {
		if p.ignoreErrors.Load() {
			if slot == nil {
				var slotCreated, infoCreated bool
				slot, slotCreated, infoCreated = h.td.getOrCreateSlot(p.registry, id, "", "", -1)
				if slotCreated {
					p.chargeBytes(approxTimerSlotBytes)
				}
				if infoCreated {
					p.chargeBytes(approxTimerInfoBytes)
				}
			}
			recovered, traceCreated := slot.findOrCreateTrace(stackExpected, stack2Expected)
			if traceCreated {
				p.chargeBytes(approxTraceBytes)
			}
			_ = recovered.begin(end)
			tr = recovered
		} else {
			err := newErr(CorruptedStack, "stop(id=%s): no matching active trace", id.String())
			p.reportAndDisable(err, "stop", h.td.ID, slot)
			return err
		}
	}
	storeTrace := p.storeTraceDefault.Load()
	switch traceOverride {
	case TraceOff:
		storeTrace = false
	case TraceOn:
		storeTrace = true
	}
	if _, bytesGrown, ok := tr.end(end, storeTrace); !ok {
		if p.ignoreErrors.Load() {
			return nil
		}
		err := newErr(CorruptedStack, "stop(id=%s): trace was not running", id.String())
		p.reportAndDisable(err, "stop", h.td.ID, slot)
		return err
	} else if bytesGrown != 0 {
		p.chargeBytes(bytesGrown)
	}
	if MemoryLevel(p.memLevel.Load()) >= MemFast {
		h.recordMemory(end)
	}
	return nil
}

// StopTrace is the fast path named in spec §4.4: it skips the
// stack-chain lookup using the handle returned by Start. It does not
// check that tr was returned by a Start on this same ThreadHandle; the
// only check is that tr.Stack2 equals this thread's current stack
// hash (the stack2 check of the source's fast-path overload), so a
// trace from another thread is rejected only when that comparison
// fails.
func (h *ThreadHandle) StopTrace(tr *Trace, id RegionID, level, traceOverride int) error {
	p := h.p
	end := p.nowNS()
	if level < 0 || level >= maxLevel {
		return newErr(UsageError, "level %d out of range [0,%d)", level, maxLevel)
	}
	cur := p.level.Load()
	if cur < 0 || level > int(cur) {
		return nil
	}
	stack2Expected, _ := h.td.foldStop(id)
	if tr == nil || tr.Stack2 != stack2Expected {
		err := newErr(CorruptedStack, "stopTrace(id=%s): stack2 mismatch", id.String())
		p.reportAndDisable(err, "stopTrace", h.td.ID, nil)
		return err
	}
	storeTrace := p.storeTraceDefault.Load()
	switch traceOverride {
	case TraceOff:
		storeTrace = false
	case TraceOn:
		storeTrace = true
	}
	if _, bytesGrown, ok := tr.end(end, storeTrace); !ok {
		err := newErr(CorruptedStack, "stopTrace(id=%s): trace was not running", id.String())
		p.reportAndDisable(err, "stopTrace", h.td.ID, nil)
		return err
	} else if bytesGrown != 0 {
		p.chargeBytes(bytesGrown)
	}
	if MemoryLevel(p.memLevel.Load()) >= MemFast {
		h.recordMemory(end)
	}
	return nil
}

// reportAndDisable prints a diagnostic and disables the profiler,
// matching spec §7: TraceAlreadyActive/CorruptedStack are fatal to
// the profiler but not the application, unless error-suppression is
// on (callers check ignoreErrors before reaching here).
func (p *Profiler) reportAndDisable(err error, op string, threadID uint64, slot *timerSlot) {
	msg := err.Error()
	if slot != nil && slot.info != nil {
		p.logger.Error("profiler %s failed on thread %d, timer %q (%s:%d): %s",
			op, threadID, slot.info.Message, slot.info.Filename, slot.info.Line(), msg)
	} else {
		p.logger.Error("profiler %s failed on thread %d: %s", op, threadID, msg)
	}
	p.Disable()
}

// Synchronize implements spec §4.1: after a collective barrier, every
// rank computes its elapsed ns-since-construct, the maximum across
// ranks is reduced, and each rank's shift is set so that
// shift + local_ns equals that maximum at the barrier (spec §8
// invariant 9).
func (p *Profiler) Synchronize(ctx context.Context) error {
	if err := p.coll.Barrier(ctx); err != nil {
		return wrapErr(IoError, err, "synchronize: barrier")
	}
	localNS := p.nowNS()
	maxNS, err := p.coll.MaxReduce(ctx, float64(localNS))
	if err != nil {
		return wrapErr(IoError, err, "synchronize: max_reduce")
	}
	p.shift.Store(int64(maxNS) - int64(localNS))
	return nil
}

// Shift returns the current per-rank offset set by the last
// Synchronize call (ns).
func (p *Profiler) Shift() int64 { return p.shift.Load() }

// Collective exposes the profiler's configured collective, used by
// the save/load path to gather across ranks.
func (p *Profiler) Collective() collective.Collective { return p.coll }

// Registry exposes the global timer registry for snapshot assembly in
// results.go.
func (p *Profiler) Registry() *TimerRegistry { return p.registry }

// WalltimeNow reports the elapsed time in seconds since Enable last
// stamped the construction time, matching the source's save()
// (`1e-9 * diff_ns(now, d_construct_time)`).
func (p *Profiler) WalltimeNow() float64 { return 1e-9 * float64(p.nowNS()) }
