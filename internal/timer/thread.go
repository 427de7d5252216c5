package timer

import (
	"sync"
	"sync/atomic"
)

// timerSlot is one thread's private per-id entry: the shared registry
// metadata plus this thread's own chain of Trace nodes (one per
// distinct calling stack it has observed for this id). It lives in
// exactly one ThreadData's bucket array and is never touched by any
// other thread, so its own bucket-chain pointer needs no atomic — but
// snapshot code (running on a different goroutine, under the global
// registry/thread-table lock) does walk it concurrently with the
// owning thread's writes, so both the slot chain and the trace chain
// use atomic.Pointer the same way TimerRegistry's buckets do.
type timerSlot struct {
	id        RegionID
	info      *TimerInfo
	traceHead atomic.Pointer[Trace]
	next      atomic.Pointer[timerSlot]
}

// approxTimerSlotBytes estimates one timerSlot's heap footprint,
// charged against bytesCharged when a thread's table actually
// allocates one (spec §5), the per-thread analogue of
// approxTimerInfoBytes.
const approxTimerSlotBytes = 48

// findOrCreateTrace implements spec §4.3's find_or_create_trace: a
// linear scan of the trace list, lock-free prepend on miss.
func (s *timerSlot) findOrCreateTrace(stack, stack2 uint64) (tr *Trace, created bool) {
	for cur := s.traceHead.Load(); cur != nil; cur = cur.next.Load() {
		if cur.Stack == stack {
			return cur, false
		}
	}
	candidate := newTrace(stack, stack2)
	for {
		head := s.traceHead.Load()
		candidate.next.Store(head)
		if s.traceHead.CompareAndSwap(head, candidate) {
			return candidate, true
		}
		for cur := head; cur != nil; cur = cur.next.Load() {
			if cur.Stack == stack {
				return cur, false
			}
		}
	}
}

func (s *timerSlot) traces() []*Trace {
	var out []*Trace
	for cur := s.traceHead.Load(); cur != nil; cur = cur.next.Load() {
		out = append(out, cur)
	}
	return out
}

// ThreadData is the per-OS/logical-thread state from spec §3: a small
// integer id, the running stack hash and depth, a private HashSize-
// bucket table of timerSlot chains, and a StoreMemory. Go has no
// stable, language-level notion of "the current OS thread" a
// goroutine is pinned to, so — unlike the C++ source's implicit
// thread_local lookup — this state is attached explicitly: callers
// obtain a *ThreadHandle once (typically at goroutine entry) via
// Profiler.Attach and use it for every subsequent Start/Stop/Memory
// call on that goroutine. This is the idiomatic Go substitute for
// thread-local storage, not a behavioral change to the timing model.
type ThreadData struct {
	ID    uint64
	depth atomic.Uint32
	stack atomic.Uint64

	buckets [HashSize]atomic.Pointer[timerSlot]

	memMu  sync.Mutex
	memory *StoreMemory

	next atomic.Pointer[ThreadData]
}

func newThreadData(id uint64) *ThreadData {
	return &ThreadData{ID: id, memory: NewStoreMemory()}
}

// getOrCreateSlot implements spec §4.3's get_or_create_timer: lock-
// free lookup and insert, since the table is private to this thread.
// The link to the shared TimerInfo is resolved via the registry only
// on first insert for this thread. slotCreated/infoCreated let the
// caller charge each genuine allocation (spec §5) separately, since a
// new slot on this thread does not always mean a new global TimerInfo
// (another thread may have registered this id first).
func (td *ThreadData) getOrCreateSlot(reg *TimerRegistry, id RegionID, message, file string, line int) (slot *timerSlot, slotCreated, infoCreated bool) {
	key := bucketKey(id)
	for cur := td.buckets[key].Load(); cur != nil; cur = cur.next.Load() {
		if cur.id == id {
			return cur, false, false
		}
	}
	info, infoCreated := reg.GetOrCreate(id, message, file, line)
	candidate := &timerSlot{id: id, info: info}
	for {
		head := td.buckets[key].Load()
		candidate.next.Store(head)
		if td.buckets[key].CompareAndSwap(head, candidate) {
			return candidate, true, infoCreated
		}
		for cur := head; cur != nil; cur = cur.next.Load() {
			if cur.id == id {
				return cur, false, infoCreated
			}
		}
	}
}

func (td *ThreadData) slots() []*timerSlot {
	var out []*timerSlot
	for i := range td.buckets {
		for cur := td.buckets[i].Load(); cur != nil; cur = cur.next.Load() {
			out = append(out, cur)
		}
	}
	return out
}

// foldStart applies the start-side stack fold from spec §3: new_stack
// = rotl(old_stack, 7) XOR (id + 13*depth); depth increments after.
// Returns the pre-fold ("old") stack, which is the key findOrCreate
// looks traces up by.
func (td *ThreadData) foldStart(id RegionID) (oldStack, newStack uint64) {
	d := td.depth.Load()
	oldStack = td.stack.Load()
	newStack = rotl64(oldStack, 7) ^ (uint64(id) + 13*uint64(d))
	td.stack.Store(newStack)
	td.depth.Store(d + 1)
	return
}

// foldStop applies the exact inverse: depth decrements first, then
// new_stack = rotr(old_stack XOR (id + 13*new_depth), 7). Returns the
// resulting ("restored") stack, which should match the trace's Stack
// if start/stop nesting was balanced.
func (td *ThreadData) foldStop(id RegionID) (stack2Expected, stackExpected uint64) {
	stack2Expected = td.stack.Load()
	newDepth := td.depth.Load() - 1
	td.depth.Store(newDepth)
	tmp := stack2Expected ^ (uint64(id) + 13*uint64(newDepth))
	stackExpected = rotr64(tmp, 7)
	td.stack.Store(stackExpected)
	return
}

func rotl64(x uint64, n uint) uint64 { return x<<n | x>>(64-n) }
func rotr64(x uint64, n uint) uint64 { return x>>n | x<<(64-n) }

// ThreadHandle is the public, explicit analogue of the C++ source's
// thread-local ThreadData access: obtain one per goroutine (or
// logical worker) from Profiler.Attach and reuse it for every
// Start/Stop/Memory call that goroutine makes.
type ThreadHandle struct {
	p  *Profiler
	td *ThreadData
}
