package timer

// storeMemoryInitialCap/storeMemoryMaxEntries bound the per-thread
// memory-usage log the same way StoreTimes bounds the call log: grow
// by doubling, then silently stop (spec §3 StoreMemory).
const (
	storeMemoryInitialCap = 1024
	storeMemoryMaxEntries = 0x6000000 // ~100M entries

	// memSampleBytes is the heap footprint of one stored MemSample (two
	// uint64), used to charge StoreMemory growth against the
	// profiler's own memory footprint (spec §5).
	memSampleBytes = 16
)

// MemSample is one (time, bytes) memory-usage observation.
type MemSample struct {
	Time  uint64
	Bytes uint64
}

// StoreMemory is the append-only, run-length-compressed memory log
// owned by one ThreadData. Like StoreTimes it is touched only by its
// owning thread outside of a snapshot, so it carries no lock.
type StoreMemory struct {
	samples []MemSample
}

// NewStoreMemory allocates an empty log.
func NewStoreMemory() *StoreMemory {
	return &StoreMemory{samples: make([]MemSample, 0, storeMemoryInitialCap)}
}

// Add records one sample. If bytes equals both the last two stored
// values, the last entry's time is overwritten in place instead of
// appending a third identical reading — a flat memory plateau costs
// two slots (its first reading and its latest) no matter how long it
// lasts. Returns the number of bytes
// the backing slice grew by (0 if no growth occurred), so the caller
// can charge it against the profiler's own memory footprint (spec §5).
func (sm *StoreMemory) Add(t, bytes uint64) int64 {
	n := len(sm.samples)
	if n >= 2 && sm.samples[n-1].Bytes == bytes && sm.samples[n-2].Bytes == bytes {
		sm.samples[n-1].Time = t
		return 0
	}
	return sm.append(MemSample{Time: t, Bytes: bytes})
}

func (sm *StoreMemory) append(s MemSample) int64 {
	if len(sm.samples) >= storeMemoryMaxEntries {
		return 0
	}
	var grown int64
	if len(sm.samples) == cap(sm.samples) {
		oldCap := cap(sm.samples)
		newCap := oldCap * 2
		if newCap == 0 {
			newCap = storeMemoryInitialCap
		}
		if newCap > storeMemoryMaxEntries {
			newCap = storeMemoryMaxEntries
		}
		grown = int64(newCap-oldCap) * memSampleBytes
		grownSlice := make([]MemSample, len(sm.samples), newCap)
		copy(grownSlice, sm.samples)
		sm.samples = grownSlice
	}
	sm.samples = append(sm.samples, s)
	return grown
}

// Len reports the number of stored samples.
func (sm *StoreMemory) Len() int { return len(sm.samples) }

// Samples returns the stored sequence, already time-sorted (every
// append happens at increasing "now", so no sort is ever needed —
// see the k-way merge in results.go, which relies on this).
func (sm *StoreMemory) Samples() []MemSample { return sm.samples }

// Reset discards all samples, used by Profiler.disable().
func (sm *StoreMemory) Reset() {
	sm.samples = sm.samples[:0]
}
