package timer

// storeTimesInitialCap and storeTimesMaxPairs bound the compressed
// per-call log: it grows by doubling from 1024 up to 10^6 pairs, then
// further calls are silently dropped (spec §3/§8: "Overflow/saturation").
const (
	storeTimesInitialCap = 1024
	storeTimesMaxPairs   = 1_000_000

	// timePairBytes is the heap footprint of one stored timePair (two
	// Uint16f = two uint16), used to charge StoreTimes growth against
	// the profiler's own memory footprint (spec §5).
	timePairBytes = 4
)

// timePair is one compressed (delta_start, duration) entry: two
// Uint16f values relative to the running offset, spec §3 StoreTimes.
type timePair struct {
	delta Uint16f
	dur   Uint16f
}

// TimePair is a decoded, absolute (start, stop) interval in
// nanoseconds since the profiler's construction time.
type TimePair struct {
	Start uint64
	Stop  uint64
}

// StoreTimes is the append-only, compressed per-trace call log. It is
// owned by exactly one Trace on exactly one thread and is never
// touched concurrently, so it carries no lock (spec §5: per-trace
// state is owned by the thread that created it).
type StoreTimes struct {
	pairs   []timePair
	dOffset uint64
}

// NewStoreTimes allocates a log with its initial 1024-pair capacity.
func NewStoreTimes() *StoreTimes {
	return &StoreTimes{pairs: make([]timePair, 0, storeTimesInitialCap)}
}

// Len reports how many (delta, duration) pairs are stored, including
// any spacer/marker entries the add algorithm inserted.
func (st *StoreTimes) Len() int { return len(st.pairs) }

// Add records one (start, stop) interval, both in ns since the
// profiler's construction time. Implements the four-way rule from
// spec §3 verbatim:
//  1. an interval wider than MaxUint16f is split in half and each
//     half is added independently (recursing until it fits);
//  2. an offset step wider than MaxUint16f gets a (max, 0) spacer,
//     advancing the running offset, before retrying;
//  3. an offset step whose encoding would lose more precision than
//     the interval itself spans gets a zero-duration marker that
//     advances the offset by the (lossy) decoded step, before
//     retrying with a much smaller remaining offset;
//  4. otherwise the pair is encoded and appended, and the running
//     offset advances by the sum of the two decoded values.
//
// Add returns the number of bytes its backing slice grew by while
// recording this call (0 if no growth occurred), so the caller can
// charge it against the profiler's own memory footprint (spec §5).
func (st *StoreTimes) Add(start, stop uint64) int64 {
	if stop < start {
		stop = start
	}
	if stop-start > MaxUint16f {
		mid := start + (stop-start)/2
		return st.Add(start, mid) + st.Add(mid, stop)
	}
	delta := uint64(0)
	if start > st.dOffset {
		delta = start - st.dOffset
	}
	if delta > MaxUint16f {
		grown := st.append(EncodeUint16f(MaxUint16f), 0)
		st.dOffset += MaxUint16f
		return grown + st.Add(start, stop)
	}
	encDelta := EncodeUint16f(delta)
	lostRes := delta - encDelta.Decode()
	duration := stop - start
	if lostRes > duration {
		grown := st.append(encDelta, 0)
		st.dOffset += encDelta.Decode()
		return grown + st.Add(start, stop)
	}
	encDur := EncodeUint16f(duration)
	grown := st.append(encDelta, encDur)
	st.dOffset += encDelta.Decode() + encDur.Decode()
	return grown
}

func (st *StoreTimes) append(delta, dur Uint16f) int64 {
	if len(st.pairs) >= storeTimesMaxPairs {
		return 0
	}
	var grown int64
	if len(st.pairs) == cap(st.pairs) {
		oldCap := cap(st.pairs)
		newCap := oldCap * 2
		if newCap > storeTimesMaxPairs {
			newCap = storeTimesMaxPairs
		}
		grown = int64(newCap-oldCap) * timePairBytes
		grownSlice := make([]timePair, len(st.pairs), newCap)
		copy(grownSlice, st.pairs)
		st.pairs = grownSlice
	}
	st.pairs = append(st.pairs, timePair{delta: delta, dur: dur})
	return grown
}

// Take replays the compressed log forward into absolute (start, stop)
// pairs, one per stored entry (including spacer/marker entries, which
// decode to zero-width intervals indistinguishable from a genuine
// zero-duration call — the same ambiguity the wire format itself
// carries, since a reader has no signal beyond the byte stream).
func (st *StoreTimes) Take() []TimePair {
	out := make([]TimePair, 0, len(st.pairs))
	offset := uint64(0)
	for _, p := range st.pairs {
		s := offset + p.delta.Decode()
		e := s + p.dur.Decode()
		out = append(out, TimePair{Start: s, Stop: e})
		offset = e
	}
	return out
}

// RawPairs returns the flattened (delta, duration, delta, duration, …)
// Uint16f sequence as stored, for the .trace file writer (spec §6.3:
// "2·N·uint16f bytes raw").
func (st *StoreTimes) RawPairs() []Uint16f {
	out := make([]Uint16f, 0, 2*len(st.pairs))
	for _, p := range st.pairs {
		out = append(out, p.delta, p.dur)
	}
	return out
}

// LoadRawPairs rebuilds a StoreTimes from a flattened uint16f sequence
// read back off disk (.trace file), restoring dOffset by replaying.
func LoadRawPairs(raw []Uint16f) *StoreTimes {
	st := &StoreTimes{pairs: make([]timePair, 0, len(raw)/2)}
	offset := uint64(0)
	for i := 0; i+1 < len(raw); i += 2 {
		st.pairs = append(st.pairs, timePair{delta: raw[i], dur: raw[i+1]})
		offset += raw[i].Decode() + raw[i+1].Decode()
	}
	st.dOffset = offset
	return st
}
