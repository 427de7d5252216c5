package timer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Pack and Unpack give TimerMemoryResults an exact binary round trip
// (spec §8 invariant 6: unpack(pack(x)) == x), distinct from the
// lossy, human-readable .timer text format in internal/timerfile,
// whose %e formatting is allowed to lose a little precision per field.
// This is also the wire format MergeTimerResults' callers use to move
// a snapshot across ranks via collective.GatherBytes.

func putString(buf *bytes.Buffer, s string) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf.Write(lenBuf[:])
	buf.WriteString(s)
}

func getString(r *bytes.Reader) (string, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", fmt.Errorf("timer: unpack: reading string length: %w", err)
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if err := checkCount(r, n, 1); err != nil {
		return "", fmt.Errorf("timer: unpack: string length: %w", err)
	}
	out := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, out); err != nil {
			return "", fmt.Errorf("timer: unpack: reading string body: %w", err)
		}
	}
	return string(out), nil
}

func putU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func getU64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func putI64(buf *bytes.Buffer, v int64) { putU64(buf, uint64(v)) }
func getI64(r *bytes.Reader) (int64, error) {
	v, err := getU64(r)
	return int64(v), err
}

func putU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func getU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func putF64(buf *bytes.Buffer, v float64) { putU64(buf, math.Float64bits(v)) }
func getF64(r *bytes.Reader) (float64, error) {
	v, err := getU64(r)
	return math.Float64frombits(v), err
}

// checkCount rejects a length prefix that claims more elements than
// the remaining buffer could possibly hold, given each element's
// cheapest possible encoding (minBytesPerElem). Without this, a
// corrupted or malicious buffer's length prefix (read before anything
// that could fail) would make Unpack allocate gigabytes up front
// instead of failing cleanly the moment the prefix is read.
func checkCount(r *bytes.Reader, count uint32, minBytesPerElem int64) error {
	if int64(count)*minBytesPerElem > int64(r.Len()) {
		return fmt.Errorf("timer: unpack: length %d exceeds remaining buffer", count)
	}
	return nil
}

// Pack serializes x into an exact, self-contained byte slice.
func Pack(x TimerMemoryResults) []byte {
	var buf bytes.Buffer
	putI64(&buf, int64(x.NProcs))
	putF64(&buf, x.Walltime)

	putU32(&buf, uint32(len(x.Timers)))
	for _, tr := range x.Timers {
		putU64(&buf, uint64(tr.ID))
		putI64(&buf, tr.Line)
		putString(&buf, tr.Message)
		putString(&buf, tr.File)
		putString(&buf, tr.Path)
		putU32(&buf, uint32(len(tr.Trace)))
		for _, t := range tr.Trace {
			putU64(&buf, uint64(t.ID))
			putU64(&buf, t.Thread)
			putI64(&buf, int64(t.Rank))
			putU64(&buf, t.N)
			putU64(&buf, t.Min)
			putU64(&buf, t.Max)
			putU64(&buf, t.Tot)
			putU64(&buf, t.Stack)
			putU64(&buf, t.Stack2)
			putU32(&buf, uint32(len(t.Times)))
			for _, tp := range t.Times {
				putU64(&buf, tp.Start)
				putU64(&buf, tp.Stop)
			}
		}
	}

	putU32(&buf, uint32(len(x.Memory)))
	for _, m := range x.Memory {
		putI64(&buf, int64(m.Rank))
		putU32(&buf, uint32(len(m.Time)))
		for _, t := range m.Time {
			putU64(&buf, t)
		}
		for _, b := range m.Bytes {
			putU64(&buf, b)
		}
	}
	return buf.Bytes()
}

// Unpack reverses Pack. It returns an error on a truncated or
// malformed buffer rather than panicking, since a caller's input may
// come from an untrusted peer rank.
func Unpack(data []byte) (TimerMemoryResults, error) {
	r := bytes.NewReader(data)
	var out TimerMemoryResults

	nProcs, err := getI64(r)
	if err != nil {
		return out, fmt.Errorf("timer: unpack: n_procs: %w", err)
	}
	out.NProcs = int(nProcs)
	if out.Walltime, err = getF64(r); err != nil {
		return out, fmt.Errorf("timer: unpack: walltime: %w", err)
	}

	nTimers, err := getU32(r)
	if err != nil {
		return out, fmt.Errorf("timer: unpack: n_timers: %w", err)
	}
	if err := checkCount(r, nTimers, 32); err != nil {
		return out, fmt.Errorf("timer: unpack: n_timers: %w", err)
	}
	if nTimers > 0 {
		out.Timers = make([]TimerResults, nTimers)
	}
	for i := range out.Timers {
		tr := &out.Timers[i]
		id, err := getU64(r)
		if err != nil {
			return out, fmt.Errorf("timer: unpack: timer[%d].id: %w", i, err)
		}
		tr.ID = RegionID(id)
		if tr.Line, err = getI64(r); err != nil {
			return out, fmt.Errorf("timer: unpack: timer[%d].line: %w", i, err)
		}
		if tr.Message, err = getString(r); err != nil {
			return out, fmt.Errorf("timer: unpack: timer[%d].message: %w", i, err)
		}
		if tr.File, err = getString(r); err != nil {
			return out, fmt.Errorf("timer: unpack: timer[%d].file: %w", i, err)
		}
		if tr.Path, err = getString(r); err != nil {
			return out, fmt.Errorf("timer: unpack: timer[%d].path: %w", i, err)
		}
		nTrace, err := getU32(r)
		if err != nil {
			return out, fmt.Errorf("timer: unpack: timer[%d].n_trace: %w", i, err)
		}
		if err := checkCount(r, nTrace, 76); err != nil {
			return out, fmt.Errorf("timer: unpack: timer[%d].n_trace: %w", i, err)
		}
		if nTrace > 0 {
			tr.Trace = make([]TraceResult, nTrace)
		}
		for j := range tr.Trace {
			t := &tr.Trace[j]
			tid, err := getU64(r)
			if err != nil {
				return out, fmt.Errorf("timer: unpack: timer[%d].trace[%d].id: %w", i, j, err)
			}
			t.ID = RegionID(tid)
			if t.Thread, err = getU64(r); err != nil {
				return out, err
			}
			rank, err := getI64(r)
			if err != nil {
				return out, err
			}
			t.Rank = int(rank)
			if t.N, err = getU64(r); err != nil {
				return out, err
			}
			if t.Min, err = getU64(r); err != nil {
				return out, err
			}
			if t.Max, err = getU64(r); err != nil {
				return out, err
			}
			if t.Tot, err = getU64(r); err != nil {
				return out, err
			}
			if t.Stack, err = getU64(r); err != nil {
				return out, err
			}
			if t.Stack2, err = getU64(r); err != nil {
				return out, err
			}
			nTimes, err := getU32(r)
			if err != nil {
				return out, err
			}
			if err := checkCount(r, nTimes, 16); err != nil {
				return out, fmt.Errorf("timer: unpack: timer[%d].trace[%d].n_times: %w", i, j, err)
			}
			if nTimes > 0 {
				t.Times = make([]TimePair, nTimes)
				for k := range t.Times {
					if t.Times[k].Start, err = getU64(r); err != nil {
						return out, err
					}
					if t.Times[k].Stop, err = getU64(r); err != nil {
						return out, err
					}
				}
			}
		}
	}

	nMem, err := getU32(r)
	if err != nil {
		return out, fmt.Errorf("timer: unpack: n_memory: %w", err)
	}
	if err := checkCount(r, nMem, 12); err != nil {
		return out, fmt.Errorf("timer: unpack: n_memory: %w", err)
	}
	if nMem > 0 {
		out.Memory = make([]MemoryResults, nMem)
	}
	for i := range out.Memory {
		m := &out.Memory[i]
		rank, err := getI64(r)
		if err != nil {
			return out, fmt.Errorf("timer: unpack: memory[%d].rank: %w", i, err)
		}
		m.Rank = int(rank)
		n, err := getU32(r)
		if err != nil {
			return out, fmt.Errorf("timer: unpack: memory[%d].n: %w", i, err)
		}
		if err := checkCount(r, n, 16); err != nil {
			return out, fmt.Errorf("timer: unpack: memory[%d].n: %w", i, err)
		}
		if n > 0 {
			m.Time = make([]uint64, n)
			for k := range m.Time {
				if m.Time[k], err = getU64(r); err != nil {
					return out, err
				}
			}
			m.Bytes = make([]uint64, n)
			for k := range m.Bytes {
				if m.Bytes[k], err = getU64(r); err != nil {
					return out, err
				}
			}
		}
	}
	return out, nil
}

// MergeTimerResults combines one TimerMemoryResults per rank into a
// single result, the Go analogue of ProfilerApp::addTimers: timers
// sharing an id are combined by concatenating their Trace entries (not
// summing counters — the combined id keeps every rank's TraceResult
// entries distinct, each already stamped with its own Rank field, so
// nothing is lost), and every rank's memory series is appended as its
// own MemoryResults entry. NProcs is taken from the first result
// (every rank's Collective reports the same Size()); Walltime is the
// maximum across ranks, matching Synchronize's own max-reduce.
func MergeTimerResults(perRank []TimerMemoryResults) TimerMemoryResults {
	if len(perRank) == 0 {
		return TimerMemoryResults{}
	}
	out := TimerMemoryResults{NProcs: perRank[0].NProcs}
	indexByID := make(map[RegionID]int)
	for _, rr := range perRank {
		if rr.Walltime > out.Walltime {
			out.Walltime = rr.Walltime
		}
		for _, tr := range rr.Timers {
			idx, ok := indexByID[tr.ID]
			if !ok {
				cp := tr
				cp.Trace = append([]TraceResult(nil), tr.Trace...)
				indexByID[tr.ID] = len(out.Timers)
				out.Timers = append(out.Timers, cp)
				continue
			}
			out.Timers[idx].Trace = append(out.Timers[idx].Trace, tr.Trace...)
		}
		out.Memory = append(out.Memory, rr.Memory...)
	}
	return out
}
