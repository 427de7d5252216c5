// Package timerfile writes and reads the engine's on-disk report
// format: a human-readable `.timer` summary table plus a machine
// block, an optional binary `.trace` detail file, and an optional
// binary `.memory` file (spec §6.2-§6.4). The layout is fixed by
// original_source/ProfilerApp.cpp's save()/load(): this package
// reproduces it field-for-field rather than inventing a new one, so
// files this package writes can be read by the original tool's report
// generator and vice versa.
package timerfile

import (
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"github.com/AdvancedMultiPhysics/TimerUtility-sub000/internal/timer"
)

// escape is the 0x0E byte the writer brackets every free-form string
// field with, so a message/filename containing a comma or '>' cannot
// be confused with machine-block syntax (spec §6.2).
const escape = 0x0E

func quoted(s string) string {
	return fmt.Sprintf("%c%s%c", escape, s, escape)
}

// dateLayout approximates the source's getDateString() (an asctime-
// style "Www Mmm dd hh:mm:ss yyyy"); exact format is not load-bearing,
// since the reader treats the date field as an opaque string.
const dateLayout = "Mon Jan  2 15:04:05 2006"

type timerAgg struct {
	index int
	total float64 // seconds, max-over-threads, recursion-excluded
	byThread map[uint64]*threadAgg
	order    []uint64
}

type threadAgg struct {
	n        uint64
	min, max float64
	tot      float64 // recursion-excluded
}

// WriteTimer writes the complete .timer file for one rank: the
// fixed-width human summary table (most expensive timer first, by
// max-over-threads exclusive total), then the machine-readable block
// consumed by this package's reader and by any external report tool.
func WriteTimer(w io.Writer, results []timer.TimerResults, nProcs, rank int, walltime float64, storeTrace, storeMemory bool, date time.Time) error {
	if len(results) == 0 {
		return nil
	}
	stackMap := timer.BuildStackMap(results)

	nThreads := 0
	aggs := make([]*timerAgg, len(results))
	for i, tr := range results {
		a := &timerAgg{index: i, byThread: make(map[uint64]*threadAgg)}
		for _, t := range tr.Trace {
			if int(t.Thread)+1 > nThreads {
				nThreads = int(t.Thread) + 1
			}
			th, ok := a.byThread[t.Thread]
			if !ok {
				th = &threadAgg{min: math.Inf(1)}
				a.byThread[t.Thread] = th
				a.order = append(a.order, t.Thread)
			}
			th.n += t.N
			if minS := ns2s(t.Min); minS < th.min {
				th.min = minS
			}
			if maxS := ns2s(t.Max); maxS > th.max {
				th.max = maxS
			}
			if !timer.IsRecursive(stackMap, tr.ID, t.Stack) {
				th.tot += ns2s(t.Tot)
			}
		}
		for _, th := range a.byThread {
			if th.tot > a.total {
				a.total = th.tot
			}
		}
		sort.Slice(a.order, func(i, j int) bool { return a.order[i] < a.order[j] })
		aggs[i] = a
	}

	order := make([]int, len(aggs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return aggs[order[i]].total > aggs[order[j]].total })

	header := "                  Message                      Filename           Line" +
		"   Thread    N_calls   Min Time  Max Time  Total Time  %% Time\n" +
		"---------------------------------------------------------------------" +
		"---------------------------------------------------------------\n"
	if _, err := io.WriteString(w, header); err != nil {
		return err
	}
	for _, idx := range order {
		a := aggs[idx]
		tr := results[a.index]
		for _, th := range a.order {
			agg := a.byThread[th]
			if agg.n == 0 {
				continue
			}
			pct := 0.0
			if walltime > 0 {
				pct = 100 * agg.tot / walltime
			}
			fmt.Fprintf(w, " %29s  %30s   %5d   %5d    %8d   %8.3f  %8.3f  %10.3f  %6.1f\n",
				tr.Message, tr.File, tr.Line, th, agg.n, agg.min, agg.max, agg.tot, pct)
		}
	}

	fmt.Fprintf(w, "\n\n\n")
	fmt.Fprintf(w, "<N_procs=%d,id=%d,store_trace=%d,store_memory=%d,walltime=%e,date='%s'>\n",
		nProcs, rank, b2i(storeTrace), b2i(storeMemory), walltime, date.Format(dateLayout))

	for _, idx := range order {
		a := aggs[idx]
		tr := results[a.index]
		fmt.Fprintf(w, "<timer:id=%s,message=%s,file=%s,path=%s,line=%d>\n",
			tr.ID.String(), quoted(tr.Message), quoted(tr.File), quoted(tr.Path), tr.Line)
		for _, t := range tr.Trace {
			fmt.Fprintf(w, "<trace:id=%s,thread=%d,rank=%d,N=%d,min=%e,max=%e,tot=%e,stack=[%s;%s]>\n",
				tr.ID.String(), t.Thread, t.Rank, t.N, ns2s(t.Min), ns2s(t.Max), ns2s(t.Tot),
				timer.HashStackToStr(t.Stack), timer.HashStackToStr(t.Stack2))
		}
	}
	return nil
}

func ns2s(ns uint64) float64 { return 1e-9 * float64(ns) }

func b2i(v bool) int {
	if v {
		return 1
	}
	return 0
}

// WriteTrace writes the binary .trace file: one header line plus a
// flat uint16f payload per trace that had detailed timing enabled, in
// the same timer order WriteTimer used (the reader does not require
// this order, but it keeps the two files easy to cross-check by eye).
// Each trace's absolute (start, stop) pairs are re-compressed through a
// fresh StoreTimes (spec §6.3: "2*N*uint16f bytes raw" is exactly
// StoreTimes' own (delta, duration) pair encoding, not a per-call
// absolute timestamp), so N here is the pair count StoreTimes produced,
// which can exceed len(t.Times) when a call's span needed splitting.
func WriteTrace(w io.Writer, results []timer.TimerResults) error {
	for _, tr := range results {
		for _, t := range tr.Trace {
			if len(t.Times) == 0 {
				continue
			}
			st := timer.NewStoreTimes()
			for _, p := range t.Times {
				st.Add(p.Start, p.Stop)
			}
			fmt.Fprintf(w, "<id=%s,thread=%d,rank=%d,stack=%s,N=%d,format=uint16f>\n",
				tr.ID.String(), t.Thread, t.Rank, timer.HashStackToStr(t.Stack), st.Len())
			for _, v := range st.RawPairs() {
				if err := writeUint16f(w, v); err != nil {
					return err
				}
			}
			if _, err := io.WriteString(w, "\n"); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeUint16f(w io.Writer, v timer.Uint16f) error {
	var buf [2]byte
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	_, err := w.Write(buf[:])
	return err
}

// memoryScale picks the byte-count unit that keeps every sample within
// an unsigned 32-bit scaled value (spec §6.4), matching the source's
// thresholds exactly.
func memoryScale(maxBytes uint64) (scale uint64, units string) {
	switch {
	case maxBytes < 0xFFFFFFFF:
		return 1, "bytes"
	case maxBytes < 0x3FFFFFFFFFF:
		return 1024, "kB"
	case maxBytes < 0xFFFFFFFFFFFFF:
		return 1024 * 1024, "MB"
	default:
		return 1024 * 1024 * 1024, "GB"
	}
}

// WriteMemory writes the binary .memory file for one or more ranks'
// merged series (spec §6.4): a header line naming the sample count,
// wire types, byte scale, and rank, followed by a flat array of
// float64 seconds and a flat array of scaled uint32 byte counts.
func WriteMemory(w io.Writer, series []timer.MemoryResults) error {
	for _, m := range series {
		count := len(m.Time)
		if len(m.Bytes) != count {
			return fmt.Errorf("timerfile: memory series for rank %d has mismatched time/bytes length", m.Rank)
		}
		var maxBytes uint64
		for _, b := range m.Bytes {
			if b > maxBytes {
				maxBytes = b
			}
		}
		scale, units := memoryScale(maxBytes)
		fmt.Fprintf(w, "<N=%d,type1=double,type2=uint32,units=%s,rank=%d>\n", count, units, m.Rank)
		for _, t := range m.Time {
			if err := writeFloat64(w, ns2s(t)); err != nil {
				return err
			}
		}
		for _, b := range m.Bytes {
			if err := writeUint32(w, uint32(b/scale)); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(w, "\n"); err != nil {
			return err
		}
	}
	return nil
}

func writeFloat64(w io.Writer, v float64) error {
	var buf [8]byte
	bits := math.Float64bits(v)
	for i := 0; i < 8; i++ {
		buf[i] = byte(bits >> (8 * i))
	}
	_, err := w.Write(buf[:])
	return err
}

func writeUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
	_, err := w.Write(buf[:])
	return err
}
