package timerfile

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/AdvancedMultiPhysics/TimerUtility-sub000/internal/timer"
)

// Header is the parsed `<N_procs=...>` machine-block line (spec §6.2).
type Header struct {
	NProcs      int
	Rank        int
	Walltime    float64
	Date        string
	StoreTrace  bool
	StoreMemory bool
}

// Timer is one parsed `<timer:id=...>` entry plus its `<trace:...>`
// children.
type Timer struct {
	ID      timer.RegionID
	Message string
	File    string
	Path    string
	Line    int
	Traces  []TraceEntry
}

// TraceEntry is one parsed `<trace:...>` line.
type TraceEntry struct {
	Thread uint64
	Rank   int
	N      uint64
	Min    float64 // seconds
	Max    float64
	Tot    float64
	Stack  uint64
	Stack2 uint64
}

// ParsedFile is the full result of reading a `.timer` file.
type ParsedFile struct {
	Header Header
	Timers []Timer
}

type kv struct{ key, val string }

// parseBracket strips the leading '<' and the matching '>' from a
// machine-block line, honoring spec §6.2's escape rule: a 0x0E byte
// toggles "inside a quoted field" so a literal '>' inside a message or
// filename cannot terminate the line early.
func parseBracket(line string) (string, bool) {
	if len(line) == 0 || line[0] != '<' {
		return "", false
	}
	count := 0
	for i := 1; i < len(line); i++ {
		switch line[i] {
		case escape:
			count++
		case '>':
			if count%2 == 0 {
				return line[1:i], true
			}
		}
	}
	return "", false
}

// splitTopLevel splits s on sep, skipping any sep byte that falls
// inside a 0x0E-escaped span.
func splitTopLevel(s string, sep byte) []string {
	var out []string
	start := 0
	count := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case escape:
			count++
		case sep:
			if count%2 == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}

func parseFields(inner string) []kv {
	parts := splitTopLevel(inner, ',')
	out := make([]kv, 0, len(parts))
	for _, p := range parts {
		i := strings.IndexByte(p, '=')
		if i < 0 {
			continue
		}
		key := p[:i]
		val := p[i+1:]
		if len(val) >= 2 && val[0] == escape && val[len(val)-1] == escape {
			val = val[1 : len(val)-1]
		}
		out = append(out, kv{key, val})
	}
	return out
}

func fieldMap(fields []kv) map[string]string {
	m := make(map[string]string, len(fields))
	for _, f := range fields {
		m[f.key] = f.val
	}
	return m
}

func parseStackPair(s string) (uint64, uint64, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return 0, 0, fmt.Errorf("timerfile: malformed stack field %q", s)
	}
	inner := s[1 : len(s)-1]
	i := strings.IndexByte(inner, ';')
	if i < 0 {
		return 0, 0, fmt.Errorf("timerfile: malformed stack field %q", s)
	}
	stack, err := timer.ParseStackHash(inner[:i])
	if err != nil {
		return 0, 0, err
	}
	stack2, err := timer.ParseStackHash(inner[i+1:])
	if err != nil {
		return 0, 0, err
	}
	return stack, stack2, nil
}

// ReadTimer parses a `.timer` file's machine block (the fixed-width
// summary table at the top is presentation only and is skipped). Per
// spec §9's documented resolution, this checks the field key is
// literally "trace:id", unlike the source reader's always-true
// comma-operator comparison.
func ReadTimer(r io.Reader) (*ParsedFile, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	pf := &ParsedFile{}
	pf.Header.Rank = -1
	index := make(map[timer.RegionID]int)

	for sc.Scan() {
		line := sc.Text()
		if len(line) == 0 || line[0] != '<' {
			continue
		}
		inner, ok := parseBracket(line)
		if !ok {
			continue
		}
		fields := parseFields(inner)
		if len(fields) == 0 {
			continue
		}
		switch fields[0].key {
		case "N_procs":
			fm := fieldMap(fields)
			pf.Header.NProcs, _ = strconv.Atoi(fields[0].val)
			if v, ok := fm["id"]; ok {
				pf.Header.Rank, _ = strconv.Atoi(v)
			}
			if v, ok := fm["rank"]; ok {
				pf.Header.Rank, _ = strconv.Atoi(v)
			}
			if v, ok := fm["store_trace"]; ok {
				pf.Header.StoreTrace = v == "1"
			}
			if v, ok := fm["store_memory"]; ok {
				pf.Header.StoreMemory = v == "1"
			}
			if v, ok := fm["walltime"]; ok {
				pf.Header.Walltime, _ = strconv.ParseFloat(v, 64)
			}
			if v, ok := fm["date"]; ok {
				pf.Header.Date = strings.Trim(v, "'")
			}
		case "timer:id":
			id, err := timer.ParseRegionID(fields[0].val)
			if err != nil {
				return pf, err
			}
			if _, exists := index[id]; exists {
				continue
			}
			t := Timer{ID: id}
			fm := fieldMap(fields[1:])
			t.Message = fm["message"]
			t.File = fm["file"]
			t.Path = fm["path"]
			if v, ok := fm["line"]; ok {
				t.Line, _ = strconv.Atoi(v)
			} else if v, ok := fm["start"]; ok {
				t.Line, _ = strconv.Atoi(v)
			}
			index[id] = len(pf.Timers)
			pf.Timers = append(pf.Timers, t)
		case "trace:id":
			id, err := timer.ParseRegionID(fields[0].val)
			if err != nil {
				return pf, err
			}
			idx, ok := index[id]
			if !ok {
				return pf, fmt.Errorf("timerfile: trace references unknown timer id %s", fields[0].val)
			}
			var te TraceEntry
			fm := fieldMap(fields[1:])
			if v, ok := fm["thread"]; ok {
				te.Thread, _ = strconv.ParseUint(v, 10, 64)
			}
			te.Rank = pf.Header.Rank
			if v, ok := fm["rank"]; ok {
				te.Rank, _ = strconv.Atoi(v)
			}
			if v, ok := fm["N"]; ok {
				te.N, _ = strconv.ParseUint(v, 10, 64)
			}
			if v, ok := fm["min"]; ok {
				te.Min, _ = strconv.ParseFloat(v, 64)
			}
			if v, ok := fm["max"]; ok {
				te.Max, _ = strconv.ParseFloat(v, 64)
			}
			if v, ok := fm["tot"]; ok {
				te.Tot, _ = strconv.ParseFloat(v, 64)
			}
			if v, ok := fm["stack"]; ok {
				te.Stack, te.Stack2, _ = parseStackPair(v)
			}
			pf.Timers[idx].Traces = append(pf.Timers[idx].Traces, te)
		}
	}
	if err := sc.Err(); err != nil {
		return pf, err
	}
	if pf.Header.Walltime <= 0 {
		for _, t := range pf.Timers {
			for _, tr := range t.Traces {
				if tr.Tot > pf.Header.Walltime {
					pf.Header.Walltime = tr.Tot
				}
			}
		}
	}
	return pf, nil
}

// TraceBlock is one parsed detailed-trace record from a `.trace` file.
type TraceBlock struct {
	ID     timer.RegionID
	Thread uint64
	Rank   int
	Stack  uint64
	Times  []timer.TimePair
}

// ReadTrace parses a `.trace` file: alternating text headers and
// binary payloads. Per spec §6.3, "format=double" (the legacy layout,
// a flat array of (start,stop) second-pairs) is still accepted even
// though WriteTrace only ever emits "format=uint16f".
func ReadTrace(r io.Reader) ([]TraceBlock, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	var out []TraceBlock
	for {
		line, err := br.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			if err != nil {
				break
			}
			continue
		}
		inner, ok := parseBracket(trimmed)
		if !ok {
			if err != nil {
				break
			}
			continue
		}
		fields := parseFields(inner)
		fm := fieldMap(fields)
		id, idErr := timer.ParseRegionID(fm["id"])
		if idErr != nil {
			return out, idErr
		}
		thread, _ := strconv.ParseUint(fm["thread"], 10, 64)
		rank, _ := strconv.Atoi(fm["rank"])
		stack, _ := timer.ParseStackHash(fm["stack"])
		n, _ := strconv.ParseUint(fm["N"], 10, 64)
		format := fm["format"]
		var times []timer.TimePair
		switch format {
		case "uint16f", "":
			// N raw (delta, duration) uint16f pairs relative to a
			// running offset (spec §6.3: "2*N*uint16f bytes raw"), the
			// same compressed representation StoreTimes keeps in
			// memory; LoadRawPairs replays the offset exactly as
			// StoreTimes.Add advanced it when writing.
			raw := make([]timer.Uint16f, 0, 2*n)
			for i := uint64(0); i < n; i++ {
				deltaRaw, e1 := readUint16(br)
				durRaw, e2 := readUint16(br)
				if e1 != nil || e2 != nil {
					return out, fmt.Errorf("timerfile: truncated trace payload")
				}
				raw = append(raw, timer.Uint16f(deltaRaw), timer.Uint16f(durRaw))
			}
			times = timer.LoadRawPairs(raw).Take()
		case "double":
			times = make([]timer.TimePair, 0, n)
			for i := uint64(0); i < n; i++ {
				a, e1 := readFloat64(br)
				b, e2 := readFloat64(br)
				if e1 != nil || e2 != nil {
					return out, fmt.Errorf("timerfile: truncated trace payload")
				}
				times = append(times, timer.TimePair{Start: uint64(a * 1e9), Stop: uint64(b * 1e9)})
			}
		default:
			return out, fmt.Errorf("timerfile: unknown trace format %q", format)
		}
		br.ReadByte() // trailing '\n' after the binary blob
		out = append(out, TraceBlock{ID: id, Thread: thread, Rank: rank, Stack: stack, Times: times})
		if err != nil {
			break
		}
	}
	return out, nil
}

func unitsScale(units string) uint64 {
	switch units {
	case "kB":
		return 1024
	case "MB":
		return 1024 * 1024
	case "GB":
		return 1024 * 1024 * 1024
	default:
		return 1
	}
}

// ReadMemory parses a `.memory` file: one or more `<N=...>` header
// lines each followed by a flat float64 time array and a flat uint32
// scaled-bytes array (spec §6.4).
func ReadMemory(r io.Reader) ([]timer.MemoryResults, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	var out []timer.MemoryResults
	for {
		line, err := br.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			if err != nil {
				break
			}
			continue
		}
		inner, ok := parseBracket(trimmed)
		if !ok {
			if err != nil {
				break
			}
			continue
		}
		fields := parseFields(inner)
		fm := fieldMap(fields)
		n, _ := strconv.Atoi(fm["N"])
		rank, _ := strconv.Atoi(fm["rank"])
		scale := unitsScale(fm["units"])
		times := make([]uint64, n)
		for i := 0; i < n; i++ {
			f, e := readFloat64(br)
			if e != nil {
				return out, fmt.Errorf("timerfile: truncated memory payload")
			}
			times[i] = uint64(f * 1e9)
		}
		bytesOut := make([]uint64, n)
		for i := 0; i < n; i++ {
			v, e := readUint32(br)
			if e != nil {
				return out, fmt.Errorf("timerfile: truncated memory payload")
			}
			bytesOut[i] = uint64(v) * scale
		}
		br.ReadByte()
		out = append(out, timer.MemoryResults{Rank: rank, Time: times, Bytes: bytesOut})
		if err != nil {
			break
		}
	}
	return out, nil
}

func readUint16(r io.Reader) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func readFloat64(r io.Reader) (float64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(buf[:])), nil
}
