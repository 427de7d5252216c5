package timerfile

import (
	"bytes"
	"testing"
	"time"

	"github.com/AdvancedMultiPhysics/TimerUtility-sub000/internal/timer"
)

func sampleResults() []timer.TimerResults {
	id1 := timer.NewRegionID("solve", "solver.cpp", 10)
	id2 := timer.NewRegionID("assemble", "matrix.cpp", 20)
	return []timer.TimerResults{
		{
			ID: id1, Line: 10, Message: "solve", File: "solver.cpp", Path: "/src/solver.cpp",
			Trace: []timer.TraceResult{
				{ID: id1, Thread: 0, Rank: 0, N: 3, Min: 100, Max: 900, Tot: 1500, Stack: 0xABCDEF, Stack2: 0},
				{ID: id1, Thread: 1, Rank: 0, N: 2, Min: 200, Max: 300, Tot: 500, Stack: 0x123, Stack2: 0},
			},
		},
		{
			ID: id2, Line: 20, Message: "assemble", File: "matrix.cpp", Path: "matrix.cpp",
			Trace: []timer.TraceResult{
				{ID: id2, Thread: 0, Rank: 0, N: 1, Min: 50, Max: 50, Tot: 50, Stack: 0x1, Stack2: 0},
			},
		},
	}
}

func TestTimerFileRoundTrip(t *testing.T) {
	results := sampleResults()
	var buf bytes.Buffer
	if err := WriteTimer(&buf, results, 4, 2, 0.002, true, false, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)); err != nil {
		t.Fatalf("WriteTimer: %v", err)
	}

	pf, err := ReadTimer(&buf)
	if err != nil {
		t.Fatalf("ReadTimer: %v", err)
	}
	if pf.Header.NProcs != 4 {
		t.Errorf("NProcs = %d, want 4", pf.Header.NProcs)
	}
	if pf.Header.Rank != 2 {
		t.Errorf("Rank = %d, want 2", pf.Header.Rank)
	}
	if !pf.Header.StoreTrace {
		t.Error("StoreTrace = false, want true")
	}
	if pf.Header.StoreMemory {
		t.Error("StoreMemory = true, want false")
	}
	if len(pf.Timers) != 2 {
		t.Fatalf("len(Timers) = %d, want 2", len(pf.Timers))
	}

	byMsg := map[string]Timer{}
	for _, tm := range pf.Timers {
		byMsg[tm.Message] = tm
	}
	solve, ok := byMsg["solve"]
	if !ok {
		t.Fatal("missing solve timer")
	}
	if solve.File != "solver.cpp" || solve.Path != "/src/solver.cpp" || solve.Line != 10 {
		t.Errorf("solve timer metadata mismatch: %+v", solve)
	}
	if len(solve.Traces) != 2 {
		t.Fatalf("solve timer traces = %d, want 2", len(solve.Traces))
	}
	for _, tr := range solve.Traces {
		if tr.Thread == 0 {
			if tr.N != 3 || tr.Tot <= 0 {
				t.Errorf("thread 0 trace mismatch: %+v", tr)
			}
		}
	}
}

func TestTraceFileRoundTrip(t *testing.T) {
	results := sampleResults()
	results[0].Trace[0].Times = []timer.TimePair{
		{Start: 0, Stop: 1000},
		{Start: 2000, Stop: 2500},
	}
	var buf bytes.Buffer
	if err := WriteTrace(&buf, results); err != nil {
		t.Fatalf("WriteTrace: %v", err)
	}
	blocks, err := ReadTrace(&buf)
	if err != nil {
		t.Fatalf("ReadTrace: %v", err)
	}
	if len(blocks) != 1 {
		t.Fatalf("len(blocks) = %d, want 1 (only one trace had Times set)", len(blocks))
	}
	b := blocks[0]
	if b.ID != results[0].ID || b.Thread != 0 {
		t.Errorf("trace block identity mismatch: %+v", b)
	}
	if len(b.Times) != 2 {
		t.Fatalf("len(Times) = %d, want 2", len(b.Times))
	}
}

func TestMemoryFileRoundTrip(t *testing.T) {
	series := []timer.MemoryResults{
		{Rank: 0, Time: []uint64{0, 1_000_000_000, 2_000_000_000}, Bytes: []uint64{1024, 2048, 4096}},
		{Rank: 1, Time: []uint64{0}, Bytes: []uint64{1 << 40}},
	}
	var buf bytes.Buffer
	if err := WriteMemory(&buf, series); err != nil {
		t.Fatalf("WriteMemory: %v", err)
	}
	got, err := ReadMemory(&buf)
	if err != nil {
		t.Fatalf("ReadMemory: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	if got[0].Rank != 0 || len(got[0].Bytes) != 3 {
		t.Fatalf("rank 0 series mismatch: %+v", got[0])
	}
	if got[0].Bytes[1] != 2048 {
		t.Errorf("rank 0 bytes[1] = %d, want 2048", got[0].Bytes[1])
	}
	if got[1].Bytes[0] == 0 {
		t.Errorf("rank 1 large-byte sample lost precision entirely: %+v", got[1])
	}
}

func TestReaderRejectsCommaOperatorTypo(t *testing.T) {
	// A line whose first field key is NOT literally "trace:id" must not
	// be mistaken for a trace record, unlike the source reader's
	// always-true comma-operator comparison (spec §9).
	input := "<timer:id=0000000000,message=x,file=y,path=z,line=1>\n" +
		"<nottrace:id=0000000000,thread=0,rank=0,N=1,min=0,max=0,tot=0,stack=[0;0]>\n"
	pf, err := ReadTimer(bytes.NewBufferString(input))
	if err != nil {
		t.Fatalf("ReadTimer: %v", err)
	}
	if len(pf.Timers) != 1 || len(pf.Timers[0].Traces) != 0 {
		t.Fatalf("expected the malformed trace line to be ignored, got %+v", pf.Timers)
	}
}
