package timer

import (
	"context"
	"reflect"
	"sync"
	"testing"

	"github.com/AdvancedMultiPhysics/TimerUtility-sub000/internal/collective"
)

func sampleTimerMemoryResults() TimerMemoryResults {
	return TimerMemoryResults{
		NProcs:   2,
		Walltime: 1.5,
		Timers: []TimerResults{
			{
				ID:      NewRegionID("work", "f.cpp", 10),
				Line:    10,
				Message: "work",
				File:    "f.cpp",
				Path:    "/src/f.cpp",
				Trace: []TraceResult{
					{
						ID: NewRegionID("work", "f.cpp", 10), Thread: 0, Rank: 0,
						N: 3, Min: 100, Max: 900, Tot: 1200, Stack: 1, Stack2: 2,
						Times: []TimePair{{Start: 0, Stop: 100}, {Start: 500, Stop: 900}},
					},
				},
			},
		},
		Memory: []MemoryResults{
			{Rank: 0, Time: []uint64{0, 100}, Bytes: []uint64{1024, 2048}},
		},
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	want := sampleTimerMemoryResults()
	got, err := Unpack(Pack(want))
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if !reflect.DeepEqual(want, got) {
		t.Fatalf("round trip mismatch:\n got=%+v\nwant=%+v", got, want)
	}
}

func TestPackUnpackRoundTripEmpty(t *testing.T) {
	want := TimerMemoryResults{NProcs: 1}
	got, err := Unpack(Pack(want))
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if !reflect.DeepEqual(want, got) {
		t.Fatalf("round trip mismatch:\n got=%+v\nwant=%+v", got, want)
	}
}

func TestUnpackRejectsTruncatedInput(t *testing.T) {
	buf := Pack(sampleTimerMemoryResults())
	if _, err := Unpack(buf[:len(buf)-1]); err == nil {
		t.Fatal("expected Unpack to reject a truncated buffer")
	}
}

func TestUnpackRejectsImplausibleLengthPrefix(t *testing.T) {
	// n_procs (8 bytes) + walltime (8 bytes) + a timer count claiming
	// far more entries than 4 remaining bytes could ever encode.
	buf := make([]byte, 16+4)
	buf[16], buf[17], buf[18], buf[19] = 0xFF, 0xFF, 0xFF, 0xFF
	if _, err := Unpack(buf); err == nil {
		t.Fatal("expected Unpack to reject an implausible timer count instead of allocating it")
	}
}

func TestMergeTimerResultsCombinesPerRankTraces(t *testing.T) {
	id := NewRegionID("work", "f.cpp", 10)
	rank0 := TimerMemoryResults{
		NProcs:   2,
		Walltime: 1.0,
		Timers: []TimerResults{
			{ID: id, Message: "work", File: "f.cpp", Line: 10,
				Trace: []TraceResult{{ID: id, Thread: 0, Rank: 0, N: 1}}},
		},
	}
	rank1 := TimerMemoryResults{
		NProcs:   2,
		Walltime: 2.0,
		Timers: []TimerResults{
			{ID: id, Message: "work", File: "f.cpp", Line: 10,
				Trace: []TraceResult{{ID: id, Thread: 0, Rank: 1, N: 1}}},
		},
	}

	merged := MergeTimerResults([]TimerMemoryResults{rank0, rank1})
	if len(merged.Timers) != 1 {
		t.Fatalf("len(Timers) = %d, want 1", len(merged.Timers))
	}
	if len(merged.Timers[0].Trace) != 2 {
		t.Fatalf("len(Trace) = %d, want 2 (one per rank)", len(merged.Timers[0].Trace))
	}
	if merged.Walltime != 2.0 {
		t.Errorf("Walltime = %v, want max(1.0, 2.0) = 2.0", merged.Walltime)
	}
}

// fakeBus is a minimal in-memory Collective local to this package, used
// to exercise GatherGlobal end to end with two ranks that each record
// the same timer id, gathered into N_procs=2 with one timer carrying
// two trace entries (one per rank), without pulling the unexported
// fakeBus from internal/collective's own tests.
type fakeBus struct {
	rank, size int
	mu         *sync.Mutex
	inbox      map[[2]int][]byte
}

func newFakeBus(size int) []*fakeBus {
	mu := &sync.Mutex{}
	inbox := map[[2]int][]byte{}
	buses := make([]*fakeBus, size)
	for r := 0; r < size; r++ {
		buses[r] = &fakeBus{rank: r, size: size, mu: mu, inbox: inbox}
	}
	return buses
}

func (b *fakeBus) Rank() int                                             { return b.rank }
func (b *fakeBus) Size() int                                             { return b.size }
func (b *fakeBus) Barrier(context.Context) error                         { return nil }
func (b *fakeBus) MaxReduce(_ context.Context, v float64) (float64, error) { return v, nil }

func (b *fakeBus) SendBytes(_ context.Context, dest, tag int, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inbox[[2]int{b.rank, tag}] = append([]byte(nil), data...)
	_ = dest
	return nil
}

func (b *fakeBus) RecvBytes(_ context.Context, src, tag int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inbox[[2]int{src, tag}], nil
}

func (b *fakeBus) SendU64(context.Context, int, int, []uint64) error      { return nil }
func (b *fakeBus) RecvU64(context.Context, int, int) ([]uint64, error)    { return nil, nil }

var _ collective.Collective = (*fakeBus)(nil)

func TestGatherGlobalTwoRanks(t *testing.T) {
	buses := newFakeBus(2)
	id := NewRegionID("work", "f.cpp", 10)

	ctx := context.Background()
	var wg sync.WaitGroup
	results := make([]TimerMemoryResults, 2)
	errs := make([]error, 2)
	for r := 0; r < 2; r++ {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := New(noopLogger{}, fakeAccounter{}, buses[r])
			local := TimerMemoryResults{
				NProcs: 2,
				Timers: []TimerResults{
					{ID: id, Message: "work", File: "f.cpp", Line: 10,
						Trace: []TraceResult{{ID: id, Thread: 0, Rank: r, N: 1}}},
				},
			}
			results[r], errs[r] = GatherGlobal(ctx, p, local)
		}()
	}
	wg.Wait()

	for r, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: GatherGlobal: %v", r, err)
		}
	}

	got := results[0]
	if got.NProcs != 2 {
		t.Errorf("NProcs = %d, want 2", got.NProcs)
	}
	if len(got.Timers) != 1 {
		t.Fatalf("len(Timers) = %d, want 1", len(got.Timers))
	}
	if len(got.Timers[0].Trace) != 2 {
		t.Fatalf("len(Trace) = %d, want 2 (one per rank)", len(got.Timers[0].Trace))
	}

	if len(results[1].Timers) != 0 || len(results[1].Memory) != 0 {
		t.Fatalf("rank 1 expected a zero-valued result, got %+v", results[1])
	}
}
