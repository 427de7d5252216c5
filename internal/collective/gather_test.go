package collective

import (
	"context"
	"sync"
	"testing"
)

func TestSingleRecvReturnsErrNoPeers(t *testing.T) {
	var s Single
	ctx := context.Background()
	if _, err := s.RecvBytes(ctx, 0, 0); err == nil {
		t.Error("expected RecvBytes on Single to fail")
	}
	if _, err := s.RecvU64(ctx, 0, 0); err == nil {
		t.Error("expected RecvU64 on Single to fail")
	}
	if v, err := s.MaxReduce(ctx, 3.5); err != nil || v != 3.5 {
		t.Errorf("MaxReduce on Single = (%v, %v), want (3.5, nil)", v, err)
	}
}

// fakeBus is a minimal in-memory two-or-more-rank Collective used to
// exercise GatherBytes/GatherMemory's rank-0 aggregation without a
// real transport (spec §6.5 leaves the transport out of scope).
type fakeBus struct {
	rank, size int
	mu         *sync.Mutex
	bytesInbox map[[2]int][]byte
	u64Inbox   map[[2]int][]uint64
	barrier    *sync.WaitGroup
}

func newFakeBus(size int) []*fakeBus {
	mu := &sync.Mutex{}
	bytesInbox := map[[2]int][]byte{}
	u64Inbox := map[[2]int][]uint64{}
	buses := make([]*fakeBus, size)
	for r := 0; r < size; r++ {
		buses[r] = &fakeBus{rank: r, size: size, mu: mu, bytesInbox: bytesInbox, u64Inbox: u64Inbox}
	}
	return buses
}

func (b *fakeBus) Rank() int { return b.rank }
func (b *fakeBus) Size() int { return b.size }
func (b *fakeBus) Barrier(context.Context) error { return nil }
func (b *fakeBus) MaxReduce(_ context.Context, v float64) (float64, error) { return v, nil }

func (b *fakeBus) SendBytes(_ context.Context, dest, tag int, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := append([]byte(nil), data...)
	b.bytesInbox[[2]int{b.rank, tag}] = cp
	_ = dest
	return nil
}

func (b *fakeBus) RecvBytes(_ context.Context, src, tag int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bytesInbox[[2]int{src, tag}], nil
}

func (b *fakeBus) SendU64(_ context.Context, dest, tag int, data []uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := append([]uint64(nil), data...)
	b.u64Inbox[[2]int{b.rank, tag}] = cp
	_ = dest
	return nil
}

func (b *fakeBus) RecvU64(_ context.Context, src, tag int) ([]uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.u64Inbox[[2]int{src, tag}], nil
}

func TestGatherBytesCollectsEveryRank(t *testing.T) {
	buses := newFakeBus(3)
	ctx := context.Background()
	var wg sync.WaitGroup
	results := make([][][]byte, 3)
	for r := 0; r < 3; r++ {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := []byte{byte(r), byte(r + 1)}
			out, err := GatherBytes(ctx, buses[r], TagTimers, local)
			if err != nil {
				t.Errorf("rank %d: GatherBytes: %v", r, err)
			}
			results[r] = out
		}()
	}
	wg.Wait()
	got := results[0]
	if len(got) != 3 {
		t.Fatalf("rank 0 gathered %d buffers, want 3", len(got))
	}
	for r := 0; r < 3; r++ {
		want := []byte{byte(r), byte(r + 1)}
		if string(got[r]) != string(want) {
			t.Errorf("rank %d buffer = %v, want %v", r, got[r], want)
		}
	}
}

func TestGatherMemoryCollectsEveryRank(t *testing.T) {
	buses := newFakeBus(2)
	ctx := context.Background()
	var wg sync.WaitGroup
	var out []MemorySeries
	var gatherErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		o, err := GatherMemory(ctx, buses[0], MemorySeries{Time: []uint64{1, 2}, Bytes: []uint64{10, 20}})
		out, gatherErr = o, err
	}()
	go func() {
		defer wg.Done()
		GatherMemory(ctx, buses[1], MemorySeries{Time: []uint64{3}, Bytes: []uint64{30}})
	}()
	wg.Wait()
	if gatherErr != nil {
		t.Fatalf("GatherMemory: %v", gatherErr)
	}
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}
	if len(out[1].Time) != 1 || out[1].Time[0] != 3 || out[1].Bytes[0] != 30 {
		t.Errorf("rank 1 series mismatch: %+v", out[1])
	}
}
