package collective

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Tags used by the engine's own gather calls, matching the source's
// fixed tag numbers for timers (0) and memory time/bytes (1, 2).
const (
	TagTimers   = 0
	TagMemTime  = 1
	TagMemBytes = 2
)

// GatherBytes collects one byte buffer per rank to rank 0: rank 0's
// own buffer is placed at index 0, then every other rank's buffer is
// received concurrently (bounded by errgroup.Group, one goroutine per
// peer) rather than the source's sequential recv loop, since recv is
// the only per-rank step with no dependency on its neighbors. Non-zero
// ranks send their local buffer once and return nil. Always begins and
// ends with a barrier, matching ProfilerApp::gatherTimers.
func GatherBytes(ctx context.Context, c Collective, tag int, local []byte) ([][]byte, error) {
	if err := c.Barrier(ctx); err != nil {
		return nil, err
	}
	if c.Rank() != 0 {
		err := c.SendBytes(ctx, 0, tag, local)
		if barrierErr := c.Barrier(ctx); barrierErr != nil && err == nil {
			err = barrierErr
		}
		return nil, err
	}
	n := c.Size()
	out := make([][]byte, n)
	out[0] = local
	g, gctx := errgroup.WithContext(ctx)
	for r := 1; r < n; r++ {
		r := r
		g.Go(func() error {
			buf, err := c.RecvBytes(gctx, r, tag)
			if err != nil {
				return err
			}
			out[r] = buf
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := c.Barrier(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// MemorySeries is one rank's (time, bytes) sample arrays.
type MemorySeries struct {
	Time  []uint64
	Bytes []uint64
}

// GatherMemory collects every rank's memory series to rank 0, the
// u64-vector analogue of GatherBytes (ProfilerApp::gatherMemory).
func GatherMemory(ctx context.Context, c Collective, local MemorySeries) ([]MemorySeries, error) {
	if err := c.Barrier(ctx); err != nil {
		return nil, err
	}
	if c.Rank() != 0 {
		if err := c.SendU64(ctx, 0, TagMemTime, local.Time); err != nil {
			return nil, err
		}
		if err := c.SendU64(ctx, 0, TagMemBytes, local.Bytes); err != nil {
			return nil, err
		}
		return nil, c.Barrier(ctx)
	}
	n := c.Size()
	out := make([]MemorySeries, n)
	out[0] = local
	g, gctx := errgroup.WithContext(ctx)
	for r := 1; r < n; r++ {
		r := r
		g.Go(func() error {
			t, err := c.RecvU64(gctx, r, TagMemTime)
			if err != nil {
				return err
			}
			b, err := c.RecvU64(gctx, r, TagMemBytes)
			if err != nil {
				return err
			}
			out[r] = MemorySeries{Time: t, Bytes: b}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := c.Barrier(ctx); err != nil {
		return nil, err
	}
	return out, nil
}
