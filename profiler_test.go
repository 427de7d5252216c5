package timerutility

import (
	"testing"

	"github.com/AdvancedMultiPhysics/TimerUtility-sub000/internal/timer"
	"github.com/AdvancedMultiPhysics/TimerUtility-sub000/internal/timerfile"
)

func TestApplyTraceBlocksMatchesByRank(t *testing.T) {
	id := NewRegionID("work", "f.cpp", 10)
	timers := []TimerResults{
		{
			ID: id, Message: "work", File: "f.cpp", Line: 10,
			Trace: []TraceResult{
				{ID: id, Thread: 0, Rank: 0, Stack: 7},
				{ID: id, Thread: 0, Rank: 1, Stack: 7},
			},
		},
	}
	blocks := []timerfile.TraceBlock{
		{ID: id, Thread: 0, Rank: 1, Stack: 7, Times: []timer.TimePair{{Start: 100, Stop: 200}}},
		{ID: id, Thread: 0, Rank: 0, Stack: 7, Times: []timer.TimePair{{Start: 0, Stop: 50}}},
	}

	applyTraceBlocks(timers, blocks)

	rank0 := timers[0].Trace[0]
	rank1 := timers[0].Trace[1]
	if len(rank0.Times) != 1 || rank0.Times[0].Start != 0 {
		t.Fatalf("rank 0 trace got %+v, want the block tagged rank=0", rank0.Times)
	}
	if len(rank1.Times) != 1 || rank1.Times[0].Start != 100 {
		t.Fatalf("rank 1 trace got %+v, want the block tagged rank=1", rank1.Times)
	}
}
