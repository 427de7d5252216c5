package timer

import "testing"

func TestStoreMemoryCompressesFlatPlateau(t *testing.T) {
	sm := NewStoreMemory()
	sm.Add(0, 100)
	sm.Add(1, 100)
	sm.Add(2, 100)
	sm.Add(3, 100)
	if sm.Len() != 2 {
		t.Fatalf("expected a flat run to compress to 2 samples (first and latest), got %d", sm.Len())
	}
	if got := sm.Samples()[1].Time; got != 3 {
		t.Fatalf("expected the compressed sample to keep the latest time, got %d", got)
	}
}

func TestStoreMemoryKeepsDistinctLevels(t *testing.T) {
	sm := NewStoreMemory()
	sm.Add(0, 100)
	sm.Add(1, 200)
	sm.Add(2, 300)
	if sm.Len() != 3 {
		t.Fatalf("expected 3 distinct levels to stay separate, got %d", sm.Len())
	}
}

func TestStoreMemoryResetClears(t *testing.T) {
	sm := NewStoreMemory()
	sm.Add(0, 100)
	sm.Reset()
	if sm.Len() != 0 {
		t.Fatalf("expected Reset to clear samples, got %d", sm.Len())
	}
}
