package memstat

import "testing"

func TestFastBytesNonZero(t *testing.T) {
	a := New()
	if got := a.FastBytes(); got == 0 {
		t.Error("FastBytes() = 0, want a nonzero runtime.MemStats.Sys reading")
	}
}

func TestTotalBytesNonZero(t *testing.T) {
	a := New()
	if got := a.TotalBytes(); got == 0 {
		t.Error("TotalBytes() = 0, want a nonzero resident-set reading")
	}
}
