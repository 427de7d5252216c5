package timer

import "testing"

func TestStoreTimesRoundTripApproximate(t *testing.T) {
	st := NewStoreTimes()
	intervals := [][2]uint64{
		{0, 100},
		{150, 2000},
		{2500, 2500},
		{10_000, 50_000},
	}
	for _, iv := range intervals {
		st.Add(iv[0], iv[1])
	}
	got := st.Take()
	if len(got) == 0 {
		t.Fatal("Take returned no intervals")
	}
	last := got[len(got)-1]
	wantLast := intervals[len(intervals)-1]
	if approxErr(last.Start, wantLast[0]) || approxErr(last.Stop, wantLast[1]) {
		t.Fatalf("last interval drifted too far: got %+v, want near %v", last, wantLast)
	}
}

func approxErr(got, want uint64) bool {
	d := int64(got) - int64(want)
	if d < 0 {
		d = -d
	}
	return float64(d) > 0.01*float64(want)+4096
}

func TestStoreTimesRawPairsRoundTrip(t *testing.T) {
	st := NewStoreTimes()
	st.Add(0, 10)
	st.Add(20, 30)
	st.Add(1<<50, 1<<50+5)
	raw := st.RawPairs()
	reloaded := LoadRawPairs(raw)
	a, b := st.Take(), reloaded.Take()
	if len(a) != len(b) {
		t.Fatalf("length mismatch after reload: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("interval %d mismatch: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestStoreTimesSplitsWideInterval(t *testing.T) {
	st := NewStoreTimes()
	st.Add(0, MaxUint16f*3)
	if st.Len() < 2 {
		t.Fatalf("expected a wide interval to split into multiple pairs, got %d", st.Len())
	}
}
