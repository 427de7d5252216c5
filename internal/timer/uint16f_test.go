package timer

import "testing"

func TestUint16fVerbatimBelowThreshold(t *testing.T) {
	for _, x := range []uint64{0, 1, 2047, 2048} {
		if got := EncodeUint16f(x).Decode(); got != x {
			t.Errorf("EncodeUint16f(%d).Decode() = %d, want exact %d", x, got, x)
		}
	}
}

func TestUint16fMonotonic(t *testing.T) {
	prev := EncodeUint16f(0)
	for _, x := range []uint64{1, 100, 2048, 1 << 13, 1 << 20, 1 << 30, 1 << 40, MaxUint16f} {
		cur := EncodeUint16f(x)
		if cur < prev {
			t.Fatalf("EncodeUint16f not monotonic at x=%d: prev=%d cur=%d", x, prev, cur)
		}
		prev = cur
	}
}

func TestUint16fDecodeApproximate(t *testing.T) {
	x := uint64(123456789)
	d := EncodeUint16f(x).Decode()
	// exact to 11 significant bits: relative error bounded by 2^-11.
	diff := int64(d) - int64(x)
	if diff < 0 {
		diff = -diff
	}
	if float64(diff)/float64(x) > 1.0/2048 {
		t.Fatalf("decode error too large: x=%d decoded=%d", x, d)
	}
}

func TestUint16fSaturates(t *testing.T) {
	huge := uint64(1) << 62
	if EncodeUint16f(huge) != Uint16f(0xFFFF) {
		t.Fatalf("expected saturation to 0xFFFF for huge value, got %#x", EncodeUint16f(huge))
	}
}
