package timer

import "testing"

func TestRegionIDRoundTrip(t *testing.T) {
	cases := []struct {
		message, file string
		line          int
	}{
		{"solve", "/src/solver.cpp", 0},
		{"assemble matrix", "matrix.cpp", 42},
		{"", "", 0},
		{"same name, different line", "foo.cpp", 1},
		{"same name, different line", "foo.cpp", 2},
	}
	seen := map[RegionID]bool{}
	for _, c := range cases {
		id := NewRegionID(c.message, c.file, c.line)
		s := id.String()
		if len(s) != IDStringLen {
			t.Fatalf("String() length = %d, want %d", len(s), IDStringLen)
		}
		got, err := ParseRegionID(s)
		if err != nil {
			t.Fatalf("ParseRegionID(%q): %v", s, err)
		}
		if got != id {
			t.Fatalf("round trip: got %d, want %d", got, id)
		}
		seen[id] = true
	}
	if len(seen) != len(cases) {
		// the two "different line" cases must diverge; everything else is distinct.
		t.Fatalf("unexpected id collisions: %d unique of %d cases", len(seen), len(cases))
	}
}

func TestParseRegionIDRejectsWrongLength(t *testing.T) {
	if _, err := ParseRegionID("short"); err == nil {
		t.Fatal("expected error for wrong-length string")
	}
}

func TestParseRegionIDRejectsBadCharacter(t *testing.T) {
	bad := "123456789" + "!"
	if _, err := ParseRegionID(bad); err == nil {
		t.Fatal("expected error for invalid character")
	}
}

func TestStackHashRoundTrip(t *testing.T) {
	vals := []uint64{0, 1, 0xFFFFFFFFFFFFFFFF, 0x0123456789ABCDEF}
	for _, v := range vals {
		s := HashStackToStr(v)
		got, err := ParseStackHash(s)
		if err != nil {
			t.Fatalf("ParseStackHash(%q): %v", s, err)
		}
		if got != v {
			t.Fatalf("stack hash round trip: got %#x, want %#x", got, v)
		}
	}
}

func TestAlphabetRoundTrip(t *testing.T) {
	for x := uint8(0); x < 64; x++ {
		c := toChar(x)
		got, ok := toInt(c)
		if !ok || got != x {
			t.Fatalf("toChar/toInt round trip failed for %d: got (%d, %v)", x, got, ok)
		}
	}
}

func TestStripPath(t *testing.T) {
	cases := map[string]string{
		"/a/b/c.cpp":   "c.cpp",
		`C:\a\b\c.cpp`: "c.cpp",
		"c.cpp":        "c.cpp",
		"":             "",
	}
	for in, want := range cases {
		if got := stripPath(in); got != want {
			t.Errorf("stripPath(%q) = %q, want %q", in, got, want)
		}
	}
}
