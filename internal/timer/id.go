package timer

import "strings"

// RegionID is the 60-bit, process-wide deterministic identifier of a
// region (stripped filename, message, optional line). Zero is the null
// id: no registered region ever hashes to it in practice, and it is
// used as the sentinel for "not yet assigned".
type RegionID uint64

const regionIDBits = 60
const regionIDMask = 1<<regionIDBits - 1

// IDStringLen is the fixed width of a RegionID's string form.
const IDStringLen = 10

// alphabet is the 64-character set {0-9, a-z, A-Z, &, $} used to print
// and parse ids and raw hashes. Ordering and offsets match the source
// project's to_char/to_int tables exactly so ids computed here agree
// with any id printed by a file this reader did not itself write.
func toChar(x uint8) byte {
	switch {
	case x < 10:
		return x + 48 // '0'..'9'
	case x < 36:
		return x + 87 // 'a'..'z'
	case x < 62:
		return x + 29 // 'A'..'Z'
	case x == 62:
		return '&'
	default:
		return '$'
	}
}

func toInt(c byte) (uint8, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - 48, true
	case c >= 'a' && c <= 'z':
		return c - 87, true
	case c >= 'A' && c <= 'Z':
		return c - 29, true
	case c == '&':
		return 62, true
	case c == '$':
		return 63, true
	default:
		return 0, false
	}
}

// String renders v as a fixed IDStringLen-character, LSB-first base-64
// string. Because v is always masked to regionIDBits before this is
// called, unused high digits encode as '0' (toChar(0)), which is the
// zero-padding the wire format requires without any special case.
func (id RegionID) String() string {
	return hashToStr(uint64(id), IDStringLen)
}

func hashToStr(key uint64, width int) string {
	buf := make([]byte, width)
	for i := 0; i < width; i++ {
		buf[i] = toChar(uint8(key & 0x3F))
		key >>= 6
	}
	return string(buf)
}

// ParseRegionID parses the fixed-width string form back into a
// RegionID. Round-trip law: ParseRegionID(v.String()) == v for every
// valid v (spec §8 invariant 1).
func ParseRegionID(s string) (RegionID, error) {
	if len(s) != IDStringLen {
		return 0, errDecodef("region id must be %d characters, got %d", IDStringLen, len(s))
	}
	v, err := strToHash(s)
	if err != nil {
		return 0, err
	}
	return RegionID(v & regionIDMask), nil
}

// strToHash is the general inverse of hashToStr: digit i (from the
// left) contributes value*64^i, matching the source's str_to_hash
// (which walks the string back-to-front accumulating key = key<<6 +
// digit). Used both for RegionID and for printing/parsing raw 64-bit
// stack hashes in the .timer machine block.
func strToHash(s string) (uint64, error) {
	var key uint64
	for i := len(s) - 1; i >= 0; i-- {
		d, ok := toInt(s[i])
		if !ok {
			return 0, errDecodef("invalid id character %q", s[i])
		}
		key = (key << 6) + uint64(d)
	}
	return key, nil
}

// hashStackToStr renders an arbitrary 64-bit stack hash using the same
// alphabet, at the width needed to hold 64 bits (11 digits), matching
// the source's use of hash_to_str for trace "stack"/"stack2" fields.
func hashStackToStr(h uint64) string {
	return hashToStr(h, 11)
}

func parseStackHash(s string) (uint64, error) {
	return strToHash(s)
}

// HashStackToStr exports hashStackToStr for internal/timerfile, which
// prints raw trace stack/stack2 hashes using the same alphabet as
// RegionID (spec §6.2's "stack=[...]" field).
func HashStackToStr(h uint64) string { return hashStackToStr(h) }

// ParseStackHash exports parseStackHash for internal/timerfile's
// reader.
func ParseStackHash(s string) (uint64, error) { return parseStackHash(s) }

// djb2 is the classic Bernstein hash used throughout the source for
// both filenames and messages: hash = hash*33 XOR c, seed 5381.
func djb2(s string) uint64 {
	h := uint64(5381)
	for i := 0; i < len(s); i++ {
		h = ((h << 5) + h) ^ uint64(s[i])
	}
	return h
}

// stripPath trims a path down to its final component, matching the
// source's strip_path (split on the last '/' or '\').
func stripPath(filename string) string {
	if i := strings.LastIndexAny(filename, `/\`); i >= 0 {
		return filename[i+1:]
	}
	return filename
}

// golden64 is 2^64 * (sqrt(5)-1)/2, the multiplicative-hash constant
// the source uses for GET_TIMER_HASH. Reused here to fold an optional
// line number into the id, which the two-argument getTimerId in the
// retrieved source snapshot does not do (its header declares a
// three-argument overload that is absent from this snapshot) but spec
// §3 requires ("stripped-filename, message, optional line").
const golden64 = 0x9E3779B97F4A7C15

// NewRegionID computes the deterministic id for a region from its
// stripped filename, message, and optional source line (<= 0 means
// "unknown", matching TimerInfo.Line's -1 sentinel).
func NewRegionID(message, filename string, line int) RegionID {
	h1 := djb2(stripPath(filename))
	h2 := djb2(message)
	key := (h2 << 32) + (h1 ^ h2)
	if line > 0 {
		key ^= uint64(line) * golden64
	}
	return RegionID(key & regionIDMask)
}
