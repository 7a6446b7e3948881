package xbytes

import "testing"

func TestCompareOrdersUnsignedBytes(t *testing.T) {
	if !Less([]byte("a"), []byte("b")) {
		t.Fatal("expected a < b")
	}
	if !Less([]byte{0x00}, []byte{0xFF}) {
		t.Fatal("expected 0x00 < 0xFF byte order")
	}
}

func TestInRange(t *testing.T) {
	min, max := []byte("b"), []byte("y")

	if !InRange([]byte("m"), min, max) {
		t.Fatal("expected m in [b,y]")
	}
	if InRange([]byte("a"), min, max) {
		t.Fatal("expected a outside [b,y]")
	}
	if !InRange(min, min, max) || !InRange(max, min, max) {
		t.Fatal("expected bounds inclusive")
	}
}

func TestCRC32Deterministic(t *testing.T) {
	a := CRC32([]byte("hello"))
	b := CRC32([]byte("hello"))
	if a != b {
		t.Fatal("expected deterministic checksum")
	}
	if a == CRC32([]byte("hellp")) {
		t.Fatal("expected different checksum for different input")
	}
}

func TestFNV1aSpread(t *testing.T) {
	seen := map[uint32]bool{}
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		seen[FNV1a([]byte(k))&15] = true
	}
	if len(seen) < 2 {
		t.Fatal("expected FNV1a to spread small keys across shards")
	}
}

func TestValidUTF8(t *testing.T) {
	if !ValidUTF8([]byte("hello")) {
		t.Fatal("expected valid utf-8")
	}
	if ValidUTF8([]byte{0xff, 0xfe, 0xfd}) {
		t.Fatal("expected invalid utf-8")
	}
}
