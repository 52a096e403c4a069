package auxv

import "testing"

func TestLookup(t *testing.T) {
	// Two entries (tag 3 -> 0x1000, tag atPlatform -> 0x2000) then AT_NULL.
	data := make([]byte, 0, 48)
	put := func(v uint64) {
		for i := 0; i < 8; i++ {
			data = append(data, byte(v>>(8*i)))
		}
	}
	put(3)
	put(0x1000)
	put(atPlatform)
	put(0x2000)
	put(atNull)
	put(0)

	v, ok := lookup(data, atPlatform)
	if !ok || v != 0x2000 {
		t.Fatalf("lookup(atPlatform) = (%#x, %v), want (0x2000, true)", v, ok)
	}

	if _, ok := lookup(data, 99); ok {
		t.Fatalf("lookup(99) should not be found")
	}
}

func TestPlatform(t *testing.T) {
	// This runs against the real process auxv; just assert it doesn't
	// error and returns a plausible non-empty string on linux/amd64
	// or linux/arm64 test runners.
	p, err := Platform()
	if err != nil {
		t.Skipf("auxv platform unavailable in this environment: %v", err)
	}
	if p == "" {
		t.Fatalf("Platform() returned empty string with nil error")
	}
}
