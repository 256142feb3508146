package util

import (
	"testing"
	"unsafe"
)

func TestRounddown(t *testing.T) {
	cases := []struct {
		v, b, down uint32
	}{
		{0, 4096, 0},
		{1, 4096, 0},
		{4096, 4096, 4096},
		{4097, 4096, 4096},
	}
	for _, c := range cases {
		if got := Rounddown(c.v, c.b); got != c.down {
			t.Errorf("Rounddown(%d,%d) = %d, want %d", c.v, c.b, got, c.down)
		}
	}
}

func TestHostBytesRoundTrip(t *testing.T) {
	backing := make([]byte, 16)
	ptr := uintptr(unsafe.Pointer(&backing[0]))
	view := HostBytes(ptr, len(backing))
	view[0] = 0xAB
	if backing[0] != 0xAB {
		t.Fatal("HostBytes did not alias the original memory")
	}
}
