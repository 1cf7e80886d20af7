package memory

import (
	"bytes"
	"testing"
)

func TestPointerMakerForX86_64_FromUint(t *testing.T) {
	pm := PointerMakerForX86_64()
	pointer := pm.FromUint(0x00000000deadbeef)
	exp := []byte{0xef, 0xbe, 0xad, 0xde, 0x00, 0x00, 0x00, 0x00}
	if !bytes.Equal(pointer.Bytes(), exp) {
		t.Fatalf("expected 0x%x - got 0x%x", exp, pointer.Bytes())
	}
}

func TestPointerMakerForX86_64_FromUintKeepsLeadingZeros(t *testing.T) {
	// __libc_csu_fini in a non-PIE executable, as found in .init_array.
	pointer := PointerMakerForX86_64().FromUint(0x4011f0)
	exp := []byte{0xf0, 0x11, 0x40, 0x00, 0x00, 0x00, 0x00, 0x00}
	if !bytes.Equal(pointer.Bytes(), exp) {
		t.Fatalf("expected 0x%x - got 0x%x", exp, pointer.Bytes())
	}
}
