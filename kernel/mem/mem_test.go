package mem

import "testing"

func TestFrameAddress(t *testing.T) {
	f := Frame(3)
	if got, want := f.Address(), uintptr(3*PageSize); got != want {
		t.Fatalf("got address %#x, want %#x", got, want)
	}
}

func TestFrameFromAddressRoundsDown(t *testing.T) {
	f := FrameFromAddress(uintptr(2*PageSize + 17))
	if f != 2 {
		t.Fatalf("expected frame 2, got %d", f)
	}
}

func TestInvalidFrame(t *testing.T) {
	if InvalidFrame.Valid() {
		t.Fatal("InvalidFrame must not be Valid")
	}
	if !Frame(0).Valid() {
		t.Fatal("frame 0 must be Valid")
	}
}

func TestRAMBytesAlias(t *testing.T) {
	ram := NewRAM(4)
	if got, want := ram.FrameCount(), uint64(4); got != want {
		t.Fatalf("got %d frames, want %d", got, want)
	}

	b := ram.Bytes(1)
	if len(b) != PageSize {
		t.Fatalf("expected %d-byte frame, got %d", PageSize, len(b))
	}
	b[0] = 0xAA

	if ram.Bytes(1)[0] != 0xAA {
		t.Fatal("expected Bytes to alias the same underlying arena")
	}
	if ram.Bytes(0)[0] == 0xAA {
		t.Fatal("frames must not alias each other")
	}
}
