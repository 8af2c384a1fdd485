package asm

import (
	"bytes"
	"testing"
)

func TestDisplacement_WithinRange(t *testing.T) {
	got, err := Displacement(0x1000, 0x2000)
	if err != nil {
		t.Fatalf("Displacement: %v", err)
	}
	if got != 0x1000 {
		t.Fatalf("got %d, want %d", got, 0x1000)
	}
}

func TestDisplacement_NegativeWithinRange(t *testing.T) {
	got, err := Displacement(0x2000, 0x1000)
	if err != nil {
		t.Fatalf("Displacement: %v", err)
	}
	if got != -0x1000 {
		t.Fatalf("got %d, want %d", got, -0x1000)
	}
}

func TestDisplacement_ExceedsTwoGiBFails(t *testing.T) {
	_, err := Displacement(0, uint64(1)<<33)
	if err == nil {
		t.Fatal("expected an error for an out-of-range displacement")
	}
}

func TestDisplacement_BoundaryValuesSucceed(t *testing.T) {
	if _, err := Displacement(0, uint64(1)<<31-1); err != nil {
		t.Fatalf("max positive displacement should succeed: %v", err)
	}
	var src uint64 = uint64(1) << 31
	if _, err := Displacement(src, 0); err != nil {
		t.Fatalf("max negative displacement should succeed: %v", err)
	}
}

func TestCallRel32_Encoding(t *testing.T) {
	// src is the address right after the 5-byte call instruction.
	instrAddr := uint64(0x1000)
	src := instrAddr + CallRel32Size
	dst := uint64(0x1000 + 0x40)

	encoded, err := CallRel32(src, dst)
	if err != nil {
		t.Fatalf("CallRel32: %v", err)
	}
	if encoded[0] != 0xe8 {
		t.Fatalf("opcode byte = %#x, want 0xe8", encoded[0])
	}
	if len(encoded) != CallRel32Size {
		t.Fatalf("len = %d, want %d", len(encoded), CallRel32Size)
	}

	wantDisp, err := Displacement(src, dst)
	if err != nil {
		t.Fatalf("Displacement: %v", err)
	}
	gotDisp := int32(uint32(encoded[1]) | uint32(encoded[2])<<8 | uint32(encoded[3])<<16 | uint32(encoded[4])<<24)
	if gotDisp != wantDisp {
		t.Fatalf("encoded displacement = %d, want %d", gotDisp, wantDisp)
	}
}

func TestSyscallJmpBreakpointEncodings(t *testing.T) {
	if !bytes.Equal(Syscall(), []byte{0x0f, 0x05}) {
		t.Fatalf("Syscall() = % x", Syscall())
	}
	if !bytes.Equal(JmpRax(), []byte{0xff, 0xe0}) {
		t.Fatalf("JmpRax() = % x", JmpRax())
	}
	if !bytes.Equal(Breakpoint(), []byte{0xcc}) {
		t.Fatalf("Breakpoint() = % x", Breakpoint())
	}
}
