//go:build linux && amd64

package remote

import (
	"testing"

	"github.com/tripwire/envtap/internal/asm"
)

func TestNextPow2(t *testing.T) {
	cases := []struct{ n, want int }{
		{1, 1},
		{2, 2},
		{3, 4},
		{32, 32},
		{33, 64},
		{38, 64},
	}
	for _, c := range cases {
		if got := nextPow2(c.n); got != c.want {
			t.Errorf("nextPow2(%d) = %d, want %d", c.n, got, c.want)
		}
	}
}

func TestBuildBlob_ShortNamePadsToMinimum(t *testing.T) {
	blob, err := BuildBlob(0x1000, 0x2000, "HOME")
	if err != nil {
		t.Fatalf("BuildBlob: %v", err)
	}
	if len(blob) != minBlobSize {
		t.Fatalf("len(blob) = %d, want %d", len(blob), minBlobSize)
	}
	if blob[asm.CallRel32Size] != 0xcc {
		t.Fatalf("blob[%d] = %#x, want 0xcc breakpoint", asm.CallRel32Size, blob[asm.CallRel32Size])
	}
	arg := blob[ArgOffset : ArgOffset+len("HOME")+1]
	if string(arg[:len("HOME")]) != "HOME" {
		t.Fatalf("arg bytes = %q, want %q", arg[:len("HOME")], "HOME")
	}
	if arg[len(arg)-1] != 0 {
		t.Fatalf("argument string is not explicitly NUL-terminated: %v", arg)
	}
}

func TestBuildBlob_LongNameGrowsPastMinimum(t *testing.T) {
	name := "A_VERY_LONG_ENVIRONMENT_VARIABLE_NAME_THAT_EXCEEDS_THIRTY_TWO_BYTES"
	blob, err := BuildBlob(0x1000, 0x2000, name)
	if err != nil {
		t.Fatalf("BuildBlob: %v", err)
	}
	if len(blob) <= minBlobSize {
		t.Fatalf("len(blob) = %d, want > %d for long name", len(blob), minBlobSize)
	}
	if len(blob)&(len(blob)-1) != 0 {
		t.Fatalf("len(blob) = %d is not a power of two", len(blob))
	}
	arg := blob[ArgOffset : ArgOffset+len(name)+1]
	if string(arg[:len(name)]) != name {
		t.Fatalf("arg bytes mismatch")
	}
	if arg[len(arg)-1] != 0 {
		t.Fatalf("argument string is not explicitly NUL-terminated")
	}
}

func TestBuildBlob_CallDisplacementTargetsSymbol(t *testing.T) {
	scratch := uintptr(0x7f0000000000)
	symbol := uintptr(0x7f0000001000)
	blob, err := BuildBlob(scratch, symbol, "PATH")
	if err != nil {
		t.Fatalf("BuildBlob: %v", err)
	}
	if blob[0] != 0xe8 {
		t.Fatalf("blob[0] = %#x, want 0xe8 call opcode", blob[0])
	}
	disp := int32(uint32(blob[1]) | uint32(blob[2])<<8 | uint32(blob[3])<<16 | uint32(blob[4])<<24)
	gotTarget := int64(scratch) + int64(asm.CallRel32Size) + int64(disp)
	if uint64(gotTarget) != uint64(symbol) {
		t.Fatalf("call targets %#x, want %#x", gotTarget, symbol)
	}
}
