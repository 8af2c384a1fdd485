//go:build linux && amd64

package remote

import (
	"fmt"

	"github.com/tripwire/envtap/internal/asm"
	"github.com/tripwire/envtap/internal/inject"
	"github.com/tripwire/envtap/internal/ptrace"
)

// minBlobSize is the smallest trampoline blob ever built, regardless of how
// short the requested variable name is.
const minBlobSize = 32

// codeSize is the number of bytes of machine code at the front of the blob:
// a five-byte call rel32 followed by a one-byte breakpoint.
const codeSize = asm.CallRel32Size + 1

// BuildBlob composes the trampoline: a call to symbolAddr at offset 0, a
// breakpoint at offset 5, and the explicitly NUL-terminated argument string
// starting at offset 6. scratch is the blob's own eventual load address,
// needed to compute the call's relative displacement.
//
// The blob is zero-padded up to a power of two no smaller than 32 bytes and
// no smaller than the six code/breakpoint bytes plus the name and its NUL.
// The padding is never relied upon to terminate the argument string — the
// NUL is written explicitly, since a freshly mapped page is not guaranteed
// to already be zeroed by the time this blob lands on it.
func BuildBlob(scratch, symbolAddr uintptr, name string) ([]byte, error) {
	arg := append([]byte(name), 0)

	size := nextPow2(codeSize + len(arg))
	if size < minBlobSize {
		size = minBlobSize
	}
	blob := make([]byte, size)

	call, err := asm.CallRel32(uint64(scratch)+asm.CallRel32Size, uint64(symbolAddr))
	if err != nil {
		return nil, &inject.Error{Kind: inject.KindRangeOverflow, Err: err}
	}
	copy(blob[0:asm.CallRel32Size], call)
	blob[asm.CallRel32Size] = asm.Breakpoint()[0]
	copy(blob[codeSize:], arg)

	return blob, nil
}

// ArgOffset is the byte offset within a built blob at which the
// NUL-terminated argument string begins.
const ArgOffset = codeSize

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Call installs blob at scratch, points the target's instruction pointer at
// it with the first argument register set to the argument string address
// (scratch+ArgOffset), and resumes the target until it traps on the blob's
// breakpoint. It returns the value left in the accumulator register by the
// called symbol.
func Call(c *ptrace.Controller, scratch uintptr, blob []byte) (uintptr, error) {
	if err := c.PokeRegion(scratch, blob, nil); err != nil {
		return 0, err
	}

	regs, err := c.GetRegs()
	if err != nil {
		return 0, err
	}
	regs.Rip = uint64(scratch)
	regs.Rdi = uint64(scratch) + uint64(ArgOffset)
	if err := c.SetRegs(regs); err != nil {
		return 0, err
	}

	if err := c.Continue(); err != nil {
		return 0, err
	}

	after, err := c.GetRegs()
	if err != nil {
		return 0, err
	}
	wantRip := uint64(scratch) + uint64(asm.CallRel32Size) + 1
	if after.Rip != wantRip {
		return 0, &inject.Error{Kind: inject.KindUnexpectedStop, Err: fmt.Errorf("rip after breakpoint trap = %#x, want %#x", after.Rip, wantRip)}
	}

	return uintptr(after.Rax), nil
}
