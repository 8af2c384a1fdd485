// Package remote allocates and tears down a scratch page inside the target
// process, and composes and runs the trampoline that calls a resolved
// library symbol there.
//
//go:build linux && amd64

package remote

import (
	"fmt"
	"syscall"

	"github.com/tripwire/envtap/internal/asm"
	"github.com/tripwire/envtap/internal/inject"
	"github.com/tripwire/envtap/internal/ptrace"
)

// PageSize is the size of the scratch mapping requested inside the target.
// One page holds the trampoline blob built in trampoline.go for any variable
// name shorter than PageSize-6 bytes; BuildBlob does not check the name length.
const PageSize = 4096

// errnoFloor is the smallest (as unsigned, sign-extended) raw syscall return
// value that represents a negative errno rather than a valid pointer/length.
// A direct syscall return is only ever "successful" when it is either a
// small non-negative value or, for mmap, a legitimate userspace address; the
// kernel never hands out addresses in this top range, so any return at or
// above it is the syscall's error convention.
const errnoFloor = ^uint64(0) - 4096 + 1 // -4096 as uint64

func isErrnoReturn(ret uint64) bool {
	return ret >= errnoFloor
}

func mapFailedErr(ret uint64) error {
	return fmt.Errorf("remote mmap/munmap returned errno-range value %#x", ret)
}

func pivotErr(gotRip uint64, wantRip uintptr) error {
	return fmt.Errorf("rip after indirect jump = %#x, want %#x", gotRip, wantRip)
}

// Allocate executes an anonymous, read+execute, single-page mmap inside the
// target by installing a two-instruction (syscall; indirect jump through
// rax) stub at pivotAddr and single-stepping the target through it.
//
// On return, the target's instruction pointer equals the returned scratch
// address (step 6 of the allocator procedure): the indirect jump through rax
// pivots execution there once mmap's return value — the new mapping's
// address — lands in rax. savedWord is the original word at pivotAddr,
// which the caller must restore once the scratch page is no longer needed.
func Allocate(c *ptrace.Controller, pivotAddr uintptr) (scratchAddr uintptr, savedWord uint64, err error) {
	savedWord, err = c.PeekWord(pivotAddr)
	if err != nil {
		return 0, 0, err
	}

	stub := append(append([]byte{}, asm.Syscall()...), asm.JmpRax()...)
	if err := c.PokeRegion(pivotAddr, stub, nil); err != nil {
		return 0, 0, err
	}

	regs, err := c.GetRegs()
	if err != nil {
		return 0, 0, err
	}
	regs.Rip = uint64(pivotAddr)
	regs.Rax = uint64(syscall.SYS_MMAP)
	regs.Rdi = 0                                                   // addr: kernel-chosen
	regs.Rsi = uint64(PageSize)                                    // length
	regs.Rdx = uint64(syscall.PROT_READ | syscall.PROT_EXEC)       // prot
	regs.R10 = uint64(syscall.MAP_PRIVATE | syscall.MAP_ANONYMOUS) // flags
	regs.R8 = ^uint64(0)                                           // fd = -1
	regs.R9 = 0                                                    // offset
	if err := c.SetRegs(regs); err != nil {
		return 0, 0, err
	}

	// Execute the syscall instruction.
	if err := c.SingleStep(); err != nil {
		return 0, 0, err
	}
	afterSyscall, err := c.GetRegs()
	if err != nil {
		return 0, 0, err
	}
	if isErrnoReturn(afterSyscall.Rax) {
		return 0, 0, &inject.Error{Kind: inject.KindMapFailed, Err: mapFailedErr(afterSyscall.Rax)}
	}
	scratch := uintptr(afterSyscall.Rax)

	// Execute the indirect jump into the freshly mapped scratch page.
	if err := c.SingleStep(); err != nil {
		return 0, 0, err
	}
	pivoted, err := c.GetRegs()
	if err != nil {
		return 0, 0, err
	}
	if pivoted.Rip != uint64(scratch) {
		return 0, 0, &inject.Error{Kind: inject.KindPivotFailed, Err: pivotErr(pivoted.Rip, scratch)}
	}

	return scratch, savedWord, nil
}

// Unmap executes munmap(scratchAddr, PageSize) inside the target, reusing
// the syscall stub Allocate already installed at pivotAddr. Unlike Allocate,
// it does not single-step the trailing indirect jump: munmap's return value
// on success is 0, which is not a usable code address, and the pivot bytes
// are about to be overwritten with their original contents regardless.
func Unmap(c *ptrace.Controller, pivotAddr, scratchAddr uintptr) error {
	regs, err := c.GetRegs()
	if err != nil {
		return err
	}
	regs.Rip = uint64(pivotAddr)
	regs.Rax = uint64(syscall.SYS_MUNMAP)
	regs.Rdi = uint64(scratchAddr)
	regs.Rsi = uint64(PageSize)
	if err := c.SetRegs(regs); err != nil {
		return err
	}

	if err := c.SingleStep(); err != nil {
		return err
	}
	after, err := c.GetRegs()
	if err != nil {
		return err
	}
	if isErrnoReturn(after.Rax) {
		return &inject.Error{Kind: inject.KindMapFailed, Err: mapFailedErr(after.Rax)}
	}
	return nil
}
