// Package ptrace is a thin, typed contract over the Linux process-tracing
// interface: attach, wait-for-stop, get/set registers, peek/poke
// word-aligned memory, single-step, continue-until-trap, detach.
//
// It mirrors the raw-syscall style used elsewhere in this module's
// ancestry — typed wrappers around individual kernel requests with
// %w-wrapped errors — rather than exposing the kernel's ptrace(2) request
// numbers to callers directly.
//
//go:build linux && amd64

package ptrace

import (
	"fmt"
	"syscall"

	"github.com/tripwire/envtap/internal/inject"
	"github.com/tripwire/envtap/internal/procfs"
)

// WordSize is the size in bytes of one machine word on amd64, the unit the
// text-segment peek/poke operations work in.
const WordSize = 8

// Controller controls exactly one traced thread. It is not safe for
// concurrent use: the kernel only accepts ptrace requests from the thread
// that attached, and this module's orchestrator never issues overlapping
// requests.
type Controller struct {
	pid int
}

// Attach requests tracing of pid and waits until the target is observed
// stopped. It returns inject.KindPermissionDenied if the caller lacks the
// privilege to trace pid, with the trace-scope sysctl advisory appended when
// that sysctl's current value is consistent with the denial. traceScopePath
// selects the sysctl file to read; pass "" for the kernel's default path.
func Attach(pid int, traceScopePath string) (*Controller, error) {
	if err := syscall.PtraceAttach(pid); err != nil {
		if err == syscall.EPERM {
			return nil, &inject.Error{
				Kind:     inject.KindPermissionDenied,
				Advisory: traceScopeAdvisory(traceScopePath),
				Err:      fmt.Errorf("ptrace attach pid %d: %w", pid, err),
			}
		}
		return nil, &inject.Error{Kind: inject.KindKernelRefused, Err: fmt.Errorf("ptrace attach pid %d: %w", pid, err)}
	}

	c := &Controller{pid: pid}
	if err := c.waitStopped(); err != nil {
		return nil, err
	}
	return c, nil
}

func traceScopeAdvisory(path string) string {
	if path == "" {
		path = procfs.DefaultTraceScopePath
	}
	scope, err := procfs.ReadTraceScope(path)
	if err != nil {
		return ""
	}
	return procfs.TraceScopeAdvisory(scope)
}

// waitStopped waits for the next stop of the traced thread and verifies it
// was either SIGSTOP (the stop ptrace(2) delivers on PTRACE_ATTACH) or SIGTRAP
// (after a single-step or at a software breakpoint). Any other stop signal is
// surfaced as inject.KindUnexpectedStop naming the observed signal; a wait
// status that is not a stop at all is surfaced with the raw status.
func (c *Controller) waitStopped() error {
	var ws syscall.WaitStatus
	if _, err := syscall.Wait4(c.pid, &ws, 0, nil); err != nil {
		return &inject.Error{Kind: inject.KindKernelRefused, Err: fmt.Errorf("wait4 pid %d: %w", c.pid, err)}
	}
	if !ws.Stopped() {
		return &inject.Error{Kind: inject.KindUnexpectedStop, Err: fmt.Errorf("pid %d: wait status %#x is not a stop", c.pid, ws)}
	}
	if sig := ws.StopSignal(); sig != syscall.SIGTRAP && sig != syscall.SIGSTOP {
		return &inject.Error{Kind: inject.KindUnexpectedStop, Err: fmt.Errorf("pid %d: unexpected stop signal %s", c.pid, sig)}
	}
	return nil
}

// GetRegs reads the entire general-purpose register file of the traced
// thread.
func (c *Controller) GetRegs() (syscall.PtraceRegs, error) {
	var regs syscall.PtraceRegs
	if err := syscall.PtraceGetRegs(c.pid, &regs); err != nil {
		return regs, &inject.Error{Kind: inject.KindKernelRefused, Err: fmt.Errorf("ptrace getregs pid %d: %w", c.pid, err)}
	}
	return regs, nil
}

// SetRegs replaces the entire general-purpose register file of the traced
// thread.
func (c *Controller) SetRegs(regs syscall.PtraceRegs) error {
	if err := syscall.PtraceSetRegs(c.pid, &regs); err != nil {
		return &inject.Error{Kind: inject.KindKernelRefused, Err: fmt.Errorf("ptrace setregs pid %d: %w", c.pid, err)}
	}
	return nil
}

// PeekWord reads one machine word from the traced thread's address space at
// addr.
func (c *Controller) PeekWord(addr uintptr) (uint64, error) {
	var buf [WordSize]byte
	n, err := syscall.PtracePeekText(c.pid, addr, buf[:])
	if err != nil {
		return 0, &inject.Error{Kind: inject.KindKernelRefused, Err: fmt.Errorf("ptrace peektext pid %d addr %#x: %w", c.pid, addr, err)}
	}
	if n != WordSize {
		return 0, &inject.Error{Kind: inject.KindKernelRefused, Err: fmt.Errorf("ptrace peektext pid %d addr %#x: got %d bytes, want %d", c.pid, addr, n, WordSize)}
	}
	return littleEndianUint64(buf[:]), nil
}

// PokeWord writes one machine word into the traced thread's address space at
// addr. addr must be word-aligned.
func (c *Controller) PokeWord(addr uintptr, word uint64) error {
	var buf [WordSize]byte
	putLittleEndianUint64(buf[:], word)
	n, err := syscall.PtracePokeText(c.pid, addr, buf[:])
	if err != nil {
		return &inject.Error{Kind: inject.KindKernelRefused, Err: fmt.Errorf("ptrace poketext pid %d addr %#x: %w", c.pid, addr, err)}
	}
	if n != WordSize {
		return &inject.Error{Kind: inject.KindKernelRefused, Err: fmt.Errorf("ptrace poketext pid %d addr %#x: wrote %d bytes, want %d", c.pid, addr, n, WordSize)}
	}
	return nil
}

// PokeRegion writes newBytes into the traced thread's address space starting
// at addr, composed of word-sized PokeWord calls; newBytes is padded with
// zero bytes up to the next word boundary before writing. If capture is
// non-nil, the prior word at each offset is appended to *capture before it is
// overwritten, giving an exact undo buffer for teardown.
func (c *Controller) PokeRegion(addr uintptr, newBytes []byte, capture *[]byte) error {
	padded := make([]byte, alignUp(len(newBytes), WordSize))
	copy(padded, newBytes)

	for off := 0; off < len(padded); off += WordSize {
		wordAddr := addr + uintptr(off)
		if capture != nil {
			old, err := c.PeekWord(wordAddr)
			if err != nil {
				return err
			}
			var oldBytes [WordSize]byte
			putLittleEndianUint64(oldBytes[:], old)
			*capture = append(*capture, oldBytes[:]...)
		}
		word := littleEndianUint64(padded[off : off+WordSize])
		if err := c.PokeWord(wordAddr, word); err != nil {
			return err
		}
	}
	return nil
}

// SingleStep advances the traced thread by one instruction and waits for the
// implied trap stop.
func (c *Controller) SingleStep() error {
	if err := syscall.PtraceSingleStep(c.pid); err != nil {
		return &inject.Error{Kind: inject.KindKernelRefused, Err: fmt.Errorf("ptrace singlestep pid %d: %w", c.pid, err)}
	}
	return c.waitStopped()
}

// Continue resumes the traced thread and waits for the next stop. The
// expected stop is a software breakpoint (SIGTRAP); the wait goes through
// waitStopped, so a SIGSTOP stop is accepted as well and any other stop is
// reported as inject.KindUnexpectedStop. Continue does not check where the
// thread stopped; remote.Call compares the instruction pointer with the
// breakpoint address afterwards.
func (c *Controller) Continue() error {
	if err := syscall.PtraceCont(c.pid, 0); err != nil {
		return &inject.Error{Kind: inject.KindKernelRefused, Err: fmt.Errorf("ptrace cont pid %d: %w", c.pid, err)}
	}
	return c.waitStopped()
}

// Detach releases tracing control; the target resumes normal execution.
func (c *Controller) Detach() error {
	if err := syscall.PtraceDetach(c.pid); err != nil {
		return &inject.Error{Kind: inject.KindKernelRefused, Err: fmt.Errorf("ptrace detach pid %d: %w", c.pid, err)}
	}
	return nil
}

func alignUp(n, align int) int {
	if n%align == 0 {
		return n
	}
	return n + (align - n%align)
}

func littleEndianUint64(b []byte) uint64 {
	_ = b[7]
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

func putLittleEndianUint64(b []byte, v uint64) {
	_ = b[7]
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
	b[6] = byte(v >> 48)
	b[7] = byte(v >> 56)
}
