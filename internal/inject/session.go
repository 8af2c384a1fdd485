// Session orchestration: sequences the scanner, resolver, allocator,
// trampoline, and string reader into the full attach/inject/restore
// protocol, with strict restore-on-failure.
//
//go:build linux && amd64 && cgo

package inject

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"syscall"
	"time"

	"github.com/tripwire/envtap/internal/procfs"
	"github.com/tripwire/envtap/internal/ptrace"
	"github.com/tripwire/envtap/internal/remote"
	"github.com/tripwire/envtap/internal/selfsym"
	"github.com/tripwire/envtap/internal/symbol"
)

// Options configures one Peek call. The zero value is usable: it applies
// DefaultLibrarySubstring and the kernel's default trace-scope sysctl path,
// and records no audit trail.
type Options struct {
	// LibrarySubstring identifies the shared library providing the
	// environment-lookup routine, e.g. "/libc". Defaults to
	// DefaultLibrarySubstring.
	LibrarySubstring string
	// TraceScopePath overrides the trace-scope sysctl path read on a
	// permission-denied attach, for tests. Defaults to the kernel path.
	TraceScopePath string
	// Recorder receives exactly one SessionReport per Peek call, success or
	// failure. Nil disables audit recording.
	Recorder AuditRecorder
	// Logger receives structured logs of session state transitions at
	// debug level. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultLibrarySubstring is the library this tool looks for by default: the
// C standard library providing getenv.
const DefaultLibrarySubstring = "/libc"

// Peek runs one full injector session against pid, reading variable from its
// live environment. ok is false when the variable is unset in the target (a
// successful outcome, not an error).
func Peek(ctx context.Context, pid int, variable string, opts Options) (value string, ok bool, err error) {
	if opts.LibrarySubstring == "" {
		opts.LibrarySubstring = DefaultLibrarySubstring
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	report := SessionReport{PID: pid, Variable: variable, StartedAt: time.Now()}
	defer func() {
		report.EndedAt = time.Now()
		if err != nil {
			report.Result = ResultError
			report.ErrorMsg = err.Error()
			if ie, ok := err.(*Error); ok {
				report.ErrorKind = ie.Kind
			}
		} else if ok {
			report.Result = ResultValue
			report.Value = value
		} else {
			report.Result = ResultUnset
		}
		if opts.Recorder != nil {
			if recErr := opts.Recorder.Record(ctx, report); recErr != nil {
				logger.Warn("audit record failed", slog.Any("error", recErr), slog.Int("pid", pid))
			}
		}
	}()

	if variable == "" {
		return "", false, newErr(KindBadArgs, "variable name must not be empty")
	}

	if _, verr := procfs.ValidateTarget(ctx, pid); verr != nil {
		return "", false, &Error{Kind: KindBadArgs, Err: verr}
	}
	logger.Debug("state: Initial -> preflight validated", slog.Int("pid", pid))

	s := &session{pid: pid, logger: logger}
	value, ok, err = s.run(opts.LibrarySubstring, variable, opts.TraceScopePath)
	return value, ok, err
}

// session holds the cleanup-on-drop guard state for one attach/inject/
// restore cycle. Every resource it acquires is released through teardown,
// in the reverse order of acquisition, regardless of where the run fails.
type session struct {
	pid    int
	logger *slog.Logger

	ctrl *ptrace.Controller

	attached      bool
	pivotAddr     uintptr
	savedWord     uint64
	wordCaptured  bool
	scratchAddr   uintptr
	scratchMapped bool
	savedRegs     syscall.PtraceRegs
	regsCaptured  bool
}

func (s *session) run(librarySubstring, variable, traceScopePath string) (value string, ok bool, err error) {
	// The kernel accepts ptrace requests only from the thread that attached,
	// so the whole session, teardown included, stays on one OS thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	defer func() {
		if tdErr := s.teardown(); tdErr != nil && err == nil {
			err = tdErr
		}
	}()

	s.ctrl, err = ptrace.Attach(s.pid, traceScopePath)
	if err != nil {
		return "", false, err
	}
	s.attached = true
	s.logger.Debug("state: Attached -> Stopped", slog.Int("pid", s.pid))

	regs, err := s.ctrl.GetRegs()
	if err != nil {
		return "", false, err
	}
	s.savedRegs = regs
	s.regsCaptured = true
	s.pivotAddr = uintptr(regs.Rip)

	selfBase, ok, err := procfs.FindLibraryBase(os.Getpid(), librarySubstring)
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, newErr(KindLibraryNotFound, "library matching %q not found in this process's own maps", librarySubstring)
	}
	targetBase, ok, err := procfs.FindLibraryBase(s.pid, librarySubstring)
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, newErr(KindLibraryNotFound, "library matching %q not found in pid %d's maps", librarySubstring, s.pid)
	}

	selfSymbolAddr, err := selfsym.SelfGetenvAddr()
	if err != nil {
		return "", false, newErr(KindLibraryNotFound, "resolve self getenv address: %v", err)
	}

	resolvedAddr := symbol.Resolve(
		symbol.SelfAddr(selfSymbolAddr),
		symbol.SelfAddr(selfBase),
		symbol.TargetAddr(targetBase),
	)
	s.logger.Debug("state: resolved symbol", slog.Uint64("target_addr", uint64(resolvedAddr)))

	// Capture the original pivot word before Allocate overwrites it, so
	// teardown restores it even when Allocate fails after installing its stub.
	savedWord, err := s.ctrl.PeekWord(s.pivotAddr)
	if err != nil {
		return "", false, err
	}
	s.savedWord = savedWord
	s.wordCaptured = true

	scratch, _, err := remote.Allocate(s.ctrl, s.pivotAddr)
	if err != nil {
		return "", false, err
	}
	s.scratchAddr = scratch
	s.scratchMapped = true
	s.logger.Debug("state: AllocProbeInstalled -> PivotedToScratch", slog.Uint64("scratch", uint64(scratch)))

	blob, err := remote.BuildBlob(scratch, uintptr(resolvedAddr), variable)
	if err != nil {
		return "", false, err
	}
	s.logger.Debug("state: BlobInstalled")

	resultPtr, err := remote.Call(s.ctrl, scratch, blob)
	if err != nil {
		return "", false, err
	}
	s.logger.Debug("state: BreakpointHit -> ResultCaptured", slog.Uint64("result_ptr", uint64(resultPtr)))

	raw, err := remote.ReadCString(s.ctrl, resultPtr)
	if err != nil {
		return "", false, err
	}
	if resultPtr == 0 {
		return "", false, nil
	}
	return string(raw), true, nil
}

// teardown unmaps the scratch page, restores the original pivot bytes,
// restores the original registers, and detaches, in that order. Every step
// is guarded by a flag so calling teardown more than once — or failing
// partway through — is harmless: only resources actually acquired are
// released, and each is released at most once.
func (s *session) teardown() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.scratchMapped {
		record(remote.Unmap(s.ctrl, s.pivotAddr, s.scratchAddr))
		s.scratchMapped = false
		s.logger.Debug("state: PivotRestored -> ScratchUnmapped", slog.Int("pid", s.pid))
	}

	if s.wordCaptured {
		record(s.ctrl.PokeWord(s.pivotAddr, s.savedWord))
		s.wordCaptured = false
		s.logger.Debug("state: OriginalTextRestored", slog.Int("pid", s.pid))
	}

	if s.regsCaptured {
		record(s.ctrl.SetRegs(s.savedRegs))
		s.regsCaptured = false
		s.logger.Debug("state: OriginalRegsRestored", slog.Int("pid", s.pid))
	}

	if s.attached {
		record(s.ctrl.Detach())
		s.attached = false
		s.logger.Debug("state: Detached", slog.Int("pid", s.pid))
	}

	if firstErr != nil {
		return fmt.Errorf("teardown pid %d: %w", s.pid, firstErr)
	}
	return nil
}
