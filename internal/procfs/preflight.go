package procfs

import (
	"context"
	"fmt"

	gopsutilproc "github.com/shirou/gopsutil/v3/process"
)

// TargetInfo is the process metadata resolved before a target is attached.
type TargetInfo struct {
	Comm   string
	Status string
}

// ValidateTarget confirms pid refers to a live, non-zombie process before any
// ptrace call is attempted. It exists so a stale or already-reaped pid
// produces a clear diagnostic instead of an opaque ptrace ESRCH, matching the
// "fails before any target mutation" invariant the memory-map scanner
// already upholds for library placement.
//
// A zombie target (state "Z") is rejected: its address space has already
// been released by the kernel, so attaching would only ever fail in a way
// that is confusing to a caller who does not know what ptrace does.
func ValidateTarget(ctx context.Context, pid int) (TargetInfo, error) {
	proc, err := gopsutilproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return TargetInfo{}, fmt.Errorf("procfs: pid %d not found: %w", pid, err)
	}

	comm, err := proc.NameWithContext(ctx)
	if err != nil {
		return TargetInfo{}, fmt.Errorf("procfs: pid %d: read process name: %w", pid, err)
	}

	statuses, err := proc.StatusWithContext(ctx)
	if err != nil {
		return TargetInfo{}, fmt.Errorf("procfs: pid %d: read process status: %w", pid, err)
	}
	status := ""
	if len(statuses) > 0 {
		status = statuses[0]
	}
	if status == "zombie" || status == "Z" {
		return TargetInfo{}, fmt.Errorf("procfs: pid %d is a zombie; its address space is gone", pid)
	}

	return TargetInfo{Comm: comm, Status: status}, nil
}
