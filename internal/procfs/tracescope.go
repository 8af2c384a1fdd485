package procfs

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// DefaultTraceScopePath is the kernel pseudo-file governing whether
// unprivileged processes may ptrace arbitrary same-UID peers.
const DefaultTraceScopePath = "/proc/sys/kernel/yama/ptrace_scope"

// Trace-scope values, per the yama LSM documentation: 0 allows attaching to
// any same-uid dumpable process, 1 restricts to declared debugger
// relationships (usually descendants), 2 requires CAP_SYS_PTRACE, 3 disables
// PTRACE_ATTACH entirely until reboot.
const (
	ScopeClassic    = 0
	ScopeRestricted = 1
	ScopeAdminOnly  = 2
	ScopeNoAttach   = 3
)

// ReadTraceScope reads and parses the trace-scope sysctl at path. A missing
// file (kernel built without Yama) is reported as ScopeClassic: the ptrace
// API behaves unrestricted in that case.
func ReadTraceScope(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ScopeClassic, nil
		}
		return 0, fmt.Errorf("procfs: read trace-scope sysctl %q: %w", path, err)
	}
	scope, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("procfs: parse trace-scope sysctl %q: %w", path, err)
	}
	return scope, nil
}

// TraceScopeAdvisory returns a human-readable hint for a PermissionDenied
// attach failure, or the empty string when the current scope value would not
// explain such a denial on its own (the caller lacks CAP_SYS_PTRACE or is not
// same-uid as the target for reasons the sysctl alone does not capture).
func TraceScopeAdvisory(scope int) string {
	switch scope {
	case ScopeClassic:
		return ""
	case ScopeRestricted:
		return fmt.Sprintf("kernel.yama.ptrace_scope=%d (restricted): the target must declare this process as its tracer via prctl(PR_SET_PTRACER, ...), or be this process's descendant", scope)
	case ScopeAdminOnly:
		return fmt.Sprintf("kernel.yama.ptrace_scope=%d (admin-only): attaching requires CAP_SYS_PTRACE", scope)
	case ScopeNoAttach:
		return fmt.Sprintf("kernel.yama.ptrace_scope=%d (no-attach): PTRACE_ATTACH is disabled system-wide until reboot", scope)
	default:
		return fmt.Sprintf("kernel.yama.ptrace_scope=%d (unrecognized value)", scope)
	}
}
