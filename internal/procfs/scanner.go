// Package procfs scans a process's kernel-exported /proc/<pid> state: its
// memory-map listing (to locate a shared library's load base) and its basic
// process metadata (to validate a target before it is ptrace-attached).
package procfs

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// LibcSubstring is the default pathname fragment used to locate the C
// library mapping in a process's memory map.
const LibcSubstring = "/libc"

// FindLibraryBase scans /proc/<pid>/maps for the first mapping whose
// pathname contains substr, is executable, and is not writable. A match is
// rejected if the character immediately following substr in the pathname is
// a lowercase letter, since that indicates substr matched only a prefix of a
// longer library name (e.g. "/libc" matching inside "/libcrypt.so.1").
//
// Returns the start address of the mapping (parsed from the hexadecimal field
// before the dash), or ok=false if no mapping qualified.
func FindLibraryBase(pid int, substr string) (addr uint64, ok bool, err error) {
	f, err := os.Open(mapsPath(pid))
	if err != nil {
		return 0, false, fmt.Errorf("procfs: open maps for pid %d: %w", pid, err)
	}
	defer f.Close()

	addr, ok, err = scanMaps(f, substr)
	if err != nil {
		return 0, false, fmt.Errorf("procfs: scan maps for pid %d: %w", pid, err)
	}
	return addr, ok, nil
}

func mapsPath(pid int) string {
	return fmt.Sprintf("/proc/%d/maps", pid)
}

// scanMaps implements the matching rules described on FindLibraryBase against
// an already-open reader, so the matching logic can be unit tested against a
// synthetic listing without touching /proc.
func scanMaps(r io.Reader, substr string) (uint64, bool, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		// addr perms offset dev inode [pathname]
		if len(fields) < 5 {
			continue
		}
		pathname := ""
		if len(fields) >= 6 {
			pathname = fields[len(fields)-1]
		}
		if pathname == "" {
			continue
		}

		idx := strings.Index(pathname, substr)
		if idx < 0 {
			continue
		}
		if end := idx + len(substr); end < len(pathname) {
			if c := pathname[end]; c >= 'a' && c <= 'z' {
				// substr matched only a prefix of a longer library name.
				continue
			}
		}

		perms := fields[1]
		if !strings.Contains(perms, "x") || strings.Contains(perms, "w") {
			continue
		}

		startStr, _, found := strings.Cut(fields[0], "-")
		if !found {
			continue
		}
		start, err := strconv.ParseUint(startStr, 16, 64)
		if err != nil {
			continue
		}
		return start, true, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, false, err
	}
	return 0, false, nil
}
