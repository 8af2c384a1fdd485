// Package symbol resolves a library symbol's address in a target process
// given the same symbol's address in this process and both processes' load
// bases for the library, via ASLR-relative offsets.
package symbol

// SelfAddr is an address in this process's address space. It is a distinct
// type from TargetAddr so arithmetic between the two spaces is only ever
// performed through Resolve, never by accident.
type SelfAddr uint64

// TargetAddr is an address in the target process's address space.
type TargetAddr uint64

// Resolve computes the target-space address of a symbol given:
//   - selfSymbol: the symbol's address as linked into this process
//   - selfBase:   the library's load base in this process
//   - targetBase: the same library's load base in the target process
//
// Correctness requires that this process and the target have loaded the
// same on-disk library image (same file, same version). That is a
// documented prerequisite this package does not and cannot verify; a
// mismatch is undefined behaviour, per spec.
func Resolve(selfSymbol, selfBase SelfAddr, targetBase TargetAddr) TargetAddr {
	offset := uint64(selfSymbol) - uint64(selfBase)
	return TargetAddr(uint64(targetBase) + offset)
}
