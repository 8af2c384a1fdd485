//go:build linux && amd64

package remote

import "github.com/tripwire/envtap/internal/ptrace"

// ReadCString copies a NUL-terminated byte string out of the target's
// address space starting at ptr, reading one machine word at a time. It
// stops at the first word that contains a zero byte in any of its eight
// byte lanes, checking each lane individually rather than relying on a
// bit-trick across the whole word — a shift-based test over the word as a
// unit misses zero bytes whose lane also has its high bit set. A null ptr
// yields an empty result and is not an error: the looked-up variable may
// simply be unset.
func ReadCString(c *ptrace.Controller, ptr uintptr) ([]byte, error) {
	if ptr == 0 {
		return nil, nil
	}

	var out []byte
	for offset := uintptr(0); ; offset += ptrace.WordSize {
		word, err := c.PeekWord(ptr + offset)
		if err != nil {
			return nil, err
		}
		for i := 0; i < ptrace.WordSize; i++ {
			b := byte(word >> (8 * i))
			if b == 0 {
				return out, nil
			}
			out = append(out, b)
		}
	}
}
