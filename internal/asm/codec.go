// Package asm encodes the small, fixed set of x86_64 instructions the
// injector needs to splice into a traced process: a direct syscall, an
// indirect jump through the accumulator register, a PC-relative call, and a
// software breakpoint.
package asm

import "fmt"

// Syscall returns the 2-byte encoding of the SYSCALL instruction (0F 05).
func Syscall() []byte {
	return []byte{0x0f, 0x05}
}

// JmpRax returns the 2-byte encoding of an indirect jump through the
// accumulator register (FF E0): "jmp rax".
func JmpRax() []byte {
	return []byte{0xff, 0xe0}
}

// Breakpoint returns the 1-byte encoding of the software breakpoint
// instruction (CC): "int3".
func Breakpoint() []byte {
	return []byte{0xcc}
}

// CallRel32Size is the total length in bytes of a CallRel32-encoded
// instruction: one opcode byte plus a 4-byte little-endian displacement.
const CallRel32Size = 5

// CallRel32 returns the 5-byte encoding of "call rel32" (E8 + disp32) that
// transfers control to dst when executed from src, where src is the address
// of the byte immediately following this instruction (the address the CPU
// computes the jump target relative to).
func CallRel32(src, dst uint64) ([]byte, error) {
	disp, err := Displacement(src, dst)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, CallRel32Size)
	buf[0] = 0xe8
	putInt32LE(buf[1:], disp)
	return buf, nil
}

// Displacement computes the signed 32-bit delta from src (the address of the
// byte following the relative instruction) to dst. It fails if the delta
// does not fit in a signed 32-bit integer, which in practice signals that
// position-independent code was not used or that the target library is out
// of reach of a single rel32 displacement.
func Displacement(src, dst uint64) (int32, error) {
	delta := int64(dst) - int64(src)
	const (
		minRel32 = -(int64(1) << 31)
		maxRel32 = (int64(1) << 31) - 1
	)
	if delta < minRel32 || delta > maxRel32 {
		return 0, fmt.Errorf("asm: displacement %d from %#x to %#x does not fit in 32 bits", delta, src, dst)
	}
	return int32(delta), nil
}

func putInt32LE(b []byte, v int32) {
	u := uint32(v)
	b[0] = byte(u)
	b[1] = byte(u >> 8)
	b[2] = byte(u >> 16)
	b[3] = byte(u >> 24)
}
