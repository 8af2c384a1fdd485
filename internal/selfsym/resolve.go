// Package selfsym resolves the address of this process's own copy of the
// target's environment-lookup routine, so internal/symbol can compute its
// ASLR-relative address in the target.
//
// This package is the only place cgo is used in this module: there is no
// portable way to obtain the runtime address of a libc symbol from pure Go,
// since Go binaries do not link against libc unless cgo pulls it in.
//
//go:build linux && amd64 && cgo

package selfsym

/*
#define _GNU_SOURCE
#include <dlfcn.h>
#include <stdlib.h>
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// GetenvSymbol is the C library routine the trampoline calls inside the
// target. Resolving it here, in this same process, gives the self-space
// half of the ASLR-relative offset internal/symbol.Resolve needs.
const GetenvSymbol = "getenv"

// SelfGetenvAddr returns this process's own resolved address of libc's
// getenv, via dlsym against the default (already-loaded) symbol scope.
func SelfGetenvAddr() (uintptr, error) {
	cname := C.CString(GetenvSymbol)
	defer C.free(unsafe.Pointer(cname))

	ptr := C.dlsym(C.RTLD_DEFAULT, cname)
	if ptr == nil {
		return 0, fmt.Errorf("selfsym: dlsym(%s): not found in this process's symbol scope", GetenvSymbol)
	}
	return uintptr(ptr), nil
}
