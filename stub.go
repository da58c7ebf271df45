package main

import (
	"unsafe"

	"github.com/rail5/rocinante/kernel/kmain"
)

// kernelImageStart and kernelImageEnd are provided by the linker script
// that places this kernel image in memory (conventionally _start/_end);
// Kmain needs their addresses to identity-map and higher-half-alias the
// image during page table construction.
//
//go:linkname kernelImageStart _start
var kernelImageStart [0]byte

//go:linkname kernelImageEnd _end
var kernelImageEnd [0]byte

// isUEFIPtr/cmdlinePtr/bootInfoPtr are dummy globals passed as arguments to
// Kmain. They are intentionally defined to prevent the Go compiler from
// optimizing away the real kernel code, since it has no visibility into
// the rt0 assembly that is meant to set them before calling main.
var (
	isUEFIPtr   uintptr
	cmdlinePtr  uintptr
	bootInfoPtr uintptr
)

// main makes a dummy call to the actual kernel main entrypoint function. It
// is intentionally defined to prevent the Go compiler from optimizing away
// the real kernel code.
func main() {
	kmain.Kmain(isUEFIPtr, cmdlinePtr, bootInfoPtr,
		uintptr(unsafe.Pointer(&kernelImageStart)), uintptr(unsafe.Pointer(&kernelImageEnd)))
}
