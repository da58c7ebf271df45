// Package syscon implements the single operation the CORE needs from the
// QEMU virt platform's syscon-poweroff device: requesting shutdown.
package syscon

import "unsafe"

// PhysicalBase is the MMIO address of the syscon-poweroff register on the
// reference platform this kernel targets.
const PhysicalBase = 0x100e001c

// poweroffValue is the magic byte QEMU's syscon-poweroff device expects at
// offset 0 to trigger a clean shutdown.
const poweroffValue = 0x34

// Syscon addresses the single poweroff register at a fixed physical (or
// physmap-translated) base.
type Syscon struct {
	base unsafe.Pointer
}

// New returns a Syscon addressing the register at base.
func New(base uintptr) *Syscon {
	return &Syscon{base: unsafe.Pointer(base)}
}

// Poweroff requests an immediate shutdown. It does not return under QEMU;
// on real hardware lacking the device, the write is simply lost.
func (s *Syscon) Poweroff() {
	*(*byte)(s.base) = poweroffValue
}
