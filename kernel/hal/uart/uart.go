// Package uart implements the single operation the CORE needs from a 16550
// UART: writing one character to the transmit register. It is treated as an
// external collaborator, not a full driver — no receive path, no baud/line
// configuration, no interrupt-driven buffering.
package uart

import "unsafe"

// PhysicalBase is the MMIO address of the 16550 transmit-holding register on
// the reference platform this kernel targets.
const PhysicalBase = 0x1fe001e0

// thrOffset is the transmit-holding-register offset within the 16550
// register window (DLAB=0).
const thrOffset = 0

// lsrOffset is the line-status-register offset; bit 5 (THR empty) gates
// WriteByte so a burst of writes doesn't outrun the UART.
const lsrOffset = 5

const lsrTransmitterEmpty = 1 << 5

// Uart addresses a 16550-compatible register window at a fixed physical (or
// physmap-translated) base.
type Uart struct {
	base unsafe.Pointer
}

// New returns a Uart addressing the register window at base. Before paging
// is enabled, base is a direct physical address; after the physmap window
// is live, callers should pass its physmap-translated alias instead.
func New(base uintptr) *Uart {
	return &Uart{base: unsafe.Pointer(base)}
}

func (u *Uart) reg(offset uintptr) *byte {
	return (*byte)(unsafe.Pointer(uintptr(u.base) + offset))
}

// WriteByte blocks until the transmit holding register is empty, then
// writes b.
func (u *Uart) WriteByte(b byte) {
	for *u.reg(lsrOffset)&lsrTransmitterEmpty == 0 {
	}
	*u.reg(thrOffset) = b
}

// WriteString writes every byte of s, translating a bare '\n' into "\r\n" so
// the boot log lines up on a real terminal.
func (u *Uart) WriteString(s string) {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			u.WriteByte('\r')
		}
		u.WriteByte(s[i])
	}
}
