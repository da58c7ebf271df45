//go:build loong64

package trap

// EntryAddress returns the address of the assembly trap entry stub,
// trapEntry, as a CSR-programmable value. Initialize uses this to fill
// CSR.EENTRY, CSR.TLBRENTRY and CSR.MERRENTRY.
func EntryAddress() uintptr {
	return entryAddress()
}

// trapEntry is the raw exception/interrupt vector: it builds a TrapFrame
// on the current stack, calls Dispatch, then restores machine state and
// executes ERTN. It has no Go-callable signature; entryAddress exposes
// its address for programming into the CSR entry-point registers.
func trapEntry()

// entryAddress returns &trapEntry as a uintptr without requiring the
// func value machinery Go normally wraps bodyless declarations in.
func entryAddress() uintptr
