//go:build loong64

package cpu

// CSR numbers used by this kernel, LoongArch privileged architecture manual
// section 6/7. Each csrrd/csrwr instruction encodes its CSR number as a
// 14-bit immediate, so (unlike a general-purpose register file) there is no
// single runtime-indexable accessor: every register we touch gets its own
// assembly-backed function, one per CSR, exactly as the original C++ layer
// instantiates one inline-asm wrapper per register.
const (
	csrCRMD      = 0x0
	csrECFG      = 0x4
	csrTLBIDX    = 0x10
	csrTLBEHI    = 0x11
	csrASID      = 0x18
	csrPGDL      = 0x19
	csrPGDH      = 0x1a
	csrPWCL      = 0x1c
	csrPWCH      = 0x1d
	csrTCFG      = 0x41
	csrTINTCLR   = 0x44
	csrTLBRENTRY = 0x88
	csrTLBRBADV  = 0x89
	csrTLBRERA   = 0x8a
	csrTLBREHI   = 0x8e
	csrRVACFG    = 0x1f
	csrEENTRY    = 0xc
	csrMERRENTRY = 0x93
)

// CRMD.IE (bit 2) gates interrupt delivery; CRMD.PG (bit 4) and CRMD.DA
// (bit 3) select the addressing mode.
const (
	crmdIE = 1 << 2
	crmdDA = 1 << 3
	crmdPG = 1 << 4
)

// cpucfgRead issues the CPUCFG instruction for the given word number.
func cpucfgRead(word uint32) uint32

// invalidateTLBAll issues INVTLB with op=0 (clear all TLB entries,
// privileged architecture manual section 7.6.2).
func invalidateTLBAll()

// haltFn can be overridden by tests; production code leaves it pointing at
// the assembly-backed halt.
var haltFn = halt

// halt executes IDLE, parking the core until the next interrupt.
func halt()

func readCRMD() uint64
func writeCRMD(v uint64)
func readECFG() uint64
func writeECFG(v uint64)
func writeEENTRY(v uint64)
func writeTLBRENTRY(v uint64)
func readTLBRENTRY() uint64
func writeMERRENTRY(v uint64)
func writeTCFG(v uint64)
func writeTINTCLR(v uint64)
func readPGDL() uint64
func writePGDL(v uint64)
func readPGDH() uint64
func writePGDH(v uint64)
func readPWCL() uint64
func writePWCL(v uint64)
func readPWCH() uint64
func writePWCH(v uint64)
func readASID() uint64
func readTLBIDX() uint64
func readTLBEHI() uint64
func readTLBRERA() uint64
func readTLBREHI() uint64
func readTLBRBADV() uint64
func readRVACFG() uint64

// EnableInterrupts sets CRMD.IE, allowing interrupt delivery.
func EnableInterrupts() {
	writeCRMD(readCRMD() | crmdIE)
}

// DisableInterrupts clears CRMD.IE.
func DisableInterrupts() {
	writeCRMD(readCRMD() &^ crmdIE)
}

// Halt parks the CPU. It never returns on its own; an unmasked interrupt
// resumes execution at the instruction after IDLE.
func Halt() {
	haltFn()
}

// InvalidateTLBAll flushes every TLB entry.
func InvalidateTLBAll() {
	invalidateTLBAll()
}

// ReadCRMD returns the live CSR.CRMD value, used by the fatal trap dump and
// by the direct-to-mapped addressing mode switch.
func ReadCRMD() uint64 { return readCRMD() }

// WriteCRMD installs a new CSR.CRMD value.
func WriteCRMD(v uint64) { writeCRMD(v) }

// DirectAddressingEnabled reports CRMD.DA.
func DirectAddressingEnabled() bool { return readCRMD()&crmdDA != 0 }

// PagingEnabled reports CRMD.PG.
func PagingEnabled() bool { return readCRMD()&crmdPG != 0 }

// EnablePagingMode sets CRMD.PG and clears CRMD.DA in a single CSR write, the
// hardware-mandated way to switch from direct to mapped addressing.
func EnablePagingMode() {
	writeCRMD((readCRMD() &^ uint64(crmdDA)) | crmdPG)
}

// ReadECFG/WriteECFG access CSR.ECFG (exception configuration / interrupt
// line masking).
func ReadECFG() uint64      { return readECFG() }
func WriteECFG(v uint64)    { writeECFG(v) }
func WriteEENTRY(v uint64)  { writeEENTRY(v) }
func WriteTLBRENTRY(v uint64) { writeTLBRENTRY(v) }
func ReadTLBRENTRY() uint64 { return readTLBRENTRY() }
func WriteMERRENTRY(v uint64) { writeMERRENTRY(v) }
func WriteTCFG(v uint64)    { writeTCFG(v) }
func WriteTINTCLR(v uint64) { writeTINTCLR(v) }
func ReadPGDL() uint64      { return readPGDL() }
func WritePGDL(v uint64)    { writePGDL(v) }
func ReadPGDH() uint64      { return readPGDH() }
func WritePGDH(v uint64)    { writePGDH(v) }
func ReadPWCL() uint64      { return readPWCL() }
func WritePWCL(v uint64)    { writePWCL(v) }
func ReadPWCH() uint64      { return readPWCH() }
func WritePWCH(v uint64)    { writePWCH(v) }
func ReadASID() uint64      { return readASID() }
func ReadTLBIDX() uint64    { return readTLBIDX() }
func ReadTLBEHI() uint64    { return readTLBEHI() }
func ReadTLBRERA() uint64   { return readTLBRERA() }
func ReadTLBREHI() uint64   { return readTLBREHI() }
func ReadTLBRBADV() uint64  { return readTLBRBADV() }
func ReadRVACFG() uint64    { return readRVACFG() }
