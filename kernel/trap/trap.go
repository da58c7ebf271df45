// Package trap implements the unified LA64 exception/interrupt pipeline:
// the TrapFrame ABI shared with the assembly entry stub, ESTAT decoding,
// one-shot timer programming, and exception-code dispatch.
package trap

import (
	"github.com/rail5/rocinante/kernel"
	"github.com/rail5/rocinante/kernel/cpu"
)

// TrapFrame is the saved machine state at exception/interrupt entry. The
// assembly entry stub constructs one of these on the current stack and
// passes a pointer to it to Dispatch. Its size and field order are a hard
// ABI shared with that stub: 32 GPR slots followed by six CSR snapshots,
// 304 bytes total.
type TrapFrame struct {
	// GPR[i] is LA64 general-purpose register r{i}. GPR[3] (the stack
	// pointer) holds the pre-exception SP, since the stub adjusts $sp to
	// allocate this frame before saving it.
	GPR [32]uint64

	// ERA is CSR.ERA, the exception return address. The handler may mutate
	// this to skip the faulting instruction; the stub writes the
	// (possibly modified) value back to CSR.ERA before ERTN.
	ERA uint64

	// ESTAT is CSR.ESTAT, the exception status.
	ESTAT uint64

	// BADV is CSR.BADV, the bad virtual address (valid for address-related
	// exceptions).
	BADV uint64

	// CRMD is CSR.CRMD, current mode information.
	CRMD uint64

	// PRMD is CSR.PRMD, previous mode information.
	PRMD uint64

	// ECFG is CSR.ECFG, exception configuration.
	ECFG uint64
}

// TrapFrameSizeBytes is the ABI contract with the assembly entry stub.
const TrapFrameSizeBytes = 32*8 + 6*8

// ESTAT bitfield layout, LA64 privileged architecture manual.
const (
	estatExceptionCodeShift    = 16
	estatExceptionCodeMask     = 0x3f
	estatExceptionSubCodeShift = 22
	estatExceptionSubCodeMask  = 0x1ff
	estatInterruptStatusMask   = 0x7fff
)

// ExceptionCode returns ESTAT.EXC, bits [21:16] of the exception status.
func ExceptionCode(estat uint64) uint8 {
	return uint8((estat >> estatExceptionCodeShift) & estatExceptionCodeMask)
}

// ExceptionSubCode returns ESTAT.ESUBCODE, bits [30:22].
func ExceptionSubCode(estat uint64) uint16 {
	return uint16((estat >> estatExceptionSubCodeShift) & estatExceptionSubCodeMask)
}

// InterruptStatus returns ESTAT.IS, bits [14:0].
func InterruptStatus(estat uint64) uint16 {
	return uint16(estat & estatInterruptStatusMask)
}

// Exception code values, LA64 privileged architecture manual (subset used
// by this kernel).
const (
	ExcINT = 0x0 // Interrupt; decode InterruptStatus for the line
	ExcPIL = 0x1 // Page invalid on load
	ExcPIS = 0x2 // Page invalid on store
	ExcPIF = 0x3 // Page invalid on fetch
	ExcPME = 0x4 // Page modify exception
	ExcPNR = 0x5 // Page non-readable
	ExcPNX = 0x6 // Page non-executable
	ExcPPI = 0x7 // Page privilege insufficient
	ExcALE = 0x9 // Address alignment error
	ExcSYS = 0xB // System call
	ExcBRK = 0xC // Breakpoint
	ExcINE = 0xD // Instruction non-defined
)

// TimerInterruptLine is the ESTAT.IS / ECFG.IM bit assigned to the CPU-local
// timer.
const TimerInterruptLine = 11

// Handler processes one exception or interrupt. It may mutate tf.ERA to
// skip the faulting instruction before returning.
type Handler func(tf *TrapFrame)

var handlers [64]Handler

// RegisterHandler installs h as the handler for the given exception code,
// replacing any previously registered handler. code must be < 64 (ESTAT.EXC
// is 6 bits).
func RegisterHandler(code uint8, h Handler) {
	handlers[code&estatExceptionCodeMask] = h
}

// fatalFn is called for an exception code with no registered handler;
// overridden in tests, production code leaves it pointing at reportFatal.
var fatalFn = reportFatal

// Dispatch is the Go-side entry point the assembly stub calls with a
// pointer to the frame it built. Interrupts are not reentrant: the stub
// enters with CRMD.IE already clear and EnableInterrupts is never called
// from within a handler.
//
//go:nosplit
func Dispatch(tf *TrapFrame) {
	code := ExceptionCode(tf.ESTAT)
	if h := handlers[code]; h != nil {
		h(tf)
		return
	}

	fatalFn(tf)
}

var errUnhandledException = &kernel.Error{Module: "trap", Message: "unhandled exception"}

// reportFatal prints the diagnostic dump required for an unhandled
// exception and halts. It never returns.
func reportFatal(tf *TrapFrame) {
	dumpFatal(tf)
	kernel.Panic(errUnhandledException)
}

// writeEENTRYFn through writeTINTCLRFn can be overridden by tests;
// production code leaves them pointing at the CSR-backed cpu package
// functions.
var (
	writeEENTRYFn    = cpu.WriteEENTRY
	writeTLBRENTRYFn = cpu.WriteTLBRENTRY
	writeMERRENTRYFn = cpu.WriteMERRENTRY
	readECFGFn       = cpu.ReadECFG
	writeECFGFn      = cpu.WriteECFG
	writeTCFGFn      = cpu.WriteTCFG
	writeTINTCLRFn   = cpu.WriteTINTCLR
)

// Initialize installs the unified (non-vectored, ECFG.VS=0) exception entry
// into CSR.EENTRY, CSR.TLBRENTRY and CSR.MERRENTRY, and clears CSR.ECFG,
// which masks every interrupt line and sets ECFG.VS=0.
func Initialize(entry uintptr) {
	writeEENTRYFn(uint64(entry))
	writeTLBRENTRYFn(uint64(entry))
	writeMERRENTRYFn(uint64(entry))
	writeECFGFn(0)
}

// SetGeneralAndMachineErrorExceptionEntryPageBase reprograms CSR.EENTRY and
// CSR.MERRENTRY to entryPageBase, supporting higher-half bring-up: once the
// kernel jumps to its higher-half alias, general and machine-error
// exception entry can move to the same alias. CSR.TLBRENTRY is
// deliberately left untouched.
func SetGeneralAndMachineErrorExceptionEntryPageBase(entryPageBase uint64) {
	writeEENTRYFn(entryPageBase)
	writeMERRENTRYFn(entryPageBase)
}

// EnableInterrupts sets CRMD.IE.
func EnableInterrupts() { cpu.EnableInterrupts() }

// DisableInterrupts clears CRMD.IE.
func DisableInterrupts() { cpu.DisableInterrupts() }

// MaskAllInterruptLines clears every ECFG.IM bit.
func MaskAllInterruptLines() {
	writeECFGFn(readECFGFn() &^ uint64(estatInterruptStatusMask))
}

// UnmaskTimerInterruptLine sets ECFG.IM for the timer line.
func UnmaskTimerInterruptLine() {
	writeECFGFn(readECFGFn() | (1 << TimerInterruptLine))
}

// StopTimer disables the one-shot timer.
func StopTimer() {
	writeTCFGFn(0)
}

// ClearTimerInterrupt clears a pending timer interrupt (TINTCLR.TI).
func ClearTimerInterrupt() {
	writeTINTCLRFn(1)
}

// StartOneShotTimerTicks stops any running timer, clears a pending
// interrupt, then programs a one-shot countdown of ticks.
func StartOneShotTimerTicks(ticks uint64) {
	StopTimer()
	ClearTimerInterrupt()
	const tcfgEnable = 1 << 0
	const tcfgInitialValueShift = 2
	writeTCFGFn((ticks << tcfgInitialValueShift) | tcfgEnable)
}
