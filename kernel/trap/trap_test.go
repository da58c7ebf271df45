package trap

import "testing"

func TestExceptionStatusDecoding(t *testing.T) {
	// ESTAT with EXC=0x0C (BRK), ESUBCODE=0x3, IS bit 11 set.
	estat := uint64(0x0C)<<estatExceptionCodeShift | uint64(0x3)<<estatExceptionSubCodeShift | (1 << 11)

	if got := ExceptionCode(estat); got != ExcBRK {
		t.Fatalf("ExceptionCode() = %#x, want %#x", got, ExcBRK)
	}
	if got := ExceptionSubCode(estat); got != 0x3 {
		t.Fatalf("ExceptionSubCode() = %#x, want 0x3", got)
	}
	if got := InterruptStatus(estat); got&(1<<TimerInterruptLine) == 0 {
		t.Fatalf("InterruptStatus() = %#x, expected timer line bit set", got)
	}
}

func TestDispatchRoutesToRegisteredHandler(t *testing.T) {
	defer func() { handlers = [64]Handler{} }()

	var called bool
	var gotERA uint64
	RegisterHandler(ExcBRK, func(tf *TrapFrame) {
		called = true
		gotERA = tf.ERA
		tf.ERA += 4
	})

	tf := &TrapFrame{ERA: 0x1000}
	tf.ESTAT = uint64(ExcBRK) << estatExceptionCodeShift

	Dispatch(tf)

	if !called {
		t.Fatal("expected the registered BRK handler to run")
	}
	if gotERA != 0x1000 {
		t.Fatalf("handler saw ERA=%#x, want 0x1000", gotERA)
	}
	if tf.ERA != 0x1004 {
		t.Fatalf("tf.ERA = %#x, want 0x1004 after handler advances past the instruction", tf.ERA)
	}
}

func TestDispatchFallsBackToFatalForUnregisteredCode(t *testing.T) {
	defer func() {
		handlers = [64]Handler{}
		fatalFn = reportFatal
	}()

	var gotCode uint8
	fatalFn = func(tf *TrapFrame) {
		gotCode = ExceptionCode(tf.ESTAT)
	}

	tf := &TrapFrame{ESTAT: uint64(ExcPIL) << estatExceptionCodeShift}
	Dispatch(tf)

	if gotCode != ExcPIL {
		t.Fatalf("fatalFn saw code %#x, want %#x", gotCode, ExcPIL)
	}
}

func TestTimerProgramming(t *testing.T) {
	defer func() {
		writeTCFGFn = realWriteTCFGForTest
		writeTINTCLRFn = realWriteTINTCLRForTest
	}()

	var tcfg uint64
	var tintclrWrites int
	writeTCFGFn = func(v uint64) { tcfg = v }
	writeTINTCLRFn = func(v uint64) { tintclrWrites++ }

	StartOneShotTimerTicks(100)

	wantTCFG := uint64(100<<2) | 1
	if tcfg != wantTCFG {
		t.Fatalf("TCFG = %#x, want %#x", tcfg, wantTCFG)
	}
	if tintclrWrites == 0 {
		t.Fatal("expected StartOneShotTimerTicks to clear any pending interrupt")
	}
}

func TestMaskUnmaskInterruptLines(t *testing.T) {
	defer func() {
		readECFGFn = realReadECFGForTest
		writeECFGFn = realWriteECFGForTest
	}()

	var ecfg uint64
	readECFGFn = func() uint64 { return ecfg }
	writeECFGFn = func(v uint64) { ecfg = v }

	ecfg = 0xFFFF
	MaskAllInterruptLines()
	if ecfg&estatInterruptStatusMask != 0 {
		t.Fatalf("MaskAllInterruptLines left bits set: %#x", ecfg)
	}

	UnmaskTimerInterruptLine()
	if ecfg&(1<<TimerInterruptLine) == 0 {
		t.Fatal("expected UnmaskTimerInterruptLine to set the timer IM bit")
	}
}

// realWriteTCFGForTest etc. stand in for the production cpu-package
// functions so defer blocks above don't need the loong64 build tag.
func realWriteTCFGForTest(uint64)    {}
func realWriteTINTCLRForTest(uint64) {}
func realReadECFGForTest() uint64    { return 0 }
func realWriteECFGForTest(uint64)    {}
