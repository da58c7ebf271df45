package kernel

import (
	"testing"

	"github.com/rail5/rocinante/kernel/cpu"
	"github.com/rail5/rocinante/kernel/hal"
)

type fakeTerminal struct {
	buf []byte
}

func (f *fakeTerminal) WriteByte(b byte) { f.buf = append(f.buf, b) }

func (f *fakeTerminal) Write(data []byte) (int, error) {
	f.buf = append(f.buf, data...)
	return len(data), nil
}

func TestPanic(t *testing.T) {
	defer func() { cpuHaltFn = cpu.Halt }()

	var cpuHaltCalled bool
	cpuHaltFn = func() {
		cpuHaltCalled = true
	}

	t.Run("with error", func(t *testing.T) {
		cpuHaltCalled = false
		fb := &fakeTerminal{}
		hal.SetActiveTerminal(fb)
		err := &Error{Module: "test", Message: "panic test"}

		Panic(err)

		exp := "\n-----------------------------------\n[test] unrecoverable error: panic test\n*** kernel panic: system halted ***\n-----------------------------------\n"

		if got := string(fb.buf); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}

		if !cpuHaltCalled {
			t.Fatal("expected cpu.Halt() to be called by Panic")
		}
	})

	t.Run("without error", func(t *testing.T) {
		cpuHaltCalled = false
		fb := &fakeTerminal{}
		hal.SetActiveTerminal(fb)

		Panic(nil)

		exp := "\n-----------------------------------\n*** kernel panic: system halted ***\n-----------------------------------\n"

		if got := string(fb.buf); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}

		if !cpuHaltCalled {
			t.Fatal("expected cpu.Halt() to be called by Panic")
		}
	})
}
