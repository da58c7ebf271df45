package pmm

import "testing"

func TestFrameAddress(t *testing.T) {
	const base = uint64(0x90000000)

	for frameIndex := uint64(0); frameIndex < 128; frameIndex++ {
		frame := Frame(frameIndex)

		if got, want := frame.Address(base), base+frameIndex*PageSize; got != want {
			t.Errorf("frame %d: Address(%#x) = %#x, want %#x", frameIndex, base, got, want)
		}
	}
}
