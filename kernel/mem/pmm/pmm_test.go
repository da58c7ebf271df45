package pmm

import (
	"testing"
	"unsafe"

	"github.com/rail5/rocinante/kernel/hal/fdt"
)

// newTestPmm gives the allocator a real, identity-addressed []byte (backing)
// to park its bitmap in, standing in for physical RAM in these tests.
func newTestPmm(t *testing.T, backing []byte) *Pmm {
	t.Helper()
	p := New()
	base := uintptr(unsafe.Pointer(&backing[0]))
	p.toPointerFn = func(phys uint64) unsafe.Pointer {
		off := phys - uint64(base)
		if off >= uint64(len(backing)) {
			t.Fatalf("test backing store too small for phys %#x", phys)
		}
		return unsafe.Pointer(&backing[off])
	}
	return p
}

func TestPmmReservationPolicy(t *testing.T) {
	// Scenario from the testable-properties list: 16 usable pages, 2
	// reserved, 4 kernel, 1 DTB -> 9 free pages.
	backing := make([]byte, 0x20000)
	base := uint64(uintptr(unsafe.Pointer(&backing[0])))

	usableBase := base + 0x1000
	kernelBase := usableBase
	kernelEnd := kernelBase + 4*PageSize
	reservedBase := usableBase + 8*PageSize
	reservedEnd := reservedBase + 2*PageSize
	dtbBase := usableBase + 0xC000
	dtbSize := uint64(PageSize)

	var bootMap fdt.BootMemoryMap
	if err := bootMap.AddRegion(fdt.BootMemoryRegion{Base: usableBase, Size: 16 * PageSize, Type: fdt.RegionUsable}); err != nil {
		t.Fatal(err)
	}
	if err := bootMap.AddRegion(fdt.BootMemoryRegion{Base: reservedBase, Size: reservedEnd - reservedBase, Type: fdt.RegionReserved}); err != nil {
		t.Fatal(err)
	}

	p := newTestPmm(t, backing)
	if err := p.Init(&bootMap, kernelBase, kernelEnd, dtbBase, dtbSize); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	if got := p.PageCount(); got != 16 {
		t.Fatalf("PageCount() = %d, want 16", got)
	}
	if got := p.FreePageCount(); got != 9 {
		t.Fatalf("FreePageCount() = %d, want 9", got)
	}

	bitmapBase, bitmapSize := p.BitmapRange()
	reservedRanges := [][2]uint64{
		{kernelBase, kernelEnd},
		{reservedBase, reservedEnd},
		{dtbBase, dtbBase + dtbSize},
		{bitmapBase, bitmapBase + bitmapSize},
	}

	seen := make(map[uint64]bool)
	for i := 0; i < 9; i++ {
		addr, err := p.AllocatePage()
		if err != nil {
			t.Fatalf("AllocatePage() #%d failed: %v", i, err)
		}
		if addr%PageSize != 0 {
			t.Fatalf("allocated address %#x is not page aligned", addr)
		}
		if seen[addr] {
			t.Fatalf("address %#x allocated twice", addr)
		}
		seen[addr] = true

		for _, r := range reservedRanges {
			if addr >= r[0] && addr < r[1] {
				t.Fatalf("allocated address %#x falls inside reserved range [%#x, %#x)", addr, r[0], r[1])
			}
		}
	}

	if _, err := p.AllocatePage(); err == nil {
		t.Fatal("expected AllocatePage to fail once free pages are exhausted")
	}
}

func buildMinimalPmm(t *testing.T) (*Pmm, uint64) {
	t.Helper()
	backing := make([]byte, 0x10000)
	base := uint64(uintptr(unsafe.Pointer(&backing[0])))

	usableBase := base + 0x1000

	var bootMap fdt.BootMemoryMap
	if err := bootMap.AddRegion(fdt.BootMemoryRegion{Base: usableBase, Size: 8 * PageSize, Type: fdt.RegionUsable}); err != nil {
		t.Fatal(err)
	}

	p := newTestPmm(t, backing)
	if err := p.Init(&bootMap, usableBase, usableBase, usableBase, 0); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return p, usableBase
}

func TestPmmAllocFreeAccounting(t *testing.T) {
	p, _ := buildMinimalPmm(t)
	initialFree := p.FreePageCount()

	var allocated []uint64
	for i := 0; i < 3; i++ {
		addr, err := p.AllocatePage()
		if err != nil {
			t.Fatalf("AllocatePage failed: %v", err)
		}
		allocated = append(allocated, addr)
	}

	if err := p.FreePage(allocated[1]); err != nil {
		t.Fatalf("FreePage failed: %v", err)
	}

	want := initialFree - 3 + 1
	if got := p.FreePageCount(); got != want {
		t.Fatalf("FreePageCount() = %d, want %d", got, want)
	}

	if err := p.FreePage(allocated[1]); err == nil {
		t.Fatal("expected double free to be rejected")
	}
}

func TestPmmFreePageValidation(t *testing.T) {
	p, usableBase := buildMinimalPmm(t)

	if err := p.FreePage(usableBase + 1); err == nil {
		t.Fatal("expected misaligned FreePage to fail")
	}
	if err := p.FreePage(usableBase + 1000*PageSize); err == nil {
		t.Fatal("expected out-of-range FreePage to fail")
	}
}

func TestPmmReserveRange(t *testing.T) {
	p, usableBase := buildMinimalPmm(t)
	before := p.FreePageCount()

	if err := p.ReserveRange(usableBase+PageSize, 2*PageSize); err != nil {
		t.Fatalf("ReserveRange failed: %v", err)
	}

	if got := p.FreePageCount(); got != before-2 {
		t.Fatalf("FreePageCount() = %d, want %d", got, before-2)
	}

	// Reserving the same range again must not double-count already-used
	// pages.
	if err := p.ReserveRange(usableBase+PageSize, 2*PageSize); err != nil {
		t.Fatalf("ReserveRange failed: %v", err)
	}
	if got := p.FreePageCount(); got != before-2 {
		t.Fatalf("FreePageCount() after repeat reserve = %d, want %d", got, before-2)
	}
}
