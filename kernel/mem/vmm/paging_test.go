package vmm

import (
	"unsafe"

	"testing"

	"github.com/rail5/rocinante/kernel"
)

// fakePhysicalMemory backs tableAddressFn with a plain Go byte slice so
// tests can build and walk page tables without real physical RAM.
type fakePhysicalMemory struct {
	base uint64
	buf  []byte
}

func newFakePhysicalMemory(t *testing.T, pages int) *fakePhysicalMemory {
	t.Helper()
	buf := make([]byte, pages*PageSize+PageSize)
	base := uint64(uintptr(unsafe.Pointer(&buf[0])))
	// Round the tracked base up to a page boundary inside buf so allocated
	// "physical" addresses are page-aligned.
	base = (base + PageSize - 1) &^ (PageSize - 1)
	return &fakePhysicalMemory{base: base, buf: buf}
}

func (f *fakePhysicalMemory) install(t *testing.T) {
	t.Helper()
	old := tableAddressFn
	tableAddressFn = func(phys uint64) unsafe.Pointer {
		off := phys - uint64(uintptr(unsafe.Pointer(&f.buf[0])))
		return unsafe.Pointer(&f.buf[off])
	}
	t.Cleanup(func() { tableAddressFn = old })
}

type fakeAllocator struct {
	mem  *fakePhysicalMemory
	next uint64
}

func newFakeAllocator(mem *fakePhysicalMemory) *fakeAllocator {
	return &fakeAllocator{mem: mem, next: mem.base}
}

func (a *fakeAllocator) AllocatePage() (uint64, *kernel.Error) {
	addr := a.next
	a.next += PageSize
	if a.next > a.mem.base+uint64(len(a.mem.buf)) {
		return 0, &kernel.Error{Module: "test", Message: "fake allocator exhausted"}
	}
	return addr, nil
}

func TestLevelCount(t *testing.T) {
	specs := []struct {
		valen uint8
		want  int
	}{
		{valen: 39, want: 3},
		{valen: 48, want: 4},
		{valen: 64, want: 6},
	}

	for _, s := range specs {
		bits := AddressSpaceBits{VALEN: s.valen, PALEN: 48}
		got, err := bits.LevelCount()
		if err != nil {
			t.Fatalf("LevelCount(%d) error: %v", s.valen, err)
		}
		if got != s.want {
			t.Fatalf("LevelCount(%d) = %d, want %d", s.valen, got, s.want)
		}
	}
}

func TestMapTranslateUnmapRoundTrip(t *testing.T) {
	mem := newFakePhysicalMemory(t, 64)
	mem.install(t)
	alloc := newFakeAllocator(mem)

	bits := AddressSpaceBits{VALEN: 39, PALEN: 44}
	root, err := AllocateRootPageTable(alloc)
	if err != nil {
		t.Fatalf("AllocateRootPageTable failed: %v", err)
	}

	pa, err := alloc.AllocatePage()
	if err != nil {
		t.Fatal(err)
	}

	va := uint64(0x100000)
	perms := PagePermissions{Access: AccessReadWrite, Execute: ExecuteNoExecute, Cache: CacheCoherentCached, Global: true}

	if err := MapPage4KiB(alloc, root, va, pa, perms, bits); err != nil {
		t.Fatalf("MapPage4KiB failed: %v", err)
	}

	got, err := Translate(root, va, bits)
	if err != nil {
		t.Fatalf("Translate failed: %v", err)
	}
	if got != pa {
		t.Fatalf("Translate(va) = %#x, want %#x", got, pa)
	}

	if err := UnmapPage4KiB(root, va, bits); err != nil {
		t.Fatalf("UnmapPage4KiB failed: %v", err)
	}

	if _, err := Translate(root, va, bits); err == nil {
		t.Fatal("expected Translate to fail after Unmap")
	}
}

func TestMapPage4KiBRejectsDoubleMap(t *testing.T) {
	mem := newFakePhysicalMemory(t, 64)
	mem.install(t)
	alloc := newFakeAllocator(mem)

	bits := AddressSpaceBits{VALEN: 39, PALEN: 44}
	root, err := AllocateRootPageTable(alloc)
	if err != nil {
		t.Fatal(err)
	}
	pa, _ := alloc.AllocatePage()
	perms := PagePermissions{Access: AccessReadWrite, Cache: CacheCoherentCached}

	if err := MapPage4KiB(alloc, root, 0x200000, pa, perms, bits); err != nil {
		t.Fatal(err)
	}
	if err := MapPage4KiB(alloc, root, 0x200000, pa, perms, bits); err == nil {
		t.Fatal("expected double map to fail")
	}
}

func TestMapPage4KiBCanonicalAndPALENEnforcement(t *testing.T) {
	mem := newFakePhysicalMemory(t, 64)
	mem.install(t)
	alloc := newFakeAllocator(mem)

	bits := AddressSpaceBits{VALEN: 39, PALEN: 44}
	root, err := AllocateRootPageTable(alloc)
	if err != nil {
		t.Fatal(err)
	}
	pa, _ := alloc.AllocatePage()
	perms := PagePermissions{Access: AccessReadWrite, Cache: CacheCoherentCached}

	// Lower-half canonical address: must succeed.
	if err := MapPage4KiB(alloc, root, 0x100000, pa, perms, bits); err != nil {
		t.Fatalf("expected lower-half canonical VA to map, got %v", err)
	}

	// Higher-half canonical address: must succeed.
	higherHalf := (^uint64(0) << 39) | (uint64(1) << 38) | 0x100000
	pa2, _ := alloc.AllocatePage()
	if err := MapPage4KiB(alloc, root, higherHalf, pa2, perms, bits); err != nil {
		t.Fatalf("expected higher-half canonical VA to map, got %v", err)
	}

	// Non-canonical address: must fail.
	nonCanonical := uint64(1) << 39
	if err := MapPage4KiB(alloc, root, nonCanonical, pa, perms, bits); err == nil {
		t.Fatal("expected non-canonical VA to be rejected")
	}

	// Physical address exceeding PALEN: must fail.
	pa3, _ := alloc.AllocatePage()
	tooWidePA := pa3 | (uint64(1) << 44)
	if err := MapPage4KiB(alloc, root, 0x300000, tooWidePA, perms, bits); err == nil {
		t.Fatal("expected PA exceeding PALEN to be rejected")
	}
}
