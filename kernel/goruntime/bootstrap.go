// Package goruntime contains code for bootstrapping Go runtime features such
// as the memory allocator.
package goruntime

import (
	"unsafe"

	"github.com/rail5/rocinante/kernel"
	"github.com/rail5/rocinante/kernel/mem/vmm"
)

var (
	rootTable     uint64
	addrBits      vmm.AddressSpaceBits
	frameSrc      vmm.FrameAllocator
	reserveCursor uint64
)

//go:linkname mSysStatInc runtime.mSysStatInc
func mSysStatInc(*uint64, uintptr)

// Init wires the Go runtime's sysReserve/sysMap/sysAlloc hooks to the root
// page table built during bring-up. heapStart is the first unmapped virtual
// address above the pages Kmain mapped eagerly for the initial heap; the
// bump allocator below grows the reservation upward from there.
func Init(root uint64, bits vmm.AddressSpaceBits, alloc vmm.FrameAllocator, heapStart uint64) *kernel.Error {
	rootTable = root
	addrBits = bits
	frameSrc = alloc
	reserveCursor = heapStart
	return nil
}

func pageAlignUp(size uintptr) uintptr {
	return (size + uintptr(vmm.PageSize) - 1) &^ (uintptr(vmm.PageSize) - 1)
}

// sysReserve reserves address space without allocating any memory or
// establishing any page mappings.
//
// This function replaces runtime.sysReserve and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysReserve
//go:nosplit
func sysReserve(_ unsafe.Pointer, size uintptr, reserved *bool) unsafe.Pointer {
	regionSize := pageAlignUp(size)
	regionStart := reserveCursor
	reserveCursor += uint64(regionSize)

	*reserved = true
	return unsafe.Pointer(uintptr(regionStart))
}

// sysMap establishes a mapping, backed by freshly allocated physical
// frames, for a region previously reserved via sysReserve.
//
// Upstream expects a copy-on-write mapping backed by a single shared zero
// frame, faulted into a real page lazily on write. kernel/trap has no
// registered handler to repair a CoW fault yet, so pages are backed eagerly
// here instead, at the cost of the lazy allocation upstream relies on.
//
// This function replaces runtime.sysMap and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysMap
//go:nosplit
func sysMap(virtAddr unsafe.Pointer, size uintptr, reserved bool, sysStat *uint64) unsafe.Pointer {
	if !reserved {
		panic("sysMap should only be called with reserved=true")
	}

	regionStart := uint64(uintptr(virtAddr)) &^ (vmm.PageSize - 1)
	regionSize := pageAlignUp(size)
	perms := vmm.PagePermissions{Access: vmm.AccessReadWrite, Execute: vmm.ExecuteNoExecute, Cache: vmm.CacheCoherentCached, Global: true}

	for off := uint64(0); off < uint64(regionSize); off += vmm.PageSize {
		frame, err := frameSrc.AllocatePage()
		if err != nil {
			return unsafe.Pointer(uintptr(0))
		}
		if err := vmm.MapPage4KiB(frameSrc, rootTable, regionStart+off, frame, perms, addrBits); err != nil {
			return unsafe.Pointer(uintptr(0))
		}
	}

	mSysStatInc(sysStat, uintptr(regionSize))
	return unsafe.Pointer(uintptr(regionStart))
}

// sysAlloc reserves enough physical frames to satisfy the allocation
// request and establishes a contiguous virtual page mapping for them,
// returning the virtual region start.
//
// This function replaces runtime.sysAlloc and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysAlloc
//go:nosplit
func sysAlloc(size uintptr, sysStat *uint64) unsafe.Pointer {
	regionSize := pageAlignUp(size)
	regionStart := reserveCursor
	reserveCursor += uint64(regionSize)

	return sysMap(unsafe.Pointer(uintptr(regionStart)), regionSize, true, sysStat)
}

func init() {
	// Dummy calls so the compiler does not optimize away the functions in
	// this file.
	var (
		reserved bool
		stat     uint64
		zeroPtr  = unsafe.Pointer(uintptr(0))
	)

	sysReserve(zeroPtr, 0, &reserved)
	sysMap(zeroPtr, 0, reserved, &stat)
	sysAlloc(0, &stat)
}
