// Package pmm implements the page-granular physical frame allocator: a
// bitmap carved out of usable RAM itself, with no backing allocation of its
// own.
package pmm

import (
	"unsafe"

	"github.com/rail5/rocinante/kernel"
	"github.com/rail5/rocinante/kernel/hal/fdt"
)

// PageSize is the fixed frame size this allocator manages.
const PageSize = 4096

// bitmapAlignBytes is the alignment the bitmap's own storage must satisfy;
// chosen generously (larger than any single bitmap word) rather than tied to
// any particular access width.
const bitmapAlignBytes = 16

// maxPlacementAdvances bounds how many times the bitmap search steps past an
// overlapping reservation within a single UsableRAM region before giving up
// on that region.
const maxPlacementAdvances = 4

var (
	errNoUsableRAM        = &kernel.Error{Module: "pmm", Message: "boot memory map has no usable RAM"}
	errEmptyTrackedRange  = &kernel.Error{Module: "pmm", Message: "tracked range is empty"}
	errBitmapPlacement    = &kernel.Error{Module: "pmm", Message: "could not place bitmap inside usable RAM"}
	errOutOfPages         = &kernel.Error{Module: "pmm", Message: "no free pages remain"}
	errNotInitialized     = &kernel.Error{Module: "pmm", Message: "pmm used before Init"}
	errMisaligned         = &kernel.Error{Module: "pmm", Message: "address is not page-aligned"}
	errOutOfRange         = &kernel.Error{Module: "pmm", Message: "address is outside the tracked range"}
	errDoubleFree         = &kernel.Error{Module: "pmm", Message: "page is already free"}
)

func floorPage(v uint64) uint64 { return v &^ (PageSize - 1) }
func ceilPage(v uint64) uint64  { return floorPage(v+PageSize-1) }
func align16(v uint64) uint64   { return (v + bitmapAlignBytes - 1) &^ (bitmapAlignBytes - 1) }

func overlaps(base, end, otherBase, otherEnd uint64) bool {
	return base < otherEnd && otherBase < end
}

// Pmm is a process-wide physical frame allocator, initialized exactly once
// from a parsed boot memory map.
type Pmm struct {
	bitmap []byte

	bitmapPhysBase  uint64
	bitmapSizeBytes uint64
	trackedBase     uint64
	trackedLimit    uint64
	pageCount       uint64
	freePageCount   uint64
	nextSearchIndex uint64
	initialized     bool

	// toPointerFn converts a physical address into an accessible pointer.
	// Before paging is enabled it is the identity function (direct-address
	// mode has VA==PA); kmain swaps it for a physmap-relative translation
	// once mapped mode is live.
	toPointerFn func(phys uint64) unsafe.Pointer
}

// New returns a Pmm that addresses physical memory directly, suitable for
// use before paging is enabled.
func New() *Pmm {
	return &Pmm{toPointerFn: identityPointer}
}

func identityPointer(phys uint64) unsafe.Pointer {
	return unsafe.Pointer(uintptr(phys))
}

// SetAddressTranslator overrides how the bitmap's physical storage is
// turned into an accessible pointer. Call this once paging has been enabled
// and the physmap window established, passing a function that adds the
// physmap base to phys.
func (p *Pmm) SetAddressTranslator(fn func(phys uint64) unsafe.Pointer) {
	p.toPointerFn = fn
	p.bitmap = unsafe.Slice((*byte)(p.toPointerFn(p.bitmapPhysBase)), p.bitmapSizeBytes)
}

// Initialized reports whether Init has completed successfully.
func (p *Pmm) Initialized() bool { return p.initialized }

// PageCount returns the total number of tracked 4 KiB frames.
func (p *Pmm) PageCount() uint64 { return p.pageCount }

// FreePageCount returns the number of frames currently marked free.
func (p *Pmm) FreePageCount() uint64 { return p.freePageCount }

// TrackedRange returns the inclusive-exclusive physical range this
// allocator owns.
func (p *Pmm) TrackedRange() (base, limit uint64) { return p.trackedBase, p.trackedLimit }

// BitmapRange returns the physical range occupied by the bitmap's own
// storage.
func (p *Pmm) BitmapRange() (base, size uint64) { return p.bitmapPhysBase, p.bitmapSizeBytes }

func (p *Pmm) pageIndex(addr uint64) uint64 { return (addr - p.trackedBase) / PageSize }
func (p *Pmm) pageAddr(index uint64) uint64 { return p.trackedBase + index*PageSize }

func (p *Pmm) bitUsed(index uint64) bool {
	return p.bitmap[index/8]&(1<<(index%8)) != 0
}

func (p *Pmm) setBit(index uint64, used bool) {
	mask := byte(1 << (index % 8))
	if used {
		p.bitmap[index/8] |= mask
	} else {
		p.bitmap[index/8] &^= mask
	}
}

// markRange marks every page whose range overlaps [base, end) with the
// given used state, adjusting freePageCount for bits that actually change.
func (p *Pmm) markRange(base, end uint64, used bool) {
	if base < p.trackedBase {
		base = p.trackedBase
	}
	if end > p.trackedLimit {
		end = p.trackedLimit
	}
	if base >= end {
		return
	}

	startIdx := p.pageIndex(floorPage(base))
	endIdx := p.pageIndex(ceilPage(end))

	for i := startIdx; i < endIdx; i++ {
		was := p.bitUsed(i)
		if was == used {
			continue
		}
		p.setBit(i, used)
		if used {
			p.freePageCount--
		} else {
			p.freePageCount++
		}
	}
}

// placeBitmap implements step 3 of Init: find a 16-byte-aligned offset
// inside a UsableRAM region that does not overlap the kernel image or the
// DTB blob, advancing past an overlap up to maxPlacementAdvances times
// before moving on to the next region.
func placeBitmap(bootMap *fdt.BootMemoryMap, bitmapSize, kernelBase, kernelEnd, dtbBase, dtbEnd uint64) (uint64, *kernel.Error) {
	for _, r := range bootMap.Regions() {
		if r.Type != fdt.RegionUsable {
			continue
		}

		candidate := align16(r.Base)
		for attempt := 0; attempt <= maxPlacementAdvances; attempt++ {
			end := candidate + bitmapSize
			if end > r.End() {
				break
			}

			if overlaps(candidate, end, kernelBase, kernelEnd) {
				candidate = align16(kernelEnd)
				continue
			}
			if overlaps(candidate, end, dtbBase, dtbEnd) {
				candidate = align16(dtbEnd)
				continue
			}

			return candidate, nil
		}
	}

	return 0, errBitmapPlacement
}

// Init carves a bitmap out of usable RAM and sets up free/used bookkeeping
// with this policy: usable RAM starts free,
// reserved ranges win over usable, and the kernel image, DTB blob, bitmap
// storage and physical page 0 are always marked used.
func (p *Pmm) Init(bootMap *fdt.BootMemoryMap, kernelPhysBase, kernelPhysEnd, dtbPhysBase, dtbSize uint64) *kernel.Error {
	var trackedBase, trackedLimit uint64
	haveUsable := false

	for _, r := range bootMap.Regions() {
		if r.Type != fdt.RegionUsable {
			continue
		}
		if !haveUsable || r.Base < trackedBase {
			trackedBase = r.Base
		}
		if !haveUsable || r.End() > trackedLimit {
			trackedLimit = r.End()
		}
		haveUsable = true
	}

	if !haveUsable {
		return errNoUsableRAM
	}

	trackedBase = floorPage(trackedBase)
	trackedLimit = ceilPage(trackedLimit)
	if trackedLimit <= trackedBase {
		return errEmptyTrackedRange
	}

	pageCount := (trackedLimit - trackedBase) / PageSize
	if pageCount == 0 {
		return errEmptyTrackedRange
	}

	bitmapSize := align16((pageCount + 7) / 8)
	dtbEnd := dtbPhysBase + dtbSize

	bitmapBase, err := placeBitmap(bootMap, bitmapSize, kernelPhysBase, kernelPhysEnd, dtbPhysBase, dtbEnd)
	if err != nil {
		return err
	}

	p.trackedBase = trackedBase
	p.trackedLimit = trackedLimit
	p.pageCount = pageCount
	p.bitmapPhysBase = bitmapBase
	p.bitmapSizeBytes = bitmapSize
	p.bitmap = unsafe.Slice((*byte)(p.toPointerFn(bitmapBase)), bitmapSize)

	for i := range p.bitmap {
		p.bitmap[i] = 0xFF
	}
	p.freePageCount = 0

	for _, r := range bootMap.Regions() {
		if r.Type == fdt.RegionUsable {
			p.markRange(r.Base, r.End(), false)
		}
	}
	for _, r := range bootMap.Regions() {
		if r.Type == fdt.RegionReserved {
			p.markRange(r.Base, r.End(), true)
		}
	}

	p.markRange(kernelPhysBase, kernelPhysEnd, true)
	p.markRange(dtbPhysBase, dtbEnd, true)
	p.markRange(bitmapBase, bitmapBase+bitmapSize, true)
	p.markRange(0, PageSize, true)

	p.nextSearchIndex = 0
	p.initialized = true
	return nil
}

// AllocatePage returns the physical base address of a free 4 KiB frame,
// marking it used. Search resumes from nextSearchIndex and wraps, so
// repeated allocation sweeps the whole tracked range instead of always
// retrying the same low addresses.
func (p *Pmm) AllocatePage() (uint64, *kernel.Error) {
	if !p.initialized {
		return 0, errNotInitialized
	}
	if p.freePageCount == 0 {
		return 0, errOutOfPages
	}

	for i := uint64(0); i < p.pageCount; i++ {
		idx := (p.nextSearchIndex + i) % p.pageCount
		if !p.bitUsed(idx) {
			p.setBit(idx, true)
			p.freePageCount--
			p.nextSearchIndex = (idx + 1) % p.pageCount
			return p.pageAddr(idx), nil
		}
	}

	return 0, errOutOfPages
}

// FreePage releases a previously allocated frame. Freeing an address that
// is not currently used (including a double free) is reported as an error
// and never mutates state.
func (p *Pmm) FreePage(addr uint64) *kernel.Error {
	if !p.initialized {
		return errNotInitialized
	}
	if addr%PageSize != 0 {
		return errMisaligned
	}
	if addr < p.trackedBase || addr >= p.trackedLimit {
		return errOutOfRange
	}

	idx := p.pageIndex(addr)
	if !p.bitUsed(idx) {
		return errDoubleFree
	}

	p.setBit(idx, false)
	p.freePageCount++
	if idx < p.nextSearchIndex {
		p.nextSearchIndex = idx
	}
	return nil
}

// ReserveRange marks every page overlapping [base, base+size) as used,
// clamped to the tracked range. Pages already used are left untouched.
func (p *Pmm) ReserveRange(base, size uint64) *kernel.Error {
	if !p.initialized {
		return errNotInitialized
	}
	p.markRange(base, base+size, true)
	return nil
}
