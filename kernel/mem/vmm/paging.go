// Package vmm builds and walks the software multi-level 4 KiB page tables,
// and (on loong64) programs the hardware page walker and switches CRMD
// between direct-address and mapped modes.
package vmm

import (
	"unsafe"

	"github.com/rail5/rocinante/kernel"
)

// PageSize is the leaf mapping granule; the CORE never maps huge pages.
const PageSize = 4096

var (
	errInvalidVALEN           = &kernel.Error{Module: "vmm", Message: "VALEN out of range"}
	errInvalidPALEN           = &kernel.Error{Module: "vmm", Message: "PALEN out of range"}
	errMisalignedVA           = &kernel.Error{Module: "vmm", Message: "virtual address is not page-aligned"}
	errMisalignedPA           = &kernel.Error{Module: "vmm", Message: "physical address is not page-aligned"}
	errMisalignedSize         = &kernel.Error{Module: "vmm", Message: "size is not a multiple of the page size"}
	errNonCanonicalVA         = &kernel.Error{Module: "vmm", Message: "virtual address is not canonical"}
	errPhysicalAddressTooWide = &kernel.Error{Module: "vmm", Message: "physical address exceeds PALEN"}
	errAlreadyMapped          = &kernel.Error{Module: "vmm", Message: "virtual address is already mapped"}
	errNotMapped              = &kernel.Error{Module: "vmm", Message: "virtual address is not mapped"}
)

// AddressSpaceBits parameterizes the software page-table builder/walker by
// the implemented virtual and physical address widths.
type AddressSpaceBits struct {
	VALEN uint8
	PALEN uint8
}

// Validate checks that VALEN and PALEN fall within limits the PTE encoding
// and walker can represent.
func (b AddressSpaceBits) Validate() *kernel.Error {
	if b.VALEN == 0 || b.VALEN > 64 {
		return errInvalidVALEN
	}
	if b.PALEN < 12 || b.PALEN > lowestHighFlagBit {
		return errInvalidPALEN
	}
	return nil
}

// LevelCount returns the number of page-table levels needed to cover VALEN
// bits of virtual address with 9 bits per level and a 12-bit page offset,
// capped at 6. The hardware walker configuration (Make4KiBPageWalkerConfig)
// describes at most 5 levels.
func (b AddressSpaceBits) LevelCount() (int, *kernel.Error) {
	if err := b.Validate(); err != nil {
		return 0, err
	}
	if b.VALEN <= 12 {
		return 0, errInvalidVALEN
	}

	n := (int(b.VALEN) - 12 + 8) / 9
	if n > 6 {
		n = 6
	}
	return n, nil
}

func shiftForLevel(level int) uint {
	return 12 + 9*uint(level)
}

func indexAtLevel(va uint64, level int) uint64 {
	return (va >> shiftForLevel(level)) & 0x1FF
}

// isCanonicalVA reports whether va's bits [63:valen] are a sign extension
// of bit valen-1, as required of every VA used in mapped mode.
func isCanonicalVA(va uint64, valen uint8) bool {
	if valen >= 64 {
		return true
	}

	signBit := (va >> (valen - 1)) & 1
	upperMask := ^uint64(0) << valen
	upperBits := va & upperMask

	if signBit == 1 {
		return upperBits == upperMask
	}
	return upperBits == 0
}

// isValidPhysicalAddress reports whether pa has no bits set beyond PALEN.
func isValidPhysicalAddress(pa uint64, palen uint8) bool {
	if palen >= 64 {
		return true
	}
	return pa&(^uint64(0)<<palen) == 0
}

// FrameAllocator is the subset of pmm.Pmm the page-table builder needs.
type FrameAllocator interface {
	AllocatePage() (uint64, *kernel.Error)
}

// tableAddressFn converts a table's physical address into an accessible
// pointer. Before paging is enabled it is the identity function; once
// mapped mode is live it must be swapped (via SetTableAddressTranslator)
// for a physmap-relative translation, since intermediate tables are then
// only reachable through the physmap window.
var tableAddressFn = func(phys uint64) unsafe.Pointer {
	return unsafe.Pointer(uintptr(phys))
}

// SetTableAddressTranslator overrides how page-table physical addresses are
// turned into accessible pointers.
func SetTableAddressTranslator(fn func(phys uint64) unsafe.Pointer) {
	tableAddressFn = fn
}

func tableAt(phys uint64) *[512]uint64 {
	return (*[512]uint64)(tableAddressFn(phys))
}

// AllocateRootPageTable allocates and zeroes a fresh page to serve as a page
// table root.
func AllocateRootPageTable(alloc FrameAllocator) (uint64, *kernel.Error) {
	root, err := alloc.AllocatePage()
	if err != nil {
		return 0, err
	}

	table := tableAt(root)
	for i := range table {
		table[i] = 0
	}

	return root, nil
}

// ensureNextLevelTable returns the physical address of the table entry idx
// of table points to, allocating and zeroing a fresh table and installing a
// pointer entry if the slot is currently absent.
func ensureNextLevelTable(table *[512]uint64, idx uint64, alloc FrameAllocator) (uint64, *kernel.Error) {
	entry := table[idx]
	if entryIsPresent(entry) {
		return entryPhysicalPageBase(entry, 64), nil
	}

	next, err := alloc.AllocatePage()
	if err != nil {
		return 0, err
	}

	nextTable := tableAt(next)
	for i := range nextTable {
		nextTable[i] = 0
	}

	table[idx] = encodeTablePointer(next)
	return next, nil
}

func validateMapArgs(va, pa uint64, bits AddressSpaceBits) *kernel.Error {
	if err := bits.Validate(); err != nil {
		return err
	}
	if va%PageSize != 0 {
		return errMisalignedVA
	}
	if pa%PageSize != 0 {
		return errMisalignedPA
	}
	if !isCanonicalVA(va, bits.VALEN) {
		return errNonCanonicalVA
	}
	if !isValidPhysicalAddress(pa, bits.PALEN) {
		return errPhysicalAddressTooWide
	}
	return nil
}

// MapPage4KiB installs a single 4 KiB leaf mapping, allocating any missing
// intermediate tables along the way. Mapping an already-mapped VA is an
// error; the table is left unchanged.
func MapPage4KiB(alloc FrameAllocator, root, va, pa uint64, perms PagePermissions, bits AddressSpaceBits) *kernel.Error {
	if err := validateMapArgs(va, pa, bits); err != nil {
		return err
	}

	levelCount, err := bits.LevelCount()
	if err != nil {
		return err
	}

	table := tableAt(root)
	for level := levelCount - 1; level >= 1; level-- {
		idx := indexAtLevel(va, level)
		next, err := ensureNextLevelTable(table, idx, alloc)
		if err != nil {
			return err
		}
		table = tableAt(next)
	}

	leafIdx := indexAtLevel(va, 0)
	if entryIsPresent(table[leafIdx]) {
		return errAlreadyMapped
	}

	table[leafIdx] = encodeLeafEntry(pa, perms, bits.PALEN)
	return nil
}

// MapRange4KiB strides MapPage4KiB across [va, va+size) and [pa, pa+size).
// size must be a non-zero multiple of the page size. On partial failure the
// pages already mapped are left mapped; the caller is expected to report
// the failure, matching the bring-up driver's error policy.
func MapRange4KiB(alloc FrameAllocator, root, va, pa, size uint64, perms PagePermissions, bits AddressSpaceBits) *kernel.Error {
	if size == 0 || size%PageSize != 0 {
		return errMisalignedSize
	}

	for off := uint64(0); off < size; off += PageSize {
		if err := MapPage4KiB(alloc, root, va+off, pa+off, perms, bits); err != nil {
			return err
		}
	}

	return nil
}

// UnmapPage4KiB clears a single leaf mapping. Every intermediate table on
// the path must be present, and the leaf itself must be mapped; unmapping
// an absent page is an error. Intermediate tables are never freed.
func UnmapPage4KiB(root, va uint64, bits AddressSpaceBits) *kernel.Error {
	if err := bits.Validate(); err != nil {
		return err
	}
	if va%PageSize != 0 {
		return errMisalignedVA
	}
	if !isCanonicalVA(va, bits.VALEN) {
		return errNonCanonicalVA
	}

	levelCount, err := bits.LevelCount()
	if err != nil {
		return err
	}

	table := tableAt(root)
	for level := levelCount - 1; level >= 1; level-- {
		idx := indexAtLevel(va, level)
		entry := table[idx]
		if !entryIsPresent(entry) {
			return errNotMapped
		}
		table = tableAt(entryPhysicalPageBase(entry, 64))
	}

	leafIdx := indexAtLevel(va, 0)
	if !entryIsPresent(table[leafIdx]) {
		return errNotMapped
	}

	table[leafIdx] = 0
	return nil
}

// Translate walks the page tables rooted at root and returns the physical
// address va maps to, or an error if any level of the walk is absent.
func Translate(root, va uint64, bits AddressSpaceBits) (uint64, *kernel.Error) {
	if err := bits.Validate(); err != nil {
		return 0, err
	}
	if !isCanonicalVA(va, bits.VALEN) {
		return 0, errNonCanonicalVA
	}

	levelCount, err := bits.LevelCount()
	if err != nil {
		return 0, err
	}

	table := tableAt(root)
	for level := levelCount - 1; level >= 1; level-- {
		idx := indexAtLevel(va, level)
		entry := table[idx]
		if !entryIsPresent(entry) {
			return 0, errNotMapped
		}
		table = tableAt(entryPhysicalPageBase(entry, 64))
	}

	leafIdx := indexAtLevel(va, 0)
	entry := table[leafIdx]
	if !entryIsPresent(entry) {
		return 0, errNotMapped
	}

	return entryPhysicalPageBase(entry, bits.PALEN) | (va & 0xFFF), nil
}
