// Package fdt parses a Flattened Device Tree blob just far enough to build
// the boot-time memory map: the /memory node's reg property and any
// /reserved-memory children, plus the header's own memory reservation block.
package fdt

import (
	"github.com/rail5/rocinante/kernel"
)

// Errors raised while parsing a device tree blob.
var (
	errTruncatedHeader  = &kernel.Error{Module: "fdt", Message: "blob too small for an FDT header"}
	errBadMagic         = &kernel.Error{Module: "fdt", Message: "bad FDT magic"}
	errHeaderOutOfRange = &kernel.Error{Module: "fdt", Message: "FDT header offsets out of range"}
	errTruncatedBlock   = &kernel.Error{Module: "fdt", Message: "structure block truncated"}
	errBadToken         = &kernel.Error{Module: "fdt", Message: "unrecognized structure block token"}
	errNodeNestingTooDeep = &kernel.Error{Module: "fdt", Message: "device tree node nesting exceeds supported depth"}
	errBadAddressSizeCells = &kernel.Error{Module: "fdt", Message: "unsupported #address-cells/#size-cells value"}
	errTruncatedReg     = &kernel.Error{Module: "fdt", Message: "reg property truncated"}
	errTooManyRegions   = &kernel.Error{Module: "fdt", Message: "boot memory map region table full"}
)

// magic is the FDT header's fixed first word (devicetree.org spec v0.4).
const magic = 0xd00dfeed

// Structure block token values.
const (
	tokenBeginNode = 1
	tokenEndNode   = 2
	tokenProp      = 3
	tokenNop       = 4
	tokenEnd       = 9
)

// maxNodeDepth bounds the node stack; real device trees never nest this
// deep and a bound lets us use a fixed-size array with no allocation.
const maxNodeDepth = 32

// MaxRegions bounds BootMemoryMap's region table; like maxNodeDepth this
// keeps the parser allocation-free.
const MaxRegions = 64

// RegionType classifies a BootMemoryRegion.
type RegionType uint8

// RegionType values.
const (
	RegionUsable RegionType = iota
	RegionReserved
)

// BootMemoryRegion describes one physically contiguous range of memory
// discovered while parsing the device tree.
type BootMemoryRegion struct {
	Base uint64
	Size uint64
	Type RegionType
}

// End returns the exclusive end address of the region.
func (r BootMemoryRegion) End() uint64 { return r.Base + r.Size }

// BootMemoryMap accumulates the regions discovered by TryParseFromDeviceTree.
// Adjacent regions of the same type are merged on insert so the region
// count stays proportional to the number of distinct physical gaps, not the
// number of device tree nodes that contributed to them.
type BootMemoryMap struct {
	regions [MaxRegions]BootMemoryRegion
	count   int
}

// Regions returns the accumulated, merged region list.
func (m *BootMemoryMap) Regions() []BootMemoryRegion { return m.regions[:m.count] }

// Clear empties the map.
func (m *BootMemoryMap) Clear() { m.count = 0 }

// AddRegion inserts a region, merging it into the last entry if it is
// exactly adjacent to it and shares its type; otherwise it is appended.
// Regions are kept in insertion order and never sorted or reordered, so
// only a region that directly follows the last one in address is merged.
func (m *BootMemoryMap) AddRegion(r BootMemoryRegion) *kernel.Error {
	if r.Size == 0 {
		return nil
	}

	if m.count > 0 {
		last := &m.regions[m.count-1]
		if last.Type == r.Type && last.End() == r.Base {
			last.Size += r.Size
			return nil
		}
	}

	if m.count >= MaxRegions {
		return errTooManyRegions
	}

	m.regions[m.count] = r
	m.count++
	return nil
}

func readBE32(blob []byte, off uint32) uint32 {
	return uint32(blob[off])<<24 | uint32(blob[off+1])<<16 | uint32(blob[off+2])<<8 | uint32(blob[off+3])
}

func readBE64(blob []byte, off uint32) uint64 {
	return uint64(readBE32(blob, off))<<32 | uint64(readBE32(blob, off+4))
}

// header mirrors the 10-word, big-endian FDT header (devicetree.org spec
// v0.4 section 5.2).
type header struct {
	magic             uint32
	totalSize         uint32
	offDtStruct       uint32
	offDtStrings      uint32
	offMemRsvMap      uint32
	version           uint32
	lastCompVersion   uint32
	bootCpuidPhys     uint32
	sizeDtStrings     uint32
	sizeDtStruct      uint32
}

const headerSizeBytes = 40

func parseHeader(blob []byte) (header, *kernel.Error) {
	if len(blob) < headerSizeBytes {
		return header{}, errTruncatedHeader
	}

	h := header{
		magic:           readBE32(blob, 0),
		totalSize:       readBE32(blob, 4),
		offDtStruct:     readBE32(blob, 8),
		offDtStrings:    readBE32(blob, 12),
		offMemRsvMap:    readBE32(blob, 16),
		version:         readBE32(blob, 20),
		lastCompVersion: readBE32(blob, 24),
		bootCpuidPhys:   readBE32(blob, 28),
		sizeDtStrings:   readBE32(blob, 32),
		sizeDtStruct:    readBE32(blob, 36),
	}

	if h.magic != magic {
		return header{}, errBadMagic
	}

	structEnd := uint64(h.offDtStruct) + uint64(h.sizeDtStruct)
	stringsEnd := uint64(h.offDtStrings) + uint64(h.sizeDtStrings)
	if uint64(h.offDtStruct) >= uint64(h.totalSize) ||
		uint64(h.offDtStrings) >= uint64(h.totalSize) ||
		uint64(h.offMemRsvMap) >= uint64(h.totalSize) ||
		structEnd > uint64(h.totalSize) ||
		stringsEnd > uint64(h.totalSize) {
		return header{}, errHeaderOutOfRange
	}

	return h, nil
}

// LooksLikeDeviceTreeBlob reports whether blob begins with a structurally
// valid FDT header, without walking the structure block. Used by the boot
// driver's low-memory scan to locate a self-describing DTB when the boot
// protocol didn't hand one in explicitly.
func LooksLikeDeviceTreeBlob(blob []byte) bool {
	_, err := parseHeader(blob)
	return err == nil
}

// DeviceTreeTotalSizeBytesOrZero returns the blob's totalsize field, or 0 if
// blob does not begin with a valid header. Used to compute the end address
// of the DTB's own physical footprint so the PMM can reserve it.
func DeviceTreeTotalSizeBytesOrZero(blob []byte) uint32 {
	h, err := parseHeader(blob)
	if err != nil {
		return 0
	}
	return h.totalSize
}

// parseMemReserveTable walks the 16-byte (address, size) big-endian pairs
// starting at offMemRsvMap, terminated by a (0, 0) entry, adding each
// non-zero-size entry as a Reserved region.
func parseMemReserveTable(blob []byte, h header, out *BootMemoryMap) *kernel.Error {
	off := h.offMemRsvMap
	for {
		if uint64(off)+16 > uint64(len(blob)) {
			return errTruncatedBlock
		}

		addr := readBE64(blob, off)
		size := readBE64(blob, off+8)
		off += 16

		if addr == 0 && size == 0 {
			return nil
		}
		if size == 0 {
			continue
		}

		if err := out.AddRegion(BootMemoryRegion{Base: addr, Size: size, Type: RegionReserved}); err != nil {
			return err
		}
	}
}

// nodeContext tracks the #address-cells/#size-cells in effect for a node's
// children, inherited from the parent unless overridden by a property.
type nodeContext struct {
	addressCells uint32
	sizeCells    uint32
}

// cursor walks the structure block.
type cursor struct {
	blob []byte
	pos  uint32
	end  uint32
}

func (c *cursor) hasBytes(n uint32) bool { return c.end-c.pos >= n }

func (c *cursor) readBE32() (uint32, *kernel.Error) {
	if !c.hasBytes(4) {
		return 0, errTruncatedBlock
	}
	v := readBE32(c.blob, c.pos)
	c.pos += 4
	return v, nil
}

func (c *cursor) skip(n uint32) *kernel.Error {
	if !c.hasBytes(n) {
		return errTruncatedBlock
	}
	c.pos += n
	return nil
}

func (c *cursor) alignTo(n uint32) {
	if rem := c.pos % n; rem != 0 {
		c.pos += n - rem
	}
}

// readNodeName reads a NUL-terminated node name and advances past its
// 4-byte-aligned padding.
func (c *cursor) readNodeName() (string, *kernel.Error) {
	start := c.pos
	for {
		if c.pos >= c.end {
			return "", errTruncatedBlock
		}
		if c.blob[c.pos] == 0 {
			break
		}
		c.pos++
	}

	name := string(c.blob[start:c.pos])
	c.pos++ // consume the NUL
	c.alignTo(4)
	return name, nil
}

func getString(blob []byte, stringsOff, stringsSize, nameOff uint32) (string, bool) {
	off := stringsOff + nameOff
	if nameOff >= stringsSize {
		return "", false
	}
	end := off
	for end < stringsOff+stringsSize && blob[end] != 0 {
		end++
	}
	if end >= uint32(len(blob)) {
		return "", false
	}
	return string(blob[off:end]), true
}

// readAddressSizePairs decodes a reg property's (address, size) tuples
// according to the cells in effect and hands each non-zero-size tuple to
// out.AddRegion with the given type.
func readAddressSizePairs(value []byte, ctx nodeContext, typ RegionType, out *BootMemoryMap) *kernel.Error {
	if ctx.addressCells != 1 && ctx.addressCells != 2 {
		return errBadAddressSizeCells
	}
	if ctx.sizeCells != 1 && ctx.sizeCells != 2 {
		return errBadAddressSizeCells
	}

	entryLen := (ctx.addressCells + ctx.sizeCells) * 4
	if entryLen == 0 || uint32(len(value))%entryLen != 0 {
		return errTruncatedReg
	}

	for off := uint32(0); off < uint32(len(value)); off += entryLen {
		var addr, size uint64
		cellOff := off
		if ctx.addressCells == 2 {
			addr = readBE64(value, cellOff)
			cellOff += 8
		} else {
			addr = uint64(readBE32(value, cellOff))
			cellOff += 4
		}
		if ctx.sizeCells == 2 {
			size = readBE64(value, cellOff)
		} else {
			size = uint64(readBE32(value, cellOff))
		}

		if size == 0 {
			continue
		}
		if err := out.AddRegion(BootMemoryRegion{Base: addr, Size: size, Type: typ}); err != nil {
			return err
		}
	}

	return nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// parseStructureBlock walks BEGIN_NODE/PROP/END_NODE tokens, tracking node
// depth and name so it can recognise /memory[@...] nodes (contributing
// Usable regions) and any node nested inside /reserved-memory (contributing
// Reserved regions), following the #address-cells/#size-cells inheritance
// rules of the device tree specification.
func parseStructureBlock(blob []byte, h header, out *BootMemoryMap) *kernel.Error {
	c := &cursor{blob: blob, pos: h.offDtStruct, end: h.offDtStruct + h.sizeDtStruct}

	var ctxStack [maxNodeDepth]nodeContext
	var nameStack [maxNodeDepth]string
	depth := 0
	ctxStack[0] = nodeContext{addressCells: 2, sizeCells: 1}
	reservedMemoryDepth := -1

	for {
		tok, err := c.readBE32()
		if err != nil {
			return err
		}

		switch tok {
		case tokenNop:
			continue

		case tokenEnd:
			return nil

		case tokenBeginNode:
			name, err := c.readNodeName()
			if err != nil {
				return err
			}

			if depth+1 >= maxNodeDepth {
				return errNodeNestingTooDeep
			}

			depth++
			ctxStack[depth] = ctxStack[depth-1]
			nameStack[depth] = name

			if depth == 2 && hasPrefix(name, "reserved-memory") {
				reservedMemoryDepth = depth
			}

		case tokenEndNode:
			if depth == reservedMemoryDepth {
				reservedMemoryDepth = -1
			}
			if depth == 0 {
				return errBadToken
			}
			depth--

		case tokenProp:
			valueLen, err := c.readBE32()
			if err != nil {
				return err
			}
			nameOff, err := c.readBE32()
			if err != nil {
				return err
			}
			if !c.hasBytes(valueLen) {
				return errTruncatedBlock
			}
			value := blob[c.pos : c.pos+valueLen]
			c.pos += valueLen
			c.alignTo(4)

			propName, ok := getString(blob, h.offDtStrings, h.sizeDtStrings, nameOff)
			if !ok {
				return errBadToken
			}

			switch {
			case propName == "#address-cells" && len(value) == 4:
				ctxStack[depth].addressCells = readBE32(value, 0)
			case propName == "#size-cells" && len(value) == 4:
				ctxStack[depth].sizeCells = readBE32(value, 0)
			case propName == "reg" && depth == 2 && (nameStack[depth] == "memory" || hasPrefix(nameStack[depth], "memory@")):
				if err := readAddressSizePairs(value, ctxStack[depth-1], RegionUsable, out); err != nil {
					return err
				}
			case propName == "reg" && reservedMemoryDepth >= 0 && depth > reservedMemoryDepth:
				if err := readAddressSizePairs(value, ctxStack[depth-1], RegionReserved, out); err != nil {
					return err
				}
			}

		default:
			return errBadToken
		}
	}
}

// TryParseFromDeviceTree parses blob and populates out with the union of
// the memory reservation block and every /memory and /reserved-memory/*
// node's reg property. out is cleared first.
func TryParseFromDeviceTree(blob []byte, out *BootMemoryMap) *kernel.Error {
	out.Clear()

	h, err := parseHeader(blob)
	if err != nil {
		return err
	}

	if uint64(len(blob)) < uint64(h.totalSize) {
		return errHeaderOutOfRange
	}

	if err := parseMemReserveTable(blob, h, out); err != nil {
		return err
	}

	return parseStructureBlock(blob, h, out)
}
