// Package cpu exposes the CPUCFG feature-discovery decoder and the
// privileged LoongArch64 primitives (CSR access, TLB invalidation, halt)
// needed to bring up paging and the trap pipeline.
package cpu

// cpucfgReadFn can be overridden by tests; production code leaves it
// pointing at the assembly-backed cpucfgRead.
var cpucfgReadFn = cpucfgRead

// Architecture identifies the CPUCFG word 0x1 Arch field.
type Architecture uint8

// Architecture values, CPUCFG word 0x1 bits [1:0].
const (
	ArchSimplifiedLA32 Architecture = 0
	ArchLA32           Architecture = 1
	ArchLA64           Architecture = 2
	ArchReserved       Architecture = 3
)

// CacheGeometry describes one cache level as reported by CPUCFG words
// 0x11-0x14: ways, sets per way and line size are all encoded, not stored
// directly.
type CacheGeometry struct {
	WaysMinus1  uint16
	IndexLog2   uint8
	LineSizeLog2 uint8
}

// Ways returns the cache associativity.
func (g CacheGeometry) Ways() uint32 { return uint32(g.WaysMinus1) + 1 }

// SetsPerWay returns the number of sets per way.
func (g CacheGeometry) SetsPerWay() uint32 { return 1 << g.IndexLog2 }

// LineSizeBytes returns the cache line size in bytes.
func (g CacheGeometry) LineSizeBytes() uint32 { return 1 << g.LineSizeLog2 }

// CpuFeatures decodes and caches CPUCFG words on first access. The zero
// value reads from the live CPUCFG instruction; call ResetCache after a
// migration to another core or in tests that swap the backend.
type CpuFeatures struct {
	readFn func(word uint32) uint32

	words     map[uint32]uint32
	readCount uint32
}

// NewCpuFeatures returns a CpuFeatures instance backed by the live CPUCFG
// instruction.
func NewCpuFeatures() *CpuFeatures {
	return &CpuFeatures{readFn: cpucfgReadFn}
}

// newCpuFeaturesWithBackend is used by tests to substitute a fake CPUCFG
// implementation.
func newCpuFeaturesWithBackend(readFn func(word uint32) uint32) *CpuFeatures {
	return &CpuFeatures{readFn: readFn}
}

// ResetCache discards any cached CPUCFG words, forcing the next query to
// re-read the backend.
func (c *CpuFeatures) ResetCache() {
	c.words = nil
	c.readCount = 0
}

// BackendReadCount reports how many times the backend has actually been
// invoked since the last ResetCache; exists so tests can assert on caching
// behaviour.
func (c *CpuFeatures) BackendReadCount() uint32 {
	return c.readCount
}

// Word returns the raw value of the given CPUCFG word, decoding it from the
// backend on first access and caching the result thereafter.
func (c *CpuFeatures) Word(word uint32) uint32 {
	if c.words == nil {
		c.words = make(map[uint32]uint32)
	}

	if v, ok := c.words[word]; ok {
		return v
	}

	readFn := c.readFn
	if readFn == nil {
		readFn = cpucfgReadFn
	}

	v := readFn(word)
	c.words[word] = v
	c.readCount++
	return v
}

func bit(v uint32, index uint) bool {
	return (v>>index)&1 != 0
}

func bits(v uint32, lowIndex, width uint) uint32 {
	return (v >> lowIndex) & ((1 << width) - 1)
}

// ProcessorID returns the PRID reported by CPUCFG word 0x0.
func (c *CpuFeatures) ProcessorID() uint32 { return c.Word(0x0) }

// Arch returns the Arch field of CPUCFG word 0x1.
func (c *CpuFeatures) Arch() Architecture { return Architecture(bits(c.Word(0x1), 0, 2)) }

// SupportsPageMappingMMU reports CPUCFG word 0x1 bit 2 (PGMMU).
func (c *CpuFeatures) SupportsPageMappingMMU() bool { return bit(c.Word(0x1), 2) }

// SupportsIOCSR reports CPUCFG word 0x1 bit 3.
func (c *CpuFeatures) SupportsIOCSR() bool { return bit(c.Word(0x1), 3) }

// PALENMinus1 returns the raw PALEN-1 field, CPUCFG word 0x1 bits [11:4].
func (c *CpuFeatures) PALENMinus1() uint32 { return bits(c.Word(0x1), 4, 8) }

// VALENMinus1 returns the raw VALEN-1 field, CPUCFG word 0x1 bits [19:12].
func (c *CpuFeatures) VALENMinus1() uint32 { return bits(c.Word(0x1), 12, 8) }

// PhysicalAddressBits returns the number of physical address bits (PALEN).
func (c *CpuFeatures) PhysicalAddressBits() uint32 { return c.PALENMinus1() + 1 }

// VirtualAddressBits returns the number of virtual address bits (VALEN).
func (c *CpuFeatures) VirtualAddressBits() uint32 { return c.VALENMinus1() + 1 }

// SupportsUnalignedAccess reports CPUCFG word 0x1 bit 20 (UAL).
func (c *CpuFeatures) SupportsUnalignedAccess() bool { return bit(c.Word(0x1), 20) }

// SupportsReadInhibit reports CPUCFG word 0x1 bit 21 (RI).
func (c *CpuFeatures) SupportsReadInhibit() bool { return bit(c.Word(0x1), 21) }

// SupportsExecuteProtect reports CPUCFG word 0x1 bit 22 (EP).
func (c *CpuFeatures) SupportsExecuteProtect() bool { return bit(c.Word(0x1), 22) }

// SupportsRPLV reports CPUCFG word 0x1 bit 23.
func (c *CpuFeatures) SupportsRPLV() bool { return bit(c.Word(0x1), 23) }

// SupportsHugePage reports CPUCFG word 0x1 bit 24 (HP).
func (c *CpuFeatures) SupportsHugePage() bool { return bit(c.Word(0x1), 24) }

// SupportsCRC reports CPUCFG word 0x1 bit 25.
func (c *CpuFeatures) SupportsCRC() bool { return bit(c.Word(0x1), 25) }

// SupportsMSGINT reports CPUCFG word 0x1 bit 26.
func (c *CpuFeatures) SupportsMSGINT() bool { return bit(c.Word(0x1), 26) }

// SupportsFP reports CPUCFG word 0x2 bit 0.
func (c *CpuFeatures) SupportsFP() bool { return bit(c.Word(0x2), 0) }

// SupportsFPSingle reports CPUCFG word 0x2 bit 1.
func (c *CpuFeatures) SupportsFPSingle() bool { return bit(c.Word(0x2), 1) }

// SupportsFPDouble reports CPUCFG word 0x2 bit 2.
func (c *CpuFeatures) SupportsFPDouble() bool { return bit(c.Word(0x2), 2) }

// SupportsLSX reports CPUCFG word 0x2 bit 6.
func (c *CpuFeatures) SupportsLSX() bool { return bit(c.Word(0x2), 6) }

// SupportsLASX reports CPUCFG word 0x2 bit 7.
func (c *CpuFeatures) SupportsLASX() bool { return bit(c.Word(0x2), 7) }

// SupportsConstantFrequencyCounterTimer reports CPUCFG word 0x2 bit 14
// (constant frequency counter and timer).
func (c *CpuFeatures) SupportsConstantFrequencyCounterTimer() bool { return bit(c.Word(0x2), 14) }

// SupportsLVZ reports CPUCFG word 0x2 bit 10.
func (c *CpuFeatures) SupportsLVZ() bool { return bit(c.Word(0x2), 10) }

// SupportsLBT reports any of the LBT_X86/LBT_ARM/LBT_MIPS bits, CPUCFG
// word 0x2 bits [20:18].
func (c *CpuFeatures) SupportsLBT() bool { return bits(c.Word(0x2), 18, 3) != 0 }

// SupportsLAM reports CPUCFG word 0x2 bit 22 (atomic memory access extension).
func (c *CpuFeatures) SupportsLAM() bool { return bit(c.Word(0x2), 22) }

// SupportsPageTableWalker reports CPUCFG word 0x2 bit 24 (hardware page
// table walker).
func (c *CpuFeatures) SupportsPageTableWalker() bool { return bit(c.Word(0x2), 24) }

// CacheLineSizeARequest is intentionally absent: line size is only known per
// cache level via the geometry queries below.

func (c *CpuFeatures) cacheGeometry(word uint32, presenceBit uint) (CacheGeometry, bool) {
	if !bit(c.Word(0x10), presenceBit) {
		return CacheGeometry{}, false
	}

	v := c.Word(word)
	return CacheGeometry{
		WaysMinus1:   uint16(bits(v, 0, 16)),
		IndexLog2:    uint8(bits(v, 16, 8)),
		LineSizeLog2: uint8(bits(v, 24, 7)),
	}, true
}

// L1IUGeometry returns the L1 instruction/unified cache geometry, CPUCFG
// word 0x11, gated on word 0x10 bit 0 (L1IU present).
func (c *CpuFeatures) L1IUGeometry() (CacheGeometry, bool) { return c.cacheGeometry(0x11, 0) }

// L1DGeometry returns the L1 data cache geometry, CPUCFG word 0x12, gated on
// word 0x10 bit 2 (L1D present).
func (c *CpuFeatures) L1DGeometry() (CacheGeometry, bool) { return c.cacheGeometry(0x12, 2) }

// L2IUGeometry returns the L2 instruction/unified cache geometry, CPUCFG
// word 0x13, gated on word 0x10 bit 3 (L2IU present).
func (c *CpuFeatures) L2IUGeometry() (CacheGeometry, bool) { return c.cacheGeometry(0x13, 3) }

// L3IUGeometry returns the L3 instruction/unified cache geometry, CPUCFG
// word 0x14, gated on word 0x10 bit 10 (L3IU present).
func (c *CpuFeatures) L3IUGeometry() (CacheGeometry, bool) { return c.cacheGeometry(0x14, 10) }

// AddressLimits is the small CPUCFG-derived snapshot kernel orchestration
// takes once at the very start of bring-up (stage 1), independent of the
// full CpuFeatures query surface: just the address widths and the largest
// values they admit, needed before a Paging.AddressSpaceBits value exists.
type AddressLimits struct {
	VALEN uint8
	PALEN uint8
}

// VirtualMax returns the highest representable virtual address magnitude:
// 2^VALEN - 1.
func (l AddressLimits) VirtualMax() uint64 {
	if l.VALEN >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << l.VALEN) - 1
}

// PhysicalMax returns the highest representable physical address: 2^PALEN - 1.
func (l AddressLimits) PhysicalMax() uint64 {
	if l.PALEN >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << l.PALEN) - 1
}

// Limits reads VALEN/PALEN from CPUCFG word 0x1 and returns the resulting
// AddressLimits snapshot.
func (c *CpuFeatures) Limits() AddressLimits {
	return AddressLimits{
		VALEN: uint8(c.VirtualAddressBits()),
		PALEN: uint8(c.PhysicalAddressBits()),
	}
}

// InitEarly returns the AddressLimits snapshot taken from a fresh
// CpuFeatures backed by the live CPUCFG instruction, for callers (kernel
// orchestration stage 1) that only need the address widths and have not
// otherwise constructed a CpuFeatures value yet.
func InitEarly() AddressLimits {
	return NewCpuFeatures().Limits()
}
