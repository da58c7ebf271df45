//go:build loong64

package vmm

import (
	"github.com/rail5/rocinante/kernel"
	"github.com/rail5/rocinante/kernel/cpu"
)

var errTooManyWalkerLevels = &kernel.Error{Module: "vmm", Message: "VALEN requires more than 5 page-walker levels"}

// pageWalkerLevel describes one level of the hardware page walker: the low
// bit index of the VA slice it indexes with (base) and how many bits wide
// that slice is (width).
type pageWalkerLevel struct {
	base  uint8
	width uint8
}

// PageWalkerConfig holds the packed CSR.PWCL/CSR.PWCH values that configure
// the hardware page walker to match the software table layout for a given
// VALEN.
type PageWalkerConfig struct {
	PWCL uint64
	PWCH uint64
}

func levelCountForValen(valen uint8) int {
	if valen <= 12 {
		return 0
	}
	n := (int(valen) - 12 + 8) / 9
	if n > 6 {
		n = 6
	}
	return n
}

// Make4KiBPageWalkerConfig derives the hardware page-walker configuration
// for the given VALEN: up to 5 levels (PT, Dir1-4), each consuming at most
// 9 bits of virtual address above the 12-bit page offset.
func Make4KiBPageWalkerConfig(valen uint8) (PageWalkerConfig, *kernel.Error) {
	n := levelCountForValen(valen)
	if n == 0 {
		return PageWalkerConfig{}, errInvalidVALEN
	}
	if n > 5 {
		return PageWalkerConfig{}, errTooManyWalkerLevels
	}

	var levels [5]pageWalkerLevel
	remaining := int(valen) - 12
	for i := 0; i < n; i++ {
		width := 9
		if remaining < width {
			width = remaining
		}
		levels[i] = pageWalkerLevel{base: uint8(12 + 9*i), width: uint8(width)}
		remaining -= width
	}

	var cfg PageWalkerConfig
	cfg.PWCL = uint64(levels[0].base) | uint64(levels[0].width)<<5
	if n > 1 {
		cfg.PWCL |= uint64(levels[1].base)<<10 | uint64(levels[1].width)<<15
	}
	if n > 2 {
		cfg.PWCL |= uint64(levels[2].base)<<20 | uint64(levels[2].width)<<25
	}
	if n > 3 {
		cfg.PWCH |= uint64(levels[3].base) | uint64(levels[3].width)<<6
	}
	if n > 4 {
		cfg.PWCH |= uint64(levels[4].base)<<12 | uint64(levels[4].width)<<18
	}

	return cfg, nil
}

// writePWCLFn/writePWCHFn/writePGDLFn/writePGDHFn are overridden by tests;
// production code leaves them pointing at the CSR-backed cpu package
// functions.
var (
	writePWCLFn = cpu.WritePWCL
	writePWCHFn = cpu.WritePWCH
	writePGDLFn = cpu.WritePGDL
	writePGDHFn = cpu.WritePGDH
)

// ConfigurePageTableWalker programs CSR.PWCL/CSR.PWCH with config and
// points both CSR.PGDL and CSR.PGDH at root. PGDL and PGDH are always
// programmed identically during bring-up; distinct lower/higher-half roots
// are deferred.
func ConfigurePageTableWalker(root uint64, config PageWalkerConfig) {
	writePWCLFn(config.PWCL)
	writePWCHFn(config.PWCH)
	writePGDLFn(root)
	writePGDHFn(root)
}

// EnablePaging sets CRMD.PG and clears CRMD.DA in a single CSR write,
// switching the CPU from direct-address to mapped-address translation.
// Every resource the currently executing instruction stream depends on
// (code, stack, UART, syscon MMIO, page tables, PMM bitmap) must already be
// reachable in mapped mode before this call.
func EnablePaging() {
	cpu.EnablePagingMode()
}
