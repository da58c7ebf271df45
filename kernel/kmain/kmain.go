// Package kmain sequences the stage-wise bring-up driver: CPU/DTB
// discovery, the physical frame allocator, the software/hardware page
// tables, and the jump into the higher-half continuation.
package kmain

import (
	"unsafe"

	"github.com/rail5/rocinante/kernel"
	"github.com/rail5/rocinante/kernel/cpu"
	"github.com/rail5/rocinante/kernel/goruntime"
	"github.com/rail5/rocinante/kernel/hal"
	"github.com/rail5/rocinante/kernel/hal/fdt"
	"github.com/rail5/rocinante/kernel/hal/syscon"
	"github.com/rail5/rocinante/kernel/hal/uart"
	"github.com/rail5/rocinante/kernel/kfmt/early"
	"github.com/rail5/rocinante/kernel/mem/pmm"
	"github.com/rail5/rocinante/kernel/mem/vmm"
	"github.com/rail5/rocinante/kernel/trap"
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// dtbScanLow/dtbScanHigh bound the low-memory region the bring-up driver
// scans for a device tree blob header, per the orchestration policy of
// spec.md §4.8 stage 3.
const (
	dtbScanLow           = 0x0000_0000
	dtbScanHigh          = 0x1000_0000
	dtbScanStride        = 0x1000
	higherHalfStackPages = 4
	heapPages            = 16
	physMapWindowBytes   = 16 * 1024 * 1024
)

var pageMgr = pmm.New()

// resumeVALEN is stashed by Kmain just before the higher-half jump so
// higherHalfContinuation, reached by a raw register jump rather than a call,
// can still find the implemented virtual address width.
var resumeVALEN uint8

// scanForDeviceTreeBlob walks [dtbScanLow, dtbScanHigh) at dtbScanStride
// looking for a blob whose header passes fdt.LooksLikeDeviceTreeBlob.
func scanForDeviceTreeBlob() (base uint64, size uint32, found bool) {
	for addr := uint64(dtbScanLow); addr < dtbScanHigh; addr += dtbScanStride {
		blob := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), headerSizeBytesOrZeroCap)
		if !fdt.LooksLikeDeviceTreeBlob(blob) {
			continue
		}

		totalSize := fdt.DeviceTreeTotalSizeBytesOrZero(blob)
		if totalSize == 0 {
			continue
		}

		return addr, totalSize, true
	}

	return 0, 0, false
}

// headerSizeBytesOrZeroCap bounds the initial header-only read used to
// sniff a DTB candidate and learn its real size before re-reading the full
// blob.
const headerSizeBytesOrZeroCap = 64

func logStage(name string, ok bool) {
	if ok {
		early.Printf("[ ok ] %s\n", name)
	} else {
		early.Printf("[fail] %s\n", name)
	}
}

// Kmain is the Go-side entry point, reached from the assembly rt0 stub with
// the LA64 ABI registers a0/a1/a2: whether the firmware handed off via
// UEFI, the kernel command line pointer, and the boot-info (DTB) pointer.
// kernelPhysBase/kernelPhysEnd are the linker-provided _start/_end
// addresses delimiting the kernel image.
//
//go:noinline
func Kmain(isUEFI, cmdlinePtr, bootInfoPtr uintptr, kernelPhysBase, kernelPhysEnd uintptr) {
	_ = isUEFI
	_ = cmdlinePtr

	hal.InitTerminal(uart.PhysicalBase)
	early.Printf("starting bring-up\n")

	// Stage 1: early memory init, AddressLimits snapshot.
	limits := cpu.InitEarly()
	logStage("address limits", limits.VALEN != 0 && limits.PALEN != 0)

	// Stage 2: trap init; timer masked, interrupts disabled.
	trap.Initialize(trap.EntryAddress())
	trap.DisableInterrupts()
	logStage("trap init", true)

	// Stage 3: locate the DTB, preferring the pointer handed off by the
	// assembly stub if it looks valid, falling back to the low-memory scan.
	var dtbBase, dtbSize uint64
	var haveDTB bool
	if bootInfoPtr != 0 {
		probe := unsafe.Slice((*byte)(unsafe.Pointer(bootInfoPtr)), headerSizeBytesOrZeroCap)
		if fdt.LooksLikeDeviceTreeBlob(probe) {
			if size := fdt.DeviceTreeTotalSizeBytesOrZero(probe); size != 0 {
				dtbBase, dtbSize, haveDTB = uint64(bootInfoPtr), uint64(size), true
			}
		}
	}
	if !haveDTB {
		if base, size, found := scanForDeviceTreeBlob(); found {
			dtbBase, dtbSize, haveDTB = base, uint64(size), true
		}
	}
	logStage("locate DTB", haveDTB)
	if !haveDTB {
		kernel.Panic(&kernel.Error{Module: "kmain", Message: "no device tree blob found"})
	}

	// Stage 4: parse BootMemoryMap.
	var bootMap fdt.BootMemoryMap
	fullBlob := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(dtbBase))), dtbSize)
	parseErr := fdt.TryParseFromDeviceTree(fullBlob, &bootMap)
	logStage("parse boot memory map", parseErr == nil)
	if parseErr != nil {
		kernel.Panic(parseErr)
	}

	// Stage 5: initialize the PMM.
	pmmErr := pageMgr.Init(&bootMap, uint64(kernelPhysBase), uint64(kernelPhysEnd), dtbBase, dtbSize)
	logStage("init pmm", pmmErr == nil)
	if pmmErr != nil {
		kernel.Panic(pmmErr)
	}

	// Stage 6: build page tables.
	bits := vmm.AddressSpaceBits{VALEN: limits.VALEN, PALEN: limits.PALEN}
	root, rootErr := buildPageTables(bits, uint64(kernelPhysBase), uint64(kernelPhysEnd))
	logStage("build page tables", rootErr == nil)
	if rootErr != nil {
		kernel.Panic(rootErr)
	}

	// Stage 7: program the hardware walker and switch to mapped addressing.
	walkerCfg, cfgErr := vmm.Make4KiBPageWalkerConfig(bits.VALEN)
	logStage("configure page walker", cfgErr == nil)
	if cfgErr != nil {
		kernel.Panic(cfgErr)
	}
	vmm.ConfigurePageTableWalker(root, walkerCfg)
	vmm.InvalidateTLB()
	vmm.EnablePaging()
	logStage("enable paging", true)

	// Stage 8: switch to the higher-half stack and jump to the higher-half
	// continuation, re-pointing the unified trap entry and re-initializing
	// the heap to the VM-backed region.
	physmapFn := func(phys uint64) unsafe.Pointer {
		return unsafe.Pointer(uintptr(vmm.ToPhysMapVirtual(phys, bits.VALEN)))
	}
	pageMgr.SetAddressTranslator(physmapFn)
	vmm.SetTableAddressTranslator(physmapFn)

	higherHalfEntry := vmm.KernelHigherHalfBase(bits.VALEN) + (continuationAddress() - uint64(kernelPhysBase))
	higherHalfTrapEntry := vmm.KernelHigherHalfBase(bits.VALEN) + (uint64(trap.EntryAddress()) - uint64(kernelPhysBase))
	trap.SetGeneralAndMachineErrorExceptionEntryPageBase(higherHalfTrapEntry)
	hal.InitTerminal(uintptr(vmm.ToPhysMapVirtual(uart.PhysicalBase, bits.VALEN)))

	heapStart := vmm.RecommendedHeapVirtualBase(bits.VALEN, higherHalfStackPages) + heapPages*vmm.PageSize
	if err := goruntime.Init(root, bits, pageMgr, heapStart); err != nil {
		kernel.Panic(err)
	}

	resumeVALEN = bits.VALEN

	// The higher-half stack grows down from its top page; switchStackAndJump
	// never returns, so everything after it in Kmain is unreachable in
	// practice and exists only to satisfy the compiler.
	stackTop := vmm.HigherHalfStackBase(bits.VALEN) + higherHalfStackPages*vmm.PageSize
	switchStackAndJump(stackTop, higherHalfEntry)

	// Use kernel.Panic instead of panic to prevent the compiler from
	// treating kernel.Panic as dead code and eliminating it.
	kernel.Panic(errKmainReturned)
}

// continuationAddress returns the physical (low) address of
// higherHalfContinuation, used to compute its higher-half alias.
func continuationAddress() uint64

// switchStackAndJump switches SP to newSP and jumps to target, never
// returning; target runs on the new stack.
func switchStackAndJump(newSP, target uint64)

// higherHalfContinuation runs after the jump to the mapped higher-half
// stack and re-pointed trap entry; it is the logical second half of Kmain,
// declared separately so its address can be taken before the jump happens.
// Bring-up has nothing further to run, so it powers the machine off rather
// than idling forever; the halt loop below only covers emulators that treat
// the poweroff write as a no-op.
func higherHalfContinuation() {
	early.Printf("running from the higher half\n")

	pc := syscon.New(uintptr(vmm.ToPhysMapVirtual(syscon.PhysicalBase, resumeVALEN)))
	pc.Poweroff()

	for {
		cpu.Halt()
	}
}

// buildPageTables allocates a root table and installs every mapping stage
// 6 requires: identity kernel image, higher-half kernel alias, UART/syscon
// MMIO, higher-half stack with guard page, VM-backed heap, and the physmap
// window.
func buildPageTables(bits vmm.AddressSpaceBits, kernelPhysBase, kernelPhysEnd uint64) (uint64, *kernel.Error) {
	root, err := vmm.AllocateRootPageTable(pageMgr)
	if err != nil {
		return 0, err
	}

	kernelSize := kernelPhysEnd - kernelPhysBase
	kernelPerms := vmm.PagePermissions{Access: vmm.AccessReadWrite, Execute: vmm.ExecuteExecutable, Cache: vmm.CacheCoherentCached, Global: true}

	if err := vmm.MapRange4KiB(pageMgr, root, kernelPhysBase, kernelPhysBase, kernelSize, kernelPerms, bits); err != nil {
		return 0, err
	}

	higherHalfBase := vmm.KernelHigherHalfBase(bits.VALEN)
	if err := vmm.MapRange4KiB(pageMgr, root, higherHalfBase, kernelPhysBase, kernelSize, kernelPerms, bits); err != nil {
		return 0, err
	}

	mmioPerms := vmm.PagePermissions{Access: vmm.AccessReadWrite, Execute: vmm.ExecuteNoExecute, Cache: vmm.CacheStrongUncached, Global: true}
	if err := vmm.MapPage4KiB(pageMgr, root, uart.PhysicalBase, uart.PhysicalBase, mmioPerms, bits); err != nil {
		return 0, err
	}
	if err := vmm.MapPage4KiB(pageMgr, root, syscon.PhysicalBase, syscon.PhysicalBase, mmioPerms, bits); err != nil {
		return 0, err
	}

	stackBase := vmm.HigherHalfStackBase(bits.VALEN)
	stackPerms := vmm.PagePermissions{Access: vmm.AccessReadWrite, Execute: vmm.ExecuteNoExecute, Cache: vmm.CacheCoherentCached, Global: true}
	for i := uint64(0); i < higherHalfStackPages; i++ {
		frame, ferr := pageMgr.AllocatePage()
		if ferr != nil {
			return 0, ferr
		}
		if err := vmm.MapPage4KiB(pageMgr, root, stackBase+i*vmm.PageSize, frame, stackPerms, bits); err != nil {
			return 0, err
		}
	}

	heapBase := vmm.RecommendedHeapVirtualBase(bits.VALEN, higherHalfStackPages)
	for i := uint64(0); i < heapPages; i++ {
		frame, ferr := pageMgr.AllocatePage()
		if ferr != nil {
			return 0, ferr
		}
		if err := vmm.MapPage4KiB(pageMgr, root, heapBase+i*vmm.PageSize, frame, stackPerms, bits); err != nil {
			return 0, err
		}
	}

	physMapPerms := vmm.PagePermissions{Access: vmm.AccessReadWrite, Execute: vmm.ExecuteNoExecute, Cache: vmm.CacheCoherentCached, Global: true}
	physMapBase := vmm.PhysMapBase(bits.VALEN)
	trackedBase, trackedLimit := pageMgr.TrackedRange()
	coverage := trackedLimit - trackedBase
	if coverage > physMapWindowBytes {
		coverage = physMapWindowBytes
	}
	if err := vmm.MapRange4KiB(pageMgr, root, physMapBase+trackedBase, trackedBase, coverage, physMapPerms, bits); err != nil {
		return 0, err
	}

	return root, nil
}
