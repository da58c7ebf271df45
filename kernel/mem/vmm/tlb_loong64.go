//go:build loong64

package vmm

import "github.com/rail5/rocinante/kernel/cpu"

// invalidateTLBFn can be overridden by tests; production code leaves it
// pointing at the CSR/INVTLB-backed cpu package function.
var invalidateTLBFn = cpu.InvalidateTLBAll

// InvalidateTLB clears every TLB entry. Required after any page-table
// mutation that could affect a translation the TLB may have already
// cached, before the next access that relies on the new mapping.
func InvalidateTLB() {
	invalidateTLBFn()
}
