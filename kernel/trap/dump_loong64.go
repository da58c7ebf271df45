//go:build loong64

package trap

import (
	"github.com/rail5/rocinante/kernel/cpu"
	"github.com/rail5/rocinante/kernel/kfmt/early"
)

// dumpFatal prints the diagnostic dump required for an unhandled
// exception: the frame's own CSR snapshots, plus the live TLB-refill,
// page-table-root, page-walker and ASID/TLB registers named by the fatal
// trap error-handling policy.
func dumpFatal(tf *TrapFrame) {
	early.Printf("\n*** unhandled exception ***\n")
	early.Printf("ERA=%x ESTAT=%x BADV=%x\n", tf.ERA, tf.ESTAT, tf.BADV)
	early.Printf("CRMD=%x PRMD=%x ECFG=%x\n", tf.CRMD, tf.PRMD, tf.ECFG)
	early.Printf("exc=%x subcode=%x is=%x\n",
		uint64(ExceptionCode(tf.ESTAT)), uint64(ExceptionSubCode(tf.ESTAT)), uint64(InterruptStatus(tf.ESTAT)))

	if ExceptionCode(tf.ESTAT) == ExcPIL || ExceptionCode(tf.ESTAT) == ExcPIS || ExceptionCode(tf.ESTAT) == ExcPIF {
		early.Printf("TLBRENTRY=%x TLBRERA=%x TLBREHI=%x TLBRBADV=%x\n",
			cpu.ReadTLBRENTRY(), cpu.ReadTLBRERA(), cpu.ReadTLBREHI(), cpu.ReadTLBRBADV())
	}

	early.Printf("PGDL=%x PGDH=%x\n", cpu.ReadPGDL(), cpu.ReadPGDH())
	early.Printf("PWCL=%x PWCH=%x\n", cpu.ReadPWCL(), cpu.ReadPWCH())
	early.Printf("RVACFG=%x\n", cpu.ReadRVACFG())
	early.Printf("ASID=%x TLBIDX=%x TLBEHI=%x\n", cpu.ReadASID(), cpu.ReadTLBIDX(), cpu.ReadTLBEHI())
}
