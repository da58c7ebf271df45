//go:build loong64

package vmm

import (
	"testing"

	"github.com/rail5/rocinante/kernel/cpu"
)

func TestMake4KiBPageWalkerConfigThreeLevel(t *testing.T) {
	// VALEN=39 needs 3 levels: PT(base12,width9), Dir1(base21,width9),
	// Dir2(base30,width9).
	cfg, err := Make4KiBPageWalkerConfig(39)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantPWCL := uint64(12) | uint64(9)<<5 | uint64(21)<<10 | uint64(9)<<15 | uint64(30)<<20 | uint64(9)<<25
	if cfg.PWCL != wantPWCL {
		t.Fatalf("PWCL = %#x, want %#x", cfg.PWCL, wantPWCL)
	}
	if cfg.PWCH != 0 {
		t.Fatalf("PWCH = %#x, want 0 for a 3-level layout", cfg.PWCH)
	}
}

func TestMake4KiBPageWalkerConfigFiveLevel(t *testing.T) {
	cfg, err := Make4KiBPageWalkerConfig(57)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.PWCH == 0 {
		t.Fatal("expected a 5-level layout to populate PWCH")
	}
}

func TestMake4KiBPageWalkerConfigRejectsTooManyLevels(t *testing.T) {
	if _, err := Make4KiBPageWalkerConfig(64); err == nil {
		t.Fatal("expected VALEN=64 (6 levels) to be rejected by the hardware walker config")
	}
}

func TestConfigurePageTableWalkerWritesCSRs(t *testing.T) {
	defer func() {
		writePWCLFn = cpu.WritePWCL
		writePWCHFn = cpu.WritePWCH
		writePGDLFn = cpu.WritePGDL
		writePGDHFn = cpu.WritePGDH
	}()

	var gotPWCL, gotPWCH, gotPGDL, gotPGDH uint64
	writePWCLFn = func(v uint64) { gotPWCL = v }
	writePWCHFn = func(v uint64) { gotPWCH = v }
	writePGDLFn = func(v uint64) { gotPGDL = v }
	writePGDHFn = func(v uint64) { gotPGDH = v }

	cfg := PageWalkerConfig{PWCL: 0x1234, PWCH: 0x5678}
	ConfigurePageTableWalker(0x9000, cfg)

	if gotPWCL != cfg.PWCL || gotPWCH != cfg.PWCH {
		t.Fatal("ConfigurePageTableWalker did not program PWCL/PWCH as given")
	}
	if gotPGDL != 0x9000 || gotPGDH != 0x9000 {
		t.Fatal("ConfigurePageTableWalker must program PGDL and PGDH identically")
	}
}
