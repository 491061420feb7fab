package abi

import (
	"encoding/binary"
	"testing"
	"unsafe"
)

func TestLayoutSizes(t *testing.T) {
	tests := []struct {
		name string
		v    any
		want int
	}{
		{"RecEntry", RecEntry{}, 0x800},
		{"RecExit", RecExit{}, 0x800},
		{"RecRun", RecRun{}, GranuleSize},
		{"RealmParams", RealmParams{}, GranuleSize},
		{"RecParams", RecParams{}, GranuleSize},
		{"RealmConfig", RealmConfig{}, GranuleSize},
		{"HostCall", HostCall{}, 0x100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := binary.Size(tt.v); got != tt.want {
				t.Errorf("binary.Size(%s) = 0x%x, want 0x%x", tt.name, got, tt.want)
			}
		})
	}
}

func TestLayoutOffsets(t *testing.T) {
	var (
		entry RecEntry
		exit  RecExit
		rp    RealmParams
		cp    RecParams
	)
	tests := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"entry.gprs", unsafe.Offsetof(entry.GPRs), 0x200},
		{"entry.gicv3_hcr", unsafe.Offsetof(entry.GicHCR), 0x300},
		{"entry.gicv3_lrs", unsafe.Offsetof(entry.GicLRs), 0x308},
		{"exit.esr", unsafe.Offsetof(exit.ESR), 0x100},
		{"exit.hpfar", unsafe.Offsetof(exit.HPFAR), 0x110},
		{"exit.gprs", unsafe.Offsetof(exit.GPRs), 0x200},
		{"exit.gicv3_misr", unsafe.Offsetof(exit.GicMISR), 0x388},
		{"exit.cntp_ctl", unsafe.Offsetof(exit.CntpCtl), 0x400},
		{"exit.ripas_base", unsafe.Offsetof(exit.RipasBase), 0x500},
		{"exit.ripas_value", unsafe.Offsetof(exit.RipasValue), 0x510},
		{"exit.imm", unsafe.Offsetof(exit.Imm), 0x600},
		{"exit.pmu_ovf_status", unsafe.Offsetof(exit.PMUOvfStatus), 0x700},
		{"realm.s2sz", unsafe.Offsetof(rp.S2SZ), 0x008},
		{"realm.hash_algo", unsafe.Offsetof(rp.HashAlgo), 0x030},
		{"realm.rpv", unsafe.Offsetof(rp.RPV), 0x400},
		{"realm.vmid", unsafe.Offsetof(rp.VMID), 0x800},
		{"realm.rtt_base", unsafe.Offsetof(rp.RTTBase), 0x808},
		{"realm.rtt_level_start", unsafe.Offsetof(rp.RTTLevelStart), 0x810},
		{"realm.rtt_num_start", unsafe.Offsetof(rp.RTTNumStart), 0x818},
		{"rec.mpidr", unsafe.Offsetof(cp.MPIDR), 0x100},
		{"rec.pc", unsafe.Offsetof(cp.PC), 0x200},
		{"rec.gprs", unsafe.Offsetof(cp.GPRs), 0x300},
		{"rec.num_aux", unsafe.Offsetof(cp.NumAux), 0x800},
		{"rec.aux", unsafe.Offsetof(cp.Aux), 0x808},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s at 0x%x, want 0x%x", tt.name, tt.got, tt.want)
		}
	}
}

func TestEncodeRecRun(t *testing.T) {
	var run RecRun
	run.Entry.Flags = 0x11
	run.Entry.GPRs[1] = 0xdead
	run.Exit.ExitReason = ExitRipasChange
	run.Exit.RipasTop = 0x2000
	run.Exit.Imm = 0x1234

	b, err := Encode(&run)
	if err != nil {
		t.Fatal(err)
	}
	le := binary.LittleEndian
	exit := binary.Size(RecEntry{})
	checks := []struct {
		name string
		got  uint64
		want uint64
	}{
		{"entry.flags", le.Uint64(b[0x000:]), 0x11},
		{"entry.gprs[1]", le.Uint64(b[0x208:]), 0xdead},
		{"exit.exit_reason", uint64(b[exit]), uint64(ExitRipasChange)},
		{"exit.ripas_top", le.Uint64(b[exit+0x508:]), 0x2000},
		{"exit.imm", uint64(le.Uint16(b[exit+0x600:])), 0x1234},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = 0x%x, want 0x%x", c.name, c.got, c.want)
		}
	}

	var back RecRun
	if err := Decode(b, &back); err != nil {
		t.Fatal(err)
	}
	if back != run {
		t.Error("decoded RecRun differs from the encoded one")
	}
	if err := Decode(b[:GranuleSize-1], &back); err == nil {
		t.Error("Decode of a short buffer succeeded")
	}
}

func TestStartLevel(t *testing.T) {
	tests := []struct {
		ipaBits int
		level   int
		tables  int
	}{
		{ipaBits: 32, level: 2, tables: 4},
		{ipaBits: 36, level: 1, tables: 1},
		{ipaBits: 39, level: 1, tables: 1},
		{ipaBits: 40, level: 1, tables: 2},
		{ipaBits: 42, level: 1, tables: 8},
		{ipaBits: 44, level: 0, tables: 1},
		{ipaBits: 48, level: 0, tables: 1},
	}
	for _, tt := range tests {
		if got := StartLevel(tt.ipaBits); got != tt.level {
			t.Errorf("StartLevel(%d) = %d, want %d", tt.ipaBits, got, tt.level)
		}
		if got := StartTables(tt.ipaBits); got != tt.tables {
			t.Errorf("StartTables(%d) = %d, want %d", tt.ipaBits, got, tt.tables)
		}
	}
}

func TestLevelGeometry(t *testing.T) {
	for level, want := range []uint64{1 << 39, 1 << 30, 1 << 21, 1 << 12} {
		if got := LevelSize(level); got != want {
			t.Errorf("LevelSize(%d) = 0x%x, want 0x%x", level, got, want)
		}
	}
	if got := AlignDown(0x3f_ffff, 2); got != 0x20_0000 {
		t.Errorf("AlignDown = 0x%x", got)
	}
	if IsAligned(0x20_1000, 2) || !IsAligned(0x20_1000, 3) {
		t.Error("IsAligned wrong for 0x201000")
	}
}

func TestReturnCode(t *testing.T) {
	rc := PackReturn(StatusErrorRtt, 2)
	if rc != 0x204 {
		t.Errorf("PackReturn = 0x%x, want 0x204", uint64(rc))
	}
	if rc.Status() != StatusErrorRtt || rc.Index() != 2 {
		t.Errorf("unpacked %s, %d", rc.Status(), rc.Index())
	}
	if got := Status(9).String(); got != "RMI_STATUS(9)" {
		t.Errorf("String() = %q", got)
	}
	v := MakeVersion(1, 2)
	if v.Major() != 1 || v.Minor() != 2 || v.String() != "1.2" {
		t.Errorf("version %s", v)
	}
}

func TestFIDName(t *testing.T) {
	tests := map[uint64]string{
		RMIRecEnter:    "RMI_REC_ENTER",
		RSIIPAStateSet: "RSI_IPA_STATE_SET",
		0xC4000100:     "FID(0xc4000100)",
	}
	for fid, want := range tests {
		if got := FIDName(fid); got != want {
			t.Errorf("FIDName(0x%x) = %q, want %q", fid, got, want)
		}
	}
}
