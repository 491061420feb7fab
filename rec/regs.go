package rec

import (
	"fmt"

	"github.com/blacktop/go-realm/abi"
)

// Reg names a general purpose register of the guest visible register file.
// The host never sees the PC or system state of a Realm; only X0-X30 are
// exchanged through the run page.
type Reg int

const (
	RegX0 Reg = iota
	RegX1
	RegX2
	RegX3
	RegX4
	RegX5
	RegX6
	RegX7
	RegX8
	RegX9
	RegX10
	RegX11
	RegX12
	RegX13
	RegX14
	RegX15
	RegX16
	RegX17
	RegX18
	RegX19
	RegX20
	RegX21
	RegX22
	RegX23
	RegX24
	RegX25
	RegX26
	RegX27
	RegX28
	RegFP // X29
	RegLR // X30
)

func (r Reg) String() string {
	switch {
	case r == RegFP:
		return "fp"
	case r == RegLR:
		return "lr"
	case r >= RegX0 && r < RegFP:
		return fmt.Sprintf("x%d", int(r))
	default:
		return fmt.Sprintf("Reg(%d)", int(r))
	}
}

func (r Reg) valid() bool { return r >= RegX0 && r <= RegLR }

// GetReg returns a register as the Realm left it at the last PSCI or host
// call exit.
func (c *Rec) GetReg(r Reg) (uint64, error) {
	if !r.valid() {
		return 0, fmt.Errorf("rec: invalid register %d (must be %d-%d)", r, RegX0, RegLR)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gprs[r], nil
}

// SetReg sets a register handed back to the Realm on the next entry that
// answers a PSCI or host call exit.
func (c *Rec) SetReg(r Reg, v uint64) error {
	if !r.valid() {
		return fmt.Errorf("rec: invalid register %d (must be %d-%d)", r, RegX0, RegLR)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gprs[r] = v
	return nil
}

// RegBatch is a set of register values keyed by register.
type RegBatch map[Reg]uint64

// GetRegs retrieves several registers at once.
func (c *Rec) GetRegs(regs []Reg) (RegBatch, error) {
	batch := make(RegBatch, len(regs))
	for _, reg := range regs {
		val, err := c.GetReg(reg)
		if err != nil {
			return nil, err
		}
		batch[reg] = val
	}
	return batch, nil
}

// SetRegs sets several registers at once.
func (c *Rec) SetRegs(batch RegBatch) error {
	for reg, val := range batch {
		if err := c.SetReg(reg, val); err != nil {
			return err
		}
	}
	return nil
}

// Exception classes of ESR_EL2 the host acts on.
const (
	ECSysReg    = 0x18
	ECInstAbort = 0x20
	ECDataAbort = 0x24
)

// EC returns the exception class of a syndrome.
func EC(esr uint64) uint8 { return uint8((esr >> 26) & 0x3f) }

// SysReg is a trapped MSR/MRS access decoded from the ISS of EC 0x18.
type SysReg struct {
	Op0, Op1, CRn, CRm, Op2 uint8
	Rt                      Reg
	Read                    bool
}

// DecodeSysReg decodes the syndrome of a trapped system register access.
func DecodeSysReg(esr uint64) SysReg {
	iss := esr & 0x1ffffff
	return SysReg{
		Op0:  uint8((iss >> 20) & 0x3),
		Op2:  uint8((iss >> 17) & 0x7),
		Op1:  uint8((iss >> 14) & 0x7),
		CRn:  uint8((iss >> 10) & 0xf),
		Rt:   Reg((iss >> 5) & 0x1f),
		CRm:  uint8((iss >> 1) & 0xf),
		Read: iss&1 != 0,
	}
}

// Encode returns the syndrome of the access with exception class 0x18.
func (s SysReg) Encode() uint64 {
	esr := uint64(ECSysReg)<<26 |
		uint64(s.Op0&0x3)<<20 |
		uint64(s.Op2&0x7)<<17 |
		uint64(s.Op1&0x7)<<14 |
		uint64(s.CRn&0xf)<<10 |
		uint64(s.Rt&0x1f)<<5 |
		uint64(s.CRm&0xf)<<1
	if s.Read {
		esr |= 1
	}
	return esr
}

func (s SysReg) String() string {
	return fmt.Sprintf("S%d_%d_C%d_C%d_%d", s.Op0, s.Op1, s.CRn, s.CRm, s.Op2)
}

// faultIPA returns the faulting IPA of a stage 2 abort from HPFAR_EL2 and
// the page offset in FAR_EL2.
func faultIPA(exit *abi.RecExit) uint64 {
	return (exit.HPFAR>>4)<<abi.GranuleShift | exit.FAR&abi.GranuleMask
}
