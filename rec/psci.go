package rec

import (
	"fmt"
	"sort"
	"sync"

	"github.com/blacktop/go-realm/abi"
)

// PSCI function identifiers.
const (
	PSCIVersion      uint64 = 0x84000000
	PSCICPUSuspend   uint64 = 0xC4000001
	PSCICPUOff       uint64 = 0x84000002
	PSCICPUOn        uint64 = 0xC4000003
	PSCIAffinityInfo uint64 = 0xC4000004
	PSCISystemOff    uint64 = 0x84000008
	PSCISystemReset  uint64 = 0x84000009
	PSCIFeatures     uint64 = 0x8400000A
)

// PSCI return codes as they appear in X0.
const (
	PSCISuccess       uint64 = 0
	PSCINotSupported  uint64 = ^uint64(0) // -1
	PSCIInvalidParams uint64 = ^uint64(1) // -2
	PSCIAlreadyOn     uint64 = ^uint64(3) // -4
)

// psciV11 is PSCI 1.1.
const psciV11 = 1<<16 | 1

// PSCIResult tells the run loop what to do after a PSCI call.
type PSCIResult struct {
	// Resume re-enters the calling REC.
	Resume bool
	// Target is the REC named by a CPU_ON, which the Realm Manager needs
	// completed with PSCI_COMPLETE before the caller runs again.
	Target *Rec
	// After runs once PSCI_COMPLETE succeeded.
	After func()
}

// PSCIHandler services a PSCI call. gprs holds the caller's registers with
// the function id in X0; the result goes back in X0.
type PSCIHandler func(c *Rec, gprs *[abi.NumGPRs]uint64) (PSCIResult, error)

// DefaultPSCI handles the calls that need no other REC: VERSION, FEATURES,
// CPU_SUSPEND, and the power-off calls, which stop the caller.
func DefaultPSCI(c *Rec, gprs *[abi.NumGPRs]uint64) (PSCIResult, error) {
	fn := gprs[0]
	switch fn {
	case PSCIVersion:
		gprs[0] = psciV11
	case PSCIFeatures:
		switch gprs[1] {
		case PSCIVersion, PSCICPUSuspend, PSCICPUOff, PSCICPUOn, PSCIAffinityInfo,
			PSCISystemOff, PSCISystemReset, PSCIFeatures:
			gprs[0] = PSCISuccess
		default:
			gprs[0] = PSCINotSupported
		}
	case PSCICPUSuspend:
		gprs[0] = PSCISuccess
	case PSCICPUOff:
		c.log.Debug().Msg("CPU_OFF")
		return PSCIResult{}, nil
	case PSCISystemOff, PSCISystemReset:
		c.log.Info().Uint64("fn", fn).Msg("realm requested power off")
		return PSCIResult{}, nil
	default:
		c.log.Debug().Uint64("fn", fn).Msg("unsupported PSCI call")
		gprs[0] = PSCINotSupported
	}
	return PSCIResult{Resume: true}, nil
}

// Group is the set of RECs of one Realm keyed by MPIDR. Its PSCI method
// implements CPU_ON, CPU_OFF and AFFINITY_INFO across the group.
type Group struct {
	mu    sync.Mutex
	recs  map[uint64]*Rec
	on    map[uint64]bool
	start func(*Rec)
}

// NewGroup returns an empty group. start, if set, is called with a REC
// powered on through CPU_ON; it usually launches the REC's Loop.
func NewGroup(start func(*Rec)) *Group {
	return &Group{
		recs:  make(map[uint64]*Rec),
		on:    make(map[uint64]bool),
		start: start,
	}
}

// Add adds c to the group. on marks a REC created runnable.
func (g *Group) Add(c *Rec, on bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, dup := g.recs[c.mpidr]; dup {
		return fmt.Errorf("rec: duplicate MPIDR 0x%x", c.mpidr)
	}
	g.recs[c.mpidr] = c
	g.on[c.mpidr] = on
	return nil
}

// Get returns the REC with the given affinity.
func (g *Group) Get(mpidr uint64) (*Rec, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, found := g.recs[mpidr]
	return c, found
}

// Recs returns the RECs ordered by MPIDR.
func (g *Group) Recs() []*Rec {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Rec, 0, len(g.recs))
	for _, c := range g.recs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].mpidr < out[j].mpidr })
	return out
}

// PSCI is a PSCIHandler for RECs of the group.
func (g *Group) PSCI(c *Rec, gprs *[abi.NumGPRs]uint64) (PSCIResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch gprs[0] {
	case PSCICPUOn:
		target, found := g.recs[gprs[1]]
		if !found {
			gprs[0] = PSCIInvalidParams
			return PSCIResult{Resume: true}, nil
		}
		res := PSCIResult{Resume: true, Target: target}
		if g.on[target.mpidr] {
			gprs[0] = PSCIAlreadyOn
			return res, nil
		}
		g.on[target.mpidr] = true
		gprs[0] = PSCISuccess
		if g.start != nil {
			res.After = func() { g.start(target) }
		}
		return res, nil

	case PSCIAffinityInfo:
		on, found := g.on[gprs[1]]
		switch {
		case !found:
			gprs[0] = PSCIInvalidParams
		case on:
			gprs[0] = 0
		default:
			gprs[0] = 1
		}
		return PSCIResult{Resume: true}, nil

	case PSCICPUOff:
		g.on[c.mpidr] = false
	}
	return DefaultPSCI(c, gprs)
}

// DefaultHostCall records the exit code of HostCallImmExit and stops the
// REC. The host offers no shared region; other calls return unchanged.
func DefaultHostCall(c *Rec, imm uint16, gprs *[abi.NumGPRs]uint64) (bool, error) {
	switch imm {
	case abi.HostCallImmExit:
		c.mu.Lock()
		c.result, c.finished = gprs[0], true
		c.mu.Unlock()
		c.log.Info().Uint64("code", gprs[0]).Msg("realm exited")
		return false, nil
	case abi.HostCallImmSharedRegion:
		gprs[0], gprs[1] = 0, 0
	}
	return true, nil
}

// defaultFault backs a protected IPA with memory of unknown content. Faults
// on unprotected IPAs would need device emulation.
func defaultFault(c *Rec, exit *abi.RecExit, _ *abi.RecEntry) (bool, error) {
	ipa := faultIPA(exit)
	if ipa >= c.realm.RTT().ProtectedTop() {
		return false, fmt.Errorf("%w: no device at ipa 0x%x (esr 0x%x)", ErrUnhandledExit, ipa, exit.ESR)
	}
	if err := c.realm.MapUnknown(ipa); err != nil {
		return false, fmt.Errorf("rec: stage 2 fault at 0x%x: %w", ipa, err)
	}
	return true, nil
}

// defaultSysReg reads as zero and ignores writes.
func defaultSysReg(c *Rec, reg SysReg, val uint64) (uint64, error) {
	if reg.Read {
		c.log.Debug().Stringer("reg", reg).Msg("sysreg read as zero")
		return 0, nil
	}
	c.log.Debug().Stringer("reg", reg).Uint64("val", val).Msg("sysreg write ignored")
	return 0, nil
}
