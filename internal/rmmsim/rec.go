package rmmsim

import (
	"github.com/blacktop/go-realm/abi"
	"github.com/blacktop/go-realm/rmi"
)

type rec struct {
	pa       uint64
	rd       uint64
	aux      []uint64
	mpidr    uint64
	pc       uint64
	gprs     [abi.NumGPRs]uint64
	runnable bool

	exits    []abi.RecExit
	entries  []abi.RecEntry
	lastExit abi.RecExit
	entered  bool

	ripasPending bool
	ripasBase    uint64
	ripasTop     uint64
	ripasValue   abi.Ripas
	ripasReject  bool

	psciPending bool
	psciStatus  uint64
}

func (s *Sim) recAuxCount(rd uint64) rmi.Result {
	if _, found := s.realm(rd); !found {
		return fail(abi.StatusErrorInput, 1)
	}
	return ok(uint64(s.AuxCount))
}

func (s *Sim) recCreate(rd, recPA, paramsPA uint64) rmi.Result {
	r, found := s.realm(rd)
	if !found {
		return fail(abi.StatusErrorInput, 1)
	}
	if r.state != realmNew {
		return fail(abi.StatusErrorRealm, 0)
	}
	if !s.is(recPA, gDelegated) {
		return fail(abi.StatusErrorInput, 2)
	}
	if !s.host(paramsPA) {
		return fail(abi.StatusErrorInput, 3)
	}
	var p abi.RecParams
	if err := s.readPage(paramsPA, &p); err != nil {
		return fail(abi.StatusErrorInput, 3)
	}
	if int(p.NumAux) != s.AuxCount {
		return fail(abi.StatusErrorInput, 3)
	}
	seen := map[uint64]bool{recPA: true}
	for _, a := range p.Aux[:p.NumAux] {
		if seen[a] || !s.is(a, gDelegated) {
			return fail(abi.StatusErrorInput, 3)
		}
		seen[a] = true
	}

	c := &rec{
		pa:       recPA,
		rd:       rd,
		aux:      append([]uint64(nil), p.Aux[:p.NumAux]...),
		mpidr:    p.MPIDR,
		pc:       p.PC,
		runnable: p.Flags&abi.RecCreateRunnable != 0,
	}
	copy(c.gprs[:], p.GPRs[:])

	s.set(recPA, gRec)
	for _, a := range c.aux {
		s.set(a, gRecAux)
	}
	s.recs[recPA] = c
	r.recs++
	r.rim = r.extend(r.rim, []byte("REC"), le64(p.Flags, p.PC), le64(p.GPRs[:]...))
	return ok()
}

func (s *Sim) recDestroy(recPA uint64) rmi.Result {
	c, found := s.recs[recPA]
	if !found || !s.is(recPA, gRec) {
		return fail(abi.StatusErrorInput, 1)
	}
	s.set(recPA, gDelegated)
	for _, a := range c.aux {
		s.set(a, gDelegated)
	}
	if r, found := s.realms[c.rd]; found {
		r.recs--
	}
	delete(s.recs, recPA)
	return ok()
}

// sysregRead reports whether esr is a trapped MRS (EC 0x18, direction read)
// and returns its target register.
func sysregRead(esr uint64) (int, bool) {
	if (esr>>26)&0x3f != 0x18 || esr&1 == 0 {
		return 0, false
	}
	return int((esr >> 5) & 0x1f), true
}

func (s *Sim) recEnter(recPA, runPA uint64) rmi.Result {
	c, found := s.recs[recPA]
	if !found || !s.is(recPA, gRec) {
		return fail(abi.StatusErrorInput, 1)
	}
	if !s.host(runPA) {
		return fail(abi.StatusErrorInput, 2)
	}
	r := s.realms[c.rd]
	switch {
	case r.state == realmNew:
		return fail(abi.StatusErrorRealm, 0)
	case r.state == realmSystemOff:
		return fail(abi.StatusErrorRealm, 1)
	case !c.runnable:
		return fail(abi.StatusErrorRec, 0)
	case c.psciPending:
		return fail(abi.StatusErrorRec, 0)
	}

	var run abi.RecRun
	if err := s.readPage(runPA, &run); err != nil {
		return fail(abi.StatusErrorInput, 2)
	}
	c.entries = append(c.entries, run.Entry)

	// consume the host's answer to the previous exit
	if c.entered {
		switch c.lastExit.ExitReason {
		case abi.ExitPSCI, abi.ExitHostCall:
			copy(c.gprs[:], run.Entry.GPRs[:])
		case abi.ExitSync:
			if rt, isRead := sysregRead(c.lastExit.ESR); isRead && rt < abi.NumGPRs {
				c.gprs[rt] = run.Entry.GPRs[0]
			}
		case abi.ExitRipasChange:
			c.ripasReject = run.Entry.Flags&abi.RecEnterRipasResponse != 0
			c.ripasPending = false
		}
	}
	c.entered = true

	var exit abi.RecExit
	if len(c.exits) > 0 {
		exit = c.exits[0]
		c.exits = c.exits[1:]
	} else {
		exit = abi.RecExit{ExitReason: abi.ExitPSCI}
		exit.GPRs = c.gprs
		exit.GPRs[0] = PSCISystemOff
		r.state = realmSystemOff
	}

	switch exit.ExitReason {
	case abi.ExitPSCI:
		c.gprs = exit.GPRs
		if exit.GPRs[0] == PSCICPUOn && s.hasMPIDR(c.rd, exit.GPRs[1]) {
			c.psciPending = true
		}
	case abi.ExitRipasChange:
		c.ripasPending = true
		c.ripasBase = exit.RipasBase
		c.ripasTop = exit.RipasTop
		c.ripasValue = abi.Ripas(exit.RipasValue)
	}
	c.lastExit = exit
	run.Exit = exit

	b, err := abi.Encode(run)
	if err != nil {
		return fail(abi.StatusErrorInput, 2)
	}
	if err := s.arena.WriteAt(b, runPA); err != nil {
		return fail(abi.StatusErrorInput, 2)
	}
	return ok()
}

func (s *Sim) hasMPIDR(rd, mpidr uint64) bool {
	for _, c := range s.recs {
		if c.rd == rd && c.mpidr == mpidr {
			return true
		}
	}
	return false
}

// QueueExit scripts the next exit of the REC at recPA. The exit is written
// to the run page as given. Without scripted exits a REC powers its Realm
// off through PSCI SYSTEM_OFF.
func (s *Sim) QueueExit(recPA uint64, exit abi.RecExit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, found := s.recs[recPA]; found {
		c.exits = append(c.exits, exit)
	}
}

// Entries returns the entry sections the REC at recPA has been entered with.
func (s *Sim) Entries(recPA uint64) []abi.RecEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, found := s.recs[recPA]
	if !found {
		return nil
	}
	return append([]abi.RecEntry(nil), c.entries...)
}

// GPRs returns the register file of the REC at recPA.
func (s *Sim) GPRs(recPA uint64) [abi.NumGPRs]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, found := s.recs[recPA]; found {
		return c.gprs
	}
	return [abi.NumGPRs]uint64{}
}

// RipasRejected reports whether the host rejected the last RIPAS change
// request of the REC at recPA.
func (s *Sim) RipasRejected(recPA uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, found := s.recs[recPA]; found {
		return c.ripasReject
	}
	return false
}
