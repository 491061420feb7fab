package rmmsim

import (
	"github.com/blacktop/go-realm/abi"
	"github.com/blacktop/go-realm/rmi"
)

func (s *Sim) rttCreate(rd, rtt, ipa uint64, level int) rmi.Result {
	r, found := s.realm(rd)
	if !found {
		return fail(abi.StatusErrorInput, 1)
	}
	if !s.is(rtt, gDelegated) {
		return fail(abi.StatusErrorInput, 2)
	}
	if level <= r.startLevel || level > abi.MaxLevel || !abi.IsAligned(ipa, level-1) || ipa >= 1<<r.ipaBits {
		return fail(abi.StatusErrorInput, 3)
	}
	if wl := r.walk(ipa, level-1); wl != level-1 {
		return fail(abi.StatusErrorRtt, uint8(wl))
	}
	if r.hasTable(level, ipa) {
		return fail(abi.StatusErrorRtt, uint8(level))
	}
	r.tables.ReplaceOrInsert(tableKey{level: level, base: ipa, pa: rtt})
	s.set(rtt, gRTT)
	return ok()
}

// tableBusy reports whether the level table at base maps data or has child tables.
func (r *realm) tableBusy(level int, base uint64) bool {
	top := base + abi.LevelSize(level-1)
	busy := false
	if level < abi.MaxLevel {
		r.tables.AscendRange(tableKey{level: level + 1, base: base}, tableKey{level: level + 1, base: top}, func(tableKey) bool {
			busy = true
			return false
		})
	}
	for ipa, p := range r.pages {
		if ipa >= base && ipa < top && (p.data != 0 || p.nsDesc != 0) {
			return true
		}
	}
	return busy
}

func (s *Sim) rttDestroy(rd, ipa uint64, level int) rmi.Result {
	r, found := s.realm(rd)
	if !found {
		return fail(abi.StatusErrorInput, 1)
	}
	if level <= r.startLevel || level > abi.MaxLevel || !abi.IsAligned(ipa, level-1) {
		return fail(abi.StatusErrorInput, 2)
	}
	if wl := r.walk(ipa, level); wl != level {
		return fail(abi.StatusErrorRtt, uint8(wl))
	}
	if r.tableBusy(level, ipa) {
		return fail(abi.StatusErrorRtt, uint8(level))
	}

	t, _ := r.tables.Delete(tableKey{level: level, base: ipa})
	s.set(t.pa, gDelegated)
	top := ipa + abi.LevelSize(level-1)
	// the parent entry no longer records RIPAS for the range
	for a, p := range r.pages {
		if a < ipa || a >= top {
			continue
		}
		if r.state == realmNew || p.ripas == abi.RipasEmpty {
			delete(r.pages, a)
		} else {
			p.ripas = abi.RipasDestroyed
		}
	}
	return ok(t.pa, top)
}

func (s *Sim) rttFold(rd, ipa uint64, level int) rmi.Result {
	r, found := s.realm(rd)
	if !found {
		return fail(abi.StatusErrorInput, 1)
	}
	if level != abi.MaxLevel || !abi.IsAligned(ipa, level-1) {
		return fail(abi.StatusErrorInput, 2)
	}
	if wl := r.walk(ipa, level); wl != level {
		return fail(abi.StatusErrorRtt, uint8(wl))
	}
	if r.tableBusy(level, ipa) {
		return fail(abi.StatusErrorRtt, uint8(level))
	}
	first := r.ripas(ipa)
	for a := ipa; a < ipa+abi.LevelSize(level-1); a += abi.GranuleSize {
		if r.ripas(a) != first {
			return fail(abi.StatusErrorRtt, uint8(level))
		}
	}
	// RIPAS is kept per granule, so the block entry needs no extra state
	t, _ := r.tables.Delete(tableKey{level: level, base: ipa})
	s.set(t.pa, gDelegated)
	return ok(t.pa)
}

func (s *Sim) rttReadEntry(rd, ipa uint64, level int) rmi.Result {
	r, found := s.realm(rd)
	if !found {
		return fail(abi.StatusErrorInput, 1)
	}
	if level < r.startLevel || level > abi.MaxLevel || !abi.IsAligned(ipa, level) || ipa >= 1<<r.ipaBits {
		return fail(abi.StatusErrorInput, 2)
	}
	wl := r.walk(ipa, level)
	if wl < abi.MaxLevel {
		if t, has := r.tables.Get(tableKey{level: wl + 1, base: abi.AlignDown(ipa, wl)}); has {
			return ok(uint64(wl), uint64(abi.RttTable), t.pa, 0)
		}
	}
	base := abi.AlignDown(ipa, wl)
	p, has := r.pages[base]
	switch {
	case wl == abi.MaxLevel && has && p.data != 0:
		return ok(uint64(wl), uint64(abi.RttAssigned), p.data, uint64(p.ripas))
	case wl == abi.MaxLevel && has && p.nsDesc != 0:
		return ok(uint64(wl), uint64(abi.RttAssignedNS), p.nsDesc, 0)
	case ipa >= r.protectedTop():
		return ok(uint64(wl), uint64(abi.RttUnassignedNS), 0, 0)
	}
	return ok(uint64(wl), uint64(abi.RttUnassigned), 0, uint64(r.ripas(base)))
}

func (s *Sim) rttMapUnprotected(rd, ipa uint64, level int, desc uint64) rmi.Result {
	r, found := s.realm(rd)
	if !found {
		return fail(abi.StatusErrorInput, 1)
	}
	if level != abi.MaxLevel || ipa&abi.GranuleMask != 0 || ipa < r.protectedTop() || ipa >= 1<<r.ipaBits {
		return fail(abi.StatusErrorInput, 2)
	}
	if !s.host(desc &^ abi.GranuleMask) {
		return fail(abi.StatusErrorInput, 4)
	}
	if wl := r.walk(ipa, level); wl != level {
		return fail(abi.StatusErrorRtt, uint8(wl))
	}
	p := r.page(ipa)
	if p.nsDesc != 0 {
		return fail(abi.StatusErrorRtt, uint8(level))
	}
	p.nsDesc = desc &^ abi.GranuleMask
	return ok()
}

func (s *Sim) rttUnmapUnprotected(rd, ipa uint64, level int) rmi.Result {
	r, found := s.realm(rd)
	if !found {
		return fail(abi.StatusErrorInput, 1)
	}
	if level != abi.MaxLevel || ipa&abi.GranuleMask != 0 || ipa < r.protectedTop() {
		return fail(abi.StatusErrorInput, 2)
	}
	if wl := r.walk(ipa, level); wl != level {
		return fail(abi.StatusErrorRtt, uint8(wl))
	}
	p, has := r.pages[ipa]
	if !has || p.nsDesc == 0 {
		return fail(abi.StatusErrorRtt, uint8(level))
	}
	delete(r.pages, ipa)
	return ok(ipa + abi.GranuleSize)
}

// applyRipas sets value on the granules of [base, top), stopping at the end
// of the level 3 table base falls in or after Chunk granules. A missing
// table or an entry in the wrong state stops the walk; when nothing was
// done yet that is reported as an RTT error at the level reached.
func (s *Sim) applyRipas(r *realm, base, top uint64, value abi.Ripas, requireUnassigned bool) (uint64, rmi.Result) {
	limit := abi.AlignDown(base, abi.MaxLevel-1) + abi.LevelSize(abi.MaxLevel-1)
	if top < limit {
		limit = top
	}
	n := 0
	cur := base
	for cur < limit && (s.Chunk == 0 || n < s.Chunk) {
		wl := r.walk(cur, abi.MaxLevel)
		if wl != abi.MaxLevel {
			if cur == base {
				return 0, fail(abi.StatusErrorRtt, uint8(wl))
			}
			break
		}
		p := r.page(cur)
		if requireUnassigned && p.data != 0 {
			if cur == base {
				return 0, fail(abi.StatusErrorRtt, abi.MaxLevel)
			}
			break
		}
		p.ripas = value
		cur += abi.GranuleSize
		n++
	}
	return cur, ok(cur)
}

func (s *Sim) rttInitRipas(rd, base, top uint64) rmi.Result {
	r, found := s.realm(rd)
	if !found {
		return fail(abi.StatusErrorInput, 1)
	}
	if r.state != realmNew {
		return fail(abi.StatusErrorRealm, 0)
	}
	if base >= top || base&abi.GranuleMask != 0 || top&abi.GranuleMask != 0 {
		return fail(abi.StatusErrorInput, 2)
	}
	if top > r.protectedTop() {
		return fail(abi.StatusErrorInput, 3)
	}
	cur, res := s.applyRipas(r, base, top, abi.RipasRAM, true)
	if res.Code.Status() == abi.StatusSuccess {
		r.rim = r.extend(r.rim, []byte("RIPAS"), le64(base, cur))
	}
	return res
}

func (s *Sim) rttSetRipas(rd, recPA, base, top uint64) rmi.Result {
	r, found := s.realm(rd)
	if !found {
		return fail(abi.StatusErrorInput, 1)
	}
	if r.state == realmNew {
		return fail(abi.StatusErrorRealm, 0)
	}
	c, found := s.recs[recPA]
	if !found || c.rd != rd {
		return fail(abi.StatusErrorInput, 2)
	}
	if !c.ripasPending || base != c.ripasBase {
		return fail(abi.StatusErrorInput, 3)
	}
	if top <= base || top > c.ripasTop || top&abi.GranuleMask != 0 {
		return fail(abi.StatusErrorInput, 4)
	}
	cur, res := s.applyRipas(r, base, top, c.ripasValue, false)
	if res.Code.Status() == abi.StatusSuccess {
		c.ripasBase = cur
	}
	return res
}

func (s *Sim) dataCreate(rd, data, ipa, src, flags uint64) rmi.Result {
	r, found := s.realm(rd)
	if !found {
		return fail(abi.StatusErrorInput, 1)
	}
	if r.state != realmNew {
		return fail(abi.StatusErrorRealm, 0)
	}
	if !s.is(data, gDelegated) {
		return fail(abi.StatusErrorInput, 2)
	}
	if ipa&abi.GranuleMask != 0 || ipa >= r.protectedTop() {
		return fail(abi.StatusErrorInput, 3)
	}
	if !s.host(src) {
		return fail(abi.StatusErrorInput, 4)
	}
	if wl := r.walk(ipa, abi.MaxLevel); wl != abi.MaxLevel {
		return fail(abi.StatusErrorRtt, uint8(wl))
	}
	p := r.page(ipa)
	if p.data != 0 {
		return fail(abi.StatusErrorRtt, abi.MaxLevel)
	}

	content := make([]byte, abi.GranuleSize)
	if err := s.arena.ReadAt(content, src); err != nil {
		return fail(abi.StatusErrorInput, 4)
	}
	if err := s.arena.WriteAt(content, data); err != nil {
		return fail(abi.StatusErrorInput, 2)
	}
	p.data = data
	p.ripas = abi.RipasRAM
	s.set(data, gData)

	if flags&abi.DataMeasureContent != 0 {
		sum := r.newHash()
		sum.Write(content)
		r.rim = r.extend(r.rim, []byte("DATA"), le64(ipa, flags), sum.Sum(nil))
	} else {
		r.rim = r.extend(r.rim, []byte("DATA"), le64(ipa, flags))
	}
	return ok()
}

func (s *Sim) dataCreateUnknown(rd, data, ipa uint64) rmi.Result {
	r, found := s.realm(rd)
	if !found {
		return fail(abi.StatusErrorInput, 1)
	}
	if !s.is(data, gDelegated) {
		return fail(abi.StatusErrorInput, 2)
	}
	if ipa&abi.GranuleMask != 0 || ipa >= r.protectedTop() {
		return fail(abi.StatusErrorInput, 3)
	}
	if wl := r.walk(ipa, abi.MaxLevel); wl != abi.MaxLevel {
		return fail(abi.StatusErrorRtt, uint8(wl))
	}
	p := r.page(ipa)
	if p.data != 0 {
		return fail(abi.StatusErrorRtt, abi.MaxLevel)
	}
	if err := s.arena.Zero(data, abi.GranuleSize); err != nil {
		return fail(abi.StatusErrorInput, 2)
	}
	p.data = data
	s.set(data, gData)
	return ok()
}

func (s *Sim) dataDestroy(rd, ipa uint64) rmi.Result {
	r, found := s.realm(rd)
	if !found {
		return fail(abi.StatusErrorInput, 1)
	}
	if ipa&abi.GranuleMask != 0 || ipa >= r.protectedTop() {
		return fail(abi.StatusErrorInput, 2)
	}
	if wl := r.walk(ipa, abi.MaxLevel); wl != abi.MaxLevel {
		return fail(abi.StatusErrorRtt, uint8(wl))
	}
	p, has := r.pages[ipa]
	if !has || p.data == 0 {
		return fail(abi.StatusErrorRtt, abi.MaxLevel)
	}
	data := p.data
	p.data = 0
	switch {
	case r.state == realmNew:
		p.ripas = abi.RipasEmpty
	case p.ripas == abi.RipasRAM:
		p.ripas = abi.RipasDestroyed
	}
	s.set(data, gDelegated)
	return ok(data, ipa+abi.GranuleSize)
}
