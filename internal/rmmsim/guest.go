package rmmsim

import (
	"errors"
	"fmt"

	"github.com/blacktop/go-realm/abi"
	"github.com/blacktop/go-realm/rsi"
)

// Guest is the Realm side view of one REC: an RSI conduit plus access to
// the Realm's memory by IPA. It implements rsi.Conduit and rsi.Memory.
type Guest struct {
	s   *Sim
	rec uint64

	// HostCall stands in for the host answering RSI_HOST_CALL. When nil the
	// registers come back unchanged.
	HostCall func(imm uint16, gprs *[abi.NumGPRs]uint64)
	// Reject makes the host refuse RIPAS changes.
	Reject bool
	// TokenChunk bounds the bytes written per attestation continue call.
	TokenChunk int

	token []byte
	sent  int
}

// Guest returns the Realm side view of the REC at recPA.
func (s *Sim) Guest(recPA uint64) *Guest {
	return &Guest{s: s, rec: recPA, TokenChunk: 1024}
}

var errGuestAccess = errors.New("rmmsim: guest access fault")

// translate returns the host PA backing ipa. Called with s.mu held.
func (g *Guest) translate(r *realm, ipa uint64) (uint64, error) {
	base := abi.AlignDown(ipa, abi.MaxLevel)
	p, has := r.pages[base]
	switch {
	case ipa >= 1<<r.ipaBits:
		return 0, fmt.Errorf("%w: ipa 0x%x outside the realm", errGuestAccess, ipa)
	case ipa >= r.protectedTop():
		if !has || p.nsDesc == 0 {
			return 0, fmt.Errorf("%w: unprotected ipa 0x%x not mapped", errGuestAccess, ipa)
		}
		return p.nsDesc + ipa - base, nil
	case !has || p.ripas != abi.RipasRAM || p.data == 0:
		return 0, fmt.Errorf("%w: protected ipa 0x%x not backed RAM", errGuestAccess, ipa)
	}
	return p.data + ipa - base, nil
}

func (g *Guest) access(b []byte, ipa uint64, write bool) error {
	g.s.mu.Lock()
	defer g.s.mu.Unlock()
	return g.accessLocked(b, ipa, write)
}

func (g *Guest) accessLocked(b []byte, ipa uint64, write bool) error {
	r, err := g.realm()
	if err != nil {
		return err
	}
	for len(b) > 0 {
		n := min(len(b), int(abi.GranuleSize-ipa&abi.GranuleMask))
		pa, err := g.translate(r, ipa)
		if err != nil {
			return err
		}
		if write {
			err = g.s.arena.WriteAt(b[:n], pa)
		} else {
			err = g.s.arena.ReadAt(b[:n], pa)
		}
		if err != nil {
			return err
		}
		b, ipa = b[n:], ipa+uint64(n)
	}
	return nil
}

// ReadAt implements rsi.Memory.
func (g *Guest) ReadAt(b []byte, ipa uint64) error { return g.access(b, ipa, false) }

// WriteAt implements rsi.Memory.
func (g *Guest) WriteAt(b []byte, ipa uint64) error { return g.access(b, ipa, true) }

func (g *Guest) realm() (*realm, error) {
	c, found := g.s.recs[g.rec]
	if !found {
		return nil, fmt.Errorf("rmmsim: no rec at 0x%x", g.rec)
	}
	return g.s.realms[c.rd], nil
}

func rsiStatus(s abi.RSIStatus, out ...uint64) rsi.Result {
	r := rsi.Result{Status: s}
	copy(r.Out[:], out)
	return r
}

// Call implements rsi.Conduit.
func (g *Guest) Call(fid uint64, args ...uint64) rsi.Result {
	g.s.mu.Lock()
	defer g.s.mu.Unlock()

	r, err := g.realm()
	if err != nil || r.state == realmNew {
		return rsiStatus(abi.RSIErrorState)
	}

	switch fid {
	case abi.RSIVersion:
		v := g.s.Version
		st := abi.RSISuccess
		if abi.Version(arg(args, 0)).Major() != v.Major() {
			st = abi.RSIErrorInput
		}
		return rsiStatus(st, uint64(v), uint64(v))

	case abi.RSIRealmConfig:
		b, err := abi.Encode(abi.RealmConfig{IPAWidth: uint64(r.ipaBits), HashAlgo: r.algo})
		if err != nil || g.accessLocked(b, arg(args, 0), true) != nil {
			return rsiStatus(abi.RSIErrorInput)
		}
		return rsiStatus(abi.RSISuccess)

	case abi.RSIHostCall:
		return g.hostCall(arg(args, 0))

	case abi.RSIIPAStateSet:
		return g.ipaStateSet(r, arg(args, 0), arg(args, 1), abi.Ripas(arg(args, 2)))

	case abi.RSIIPAStateGet:
		base, top := arg(args, 0), arg(args, 1)
		if base >= top || base&abi.GranuleMask != 0 || top > r.protectedTop() {
			return rsiStatus(abi.RSIErrorInput)
		}
		ripas := r.ripas(base)
		cur := base
		for cur < top && r.ripas(cur) == ripas {
			cur += abi.GranuleSize
		}
		return rsiStatus(abi.RSISuccess, cur, uint64(ripas))

	case abi.RSIMeasurementRead:
		slot := arg(args, 0)
		if slot >= abi.MeasurementSlots {
			return rsiStatus(abi.RSIErrorInput)
		}
		m := r.rim
		if slot > 0 {
			m = r.rems[slot-1]
		}
		return rsiStatus(abi.RSISuccess, regs(m)...)

	case abi.RSIMeasurementExtend:
		slot, size := arg(args, 0), arg(args, 1)
		if slot == 0 || slot >= abi.MeasurementSlots || size > abi.MaxMeasurementSize {
			return rsiStatus(abi.RSIErrorInput)
		}
		data := make([]byte, 0, abi.MaxMeasurementSize)
		for i := 2; i < 10; i++ {
			data = append(data, le64(arg(args, i))...)
		}
		r.rems[slot-1] = r.extend(r.rems[slot-1], data[:size])
		return rsiStatus(abi.RSISuccess)

	case abi.RSIAttestationTokenInit:
		challenge := make([]byte, 0, 64)
		for i := 0; i < 8; i++ {
			challenge = append(challenge, le64(arg(args, i))...)
		}
		g.token = append([]byte("REALM-TOKEN"), challenge...)
		g.token = append(g.token, r.rim...)
		for _, m := range r.rems {
			g.token = append(g.token, m...)
		}
		g.sent = 0
		return rsiStatus(abi.RSISuccess, uint64(len(g.token)))

	case abi.RSIAttestationTokenContinue:
		if g.token == nil {
			return rsiStatus(abi.RSIErrorState)
		}
		ipa, off, size := arg(args, 0), arg(args, 1), arg(args, 2)
		if off+size > abi.GranuleSize {
			return rsiStatus(abi.RSIErrorInput)
		}
		n := min(len(g.token)-g.sent, int(size), g.TokenChunk)
		if g.accessLocked(g.token[g.sent:g.sent+n], ipa+off, true) != nil {
			return rsiStatus(abi.RSIErrorInput)
		}
		g.sent += n
		if g.sent < len(g.token) {
			return rsiStatus(abi.RSIIncomplete, uint64(n))
		}
		g.token = nil
		return rsiStatus(abi.RSISuccess, uint64(n))
	}
	return rsiStatus(abi.RSIErrorInput)
}

func (g *Guest) hostCall(ipa uint64) rsi.Result {
	b := make([]byte, 0x100)
	if g.accessLocked(b, ipa, false) != nil {
		return rsiStatus(abi.RSIErrorInput)
	}
	var hc abi.HostCall
	if err := abi.Decode(b, &hc); err != nil {
		return rsiStatus(abi.RSIErrorInput)
	}
	if g.HostCall != nil {
		g.HostCall(hc.Imm, &hc.GPRs)
	}
	out, err := abi.Encode(hc)
	if err != nil || g.accessLocked(out, ipa, true) != nil {
		return rsiStatus(abi.RSIErrorInput)
	}
	return rsiStatus(abi.RSISuccess)
}

// ipaStateSet applies a guest RIPAS change as if the host had accepted it,
// honouring Chunk.
func (g *Guest) ipaStateSet(r *realm, base, top uint64, ripas abi.Ripas) rsi.Result {
	if base >= top || base&abi.GranuleMask != 0 || top&abi.GranuleMask != 0 || top > r.protectedTop() {
		return rsiStatus(abi.RSIErrorInput)
	}
	if ripas != abi.RipasEmpty && ripas != abi.RipasRAM {
		return rsiStatus(abi.RSIErrorInput)
	}
	if g.Reject {
		return rsiStatus(abi.RSISuccess, base, abi.RSIReject)
	}
	cur := base
	for n := 0; cur < top && (g.s.Chunk == 0 || n < g.s.Chunk); n++ {
		r.page(cur).ripas = ripas
		cur += abi.GranuleSize
	}
	return rsiStatus(abi.RSISuccess, cur, abi.RSIAccept)
}

func regs(b []byte) []uint64 {
	out := make([]uint64, (len(b)+7)/8)
	for i, x := range b {
		out[i/8] |= uint64(x) << (8 * (i % 8))
	}
	return out
}
