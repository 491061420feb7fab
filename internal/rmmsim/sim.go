// Package rmmsim is a software Realm Manager. It implements the RMI command
// set on top of a physmem.Arena, tracking granule states, Realm descriptors,
// RTTs, RIPAS and RECs closely enough to exercise the host side of the
// control plane, and a per-REC RSI conduit for Realm side code.
//
// Nothing is isolated: "delegated" granules stay readable by the host. The
// simulator is a test double and a CLI backend, not a security boundary.
package rmmsim

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"hash"
	"sync"

	"github.com/google/btree"
	"github.com/rs/zerolog"

	"github.com/blacktop/go-realm/abi"
	"github.com/blacktop/go-realm/physmem"
	"github.com/blacktop/go-realm/rmi"
)

// DefaultAuxCount is the number of auxiliary granules a REC needs unless
// configured otherwise.
const DefaultAuxCount = 2

// PSCI function identifiers the simulator emits on its own.
const (
	PSCISystemOff uint64 = 0x84000008
	PSCICPUOn     uint64 = 0xC4000003
)

type gstate uint8

const (
	gUndelegated gstate = iota
	gDelegated
	gRD
	gRTT
	gData
	gRec
	gRecAux
)

func (g gstate) String() string {
	return [...]string{"undelegated", "delegated", "rd", "rtt", "data", "rec", "rec-aux"}[g]
}

type realmState uint8

const (
	realmNew realmState = iota
	realmActive
	realmSystemOff
)

type tableKey struct {
	level int
	base  uint64
	pa    uint64
}

func tableLess(a, b tableKey) bool {
	if a.level != b.level {
		return a.level < b.level
	}
	return a.base < b.base
}

type page struct {
	ripas  abi.Ripas
	data   uint64 // data granule, 0 when unassigned
	nsDesc uint64 // unprotected mapping, 0 when none
}

type realm struct {
	rd         uint64
	state      realmState
	ipaBits    int
	startLevel int
	rttBase    uint64
	numStart   int
	vmid       uint16
	algo       abi.HashAlgo

	rim  []byte
	rems [abi.MeasurementSlots - 1][]byte

	tables *btree.BTreeG[tableKey]
	pages  map[uint64]*page
	recs   int
}

func (r *realm) protectedTop() uint64 { return 1 << (r.ipaBits - 1) }

func (r *realm) newHash() hash.Hash {
	if r.algo == abi.HashSHA512 {
		return sha512.New()
	}
	return sha256.New()
}

// extend folds data into the measurement m.
func (r *realm) extend(m []byte, data ...[]byte) []byte {
	h := r.newHash()
	h.Write(m)
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

func (r *realm) hasTable(level int, base uint64) bool {
	if level == r.startLevel {
		return true
	}
	return r.tables.Has(tableKey{level: level, base: base})
}

// walk returns the deepest level, at most target, whose table covering ipa exists.
func (r *realm) walk(ipa uint64, target int) int {
	level := r.startLevel
	for level < target && r.hasTable(level+1, abi.AlignDown(ipa, level)) {
		level++
	}
	return level
}

func (r *realm) page(ipa uint64) *page {
	p, ok := r.pages[ipa]
	if !ok {
		p = &page{}
		r.pages[ipa] = p
	}
	return p
}

func (r *realm) ripas(ipa uint64) abi.Ripas {
	if p, ok := r.pages[ipa]; ok {
		return p.ripas
	}
	return abi.RipasEmpty
}

// Sim is a software Realm Manager. It implements rmi.Conduit.
type Sim struct {
	arena *physmem.Arena
	log   zerolog.Logger

	mu       sync.Mutex
	granules map[uint64]gstate
	realms   map[uint64]*realm
	recs     map[uint64]*rec
	vmids    map[uint16]bool
	fail     map[uint64]abi.ReturnCode

	// Chunk limits RIPAS commands to that many granules per call. Zero
	// means up to the end of the level 3 table the range starts in.
	Chunk int
	// AuxCount is the number of auxiliary granules per REC.
	AuxCount int
	// Version is the RMI and RSI revision the simulator implements.
	Version abi.Version
}

// Option configures a Sim.
type Option func(*Sim)

// WithLogger sets the logger used to trace commands.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Sim) { s.log = l.With().Str("component", "rmmsim").Logger() }
}

// WithChunk limits RIPAS commands to n granules per call.
func WithChunk(n int) Option {
	return func(s *Sim) { s.Chunk = n }
}

// New returns a simulator managing the granules of arena.
func New(arena *physmem.Arena, opts ...Option) *Sim {
	s := &Sim{
		arena:    arena,
		log:      zerolog.Nop(),
		granules: make(map[uint64]gstate),
		realms:   make(map[uint64]*realm),
		recs:     make(map[uint64]*rec),
		vmids:    make(map[uint16]bool),
		fail:     make(map[uint64]abi.ReturnCode),
		AuxCount: DefaultAuxCount,
		Version:  abi.RMIABIVersion,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// FailNext makes the next call of fid fail with status and index without
// side effects.
func (s *Sim) FailNext(fid uint64, status abi.Status, index uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[fid] = abi.PackReturn(status, index)
}

func fail(s abi.Status, index uint8) rmi.Result {
	return rmi.Result{Code: abi.PackReturn(s, index)}
}

func ok(out ...uint64) rmi.Result {
	var r rmi.Result
	copy(r.Out[:], out)
	return r
}

func arg(args []uint64, i int) uint64 {
	if i < len(args) {
		return args[i]
	}
	return 0
}

// Call implements rmi.Conduit.
func (s *Sim) Call(fid uint64, args ...uint64) rmi.Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rc, ok := s.fail[fid]; ok {
		delete(s.fail, fid)
		s.log.Debug().Str("call", abi.FIDName(fid)).Msg("injected failure")
		return rmi.Result{Code: rc}
	}

	a0, a1, a2, a3, a4 := arg(args, 0), arg(args, 1), arg(args, 2), arg(args, 3), arg(args, 4)
	var res rmi.Result
	switch fid {
	case abi.RMIVersion:
		res = s.version(abi.Version(a0))
	case abi.RMIFeatures:
		res = s.features(a0)
	case abi.RMIGranuleDelegate:
		res = s.delegate(a0)
	case abi.RMIGranuleUndelegate:
		res = s.undelegate(a0)
	case abi.RMIRealmCreate:
		res = s.realmCreate(a0, a1)
	case abi.RMIRealmActivate:
		res = s.realmActivate(a0)
	case abi.RMIRealmDestroy:
		res = s.realmDestroy(a0)
	case abi.RMIRttCreate:
		res = s.rttCreate(a0, a1, a2, int(a3))
	case abi.RMIRttDestroy:
		res = s.rttDestroy(a0, a1, int(a2))
	case abi.RMIRttFold:
		res = s.rttFold(a0, a1, int(a2))
	case abi.RMIRttReadEntry:
		res = s.rttReadEntry(a0, a1, int(a2))
	case abi.RMIRttMapUnprotected:
		res = s.rttMapUnprotected(a0, a1, int(a2), a3)
	case abi.RMIRttUnmapUnprotected:
		res = s.rttUnmapUnprotected(a0, a1, int(a2))
	case abi.RMIRttInitRipas:
		res = s.rttInitRipas(a0, a1, a2)
	case abi.RMIRttSetRipas:
		res = s.rttSetRipas(a0, a1, a2, a3)
	case abi.RMIDataCreate:
		res = s.dataCreate(a0, a1, a2, a3, a4)
	case abi.RMIDataCreateUnknown:
		res = s.dataCreateUnknown(a0, a1, a2)
	case abi.RMIDataDestroy:
		res = s.dataDestroy(a0, a1)
	case abi.RMIRecAuxCount:
		res = s.recAuxCount(a0)
	case abi.RMIRecCreate:
		res = s.recCreate(a0, a1, a2)
	case abi.RMIRecDestroy:
		res = s.recDestroy(a0)
	case abi.RMIRecEnter:
		res = s.recEnter(a0, a1)
	case abi.RMIPsciComplete:
		res = s.psciComplete(a0, a1, a2)
	default:
		res = fail(abi.StatusErrorInput, 0)
	}

	s.log.Debug().
		Str("call", abi.FIDName(fid)).
		Stringer("status", res.Code.Status()).
		Uint8("index", res.Code.Index()).
		Msg("rmi")
	return res
}

func (s *Sim) version(req abi.Version) rmi.Result {
	res := ok(uint64(s.Version), uint64(s.Version))
	if req.Major() != s.Version.Major() {
		res.Code = abi.PackReturn(abi.StatusErrorInput, 0)
	}
	return res
}

func (s *Sim) features(index uint64) rmi.Result {
	if index != 0 {
		return ok(0)
	}
	return ok(48<<abi.FeatureS2SZShift | abi.FeatureSVE | 4<<abi.FeatureSVEVLShift | abi.FeaturePMU | 8<<abi.FeaturePMUNumShift)
}

// host reports whether pa is a host (undelegated) granule inside the arena.
func (s *Sim) host(pa uint64) bool {
	return pa&abi.GranuleMask == 0 && s.arena.Contains(pa, abi.GranuleSize) && s.granules[pa] == gUndelegated
}

func (s *Sim) is(pa uint64, g gstate) bool {
	return pa&abi.GranuleMask == 0 && s.arena.Contains(pa, abi.GranuleSize) && s.granules[pa] == g
}

func (s *Sim) set(pa uint64, g gstate) {
	if g == gUndelegated {
		delete(s.granules, pa)
		return
	}
	s.granules[pa] = g
}

func (s *Sim) delegate(pa uint64) rmi.Result {
	if !s.host(pa) {
		return fail(abi.StatusErrorInput, 1)
	}
	s.set(pa, gDelegated)
	return ok()
}

func (s *Sim) undelegate(pa uint64) rmi.Result {
	if !s.is(pa, gDelegated) {
		return fail(abi.StatusErrorInput, 1)
	}
	if err := s.arena.Zero(pa, abi.GranuleSize); err != nil {
		return fail(abi.StatusErrorInput, 1)
	}
	s.set(pa, gUndelegated)
	return ok()
}

func (s *Sim) readPage(pa uint64, v any) error {
	b := make([]byte, abi.GranuleSize)
	if err := s.arena.ReadAt(b, pa); err != nil {
		return err
	}
	return abi.Decode(b, v)
}

func (s *Sim) realm(rd uint64) (*realm, bool) {
	if !s.is(rd, gRD) {
		return nil, false
	}
	r, ok := s.realms[rd]
	return r, ok
}

func (s *Sim) realmCreate(rd, paramsPA uint64) rmi.Result {
	if !s.is(rd, gDelegated) {
		return fail(abi.StatusErrorInput, 1)
	}
	if !s.host(paramsPA) {
		return fail(abi.StatusErrorInput, 2)
	}
	var p abi.RealmParams
	if err := s.readPage(paramsPA, &p); err != nil {
		return fail(abi.StatusErrorInput, 2)
	}

	ipaBits := int(p.S2SZ)
	switch {
	case ipaBits < 32 || ipaBits > 48:
		return fail(abi.StatusErrorInput, 2)
	case p.Flags&abi.RealmFlagLPA2 != 0:
		return fail(abi.StatusErrorInput, 2)
	case abi.HashAlgo(p.HashAlgo) > abi.HashSHA512:
		return fail(abi.StatusErrorInput, 2)
	case int(p.RTTLevelStart) != abi.StartLevel(ipaBits) || int(p.RTTNumStart) != abi.StartTables(ipaBits):
		return fail(abi.StatusErrorInput, 2)
	case s.vmids[p.VMID]:
		return fail(abi.StatusErrorInput, 2)
	}
	for i := 0; i < int(p.RTTNumStart); i++ {
		if !s.is(p.RTTBase+uint64(i)*abi.GranuleSize, gDelegated) {
			return fail(abi.StatusErrorInput, 2)
		}
	}

	r := &realm{
		rd:         rd,
		ipaBits:    ipaBits,
		startLevel: int(p.RTTLevelStart),
		rttBase:    p.RTTBase,
		numStart:   int(p.RTTNumStart),
		vmid:       p.VMID,
		algo:       abi.HashAlgo(p.HashAlgo),
		tables:     btree.NewG(8, tableLess),
		pages:      make(map[uint64]*page),
	}
	// the initial measurement covers the configuration, not where it lives
	measured := p
	measured.RTTBase, measured.VMID = 0, 0
	b, err := abi.Encode(measured)
	if err != nil {
		return fail(abi.StatusErrorInput, 2)
	}
	r.rim = r.extend(nil, b)
	for i := range r.rems {
		r.rems[i] = make([]byte, len(r.rim))
	}

	s.set(rd, gRD)
	for i := 0; i < r.numStart; i++ {
		s.set(r.rttBase+uint64(i)*abi.GranuleSize, gRTT)
	}
	s.vmids[r.vmid] = true
	s.realms[rd] = r
	return ok()
}

func (s *Sim) realmActivate(rd uint64) rmi.Result {
	r, found := s.realm(rd)
	if !found {
		return fail(abi.StatusErrorInput, 1)
	}
	if r.state != realmNew {
		return fail(abi.StatusErrorRealm, 0)
	}
	r.state = realmActive
	return ok()
}

func (s *Sim) realmDestroy(rd uint64) rmi.Result {
	r, found := s.realm(rd)
	if !found {
		return fail(abi.StatusErrorInput, 1)
	}
	if r.recs > 0 || r.tables.Len() > 0 {
		return fail(abi.StatusErrorRealm, 0)
	}
	for _, p := range r.pages {
		if p.data != 0 {
			return fail(abi.StatusErrorRealm, 0)
		}
	}
	s.set(rd, gDelegated)
	for i := 0; i < r.numStart; i++ {
		s.set(r.rttBase+uint64(i)*abi.GranuleSize, gDelegated)
	}
	delete(s.vmids, r.vmid)
	delete(s.realms, rd)
	return ok()
}

func (s *Sim) psciComplete(calling, target, status uint64) rmi.Result {
	c, found := s.recs[calling]
	if !found || !s.is(calling, gRec) {
		return fail(abi.StatusErrorInput, 1)
	}
	if !c.psciPending {
		return fail(abi.StatusErrorRec, 0)
	}
	if t, found := s.recs[target]; found && t.rd == c.rd && c.lastExit.GPRs[0] == PSCICPUOn && status == 0 {
		t.runnable = true
		t.pc = c.lastExit.GPRs[2]
		t.gprs[0] = c.lastExit.GPRs[3]
	}
	c.psciPending = false
	c.psciStatus = status
	return ok()
}

// Measurement returns the initial measurement of the Realm at rd.
func (s *Sim) Measurement(rd uint64) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, found := s.realms[rd]
	if !found {
		return nil
	}
	return append([]byte(nil), r.rim...)
}

// Ripas returns the RIPAS of the protected granule at ipa.
func (s *Sim) Ripas(rd, ipa uint64) abi.Ripas {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, found := s.realms[rd]
	if !found {
		return abi.RipasEmpty
	}
	return r.ripas(abi.AlignDown(ipa, abi.MaxLevel))
}

// Tables returns the number of non-root RTTs of the Realm at rd.
func (s *Sim) Tables(rd uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, found := s.realms[rd]; found {
		return r.tables.Len()
	}
	return 0
}

// Delegated returns the number of granules outside the Non-secure PAS.
func (s *Sim) Delegated() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.granules)
}

// State describes the granule at pa.
func (s *Sim) State(pa uint64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.granules[pa].String()
}

func le64(v ...uint64) []byte {
	b := make([]byte, 8*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint64(b[8*i:], x)
	}
	return b
}
