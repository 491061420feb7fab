// Package realm implements the Realm lifecycle: creation of the Realm
// descriptor, population of its initial memory, activation and the
// resumable teardown that returns every granule to the host.
//
//	NONE --Create--> NEW --Activate--> ACTIVE --BeginDestroy--> DYING --ReclaimComplete--> DEAD
//	NEW --BeginDestroy--> DYING
package realm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"
	"github.com/rs/zerolog"

	"github.com/blacktop/go-realm/abi"
	"github.com/blacktop/go-realm/granule"
	"github.com/blacktop/go-realm/physmem"
	"github.com/blacktop/go-realm/rmi"
	"github.com/blacktop/go-realm/rtt"
)

// ErrTryAgain is returned to a REC whose RIPAS request raced the start of
// destruction. The vCPU should give up and let the managing process finish.
var ErrTryAgain = errors.New("realm: try again")

// State is the lifecycle state of a Realm.
type State uint8

const (
	None State = iota
	New
	Active
	Dying
	Dead
)

func (s State) String() string {
	switch s {
	case None:
		return "NONE"
	case New:
		return "NEW"
	case Active:
		return "ACTIVE"
	case Dying:
		return "DYING"
	case Dead:
		return "DEAD"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Params configures a new Realm. Zero SVEVL and PMUCounters leave the
// feature disabled.
type Params struct {
	VMID            uint16
	IPABits         int
	HashAlgo        abi.HashAlgo
	SVEVL           uint8
	PMUCounters     uint8
	NumBPs          uint8
	NumWPs          uint8
	Personalization [abi.RPVSize]byte
}

func (p Params) validate() error {
	if p.IPABits < 32 || p.IPABits > 48 {
		return fmt.Errorf("%w: ipa_bits %d outside [32, 48]", rmi.ErrInput, p.IPABits)
	}
	if p.HashAlgo > abi.HashSHA512 {
		return fmt.Errorf("%w: hash algorithm %d", rmi.ErrInput, p.HashAlgo)
	}
	if p.SVEVL > 0xf {
		return fmt.Errorf("%w: SVE vector length %d", rmi.ErrInput, p.SVEVL)
	}
	return nil
}

// encode builds the REALM_CREATE parameter page.
func (p Params) encode(rttBase uint64) abi.RealmParams {
	rp := abi.RealmParams{
		S2SZ:          uint8(p.IPABits),
		NumBPs:        p.NumBPs,
		NumWPs:        p.NumWPs,
		HashAlgo:      p.HashAlgo,
		RPV:           p.Personalization,
		VMID:          p.VMID,
		RTTBase:       rttBase,
		RTTLevelStart: int64(abi.StartLevel(p.IPABits)),
		RTTNumStart:   uint32(abi.StartTables(p.IPABits)),
	}
	if p.SVEVL != 0 {
		rp.Flags |= abi.RealmFlagSVE
		rp.SVEVL = p.SVEVL
	}
	if p.PMUCounters != 0 {
		rp.Flags |= abi.RealmFlagPMU
		rp.PMUNumCtrs = p.PMUCounters
	}
	return rp
}

// Host creates Realms. It holds the process-wide collaborators every Realm
// shares.
type Host struct {
	rmm      *rmi.Client
	granules *granule.Table
	arena    *physmem.Arena
	log      zerolog.Logger
}

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the logger used for lifecycle events.
func WithLogger(l zerolog.Logger) Option {
	return func(h *Host) { h.log = l }
}

// NewHost returns a Host allocating granules from arena.
func NewHost(rmm *rmi.Client, granules *granule.Table, arena *physmem.Arena, opts ...Option) *Host {
	h := &Host{rmm: rmm, granules: granules, arena: arena, log: zerolog.Nop()}
	for _, o := range opts {
		o(h)
	}
	return h
}

// RMM returns the Realm Manager client.
func (h *Host) RMM() *rmi.Client { return h.rmm }

// Granules returns the ownership table.
func (h *Host) Granules() *granule.Table { return h.granules }

// Arena returns the physical memory arena.
func (h *Host) Arena() *physmem.Arena { return h.arena }

// Logger returns the host logger.
func (h *Host) Logger() zerolog.Logger { return h.log }

// Realm is one confidential VM. Its descriptor, root tables, RTTs and data
// granules are owned by the Realm until ReclaimComplete returns them.
type Realm struct {
	host *Host
	log  zerolog.Logger

	rd       uint64
	params   Params
	rttBase  uint64
	numStart int
	cache    *physmem.Cache
	rtt      *rtt.Manager

	// mu guards state. Operations that must not race teardown hold it
	// shared for their whole duration.
	mu      sync.RWMutex
	state   State
	removed bool // REALM_DESTROY succeeded

	recMu sync.Mutex
	recs  *btree.BTreeG[uint64]
}

// Create allocates and delegates the Realm descriptor and root tables and
// issues REALM_CREATE. On failure everything is undelegated and freed.
func (h *Host) Create(p Params) (_ *Realm, err error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	var delegated, allocated []uint64
	defer func() {
		if err == nil {
			return
		}
		for _, pa := range delegated {
			if uerr := h.granules.Undelegate(pa); uerr != nil {
				h.log.Error().Err(uerr).Uint64("pa", pa).Msg("failed to undelegate after aborted create")
				continue
			}
		}
		for _, pa := range allocated {
			if h.granules.Owner(pa).Kind == granule.Unowned {
				_ = h.arena.Free(pa)
			}
		}
	}()

	rd, err := h.arena.Alloc()
	if err != nil {
		return nil, fmt.Errorf("%w: realm descriptor: %v", rmi.ErrResourceExhausted, err)
	}
	allocated = append(allocated, rd)
	if err := h.granules.Delegate(rd, rd); err != nil {
		return nil, fmt.Errorf("realm: delegate descriptor: %w", err)
	}
	delegated = append(delegated, rd)

	numStart := abi.StartTables(p.IPABits)
	rttBase, err := h.arena.AllocContiguous(numStart)
	if err != nil {
		return nil, fmt.Errorf("%w: %d root tables: %v", rmi.ErrResourceExhausted, numStart, err)
	}
	for i := 0; i < numStart; i++ {
		pa := rttBase + uint64(i)*abi.GranuleSize
		allocated = append(allocated, pa)
		if err := h.granules.Delegate(pa, rd); err != nil {
			return nil, fmt.Errorf("realm: delegate root table: %w", err)
		}
		delegated = append(delegated, pa)
	}

	paramsPA, err := h.arena.Alloc()
	if err != nil {
		return nil, fmt.Errorf("%w: realm params: %v", rmi.ErrResourceExhausted, err)
	}
	defer h.arena.Free(paramsPA)
	b, err := abi.Encode(p.encode(rttBase))
	if err != nil {
		return nil, err
	}
	if err := h.arena.WriteAt(b, paramsPA); err != nil {
		return nil, err
	}
	if err := h.rmm.RealmCreate(rd, paramsPA); err != nil {
		return nil, fmt.Errorf("realm: create: %w", err)
	}

	start := abi.StartLevel(p.IPABits)
	for i := 0; i < numStart; i++ {
		pa := rttBase + uint64(i)*abi.GranuleSize
		if err := h.granules.Assign(pa, granule.TableOf(rd, start, uint64(i)*abi.LevelSize(start-1))); err != nil {
			return nil, err
		}
	}

	log := h.log.With().Uint64("realm", rd).Uint16("vmid", p.VMID).Logger()
	cache := physmem.NewCache(h.arena)
	r := &Realm{
		host:     h,
		log:      log,
		rd:       rd,
		params:   p,
		rttBase:  rttBase,
		numStart: numStart,
		cache:    cache,
		rtt: rtt.New(h.rmm, rtt.Config{
			RD:       rd,
			IPABits:  p.IPABits,
			Granules: h.granules,
			Cache:    cache,
		}, rtt.WithLogger(log)),
		state: New,
		recs:  btree.NewG(4, func(a, b uint64) bool { return a < b }),
	}
	log.Info().Int("ipa_bits", p.IPABits).Stringer("hash", p.HashAlgo).Msg("realm created")
	return r, nil
}

// ID returns the physical address of the Realm descriptor, which also
// identifies the Realm in the ownership table.
func (r *Realm) ID() uint64 { return r.rd }

// Params returns the parameters the Realm was created with.
func (r *Realm) Params() Params { return r.params }

// Host returns the host the Realm was created by.
func (r *Realm) Host() *Host { return r.host }

// RTT returns the Realm's table manager.
func (r *Realm) RTT() *rtt.Manager { return r.rtt }

// Logger returns the Realm's logger.
func (r *Realm) Logger() zerolog.Logger { return r.log }

// State returns the current lifecycle state.
func (r *Realm) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// RLock holds the Realm in its current state until RUnlock. The REC code
// uses it to keep creation and teardown apart.
func (r *Realm) RLock()   { r.mu.RLock() }
func (r *Realm) RUnlock() { r.mu.RUnlock() }

// StateLocked returns the state; the caller holds RLock.
func (r *Realm) StateLocked() State { return r.state }

func (r *Realm) invalid(op string) error {
	return fmt.Errorf("%w: %s on a %s realm", rmi.ErrInvalidState, op, r.state)
}

// Populate copies content into fresh data granules mapped from ipa onwards
// and folds it into the measurement. Only valid while NEW.
func (r *Realm) Populate(ipa uint64, content []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != New {
		return r.invalid("populate")
	}
	if ipa&abi.GranuleMask != 0 {
		return fmt.Errorf("%w: populate at unaligned ipa 0x%x", rmi.ErrInvalidRange, ipa)
	}
	if len(content) == 0 {
		return nil
	}
	pages := (uint64(len(content)) + abi.GranuleSize - 1) / abi.GranuleSize
	if err := r.rtt.CheckRange(rtt.Range{Base: ipa, Top: ipa + pages*abi.GranuleSize}); err != nil {
		return err
	}

	arena := r.host.arena
	src, err := arena.Alloc()
	if err != nil {
		return fmt.Errorf("%w: populate source page: %v", rmi.ErrResourceExhausted, err)
	}
	defer arena.Free(src)

	for i := uint64(0); i < pages; i++ {
		chunk := content[i*abi.GranuleSize : min(uint64(len(content)), (i+1)*abi.GranuleSize)]
		if err := arena.Zero(src, abi.GranuleSize); err != nil {
			return err
		}
		if err := arena.WriteAt(chunk, src); err != nil {
			return err
		}
		if err := r.rtt.MapData(ipa+i*abi.GranuleSize, src, abi.DataMeasureContent); err != nil {
			return fmt.Errorf("realm: populate 0x%x: %w", ipa+i*abi.GranuleSize, err)
		}
	}
	r.log.Debug().Uint64("ipa", ipa).Uint64("pages", pages).Msg("populated")
	return nil
}

// InitRAM marks [base, top) as RAM in the initial measurement without
// populating it. Only valid while NEW.
func (r *Realm) InitRAM(rng rtt.Range) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != New {
		return r.invalid("init RAM")
	}
	return r.rtt.SetIPAStateRange(rng, abi.RipasRAM, true, 0, nil)
}

// Activate freezes the measurement and makes the Realm's RECs runnable. It
// succeeds once.
func (r *Realm) Activate() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != New {
		return r.invalid("activate")
	}
	if err := r.host.rmm.RealmActivate(r.rd); err != nil {
		return fmt.Errorf("realm: activate: %w", err)
	}
	r.state = Active
	r.log.Info().Msg("realm activated")
	return nil
}

// BeginDestroy moves the Realm to DYING. No REC is entered afterwards and
// RIPAS requests fail with ErrTryAgain.
func (r *Realm) BeginDestroy() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != New && r.state != Active {
		return r.invalid("begin destroy")
	}
	r.state = Dying
	r.log.Info().Msg("realm dying")
	return nil
}

// DestroyRTTs destroys every data granule and table, bottom-up. The Realm
// must be DYING with all RECs destroyed.
func (r *Realm) DestroyRTTs() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != Dying {
		return r.invalid("destroy RTTs")
	}
	if n := r.NumRecs(); n > 0 {
		return fmt.Errorf("%w: %d RECs still live", rmi.ErrInvalidState, n)
	}
	if err := r.rtt.DestroyAll(); err != nil {
		return fmt.Errorf("realm: destroy RTTs: %w", err)
	}
	return nil
}

// ReclaimComplete destroys the Realm descriptor and returns it and the root
// tables to the host. The Realm is DEAD afterwards.
func (r *Realm) ReclaimComplete() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != Dying {
		return r.invalid("reclaim")
	}
	if n := r.NumRecs(); n > 0 {
		return fmt.Errorf("%w: %d RECs still live", rmi.ErrInvalidState, n)
	}

	h := r.host
	if !r.removed {
		if err := h.rmm.RealmDestroy(r.rd); err != nil {
			return fmt.Errorf("realm: destroy descriptor: %w", err)
		}
		r.removed = true
	}

	owned := []uint64{r.rd}
	for i := 0; i < r.numStart; i++ {
		owned = append(owned, r.rttBase+uint64(i)*abi.GranuleSize)
	}
	for _, pa := range owned {
		if h.granules.Owner(pa).Kind == granule.Unowned {
			continue
		}
		if err := h.granules.Undelegate(pa); err != nil {
			return fmt.Errorf("realm: reclaim: %w", err)
		}
		if err := h.arena.Free(pa); err != nil {
			return err
		}
	}
	if err := r.cache.Release(); err != nil {
		return err
	}
	r.state = Dead
	r.log.Info().Msg("realm reclaimed")
	return nil
}

// Destroy runs the remaining teardown steps. After a failure the Realm is
// left DYING and Destroy can be called again to resume. RECs must have been
// destroyed.
func (r *Realm) Destroy() error {
	switch r.State() {
	case New, Active:
		if err := r.BeginDestroy(); err != nil {
			return err
		}
	case Dying:
	default:
		r.mu.RLock()
		defer r.mu.RUnlock()
		return r.invalid("destroy")
	}
	if err := r.DestroyRTTs(); err != nil {
		return err
	}
	return r.ReclaimComplete()
}

// RequestRIPAS completes a RIPAS change requested by the REC at rec. The
// Realm must be ACTIVE; once it is DYING the request fails with ErrTryAgain.
// visit, if set, sees every segment the Realm Manager completed.
func (r *Realm) RequestRIPAS(rec uint64, rng rtt.Range, state abi.Ripas, visit func(base, top uint64)) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	switch r.state {
	case Active:
	case Dying, Dead:
		return ErrTryAgain
	default:
		return r.invalid("RIPAS change")
	}
	if err := r.rtt.CheckRange(rng); err != nil {
		return err
	}
	if err := r.rtt.Replenish(); err != nil {
		return err
	}
	if err := r.rtt.SetIPAStateRange(rng, state, false, rec, visit); err != nil {
		return err
	}
	// tables created for the request may have used the spare
	if err := r.rtt.Replenish(); err != nil {
		r.log.Debug().Err(err).Msg("spare granule not replenished")
	}
	return nil
}

// MapUnknown backs the protected granule at ipa with fresh memory of
// unknown content, the host's answer to a stage 2 fault on RAM.
func (r *Realm) MapUnknown(ipa uint64) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.state != Active {
		return r.invalid("map")
	}
	return r.rtt.MapUnknown(abi.AlignDown(ipa, abi.MaxLevel))
}

// AttachRec records a REC created for the Realm.
func (r *Realm) AttachRec(pa uint64) {
	r.recMu.Lock()
	defer r.recMu.Unlock()
	r.recs.ReplaceOrInsert(pa)
}

// DetachRec forgets a destroyed REC.
func (r *Realm) DetachRec(pa uint64) {
	r.recMu.Lock()
	defer r.recMu.Unlock()
	r.recs.Delete(pa)
}

// Recs returns the RECs of the Realm in address order.
func (r *Realm) Recs() []uint64 {
	r.recMu.Lock()
	defer r.recMu.Unlock()
	out := make([]uint64, 0, r.recs.Len())
	r.recs.Ascend(func(pa uint64) bool {
		out = append(out, pa)
		return true
	})
	return out
}

// NumRecs returns the number of live RECs.
func (r *Realm) NumRecs() int {
	r.recMu.Lock()
	defer r.recMu.Unlock()
	return r.recs.Len()
}
