// Package rtt maintains the stage 2 translation tables (RTTs) and the per
// address RIPAS of one Realm.
//
// Every mutation goes through the Realm Manager and is serialized by a single
// per-Realm mutex, held for one RMI call (plus any tables that call turned out
// to need) and never across the caller's range loop. Table granules come from
// a physmem.Cache which callers, or SetIPAStateRange itself, top up before
// taking the lock.
package rtt

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
)

// ErrNotEmpty is returned when destroying a table that still maps data or
// child tables.
var ErrNotEmpty = errors.New("rtt: table not empty")

// Node is one non-root RTT, identified by its level and the base of the IPA
// range it covers.
type Node struct {
	Level int
	IPA   uint64
	PA    uint64
}

// Top returns the end of the IPA range covered by n.
func (n Node) Top() uint64 { return n.IPA + abi.LevelSize(n.Level-1) }

func nodeLess(a, b *Node) bool {
	if a.Level != b.Level {
		return a.Level < b.Level
	}
	return a.IPA < b.IPA
}

// Mapping is a data granule mapped at a protected IPA.
type Mapping struct {
	IPA uint64
	PA  uint64
}

func mappingLess(a, b Mapping) bool { return a.IPA < b.IPA }

// Range is a half-open IPA range [Base, Top).
type Range struct {
	Base uint64
	Top  uint64
}

func (r Range) String() string { return fmt.Sprintf("[0x%x, 0x%x)", r.Base, r.Top) }

// Size returns the length of r in bytes.
func (r Range) Size() uint64 { return r.Top - r.Base }

// Config describes the Realm whose tables a Manager maintains.
type Config struct {
	// RD is the physical address of the Realm descriptor.
	RD uint64
	// IPABits is the IPA width of the Realm. The top bit selects the
	// unprotected half.
	IPABits  int
	Granules *granule.Table
	Cache    *physmem.Cache
}

// Manager owns the non-root RTTs and data mappings of one Realm.
type Manager struct {
	rmm      *rmi.Client
	granules *granule.Table
	cache    *physmem.Cache
	log      zerolog.Logger

	rd         uint64
	ipaBits    int
	startLevel int

	mu       sync.Mutex
	nodes    *btree.BTreeG[*Node]
	mappings *btree.BTreeG[Mapping]
	shared   *btree.BTreeG[Mapping] // unprotected mappings, PA is host memory
	spare    uint64                 // pre-delegated granule, 0 when none
	released []uint64               // released by the Realm Manager, undelegate failed
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used for table operations.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l.With().Str("component", "rtt").Logger() }
}

// New returns a Manager for the Realm described by cfg.
func New(rmm *rmi.Client, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		rmm:        rmm,
		granules:   cfg.Granules,
		cache:      cfg.Cache,
		log:        zerolog.Nop(),
		rd:         cfg.RD,
		ipaBits:    cfg.IPABits,
		startLevel: abi.StartLevel(cfg.IPABits),
		nodes:      btree.NewG(8, nodeLess),
		mappings:   btree.NewG(8, mappingLess),
		shared:     btree.NewG(8, mappingLess),
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With().Uint64("realm", m.rd).Logger()
	return m
}

// StartLevel returns the level of the Realm's root tables.
func (m *Manager) StartLevel() int { return m.startLevel }

// Reserve returns the number of granules a single RMI call may need for
// intermediate tables: one per level below the root.
func (m *Manager) Reserve() int { return abi.MaxLevel - m.startLevel }

// ProtectedTop returns the first unprotected IPA.
func (m *Manager) ProtectedTop() uint64 { return 1 << (m.ipaBits - 1) }

// CheckRange validates a protected, granule-aligned range. Ranges crossing
// into the unprotected half fail with rmi.ErrInvalidRange.
func (m *Manager) CheckRange(r Range) error {
	if r.Base >= r.Top {
		return fmt.Errorf("%w: empty range %s", rmi.ErrInvalidRange, r)
	}
	if r.Base&abi.GranuleMask != 0 || r.Top&abi.GranuleMask != 0 {
		return fmt.Errorf("%w: %s not granule-aligned", rmi.ErrInvalidRange, r)
	}
	if r.Top > m.ProtectedTop() {
		return fmt.Errorf("%w: %s crosses the protected limit 0x%x", rmi.ErrInvalidRange, r, m.ProtectedTop())
	}
	return nil
}

// CreateTable creates the level table covering ipa. The parent table must
// already exist and ipa must be aligned to the range the new table covers.
func (m *Manager) CreateTable(level int, ipa uint64) (*Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createTable(level, ipa)
}

// takeGranule returns a delegated granule, preferring the spare. Called
// with mu held.
func (m *Manager) takeGranule() (pa uint64, fromSpare bool, err error) {
	if m.spare != 0 {
		pa, m.spare = m.spare, 0
		return pa, true, nil
	}
	pa, err = m.cache.Take()
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", rmi.ErrResourceExhausted, err)
	}
	if err := m.granules.Delegate(pa, m.rd); err != nil {
		m.cache.Put(pa)
		return 0, false, err
	}
	return pa, false, nil
}

// dropGranule hands back a delegated granule the Realm Manager did not
// consume. Called with mu held.
func (m *Manager) dropGranule(pa uint64, fromSpare bool) error {
	if fromSpare {
		m.spare = pa
		return nil
	}
	if err := m.undelegate(pa); err != nil {
		return err
	}
	m.cache.Put(pa)
	return nil
}

// undelegate returns a granule the Realm Manager no longer uses to the
// Non-secure PAS. On failure pa is kept on the released list, which
// DestroyAll drains before anything else. Called with mu held.
func (m *Manager) undelegate(pa uint64) error {
	if err := m.granules.Undelegate(pa); err != nil {
		m.log.Error().Err(err).Uint64("pa", pa).Msg("failed to undelegate released granule")
		m.released = append(m.released, pa)
		return err
	}
	return nil
}

// Released returns the granules waiting to be undelegated.
func (m *Manager) Released() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint64(nil), m.released...)
}

func (m *Manager) createTable(level int, ipa uint64) (*Node, error) {
	if level <= m.startLevel || level > abi.MaxLevel {
		return nil, fmt.Errorf("%w: table level %d outside (%d, %d]", rmi.ErrInvalidRange, level, m.startLevel, abi.MaxLevel)
	}
	if !abi.IsAligned(ipa, level-1) {
		return nil, fmt.Errorf("%w: ipa 0x%x not aligned for a level %d table", rmi.ErrInvalidRange, ipa, level)
	}
	if n, ok := m.nodes.Get(&Node{Level: level, IPA: ipa}); ok {
		return n, nil
	}

	pa, fromSpare, err := m.takeGranule()
	if err != nil {
		return nil, fmt.Errorf("rtt: create level %d table at 0x%x: %w", level, ipa, err)
	}
	if err := m.rmm.RttCreate(m.rd, pa, ipa, level); err != nil {
		return nil, errors.Join(fmt.Errorf("rtt: create level %d table at 0x%x: %w", level, ipa, err), m.dropGranule(pa, fromSpare))
	}
	if err := m.granules.Assign(pa, granule.TableOf(m.rd, level, ipa)); err != nil {
		return nil, err
	}

	n := &Node{Level: level, IPA: ipa, PA: pa}
	m.nodes.ReplaceOrInsert(n)
	m.log.Debug().Int("level", level).Uint64("ipa", ipa).Uint64("pa", pa).Msg("table created")
	return n, nil
}

// ensureTables runs call, creating the table the Realm Manager reports
// missing (RttError with the level the walk reached) and retrying, until the
// call succeeds or fails otherwise. Called with mu held.
func (m *Manager) ensureTables(ipa uint64, call func() error) error {
	last := -1
	for {
		err := call()
		if err == nil {
			return nil
		}
		status, index, ok := rmi.StatusOf(err)
		level := int(index)
		if !ok || status != abi.StatusErrorRtt || level >= abi.MaxLevel || level < m.startLevel || level == last {
			return err
		}
		last = level
		if _, err := m.createTable(level+1, abi.AlignDown(ipa, level)); err != nil {
			return err
		}
	}
}

// DestroyTable destroys a table that maps no data and no child tables and
// returns its granule, now back in the Non-secure PAS.
func (m *Manager) DestroyTable(n *Node) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyTable(n)
}

func (m *Manager) destroyTable(n *Node) (uint64, error) {
	if _, ok := m.nodes.Get(n); !ok {
		return 0, fmt.Errorf("rtt: no level %d table at 0x%x", n.Level, n.IPA)
	}
	if !m.empty(n) {
		return 0, fmt.Errorf("%w: level %d table at 0x%x", ErrNotEmpty, n.Level, n.IPA)
	}

	pa, _, err := m.rmm.RttDestroy(m.rd, n.IPA, n.Level)
	if err != nil {
		return 0, fmt.Errorf("rtt: destroy level %d table at 0x%x: %w", n.Level, n.IPA, err)
	}
	m.nodes.Delete(n)
	if err := m.granules.Assign(pa, granule.DelegatedTo(m.rd)); err != nil {
		return 0, err
	}
	if err := m.undelegate(pa); err != nil {
		return 0, err
	}
	m.log.Debug().Int("level", n.Level).Uint64("ipa", n.IPA).Msg("table destroyed")
	return pa, nil
}

// empty reports whether n maps no data and has no child tables. Called with
// mu held.
func (m *Manager) empty(n *Node) bool {
	busy := false
	for _, t := range []*btree.BTreeG[Mapping]{m.mappings, m.shared} {
		t.AscendRange(Mapping{IPA: n.IPA}, Mapping{IPA: n.Top()}, func(Mapping) bool {
			busy = true
			return false
		})
	}
	if busy || n.Level == abi.MaxLevel {
		return !busy
	}
	m.nodes.AscendRange(&Node{Level: n.Level + 1, IPA: n.IPA}, &Node{Level: n.Level + 1, IPA: n.Top()}, func(*Node) bool {
		busy = true
		return false
	})
	return !busy
}

// Fold asks the Realm Manager to replace the homogeneous table n with a
// block entry in its parent. Failure is expected and harmless; it is logged
// and returned.
func (m *Manager) Fold(n *Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.nodes.Get(n); !ok {
		return fmt.Errorf("rtt: no level %d table at 0x%x", n.Level, n.IPA)
	}
	pa, err := m.rmm.RttFold(m.rd, n.IPA, n.Level)
	if err != nil {
		m.log.Warn().Err(err).Int("level", n.Level).Uint64("ipa", n.IPA).Msg("fold failed")
		return err
	}
	m.nodes.Delete(n)
	if err := m.granules.Assign(pa, granule.DelegatedTo(m.rd)); err != nil {
		return err
	}
	return m.dropGranule(pa, false)
}

// SetIPAState issues one RIPAS call for r: RTT_INIT_RIPAS when measure is
// set (the Realm must be new and state must be RAM), RTT_SET_RIPAS on behalf
// of rec otherwise. The Realm Manager may stop early; the returned top is
// how far it got.
func (m *Manager) SetIPAState(r Range, state abi.Ripas, measure bool, rec uint64) (uint64, error) {
	if err := m.CheckRange(r); err != nil {
		return 0, err
	}
	if measure && state != abi.RipasRAM {
		return 0, fmt.Errorf("%w: measured RIPAS change must set RAM, not %s", rmi.ErrInput, state)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var top uint64
	err := m.ensureTables(r.Base, func() (err error) {
		if measure {
			top, err = m.rmm.RttInitRipas(m.rd, r.Base, r.Top)
		} else {
			top, err = m.rmm.RttSetRipas(m.rd, rec, r.Base, r.Top)
		}
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("rtt: set %s on %s: %w", state, r, err)
	}
	return top, nil
}

// SetIPAStateRange drives SetIPAState until r is covered, reporting every
// completed segment to visit (which may be nil). The cache is topped up
// before each call, outside the lock.
func (m *Manager) SetIPAStateRange(r Range, state abi.Ripas, measure bool, rec uint64, visit func(base, top uint64)) error {
	if err := m.CheckRange(r); err != nil {
		return err
	}
	for base := r.Base; base < r.Top; {
		if err := m.cache.TopUp(m.Reserve()); err != nil {
			return fmt.Errorf("%w: %v", rmi.ErrResourceExhausted, err)
		}
		top, err := m.SetIPAState(Range{Base: base, Top: r.Top}, state, measure, rec)
		if err != nil {
			return err
		}
		if top <= base || top > r.Top {
			return fmt.Errorf("%w: realm manager returned top 0x%x for %s", rmi.ErrInvalidRange, top, Range{base, r.Top})
		}
		if visit != nil {
			visit(base, top)
		}
		base = top
	}
	return nil
}

// MapData copies the granule at src into a fresh data granule mapped at ipa
// (DATA_CREATE). flags may request that the content be measured.
func (m *Manager) MapData(ipa, src, flags uint64) error {
	return m.mapData(ipa, func(pa uint64) error {
		return m.rmm.DataCreate(m.rd, pa, ipa, src, flags)
	})
}

// MapUnknown maps a fresh data granule with unknown content at ipa
// (DATA_CREATE_UNKNOWN). Unlike MapData it is allowed on an active Realm.
func (m *Manager) MapUnknown(ipa uint64) error {
	return m.mapData(ipa, func(pa uint64) error {
		return m.rmm.DataCreateUnknown(m.rd, pa, ipa)
	})
}

func (m *Manager) mapData(ipa uint64, create func(pa uint64) error) error {
	if err := m.CheckRange(Range{Base: ipa, Top: ipa + abi.GranuleSize}); err != nil {
		return err
	}
	if err := m.cache.TopUp(m.Reserve() + 1); err != nil {
		return fmt.Errorf("%w: %v", rmi.ErrResourceExhausted, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.mappings.Get(Mapping{IPA: ipa}); ok {
		return fmt.Errorf("%w: ipa 0x%x already mapped", rmi.ErrInput, ipa)
	}
	pa, err := m.cache.Take()
	if err != nil {
		return fmt.Errorf("%w: %v", rmi.ErrResourceExhausted, err)
	}
	if err := m.granules.Delegate(pa, m.rd); err != nil {
		m.cache.Put(pa)
		return err
	}
	if err := m.ensureTables(ipa, func() error { return create(pa) }); err != nil {
		return errors.Join(fmt.Errorf("rtt: map data at 0x%x: %w", ipa, err), m.dropGranule(pa, false))
	}
	if err := m.granules.Assign(pa, granule.DataOf(m.rd, ipa)); err != nil {
		return err
	}
	m.mappings.ReplaceOrInsert(Mapping{IPA: ipa, PA: pa})
	return nil
}

// UnmapData destroys the data granule mapped at ipa and returns it, back in
// the Non-secure PAS and scrubbed.
func (m *Manager) UnmapData(ipa uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unmapData(ipa)
}

func (m *Manager) unmapData(ipa uint64) (uint64, error) {
	if _, ok := m.mappings.Get(Mapping{IPA: ipa}); !ok {
		return 0, fmt.Errorf("%w: nothing mapped at 0x%x", rmi.ErrInput, ipa)
	}
	pa, _, err := m.rmm.DataDestroy(m.rd, ipa)
	if err != nil {
		return 0, fmt.Errorf("rtt: unmap data at 0x%x: %w", ipa, err)
	}
	m.mappings.Delete(Mapping{IPA: ipa})
	if err := m.granules.Assign(pa, granule.DelegatedTo(m.rd)); err != nil {
		return 0, err
	}
	if err := m.undelegate(pa); err != nil {
		return 0, err
	}
	return pa, nil
}

// MapUnprotected maps the host granule pa at the unprotected address ipa.
// The host keeps ownership of pa.
func (m *Manager) MapUnprotected(ipa, pa uint64) error {
	if ipa&abi.GranuleMask != 0 || ipa < m.ProtectedTop() || ipa >= 1<<m.ipaBits {
		return fmt.Errorf("%w: 0x%x is not an unprotected granule address", rmi.ErrInvalidRange, ipa)
	}
	if err := m.cache.TopUp(m.Reserve()); err != nil {
		return fmt.Errorf("%w: %v", rmi.ErrResourceExhausted, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.ensureTables(ipa, func() error {
		return m.rmm.RttMapUnprotected(m.rd, ipa, abi.MaxLevel, pa)
	})
	if err != nil {
		return fmt.Errorf("rtt: map unprotected 0x%x: %w", ipa, err)
	}
	m.shared.ReplaceOrInsert(Mapping{IPA: ipa, PA: pa})
	return nil
}

// UnmapUnprotected removes the unprotected mapping at ipa and returns the
// host granule it pointed to.
func (m *Manager) UnmapUnprotected(ipa uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unmapUnprotected(ipa)
}

func (m *Manager) unmapUnprotected(ipa uint64) (uint64, error) {
	mp, ok := m.shared.Get(Mapping{IPA: ipa})
	if !ok {
		return 0, fmt.Errorf("%w: nothing mapped at 0x%x", rmi.ErrInput, ipa)
	}
	if _, err := m.rmm.RttUnmapUnprotected(m.rd, ipa, abi.MaxLevel); err != nil {
		return 0, fmt.Errorf("rtt: unmap unprotected 0x%x: %w", ipa, err)
	}
	m.shared.Delete(mp)
	return mp.PA, nil
}

// ReadEntry returns the Realm Manager's view of the entry mapping ipa at level.
func (m *Manager) ReadEntry(ipa uint64, level int) (rmi.RttEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rmm.RttReadEntry(m.rd, abi.AlignDown(ipa, level), level)
}

// Lookup returns the data granule mapped at ipa.
func (m *Manager) Lookup(ipa uint64) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.mappings.Get(Mapping{IPA: abi.AlignDown(ipa, abi.MaxLevel)})
	return mp.PA, ok
}

// Replenish makes sure a spare delegated granule is available for the next
// table creation.
func (m *Manager) Replenish() error {
	if err := m.cache.TopUp(1); err != nil {
		return fmt.Errorf("%w: %v", rmi.ErrResourceExhausted, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.spare != 0 {
		return nil
	}
	pa, err := m.cache.Take()
	if err != nil {
		return fmt.Errorf("%w: %v", rmi.ErrResourceExhausted, err)
	}
	if err := m.granules.Delegate(pa, m.rd); err != nil {
		m.cache.Put(pa)
		return err
	}
	m.spare = pa
	return nil
}

// Spare returns the spare granule, 0 if there is none.
func (m *Manager) Spare() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spare
}

// DestroyAll destroys every data mapping and then every table, deepest
// level first, returning their granules to the arena. Unprotected mappings
// are removed; their host granules are left to their owner. It stops at the
// first failure and can be called again to resume.
func (m *Manager) DestroyAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	arena := m.cache.Arena()
	for len(m.released) > 0 {
		pa := m.released[0]
		if err := m.granules.Undelegate(pa); err != nil {
			return fmt.Errorf("rtt: undelegate released granule 0x%x: %w", pa, err)
		}
		m.released = m.released[1:]
		if err := arena.Free(pa); err != nil {
			return err
		}
	}
	for m.shared.Len() > 0 {
		mp, _ := m.shared.Min()
		if _, err := m.unmapUnprotected(mp.IPA); err != nil {
			return err
		}
	}
	for m.mappings.Len() > 0 {
		mp, _ := m.mappings.Min()
		pa, err := m.unmapData(mp.IPA)
		if err != nil {
			return err
		}
		if err := arena.Free(pa); err != nil {
			return err
		}
	}
	for m.nodes.Len() > 0 {
		// the maximum is a deepest-level table, whose children are already gone
		n, _ := m.nodes.Max()
		pa, err := m.destroyTable(n)
		if err != nil {
			return err
		}
		if err := arena.Free(pa); err != nil {
			return err
		}
	}
	if m.spare != 0 {
		if err := m.granules.Undelegate(m.spare); err != nil {
			return err
		}
		if err := arena.Free(m.spare); err != nil {
			return err
		}
		m.spare = 0
	}
	return nil
}

// Nodes returns the live tables ordered by level, then IPA.
func (m *Manager) Nodes() []Node {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Node, 0, m.nodes.Len())
	m.nodes.Ascend(func(n *Node) bool {
		out = append(out, *n)
		return true
	})
	return out
}

// Mappings returns the live data mappings ordered by IPA.
func (m *Manager) Mappings() []Mapping {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Mapping, 0, m.mappings.Len())
	m.mappings.Ascend(func(mp Mapping) bool {
		out = append(out, mp)
		return true
	})
	return out
}
