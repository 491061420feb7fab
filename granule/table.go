// Package granule tracks the host's view of which Realm owns each delegated
// granule. The Realm Manager keeps the authoritative state; a tag here only
// changes after the Realm Manager has confirmed the transition.
package granule

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/blacktop/go-realm/abi"
)

var (
	// ErrAlreadyDelegated is returned when delegating a granule the host
	// already believes is delegated.
	ErrAlreadyDelegated = errors.New("granule: already delegated")
	// ErrNotDelegated is returned when undelegating or assigning a granule
	// the host believes is unowned.
	ErrNotDelegated = errors.New("granule: not delegated")
	// ErrWrongRealm is returned when assigning a granule to a Realm other
	// than the one it was delegated for.
	ErrWrongRealm = errors.New("granule: owned by another realm")
)

// Kind is the use a delegated granule has been put to.
type Kind uint8

const (
	Unowned Kind = iota
	Delegated
	RTT
	Data
)

func (k Kind) String() string {
	switch k {
	case Unowned:
		return "unowned"
	case Delegated:
		return "delegated"
	case RTT:
		return "rtt"
	case Data:
		return "data"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Tag is the ownership record of one granule. Level is meaningful for RTT
// granules, IPA for RTT and Data granules.
type Tag struct {
	Kind  Kind
	Realm uint64
	Level int
	IPA   uint64
}

// DelegatedTo returns the tag of a granule delegated for realm but not yet
// consumed by an RMI object.
func DelegatedTo(realm uint64) Tag { return Tag{Kind: Delegated, Realm: realm} }

// TableOf returns the tag of an RTT granule.
func TableOf(realm uint64, level int, ipa uint64) Tag {
	return Tag{Kind: RTT, Realm: realm, Level: level, IPA: ipa}
}

// DataOf returns the tag of a data granule mapped at ipa.
func DataOf(realm, ipa uint64) Tag { return Tag{Kind: Data, Realm: realm, IPA: ipa} }

func (t Tag) String() string {
	switch t.Kind {
	case Unowned:
		return "unowned"
	case RTT:
		return fmt.Sprintf("rtt(realm=0x%x, level=%d, ipa=0x%x)", t.Realm, t.Level, t.IPA)
	case Data:
		return fmt.Sprintf("data(realm=0x%x, ipa=0x%x)", t.Realm, t.IPA)
	default:
		return fmt.Sprintf("%s(realm=0x%x)", t.Kind, t.Realm)
	}
}

// Delegator issues the two RMI calls that move a granule between physical
// address spaces. *rmi.Client implements it.
type Delegator interface {
	GranuleDelegate(pa uint64) error
	GranuleUndelegate(pa uint64) error
}

const numStripes = 64

// Table is the ownership tag table. The zero value is not usable; call New.
//
// Operations on one granule are serialized by a striped lock held across the
// RMI call, so the tag never disagrees with the outcome the Realm Manager
// reported. The map itself is guarded by an RWMutex.
type Table struct {
	rmm Delegator
	log zerolog.Logger

	stripes [numStripes]sync.Mutex

	mu   sync.RWMutex
	tags map[uint64]Tag
}

// Option configures a Table.
type Option func(*Table)

// WithLogger sets the logger used for ownership transitions.
func WithLogger(l zerolog.Logger) Option {
	return func(t *Table) { t.log = l.With().Str("component", "granule").Logger() }
}

// New returns an empty table issuing delegation calls through rmm.
func New(rmm Delegator, opts ...Option) *Table {
	t := &Table{
		rmm:  rmm,
		log:  zerolog.Nop(),
		tags: make(map[uint64]Tag),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Table) stripe(pa uint64) *sync.Mutex {
	return &t.stripes[(pa>>abi.GranuleShift)%numStripes]
}

func checkAligned(pa uint64) error {
	if pa&abi.GranuleMask != 0 {
		return fmt.Errorf("granule: address 0x%x not granule-aligned", pa)
	}
	return nil
}

// Delegate hands the granule at pa to the Realm PAS on behalf of realm.
func (t *Table) Delegate(pa, realm uint64) error {
	if err := checkAligned(pa); err != nil {
		return err
	}
	s := t.stripe(pa)
	s.Lock()
	defer s.Unlock()

	if tag := t.Owner(pa); tag.Kind != Unowned {
		return fmt.Errorf("%w: 0x%x is %s", ErrAlreadyDelegated, pa, tag)
	}
	if err := t.rmm.GranuleDelegate(pa); err != nil {
		return fmt.Errorf("granule: delegate 0x%x: %w", pa, err)
	}

	t.mu.Lock()
	t.tags[pa] = DelegatedTo(realm)
	t.mu.Unlock()
	t.log.Debug().Uint64("pa", pa).Uint64("realm", realm).Msg("delegated")
	return nil
}

// Undelegate returns the granule at pa to the Non-secure PAS. On failure the
// tag is left as it was.
func (t *Table) Undelegate(pa uint64) error {
	if err := checkAligned(pa); err != nil {
		return err
	}
	s := t.stripe(pa)
	s.Lock()
	defer s.Unlock()

	if tag := t.Owner(pa); tag.Kind == Unowned {
		return fmt.Errorf("%w: 0x%x", ErrNotDelegated, pa)
	}
	if err := t.rmm.GranuleUndelegate(pa); err != nil {
		return fmt.Errorf("granule: undelegate 0x%x: %w", pa, err)
	}

	t.mu.Lock()
	delete(t.tags, pa)
	t.mu.Unlock()
	t.log.Debug().Uint64("pa", pa).Msg("undelegated")
	return nil
}

// Assign re-tags a delegated granule after an RMI call that consumed or
// released it succeeded. The realm of tag must match the current owner.
func (t *Table) Assign(pa uint64, tag Tag) error {
	if tag.Kind == Unowned {
		return fmt.Errorf("granule: assign 0x%x: use Undelegate to release a granule", pa)
	}
	s := t.stripe(pa)
	s.Lock()
	defer s.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.tags[pa]
	if !ok {
		return fmt.Errorf("%w: 0x%x", ErrNotDelegated, pa)
	}
	if cur.Realm != tag.Realm {
		return fmt.Errorf("%w: 0x%x is %s", ErrWrongRealm, pa, cur)
	}
	t.tags[pa] = tag
	return nil
}

// Owner returns the tag of the granule at pa.
func (t *Table) Owner(pa uint64) Tag {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tags[pa]
}

// Delegated returns the number of granules delegated on behalf of realm,
// whatever they are used for.
func (t *Table) Delegated(realm uint64) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, tag := range t.tags {
		if tag.Realm == realm {
			n++
		}
	}
	return n
}

// Len returns the number of delegated granules across all Realms.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.tags)
}
