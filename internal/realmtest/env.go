// Package realmtest wires the host stack to a simulated Realm Manager for
// tests: one arena, one simulator, one ownership table and one Host.
package realmtest

import (
	"os"
	"testing"

	"github.com/rs/zerolog"

	"github.com/blacktop/go-realm/granule"
	"github.com/blacktop/go-realm/internal/rmmsim"
	"github.com/blacktop/go-realm/physmem"
	"github.com/blacktop/go-realm/realm"
	"github.com/blacktop/go-realm/rmi"
)

// ArenaBase is the physical address the test arena starts at.
const ArenaBase = 0x8000_0000

// DefaultArenaSize is large enough for a few small Realms.
const DefaultArenaSize = 8 << 20

// Env is a host stack backed by rmmsim.
type Env struct {
	Arena    *physmem.Arena
	Sim      *rmmsim.Sim
	RMM      *rmi.Client
	Granules *granule.Table
	Host     *realm.Host
	Log      zerolog.Logger
}

type config struct {
	size    int
	simOpts []rmmsim.Option
}

// Option configures an Env.
type Option func(*config)

// WithArenaSize sets the arena size in bytes.
func WithArenaSize(n int) Option { return func(c *config) { c.size = n } }

// WithSim passes options to the simulator.
func WithSim(opts ...rmmsim.Option) Option {
	return func(c *config) { c.simOpts = append(c.simOpts, opts...) }
}

// Logger returns a logger writing through t when REALM_TEST_LOG is set.
func Logger(t testing.TB) zerolog.Logger {
	if os.Getenv("REALM_TEST_LOG") == "" {
		return zerolog.Nop()
	}
	return zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.DebugLevel)
}

// New returns a fresh environment. The arena is unmapped when t ends.
func New(t testing.TB, opts ...Option) *Env {
	t.Helper()

	cfg := config{size: DefaultArenaSize}
	for _, o := range opts {
		o(&cfg)
	}
	arena, err := physmem.New(ArenaBase, cfg.size)
	if err != nil {
		t.Fatalf("physmem.New: %v", err)
	}
	t.Cleanup(func() { arena.Close() })

	log := Logger(t)
	sim := rmmsim.New(arena, append([]rmmsim.Option{rmmsim.WithLogger(log)}, cfg.simOpts...)...)
	rmm := rmi.NewClient(sim, rmi.WithLogger(log))
	granules := granule.New(rmm, granule.WithLogger(log))
	return &Env{
		Arena:    arena,
		Sim:      sim,
		RMM:      rmm,
		Granules: granules,
		Host:     realm.NewHost(rmm, granules, arena, realm.WithLogger(log)),
		Log:      log,
	}
}

// Params returns minimal Realm parameters for ipaBits.
func Params(ipaBits int) realm.Params {
	return realm.Params{VMID: 1, IPABits: ipaBits}
}

// NewRealm creates a Realm, failing the test on error.
func (e *Env) NewRealm(t testing.TB, p realm.Params) *realm.Realm {
	t.Helper()
	r, err := e.Host.Create(p)
	if err != nil {
		t.Fatalf("Create(%+v): %v", p, err)
	}
	return r
}

// Leaks reports granules still delegated or allocated beyond baseline, the
// arena's free count taken before the test acted.
func (e *Env) Leaks(baseline int) (delegated, allocated int) {
	return e.Sim.Delegated(), baseline - e.Arena.Available()
}
