package rmmsim

import (
	"errors"
	"testing"

	"github.com/blacktop/go-realm/abi"
	"github.com/blacktop/go-realm/physmem"
	"github.com/blacktop/go-realm/rmi"
)

func newSim(t *testing.T, opts ...Option) (*physmem.Arena, *Sim, *rmi.Client) {
	t.Helper()
	arena, err := physmem.New(0x8000_0000, 64*abi.GranuleSize)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { arena.Close() })
	s := New(arena, opts...)
	return arena, s, rmi.NewClient(s)
}

func TestDelegation(t *testing.T) {
	arena, s, c := newSim(t)
	pa, _ := arena.Alloc()

	if err := c.GranuleDelegate(pa); err != nil {
		t.Fatal(err)
	}
	if got := s.State(pa); got != "delegated" {
		t.Errorf("State = %s", got)
	}
	if err := c.GranuleDelegate(pa); !errors.Is(err, rmi.ErrInput) {
		t.Errorf("second delegate = %v, want ErrInput", err)
	}
	if err := c.GranuleDelegate(pa + 8); !errors.Is(err, rmi.ErrInput) {
		t.Errorf("unaligned delegate = %v, want ErrInput", err)
	}
	if err := c.GranuleDelegate(0x1000); !errors.Is(err, rmi.ErrInput) {
		t.Errorf("delegate outside the arena = %v, want ErrInput", err)
	}

	if err := arena.WriteAt([]byte{0xff}, pa); err != nil {
		t.Fatal(err)
	}
	if err := c.GranuleUndelegate(pa); err != nil {
		t.Fatal(err)
	}
	b := make([]byte, 1)
	if err := arena.ReadAt(b, pa); err != nil || b[0] != 0 {
		t.Errorf("undelegated granule not scrubbed: %x", b)
	}
	if s.Delegated() != 0 {
		t.Errorf("Delegated() = %d", s.Delegated())
	}
}

func TestFailNext(t *testing.T) {
	arena, s, c := newSim(t)
	pa, _ := arena.Alloc()

	s.FailNext(abi.RMIGranuleDelegate, abi.StatusErrorRtt, 3)
	err := c.GranuleDelegate(pa)
	status, index, ok := rmi.StatusOf(err)
	if !ok || status != abi.StatusErrorRtt || index != 3 {
		t.Fatalf("injected failure = %v", err)
	}
	if s.State(pa) != "undelegated" {
		t.Error("injected failure had side effects")
	}
	if err := c.GranuleDelegate(pa); err != nil {
		t.Errorf("failure injected twice: %v", err)
	}
}

func TestVersion(t *testing.T) {
	_, s, c := newSim(t)
	if _, err := c.Handshake(); err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	s.Version = abi.MakeVersion(abi.RMIABIVersion.Major()+1, 0)
	if _, err := c.Handshake(); !errors.Is(err, rmi.ErrProtocolMismatch) {
		t.Errorf("Handshake against another major = %v, want ErrProtocolMismatch", err)
	}
}

func TestRealmCreateChecks(t *testing.T) {
	arena, _, c := newSim(t)

	create := func(p abi.RealmParams) error {
		t.Helper()
		rd, _ := arena.Alloc()
		rtt, _ := arena.AllocContiguous(abi.StartTables(int(p.S2SZ)))
		params, _ := arena.Alloc()
		if err := c.GranuleDelegate(rd); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < abi.StartTables(int(p.S2SZ)); i++ {
			if err := c.GranuleDelegate(rtt + uint64(i)*abi.GranuleSize); err != nil {
				t.Fatal(err)
			}
		}
		p.RTTBase = rtt
		b, err := abi.Encode(p)
		if err != nil {
			t.Fatal(err)
		}
		if err := arena.WriteAt(b, params); err != nil {
			t.Fatal(err)
		}
		return c.RealmCreate(rd, params)
	}
	good := abi.RealmParams{S2SZ: 40, VMID: 7, RTTLevelStart: 1, RTTNumStart: 2}

	if err := create(good); err != nil {
		t.Fatalf("RealmCreate: %v", err)
	}
	if err := create(good); !errors.Is(err, rmi.ErrInput) {
		t.Errorf("duplicate VMID = %v, want ErrInput", err)
	}
	bad := good
	bad.VMID, bad.RTTNumStart = 8, 1
	if err := create(bad); !errors.Is(err, rmi.ErrInput) {
		t.Errorf("wrong start table count = %v, want ErrInput", err)
	}
	bad = good
	bad.VMID, bad.Flags = 9, abi.RealmFlagLPA2
	if err := create(bad); !errors.Is(err, rmi.ErrInput) {
		t.Errorf("LPA2 = %v, want ErrInput", err)
	}
}
