package rtt_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/blacktop/go-realm/abi"
	"github.com/blacktop/go-realm/granule"
	"github.com/blacktop/go-realm/internal/realmtest"
	"github.com/blacktop/go-realm/internal/rmmsim"
	"github.com/blacktop/go-realm/realm"
	"github.com/blacktop/go-realm/rmi"
	"github.com/blacktop/go-realm/rtt"
)

func newRealm(t *testing.T, opts ...realmtest.Option) (*realmtest.Env, *realm.Realm) {
	t.Helper()
	env := realmtest.New(t, opts...)
	return env, env.NewRealm(t, realmtest.Params(40))
}

func TestGeometry(t *testing.T) {
	_, r := newRealm(t)
	m := r.RTT()
	if got := m.StartLevel(); got != 1 {
		t.Errorf("StartLevel() = %d, want 1", got)
	}
	if got := m.Reserve(); got != 2 {
		t.Errorf("Reserve() = %d, want 2", got)
	}
	if got := m.ProtectedTop(); got != 1<<39 {
		t.Errorf("ProtectedTop() = 0x%x, want 0x%x", got, uint64(1<<39))
	}
	if got := (rtt.Node{Level: 3, IPA: 0x200000}).Top(); got != 0x400000 {
		t.Errorf("Top() = 0x%x, want 0x400000", got)
	}
	rng := rtt.Range{Base: 0x1000, Top: 0x3000}
	if got := rng.String(); got != "[0x1000, 0x3000)" {
		t.Errorf("String() = %q", got)
	}
	if got := rng.Size(); got != 0x2000 {
		t.Errorf("Size() = 0x%x", got)
	}
}

func TestCheckRange(t *testing.T) {
	_, r := newRealm(t)
	top := r.RTT().ProtectedTop()
	tests := []struct {
		name string
		rng  rtt.Range
		ok   bool
	}{
		{name: "page", rng: rtt.Range{Base: 0x1000, Top: 0x2000}, ok: true},
		{name: "up to the limit", rng: rtt.Range{Base: top - 0x2000, Top: top}, ok: true},
		{name: "empty", rng: rtt.Range{Base: 0x1000, Top: 0x1000}},
		{name: "inverted", rng: rtt.Range{Base: 0x2000, Top: 0x1000}},
		{name: "unaligned base", rng: rtt.Range{Base: 0x1800, Top: 0x3000}},
		{name: "unaligned top", rng: rtt.Range{Base: 0x1000, Top: 0x2800}},
		{name: "straddles", rng: rtt.Range{Base: top - 0x1000, Top: top + 0x1000}},
		{name: "unprotected", rng: rtt.Range{Base: top, Top: top + 0x1000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.RTT().CheckRange(tt.rng)
			if tt.ok && err != nil {
				t.Errorf("CheckRange(%s) = %v", tt.rng, err)
			}
			if !tt.ok && !errors.Is(err, rmi.ErrInvalidRange) {
				t.Errorf("CheckRange(%s) = %v, want ErrInvalidRange", tt.rng, err)
			}
		})
	}
}

func TestCreateTable(t *testing.T) {
	env, r := newRealm(t)
	m := r.RTT()

	for _, tc := range []struct {
		level int
		ipa   uint64
	}{
		{level: 1, ipa: 0},
		{level: 4, ipa: 0},
		{level: 3, ipa: 0x1000},
	} {
		if _, err := m.CreateTable(tc.level, tc.ipa); !errors.Is(err, rmi.ErrInvalidRange) {
			t.Errorf("CreateTable(%d, 0x%x) = %v, want ErrInvalidRange", tc.level, tc.ipa, err)
		}
	}

	if err := m.Replenish(); err != nil {
		t.Fatal(err)
	}
	spare := m.Spare()
	delegated := env.Sim.Delegated()

	env.Sim.FailNext(abi.RMIRttCreate, abi.StatusErrorRtt, 1)
	if _, err := m.CreateTable(2, 0); !errors.Is(err, rmi.ErrRtt) {
		t.Fatalf("CreateTable = %v, want ErrRtt", err)
	}
	if got := m.Spare(); got != spare {
		t.Errorf("spare after failed create = 0x%x, want 0x%x", got, spare)
	}
	if got := env.Sim.Delegated(); got != delegated {
		t.Errorf("delegated granules = %d, want %d", got, delegated)
	}
	if n := len(m.Nodes()); n != 0 {
		t.Errorf("failed create left %d nodes", n)
	}

	n, err := m.CreateTable(2, 0)
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if n.PA != spare || m.Spare() != 0 {
		t.Errorf("table at 0x%x did not use the spare 0x%x", n.PA, spare)
	}
	if again, err := m.CreateTable(2, 0); err != nil || again != n {
		t.Errorf("second CreateTable = %v, %v; want the existing node", again, err)
	}
	if tag := env.Granules.Owner(n.PA); tag.Kind != granule.RTT || tag.Level != 2 {
		t.Errorf("table granule tagged %s", tag)
	}

	// without a spare and with an empty cache nothing is allocated under the lock
	if _, err := m.CreateTable(3, 0); !errors.Is(err, rmi.ErrResourceExhausted) {
		t.Errorf("CreateTable with an empty cache = %v, want ErrResourceExhausted", err)
	}
}

// owned returns the tag of every granule of the arena that is not Unowned.
func owned(env *realmtest.Env) map[uint64]granule.Tag {
	tags := make(map[uint64]granule.Tag)
	base := env.Arena.Base()
	for pa := base; pa < base+uint64(env.Arena.Size()); pa += abi.GranuleSize {
		if tag := env.Granules.Owner(pa); tag.Kind != granule.Unowned {
			tags[pa] = tag
		}
	}
	return tags
}

func TestCreateTableFromCache(t *testing.T) {
	env, r := newRealm(t)
	m := r.RTT()
	if m.Spare() != 0 {
		t.Fatal("new realm has a spare granule")
	}
	before := owned(env)
	delegated := env.Sim.Delegated()

	// the walk stops at the root, so the range call needs a level 2 table
	// delegated fresh from the cache
	env.Sim.FailNext(abi.RMIRttCreate, abi.StatusErrorRtt, 1)
	err := m.SetIPAStateRange(rtt.Range{Base: 0, Top: 0x2000}, abi.RipasRAM, true, 0, nil)
	if !errors.Is(err, rmi.ErrRtt) {
		t.Fatalf("SetIPAStateRange = %v, want ErrRtt", err)
	}
	if got := env.Sim.Delegated(); got != delegated {
		t.Errorf("delegated granules = %d, want %d", got, delegated)
	}
	after := owned(env)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("ownership changed by a failed create (-before +after):\n%s", diff)
	}
	if n := len(m.Nodes()); n != 0 {
		t.Errorf("failed create left %d nodes", n)
	}

	// the rejected granule went back on top of the cache
	n, err := m.CreateTable(2, 0)
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if _, found := before[n.PA]; found {
		t.Fatalf("table granule 0x%x was owned before", n.PA)
	}
	if tag := after[n.PA]; tag.Kind != granule.Unowned {
		t.Errorf("granule 0x%x tagged %s after the failed create, want unowned", n.PA, tag)
	}
	if len(m.Released()) != 0 {
		t.Errorf("released granules: %x", m.Released())
	}
}

func TestDestroyTable(t *testing.T) {
	env, r := newRealm(t)
	m := r.RTT()
	if err := r.Populate(0x1000, make([]byte, abi.GranuleSize)); err != nil {
		t.Fatal(err)
	}
	nodes := m.Nodes()
	want := []rtt.Node{{Level: 2, IPA: 0}, {Level: 3, IPA: 0}}
	if diff := cmp.Diff(want, nodes, cmp.Comparer(func(a, b rtt.Node) bool {
		return a.Level == b.Level && a.IPA == b.IPA
	})); diff != "" {
		t.Fatalf("nodes mismatch (-want +got):\n%s", diff)
	}

	l2, l3 := nodes[0], nodes[1]
	if _, err := m.DestroyTable(&l2); !errors.Is(err, rtt.ErrNotEmpty) {
		t.Errorf("DestroyTable(level 2) = %v, want ErrNotEmpty", err)
	}
	if _, err := m.DestroyTable(&l3); !errors.Is(err, rtt.ErrNotEmpty) {
		t.Errorf("DestroyTable(level 3 with data) = %v, want ErrNotEmpty", err)
	}

	pa, err := m.UnmapData(0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if got := env.Sim.State(pa); got != "undelegated" {
		t.Errorf("unmapped data granule is %s", got)
	}
	if _, err := m.UnmapData(0x1000); !errors.Is(err, rmi.ErrInput) {
		t.Errorf("second UnmapData = %v, want ErrInput", err)
	}

	pa, err = m.DestroyTable(&l3)
	if err != nil {
		t.Fatalf("DestroyTable(level 3): %v", err)
	}
	if pa != l3.PA || env.Sim.State(pa) != "undelegated" {
		t.Errorf("DestroyTable returned 0x%x in state %s", pa, env.Sim.State(pa))
	}
	if _, err := m.DestroyTable(&l2); err != nil {
		t.Errorf("DestroyTable(level 2): %v", err)
	}
	if _, err := m.DestroyTable(&l2); err == nil {
		t.Error("destroyed a table twice")
	}
}

func TestSetIPAStateRange(t *testing.T) {
	env, r := newRealm(t, realmtest.WithSim(rmmsim.WithChunk(5)))
	m := r.RTT()
	rng := rtt.Range{Base: 0x1f0000, Top: 0x230000}

	var segments []rtt.Range
	err := m.SetIPAStateRange(rng, abi.RipasRAM, true, 0, func(base, top uint64) {
		segments = append(segments, rtt.Range{Base: base, Top: top})
	})
	if err != nil {
		t.Fatalf("SetIPAStateRange: %v", err)
	}
	next := rng.Base
	for _, s := range segments {
		if s.Base != next || s.Top <= s.Base || s.Size() > 5*abi.GranuleSize {
			t.Fatalf("segment %s out of order in %v", s, segments)
		}
		if s.Base < 0x200000 && s.Top > 0x200000 {
			t.Errorf("segment %s crosses a level 3 table", s)
		}
		next = s.Top
	}
	if next != rng.Top {
		t.Errorf("covered up to 0x%x, want 0x%x", next, rng.Top)
	}
	for ipa := rng.Base; ipa < rng.Top; ipa += abi.GranuleSize {
		if got := env.Sim.Ripas(r.ID(), ipa); got != abi.RipasRAM {
			t.Fatalf("RIPAS at 0x%x = %s", ipa, got)
		}
	}
	if env.Sim.Tables(r.ID()) != len(m.Nodes()) {
		t.Errorf("simulator has %d tables, manager %d", env.Sim.Tables(r.ID()), len(m.Nodes()))
	}

	if err := m.SetIPAStateRange(rtt.Range{Base: 0, Top: m.ProtectedTop() + abi.GranuleSize}, abi.RipasRAM, true, 0, nil); !errors.Is(err, rmi.ErrInvalidRange) {
		t.Errorf("straddling range = %v, want ErrInvalidRange", err)
	}
	if _, err := m.SetIPAState(rtt.Range{Base: 0, Top: 0x1000}, abi.RipasEmpty, true, 0); !errors.Is(err, rmi.ErrInput) {
		t.Errorf("measured EMPTY = %v, want ErrInput", err)
	}
}

func TestFold(t *testing.T) {
	env, r := newRealm(t)
	m := r.RTT()
	if err := m.SetIPAStateRange(rtt.Range{Base: 0x200000, Top: 0x400000}, abi.RipasRAM, true, 0, nil); err != nil {
		t.Fatal(err)
	}
	if err := r.Populate(0x1000, make([]byte, abi.GranuleSize)); err != nil {
		t.Fatal(err)
	}
	delegated := env.Sim.Delegated()

	var busy, homogeneous rtt.Node
	for _, n := range m.Nodes() {
		switch {
		case n.Level == 3 && n.IPA == 0:
			busy = n
		case n.Level == 3 && n.IPA == 0x200000:
			homogeneous = n
		}
	}
	if err := m.Fold(&busy); !errors.Is(err, rmi.ErrRtt) {
		t.Errorf("Fold of a table mapping data = %v, want ErrRtt", err)
	}
	if err := m.Fold(&homogeneous); err != nil {
		t.Fatalf("Fold: %v", err)
	}
	for _, n := range m.Nodes() {
		if n.Level == 3 && n.IPA == 0x200000 {
			t.Error("folded table still tracked")
		}
	}
	if got := env.Sim.Delegated(); got != delegated-1 {
		t.Errorf("delegated granules = %d, want %d", got, delegated-1)
	}
	if got := env.Sim.Ripas(r.ID(), 0x300000); got != abi.RipasRAM {
		t.Errorf("RIPAS after fold = %s, want RAM", got)
	}
}

func TestUnprotected(t *testing.T) {
	env, r := newRealm(t)
	m := r.RTT()
	ipa := m.ProtectedTop() + 0x5000
	host, err := env.Arena.Alloc()
	if err != nil {
		t.Fatal(err)
	}

	if err := m.MapUnprotected(0x5000, host); !errors.Is(err, rmi.ErrInvalidRange) {
		t.Errorf("MapUnprotected(protected) = %v, want ErrInvalidRange", err)
	}
	if err := m.MapUnprotected(ipa, host); err != nil {
		t.Fatalf("MapUnprotected: %v", err)
	}
	e, err := m.ReadEntry(ipa, abi.MaxLevel)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(rmi.RttEntry{WalkLevel: 3, State: abi.RttAssignedNS, Desc: host}, e); diff != "" {
		t.Errorf("entry mismatch (-want +got):\n%s", diff)
	}
	if got := env.Granules.Owner(host).Kind; got != granule.Unowned {
		t.Errorf("host granule owned: %s", got)
	}

	got, err := m.UnmapUnprotected(ipa)
	if err != nil || got != host {
		t.Fatalf("UnmapUnprotected = 0x%x, %v; want 0x%x", got, err, host)
	}
	if e, _ := m.ReadEntry(ipa, abi.MaxLevel); e.State != abi.RttUnassignedNS {
		t.Errorf("entry after unmap is %d", e.State)
	}
	if _, err := m.UnmapUnprotected(ipa); !errors.Is(err, rmi.ErrInput) {
		t.Errorf("second UnmapUnprotected = %v, want ErrInput", err)
	}
}

func TestDestroyAll(t *testing.T) {
	env, r := newRealm(t)
	m := r.RTT()
	free := env.Arena.Available()

	if err := r.Populate(0x1000, bytes.Repeat([]byte{0xaa}, 3*abi.GranuleSize)); err != nil {
		t.Fatal(err)
	}
	if err := r.Populate(0x4000_0000, bytes.Repeat([]byte{0xbb}, abi.GranuleSize)); err != nil {
		t.Fatal(err)
	}
	host, err := env.Arena.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	if err := m.MapUnprotected(m.ProtectedTop(), host); err != nil {
		t.Fatal(err)
	}
	if err := m.Replenish(); err != nil {
		t.Fatal(err)
	}
	if n := len(m.Mappings()); n != 4 {
		t.Fatalf("%d mappings, want 4", n)
	}
	if pa, mapped := m.Lookup(0x2abc); !mapped || env.Granules.Owner(pa).IPA != 0x2000 {
		t.Errorf("Lookup(0x2abc) = 0x%x, %v", pa, mapped)
	}

	if err := m.DestroyAll(); err != nil {
		t.Fatalf("DestroyAll: %v", err)
	}
	if n := len(m.Nodes()); n != 0 {
		t.Errorf("%d tables left", n)
	}
	if n := len(m.Mappings()); n != 0 {
		t.Errorf("%d mappings left", n)
	}
	if m.Spare() != 0 {
		t.Error("spare left delegated")
	}
	if got, want := env.Granules.Delegated(r.ID()), 1+abi.StartTables(40); got != want {
		t.Errorf("realm owns %d granules, want %d", got, want)
	}
	if env.Sim.Tables(r.ID()) != 0 {
		t.Errorf("simulator still has %d tables", env.Sim.Tables(r.ID()))
	}
	// the host page and the cache stay with their owners
	if err := env.Arena.Free(host); err != nil {
		t.Fatal(err)
	}
	if got := env.Arena.Available(); got > free {
		t.Errorf("free granules = %d, more than the %d before", got, free)
	}
}
