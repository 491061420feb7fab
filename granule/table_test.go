package granule

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/blacktop/go-realm/abi"
	"github.com/blacktop/go-realm/rmi"
)

// fakeRMM tracks delegation like the Realm Manager would and can be told to
// reject the next call.
type fakeRMM struct {
	mu        sync.Mutex
	delegated map[uint64]bool
	failNext  bool
}

func newFakeRMM() *fakeRMM { return &fakeRMM{delegated: make(map[uint64]bool)} }

func (f *fakeRMM) conduit() rmi.Conduit {
	return rmi.ConduitFunc(func(fid uint64, args ...uint64) rmi.Result {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failNext {
			f.failNext = false
			return rmi.Result{Code: abi.PackReturn(abi.StatusErrorInput, 1)}
		}
		pa := args[0]
		switch fid {
		case abi.RMIGranuleDelegate:
			if f.delegated[pa] {
				return rmi.Result{Code: abi.PackReturn(abi.StatusErrorInput, 1)}
			}
			f.delegated[pa] = true
		case abi.RMIGranuleUndelegate:
			if !f.delegated[pa] {
				return rmi.Result{Code: abi.PackReturn(abi.StatusErrorInput, 1)}
			}
			delete(f.delegated, pa)
		}
		return rmi.Result{}
	})
}

func TestDelegate(t *testing.T) {
	rmm := newFakeRMM()
	tbl := New(rmi.NewClient(rmm.conduit()))

	if err := tbl.Delegate(0x8000_0000, 1); err != nil {
		t.Fatalf("Delegate() error = %v", err)
	}
	if diff := cmp.Diff(DelegatedTo(1), tbl.Owner(0x8000_0000)); diff != "" {
		t.Errorf("Owner() mismatch (-want +got):\n%s", diff)
	}

	err := tbl.Delegate(0x8000_0000, 2)
	if !errors.Is(err, ErrAlreadyDelegated) {
		t.Errorf("second Delegate() error = %v, want ErrAlreadyDelegated", err)
	}

	if err := tbl.Delegate(0x8000_0010, 1); err == nil {
		t.Error("Delegate() of unaligned address should fail")
	}
}

func TestDelegateRejected(t *testing.T) {
	rmm := newFakeRMM()
	tbl := New(rmi.NewClient(rmm.conduit()))

	rmm.failNext = true
	err := tbl.Delegate(0x8000_1000, 1)
	if !errors.Is(err, rmi.ErrInput) {
		t.Fatalf("Delegate() error = %v, want rmi.ErrInput", err)
	}
	if got := tbl.Owner(0x8000_1000).Kind; got != Unowned {
		t.Errorf("tag after rejected delegate = %s, want unowned", got)
	}
}

func TestUndelegate(t *testing.T) {
	rmm := newFakeRMM()
	tbl := New(rmi.NewClient(rmm.conduit()))

	if err := tbl.Undelegate(0x8000_2000); !errors.Is(err, ErrNotDelegated) {
		t.Errorf("Undelegate() of unowned granule error = %v, want ErrNotDelegated", err)
	}

	if err := tbl.Delegate(0x8000_2000, 1); err != nil {
		t.Fatal(err)
	}
	rmm.failNext = true
	if err := tbl.Undelegate(0x8000_2000); err == nil {
		t.Fatal("Undelegate() should surface the Realm Manager rejection")
	}
	if got := tbl.Owner(0x8000_2000).Kind; got != Delegated {
		t.Errorf("tag after rejected undelegate = %s, want delegated", got)
	}

	if err := tbl.Undelegate(0x8000_2000); err != nil {
		t.Fatalf("Undelegate() error = %v", err)
	}
	if tbl.Len() != 0 {
		t.Errorf("Len() = %d, want 0", tbl.Len())
	}
}

func TestAssign(t *testing.T) {
	rmm := newFakeRMM()
	tbl := New(rmi.NewClient(rmm.conduit()))

	if err := tbl.Assign(0x8000_3000, TableOf(1, 2, 0)); !errors.Is(err, ErrNotDelegated) {
		t.Errorf("Assign() of unowned granule error = %v, want ErrNotDelegated", err)
	}
	if err := tbl.Delegate(0x8000_3000, 1); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Assign(0x8000_3000, DataOf(2, 0x1000)); !errors.Is(err, ErrWrongRealm) {
		t.Errorf("Assign() to another realm error = %v, want ErrWrongRealm", err)
	}
	if err := tbl.Assign(0x8000_3000, DataOf(1, 0x1000)); err != nil {
		t.Fatalf("Assign() error = %v", err)
	}
	if diff := cmp.Diff(DataOf(1, 0x1000), tbl.Owner(0x8000_3000)); diff != "" {
		t.Errorf("Owner() mismatch (-want +got):\n%s", diff)
	}
	if err := tbl.Assign(0x8000_3000, Tag{}); err == nil {
		t.Error("Assign() of an unowned tag should fail")
	}
}

func TestConservation(t *testing.T) {
	rmm := newFakeRMM()
	tbl := New(rmi.NewClient(rmm.conduit()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(realm uint64) {
			defer wg.Done()
			for j := uint64(0); j < 32; j++ {
				pa := 0x8000_0000 + (realm*32+j)*abi.GranuleSize
				if err := tbl.Delegate(pa, realm); err != nil {
					t.Errorf("Delegate(0x%x) error = %v", pa, err)
					return
				}
				if j%2 == 0 {
					if err := tbl.Undelegate(pa); err != nil {
						t.Errorf("Undelegate(0x%x) error = %v", pa, err)
					}
				}
			}
		}(uint64(i))
	}
	wg.Wait()

	for realm := uint64(0); realm < 8; realm++ {
		if got := tbl.Delegated(realm); got != 16 {
			t.Errorf("Delegated(%d) = %d, want 16", realm, got)
		}
	}
	if tbl.Len() != len(rmm.delegated) {
		t.Errorf("host view %d granules, realm manager %d", tbl.Len(), len(rmm.delegated))
	}
}
