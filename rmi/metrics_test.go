package rmi

import (
	"testing"

	"github.com/blacktop/go-realm/abi"
)

func TestMetrics(t *testing.T) {
	// Reset metrics for clean test
	ResetMetrics()

	metrics := GetMetrics()
	if metrics.Calls != 0 {
		t.Errorf("Expected Calls=0, got %d", metrics.Calls)
	}

	fail := false
	c := NewClient(ConduitFunc(func(fid uint64, args ...uint64) Result {
		if fail {
			return Result{Code: abi.PackReturn(abi.StatusErrorInput, 0)}
		}
		return Result{}
	}))

	_ = c.GranuleDelegate(0x1000)
	_ = c.GranuleDelegate(0x2000)
	_ = c.GranuleUndelegate(0x1000)
	_ = c.RecEnter(0x3000, 0x4000)
	fail = true
	_ = c.GranuleDelegate(0x5000)

	metrics = GetMetrics()
	if metrics.Calls != 5 {
		t.Errorf("Expected Calls=5, got %d", metrics.Calls)
	}
	if metrics.Delegations != 2 {
		t.Errorf("Expected Delegations=2, got %d", metrics.Delegations)
	}
	if metrics.Undelegations != 1 {
		t.Errorf("Expected Undelegations=1, got %d", metrics.Undelegations)
	}
	if metrics.RecEnters != 1 {
		t.Errorf("Expected RecEnters=1, got %d", metrics.RecEnters)
	}
	if metrics.InputErrors != 1 {
		t.Errorf("Expected InputErrors=1, got %d", metrics.InputErrors)
	}

	t.Logf("Final metrics: %+v", metrics)
}
