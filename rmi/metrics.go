package rmi

import (
	"sync/atomic"
	"time"

	"github.com/blacktop/go-realm/abi"
)

// Counters for monitoring Realm Manager traffic
var (
	// Operation counters
	callCount       uint64
	delegateCount   uint64
	undelegateCount uint64
	realmCreates    uint64
	realmDestroys   uint64
	recCreates      uint64
	recDestroys     uint64
	recEnters       uint64
	rttCreates      uint64
	rttDestroys     uint64
	ripasCalls      uint64

	// Timing metrics (nanoseconds)
	totalEnterTime uint64

	// Error counters, indexed by status
	statusErrors [abi.StatusErrorRtt + 2]uint64
)

// Metrics is a snapshot of the counters above.
type Metrics struct {
	Calls           uint64 `json:"calls"`
	Delegations     uint64 `json:"delegations"`
	Undelegations   uint64 `json:"undelegations"`
	RealmsCreated   uint64 `json:"realms_created"`
	RealmsDestroyed uint64 `json:"realms_destroyed"`
	RecsCreated     uint64 `json:"recs_created"`
	RecsDestroyed   uint64 `json:"recs_destroyed"`
	RecEnters       uint64 `json:"rec_enters"`
	RttsCreated     uint64 `json:"rtts_created"`
	RttsDestroyed   uint64 `json:"rtts_destroyed"`
	RipasCalls      uint64 `json:"ripas_calls"`
	AvgEnterTimeNs  uint64 `json:"avg_enter_time_ns"`
	InputErrors     uint64 `json:"input_errors"`
	RealmErrors     uint64 `json:"realm_errors"`
	RecErrors       uint64 `json:"rec_errors"`
	RttErrors       uint64 `json:"rtt_errors"`
	UnknownErrors   uint64 `json:"unknown_errors"`
}

// GetMetrics returns current metrics
func GetMetrics() Metrics {
	enters := atomic.LoadUint64(&recEnters)

	var avgEnter uint64
	if enters > 0 {
		avgEnter = atomic.LoadUint64(&totalEnterTime) / enters
	}

	return Metrics{
		Calls:           atomic.LoadUint64(&callCount),
		Delegations:     atomic.LoadUint64(&delegateCount),
		Undelegations:   atomic.LoadUint64(&undelegateCount),
		RealmsCreated:   atomic.LoadUint64(&realmCreates),
		RealmsDestroyed: atomic.LoadUint64(&realmDestroys),
		RecsCreated:     atomic.LoadUint64(&recCreates),
		RecsDestroyed:   atomic.LoadUint64(&recDestroys),
		RecEnters:       enters,
		RttsCreated:     atomic.LoadUint64(&rttCreates),
		RttsDestroyed:   atomic.LoadUint64(&rttDestroys),
		RipasCalls:      atomic.LoadUint64(&ripasCalls),
		AvgEnterTimeNs:  avgEnter,
		InputErrors:     atomic.LoadUint64(&statusErrors[abi.StatusErrorInput]),
		RealmErrors:     atomic.LoadUint64(&statusErrors[abi.StatusErrorRealm]),
		RecErrors:       atomic.LoadUint64(&statusErrors[abi.StatusErrorRec]),
		RttErrors:       atomic.LoadUint64(&statusErrors[abi.StatusErrorRtt]),
		UnknownErrors:   atomic.LoadUint64(&statusErrors[len(statusErrors)-1]),
	}
}

// ResetMetrics clears all metrics
func ResetMetrics() {
	for _, c := range []*uint64{
		&callCount, &delegateCount, &undelegateCount, &realmCreates, &realmDestroys,
		&recCreates, &recDestroys, &recEnters, &rttCreates, &rttDestroys, &ripasCalls,
		&totalEnterTime,
	} {
		atomic.StoreUint64(c, 0)
	}
	for i := range statusErrors {
		atomic.StoreUint64(&statusErrors[i], 0)
	}
}

// record bumps the per-command counter of a successful call.
func record(fid uint64) {
	atomic.AddUint64(&callCount, 1)

	var c *uint64
	switch fid {
	case abi.RMIGranuleDelegate:
		c = &delegateCount
	case abi.RMIGranuleUndelegate:
		c = &undelegateCount
	case abi.RMIRealmCreate:
		c = &realmCreates
	case abi.RMIRealmDestroy:
		c = &realmDestroys
	case abi.RMIRecCreate:
		c = &recCreates
	case abi.RMIRecDestroy:
		c = &recDestroys
	case abi.RMIRttCreate:
		c = &rttCreates
	case abi.RMIRttDestroy:
		c = &rttDestroys
	case abi.RMIRttInitRipas, abi.RMIRttSetRipas:
		c = &ripasCalls
	default:
		return
	}
	atomic.AddUint64(c, 1)
}

func recordFailure(s abi.Status) {
	atomic.AddUint64(&callCount, 1)
	i := int(s)
	if i <= 0 || i >= len(statusErrors)-1 {
		i = len(statusErrors) - 1
	}
	atomic.AddUint64(&statusErrors[i], 1)
}

func recordEnter(duration time.Duration) {
	atomic.AddUint64(&recEnters, 1)
	atomic.AddUint64(&totalEnterTime, uint64(duration.Nanoseconds()))
}
