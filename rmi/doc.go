// Package rmi is the host side of the Realm Management Interface.
//
// A Client issues one RMI command per method through a Conduit, the
// boundary to the Realm Manager (an SMC on hardware, the simulator in
// internal/rmmsim otherwise). Non-zero return codes come back as *Error
// values, which match the kind sentinels with errors.Is:
//
//	if err := c.GranuleDelegate(pa); errors.Is(err, rmi.ErrInput) {
//		// bad address or granule already delegated
//	}
//
// The client never retries. Callers that keep state about granules, tables
// or RECs (packages granule, rtt, realm and rec) decide how to recover.
//
// Package level counters record every call; see GetMetrics.
package rmi
