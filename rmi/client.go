package rmi

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/blacktop/go-realm/abi"
)

// Result is the register state returned by the Realm Manager: the packed
// return code from X0 and the output values from X1-X4.
type Result struct {
	Code abi.ReturnCode
	Out  [4]uint64
}

// Conduit issues a single call across the host/Realm Manager boundary
// (an SMC on hardware). Call blocks until the Realm Manager returns.
type Conduit interface {
	Call(fid uint64, args ...uint64) Result
}

// ConduitFunc adapts a function to the Conduit interface.
type ConduitFunc func(fid uint64, args ...uint64) Result

func (f ConduitFunc) Call(fid uint64, args ...uint64) Result { return f(fid, args...) }

// Client marshals RMI commands. It keeps no state about the objects it
// manipulates and never retries: most commands are not idempotent.
type Client struct {
	conduit Conduit
	log     zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used for call traces.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l.With().Str("component", "rmi").Logger() }
}

// NewClient returns a Client issuing calls through conduit.
func NewClient(conduit Conduit, opts ...Option) *Client {
	c := &Client{conduit: conduit, log: zerolog.Nop()}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) call(fid uint64, args ...uint64) (Result, error) {
	res := c.conduit.Call(fid, args...)
	if err := rmiErr(fid, res.Code); err != nil {
		recordFailure(res.Code.Status())
		c.log.Debug().
			Str("call", abi.FIDName(fid)).
			Stringer("status", res.Code.Status()).
			Uint8("index", res.Code.Index()).
			Msg("call failed")
		return res, err
	}
	record(fid)
	return res, nil
}

// Version returns the lowest and highest interface revisions the Realm
// Manager implements, given the revision requested by the host.
func (c *Client) Version(req abi.Version) (lower, higher abi.Version, err error) {
	res := c.conduit.Call(abi.RMIVersion, uint64(req))
	record(abi.RMIVersion)
	lower, higher = abi.Version(res.Out[0]), abi.Version(res.Out[1])
	// RMI_VERSION reports a mismatch through the status but always returns the
	// implemented range, which is what negotiation needs.
	return lower, higher, nil
}

// Handshake negotiates the RMI revision. A major mismatch is fatal: the host
// has no Realm support at all. A minor mismatch degrades to the common subset.
func (c *Client) Handshake() (abi.Version, error) {
	want := abi.RMIABIVersion
	_, rmm, err := c.Version(want)
	if err != nil {
		return 0, err
	}
	if rmm.Major() != want.Major() {
		return 0, fmt.Errorf("%w: host speaks RMI %s, realm manager implements %s",
			ErrProtocolMismatch, want, rmm)
	}
	if rmm.Minor() != want.Minor() {
		c.log.Info().Stringer("host", want).Stringer("rmm", rmm).Msg("RMI minor version differs, using common subset")
	}
	if rmm.Minor() > want.Minor() {
		return want, nil
	}
	return rmm, nil
}

// Features reads feature register index.
func (c *Client) Features(index uint64) (uint64, error) {
	res, err := c.call(abi.RMIFeatures, index)
	return res.Out[0], err
}

// GranuleDelegate transitions the granule at pa to the Realm PAS.
func (c *Client) GranuleDelegate(pa uint64) error {
	_, err := c.call(abi.RMIGranuleDelegate, pa)
	return err
}

// GranuleUndelegate returns the granule at pa to the Non-secure PAS. Its
// contents are scrubbed by the Realm Manager.
func (c *Client) GranuleUndelegate(pa uint64) error {
	_, err := c.call(abi.RMIGranuleUndelegate, pa)
	return err
}

// DataCreate copies src into the delegated granule data, maps it at ipa and,
// with abi.DataMeasureContent, extends the Realm's measurement.
func (c *Client) DataCreate(rd, data, ipa, src, flags uint64) error {
	_, err := c.call(abi.RMIDataCreate, rd, data, ipa, src, flags)
	return err
}

// DataCreateUnknown maps the delegated granule data at ipa with unknown contents.
func (c *Client) DataCreateUnknown(rd, data, ipa uint64) error {
	_, err := c.call(abi.RMIDataCreateUnknown, rd, data, ipa)
	return err
}

// DataDestroy unmaps the data granule at ipa and returns its address and the
// top of the unmapped range.
func (c *Client) DataDestroy(rd, ipa uint64) (data, top uint64, err error) {
	res, err := c.call(abi.RMIDataDestroy, rd, ipa)
	return res.Out[0], res.Out[1], err
}

// RealmCreate creates a Realm descriptor at rd from the parameter page params.
func (c *Client) RealmCreate(rd, params uint64) error {
	_, err := c.call(abi.RMIRealmCreate, rd, params)
	return err
}

// RealmActivate freezes the initial measurement and makes RECs runnable.
func (c *Client) RealmActivate(rd uint64) error {
	_, err := c.call(abi.RMIRealmActivate, rd)
	return err
}

// RealmDestroy destroys the Realm descriptor at rd.
func (c *Client) RealmDestroy(rd uint64) error {
	_, err := c.call(abi.RMIRealmDestroy, rd)
	return err
}

// RecAuxCount returns the number of auxiliary granules a REC of rd needs.
func (c *Client) RecAuxCount(rd uint64) (int, error) {
	res, err := c.call(abi.RMIRecAuxCount, rd)
	return int(res.Out[0]), err
}

// RecCreate creates a REC at rec from the parameter page params.
func (c *Client) RecCreate(rd, rec, params uint64) error {
	_, err := c.call(abi.RMIRecCreate, rd, rec, params)
	return err
}

// RecDestroy destroys the REC at rec.
func (c *Client) RecDestroy(rec uint64) error {
	_, err := c.call(abi.RMIRecDestroy, rec)
	return err
}

// RecEnter runs the REC until it exits back to the host, exchanging state
// through the RecRun page at run. It blocks for as long as the Realm runs.
func (c *Client) RecEnter(rec, run uint64) error {
	start := time.Now()
	defer func() {
		recordEnter(time.Since(start))
	}()
	_, err := c.call(abi.RMIRecEnter, rec, run)
	return err
}

// RttCreate makes the delegated granule rtt the level table covering ipa.
func (c *Client) RttCreate(rd, rtt, ipa uint64, level int) error {
	_, err := c.call(abi.RMIRttCreate, rd, rtt, ipa, uint64(level))
	return err
}

// RttDestroy removes the level table covering ipa and returns its address
// and the top of the range it covered.
func (c *Client) RttDestroy(rd, ipa uint64, level int) (rtt, top uint64, err error) {
	res, err := c.call(abi.RMIRttDestroy, rd, ipa, uint64(level))
	return res.Out[0], res.Out[1], err
}

// RttFold replaces the homogeneous level table covering ipa with a block
// entry in its parent and returns the freed table.
func (c *Client) RttFold(rd, ipa uint64, level int) (uint64, error) {
	res, err := c.call(abi.RMIRttFold, rd, ipa, uint64(level))
	return res.Out[0], err
}

// RttEntry is the decoded result of RTT_READ_ENTRY.
type RttEntry struct {
	WalkLevel int
	State     abi.RttEntryState
	Desc      uint64
	Ripas     abi.Ripas
}

// RttReadEntry reads the entry mapping ipa at level.
func (c *Client) RttReadEntry(rd, ipa uint64, level int) (RttEntry, error) {
	res, err := c.call(abi.RMIRttReadEntry, rd, ipa, uint64(level))
	if err != nil {
		return RttEntry{}, err
	}
	return RttEntry{
		WalkLevel: int(res.Out[0]),
		State:     abi.RttEntryState(res.Out[1]),
		Desc:      res.Out[2],
		Ripas:     abi.Ripas(res.Out[3]),
	}, nil
}

// RttMapUnprotected maps the non-secure descriptor desc at ipa.
func (c *Client) RttMapUnprotected(rd, ipa uint64, level int, desc uint64) error {
	_, err := c.call(abi.RMIRttMapUnprotected, rd, ipa, uint64(level), desc)
	return err
}

// RttUnmapUnprotected removes an unprotected mapping and returns the top of
// the unmapped range.
func (c *Client) RttUnmapUnprotected(rd, ipa uint64, level int) (uint64, error) {
	res, err := c.call(abi.RMIRttUnmapUnprotected, rd, ipa, uint64(level))
	return res.Out[0], err
}

// RttInitRipas sets RIPAS=RAM on [base, top) of a new Realm, extending the
// measurement. It returns how far it got.
func (c *Client) RttInitRipas(rd, base, top uint64) (uint64, error) {
	res, err := c.call(abi.RMIRttInitRipas, rd, base, top)
	return res.Out[0], err
}

// RttSetRipas completes part of the RIPAS change requested by rec and
// returns how far it got.
func (c *Client) RttSetRipas(rd, rec, base, top uint64) (uint64, error) {
	res, err := c.call(abi.RMIRttSetRipas, rd, rec, base, top)
	return res.Out[0], err
}

// PsciComplete completes a PSCI call of calling that targets target.
func (c *Client) PsciComplete(calling, target, status uint64) error {
	_, err := c.call(abi.RMIPsciComplete, calling, target, status)
	return err
}
