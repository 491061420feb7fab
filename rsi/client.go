// Package rsi is the Realm side of the Realm Services Interface: the calls
// software running inside a Realm makes to the Realm Manager. It shares
// only wire definitions (package abi) with the host side.
package rsi

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/blacktop/go-realm/abi"
)

var (
	// ErrUnsupported is a major version mismatch with the Realm Manager.
	ErrUnsupported = errors.New("rsi: unsupported interface version")
	// ErrRejected is returned when the host refused a RIPAS change.
	ErrRejected = errors.New("rsi: request rejected by host")
	// ErrProgress is returned when the Realm Manager reports progress
	// outside the requested range.
	ErrProgress = errors.New("rsi: invalid progress")
)

// Error is a non-successful RSI status.
type Error struct {
	FID    uint64
	Status abi.RSIStatus
}

func (e *Error) Error() string {
	return fmt.Sprintf("rsi: %s failed: %s", abi.FIDName(e.FID), e.Status)
}

// Result is the register state returned by an RSI call: the status from X0
// and outputs from X1-X8.
type Result struct {
	Status abi.RSIStatus
	Out    [8]uint64
}

// Conduit issues a single RSI call (an SMC from the Realm).
type Conduit interface {
	Call(fid uint64, args ...uint64) Result
}

// Memory is the Realm's view of its own memory, addressed by IPA.
type Memory interface {
	ReadAt(b []byte, ipa uint64) error
	WriteAt(b []byte, ipa uint64) error
}

// Config is the Realm configuration reported by RSI_REALM_CONFIG.
type Config struct {
	IPABits  int
	HashAlgo abi.HashAlgo
	// SharedBit is the IPA bit that selects the unprotected alias of an
	// address. Memory accessed through it is visible to the host.
	SharedBit uint64
}

// Protected returns the protected alias of ipa.
func (c Config) Protected(ipa uint64) uint64 { return ipa &^ c.SharedBit }

// Shared returns the unprotected alias of ipa.
func (c Config) Shared(ipa uint64) uint64 { return ipa | c.SharedBit }

// Client issues RSI calls. Structures passed by reference go through a
// scratch granule of protected RAM owned by the caller.
type Client struct {
	conduit Conduit
	mem     Memory
	scratch uint64
	log     zerolog.Logger

	version abi.Version
	cfg     Config
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l.With().Str("component", "rsi").Logger() }
}

// NewClient returns a client. scratch is the IPA of a granule of RAM the
// client may overwrite at will.
func NewClient(conduit Conduit, mem Memory, scratch uint64, opts ...Option) *Client {
	c := &Client{
		conduit: conduit,
		mem:     mem,
		scratch: scratch &^ abi.GranuleMask,
		log:     zerolog.Nop(),
		cfg:     Config{HashAlgo: abi.HashSHA256},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) call(fid uint64, args ...uint64) (Result, error) {
	res := c.conduit.Call(fid, args...)
	if res.Status != abi.RSISuccess {
		return res, &Error{FID: fid, Status: res.Status}
	}
	return res, nil
}

// NegotiateVersion agrees on an interface revision. A different major
// revision is fatal; a different minor revision falls back to the common
// subset.
func (c *Client) NegotiateVersion() (abi.Version, error) {
	want := abi.RSIABIVersion
	res := c.conduit.Call(abi.RSIVersion, uint64(want))
	higher := abi.Version(res.Out[1])
	if higher.Major() != want.Major() {
		return 0, fmt.Errorf("%w: realm speaks %s, realm manager implements %s", ErrUnsupported, want, higher)
	}
	c.version = want
	if higher.Minor() < want.Minor() {
		c.version = higher
	}
	if higher.Minor() != want.Minor() {
		c.log.Info().Stringer("realm", want).Stringer("rmm", higher).Msg("RSI minor version differs, using common subset")
	}
	return c.version, nil
}

// ReadPlatformConfig fetches the Realm configuration and derives the
// shared address bit from the IPA width.
func (c *Client) ReadPlatformConfig() (Config, error) {
	if _, err := c.call(abi.RSIRealmConfig, c.scratch); err != nil {
		return Config{}, err
	}
	b := make([]byte, abi.GranuleSize)
	if err := c.mem.ReadAt(b, c.scratch); err != nil {
		return Config{}, fmt.Errorf("rsi: read realm config: %w", err)
	}
	var rc abi.RealmConfig
	if err := abi.Decode(b, &rc); err != nil {
		return Config{}, err
	}
	if rc.IPAWidth < 2 || rc.IPAWidth > 64 {
		return Config{}, fmt.Errorf("rsi: realm manager reported IPA width %d", rc.IPAWidth)
	}
	c.cfg = Config{
		IPABits:   int(rc.IPAWidth),
		HashAlgo:  rc.HashAlgo,
		SharedBit: 1 << (rc.IPAWidth - 1),
	}
	return c.cfg, nil
}

// HostCall passes imm and up to 31 registers to the host and returns the
// registers as the host left them. It blocks until the host answers.
func (c *Client) HostCall(imm uint16, gprs ...uint64) ([abi.NumGPRs]uint64, error) {
	var out [abi.NumGPRs]uint64
	if len(gprs) > abi.NumGPRs {
		return out, fmt.Errorf("rsi: host call with %d registers", len(gprs))
	}
	hc := abi.HostCall{Imm: imm}
	copy(hc.GPRs[:], gprs)
	b, err := abi.Encode(hc)
	if err != nil {
		return out, err
	}
	if err := c.mem.WriteAt(b, c.scratch); err != nil {
		return out, fmt.Errorf("rsi: write host call: %w", err)
	}
	if _, err := c.call(abi.RSIHostCall, c.scratch); err != nil {
		return out, err
	}
	if err := c.mem.ReadAt(b, c.scratch); err != nil {
		return out, fmt.Errorf("rsi: read host call: %w", err)
	}
	if err := abi.Decode(b, &hc); err != nil {
		return out, err
	}
	return hc.GPRs, nil
}

// ExitWithResult asks the host to stop the Realm, reporting code.
func (c *Client) ExitWithResult(code uint64) error {
	_, err := c.HostCall(abi.HostCallImmExit, code)
	return err
}

// SharedRegion asks the host for a buffer it shares with the Realm. base is
// a protected IPA; access it through Config.Shared after making the range
// unprotected with SetMemoryState.
func (c *Client) SharedRegion() (base, size uint64, err error) {
	gprs, err := c.HostCall(abi.HostCallImmSharedRegion)
	if err != nil {
		return 0, 0, err
	}
	return gprs[0], gprs[1], nil
}

// SetMemoryState changes the RIPAS of [base, top): RAM when protected is
// set, EMPTY (usable as shared memory) otherwise. The Realm Manager may
// complete the range in several steps; SetMemoryState loops until done.
func (c *Client) SetMemoryState(base, top uint64, protected bool) error {
	if base >= top || base&abi.GranuleMask != 0 || top&abi.GranuleMask != 0 {
		return fmt.Errorf("rsi: invalid range [0x%x, 0x%x)", base, top)
	}
	ripas := abi.RipasEmpty
	if protected {
		ripas = abi.RipasRAM
	}

	for cur := base; cur < top; {
		res, err := c.call(abi.RSIIPAStateSet, cur, top, uint64(ripas), 0)
		if err != nil {
			return err
		}
		next, response := res.Out[0], res.Out[1]
		if response == abi.RSIReject {
			return fmt.Errorf("%w: RIPAS %s on [0x%x, 0x%x)", ErrRejected, ripas, cur, top)
		}
		if next <= cur || next > top {
			return fmt.Errorf("%w: 0x%x for [0x%x, 0x%x)", ErrProgress, next, cur, top)
		}
		c.log.Debug().Uint64("base", cur).Uint64("top", next).Stringer("ripas", ripas).Msg("ipa state set")
		cur = next
	}
	return nil
}

// IPAState returns the RIPAS at base and the end of the prefix of
// [base, top) that shares it.
func (c *Client) IPAState(base, top uint64) (abi.Ripas, uint64, error) {
	res, err := c.call(abi.RSIIPAStateGet, base, top)
	if err != nil {
		return 0, 0, err
	}
	return abi.Ripas(res.Out[1]), res.Out[0], nil
}

func (c *Client) measurementSize() int {
	if c.cfg.HashAlgo == abi.HashSHA512 {
		return 64
	}
	return 32
}

// MeasurementRead returns measurement slot (0 is the initial measurement).
func (c *Client) MeasurementRead(slot int) ([]byte, error) {
	if slot < 0 || slot >= abi.MeasurementSlots {
		return nil, fmt.Errorf("rsi: invalid measurement slot %d", slot)
	}
	res, err := c.call(abi.RSIMeasurementRead, uint64(slot))
	if err != nil {
		return nil, err
	}
	return words(res.Out[:])[:c.measurementSize()], nil
}

// MeasurementExtend extends one of the runtime measurement slots (1-4)
// with up to 64 bytes of data.
func (c *Client) MeasurementExtend(slot int, data []byte) error {
	if slot < 1 || slot >= abi.MeasurementSlots {
		return fmt.Errorf("rsi: measurement slot %d is not extensible", slot)
	}
	if len(data) > abi.MaxMeasurementSize {
		return fmt.Errorf("rsi: measurement of %d bytes exceeds %d", len(data), abi.MaxMeasurementSize)
	}
	args := append([]uint64{uint64(slot), uint64(len(data))}, unwords(data)...)
	_, err := c.call(abi.RSIMeasurementExtend, args...)
	return err
}

// maxTokenHint bounds the buffer preallocated from the size the Realm
// Manager announces.
const maxTokenHint = 1 << 16

// AttestationToken fetches an attestation token bound to challenge. The
// token is opaque to this package.
func (c *Client) AttestationToken(challenge [64]byte) ([]byte, error) {
	res, err := c.call(abi.RSIAttestationTokenInit, unwords(challenge[:])...)
	if err != nil {
		return nil, err
	}
	token := make([]byte, 0, min(res.Out[0], maxTokenHint))
	buf := make([]byte, abi.GranuleSize)
	for {
		res := c.conduit.Call(abi.RSIAttestationTokenContinue, c.scratch, 0, abi.GranuleSize)
		if res.Status != abi.RSISuccess && res.Status != abi.RSIIncomplete {
			return nil, &Error{FID: abi.RSIAttestationTokenContinue, Status: res.Status}
		}
		n := res.Out[0]
		if n > abi.GranuleSize || n == 0 && res.Status == abi.RSIIncomplete {
			return nil, fmt.Errorf("%w: token chunk of %d bytes", ErrProgress, n)
		}
		if err := c.mem.ReadAt(buf[:n], c.scratch); err != nil {
			return nil, fmt.Errorf("rsi: read token: %w", err)
		}
		token = append(token, buf[:n]...)
		if res.Status == abi.RSISuccess {
			return token, nil
		}
	}
}

// words lays out register values as little endian bytes.
func words(regs []uint64) []byte {
	b := make([]byte, 0, 8*len(regs))
	for _, r := range regs {
		for i := 0; i < 8; i++ {
			b = append(b, byte(r>>(8*i)))
		}
	}
	return b
}

// unwords packs bytes into little endian register values.
func unwords(b []byte) []uint64 {
	regs := make([]uint64, (len(b)+7)/8)
	for i, x := range b {
		regs[i/8] |= uint64(x) << (8 * (i % 8))
	}
	return regs
}
