// Package rec runs the virtual CPUs of a Realm. Each REC is entered from a
// dedicated goroutine locked to its OS thread; every return from the Realm
// Manager is decoded and dispatched to a handler before the REC is entered
// again.
package rec

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"

	"github.com/blacktop/go-realm/abi"
	"github.com/blacktop/go-realm/granule"
	"github.com/blacktop/go-realm/realm"
	"github.com/blacktop/go-realm/rmi"
	"github.com/blacktop/go-realm/rtt"
)

var (
	// ErrUnhandledExit is an exit the host has no handler for. The REC is
	// not entered again.
	ErrUnhandledExit = errors.New("rec: unhandled exit")
	// ErrDestroyed is returned for a REC that has been destroyed.
	ErrDestroyed = errors.New("rec: destroyed")
)

// ExitReason is the outcome of one Run.
type ExitReason int

// The first reasons mirror the exit reason byte of the run page.
const (
	ExitSync ExitReason = iota
	ExitIRQ
	ExitFIQ
	ExitPSCI
	ExitRipasChange
	ExitHostCall
	ExitSError
)

const (
	// ExitPending means the Realm Manager refused entry because a system
	// off request is pending. The caller re-polls.
	ExitPending ExitReason = 0x100 + iota
	// ExitFault means REC_ENTER failed.
	ExitFault
)

func (r ExitReason) String() string {
	switch r {
	case ExitSync:
		return "sync"
	case ExitIRQ:
		return "irq"
	case ExitFIQ:
		return "fiq"
	case ExitPSCI:
		return "psci"
	case ExitRipasChange:
		return "ripas-change"
	case ExitHostCall:
		return "host-call"
	case ExitSError:
		return "serror"
	case ExitPending:
		return "pending"
	case ExitFault:
		return "fault"
	default:
		return fmt.Sprintf("ExitReason(%d)", int(r))
	}
}

// Timer mirrors the EL1 timers of a REC as of its last exit.
type Timer struct {
	CntpCtl  uint64
	CntpCval uint64
	CntvCtl  uint64
	CntvCval uint64
}

// Flags of the entry section that only apply to the entry following the
// exit that set them.
const perExitFlags = abi.RecEnterEmulatedMMIO | abi.RecEnterInjectSEA | abi.RecEnterRipasResponse

var exitOffset = uint64(binary.Size(abi.RecEntry{}))

// Rec is one virtual CPU of a Realm.
type Rec struct {
	realm *realm.Realm
	rmm   *rmi.Client
	log   zerolog.Logger

	pa    uint64
	aux   []uint64
	runPA uint64
	mpidr uint64

	// owned by the goroutine calling Run and HandleExit
	page       abi.RecRun
	entryFlags uint64 // persistent trap flags
	pending    uint64 // per-exit flags for the next entry
	answer     bool   // next entry hands the register file back

	mu       sync.Mutex
	gprs     [abi.NumGPRs]uint64
	timer    Timer
	result   uint64
	finished bool

	fault    FaultHandler
	sysreg   SysRegHandler
	psci     PSCIHandler
	hostCall HostCallHandler

	closeMu   sync.Mutex
	removed   bool // REC_DESTROY succeeded
	runFreed  bool
	destroyed bool
}

// FaultHandler resolves a stage 2 instruction or data abort. It may edit
// the next entry, for instance to complete an emulated MMIO access.
type FaultHandler func(c *Rec, exit *abi.RecExit, entry *abi.RecEntry) (resume bool, err error)

// SysRegHandler emulates a trapped system register access. For a write val
// is the value written; for a read the returned value is handed back.
type SysRegHandler func(c *Rec, reg SysReg, val uint64) (uint64, error)

// HostCallHandler answers RSI_HOST_CALL. gprs are the registers the Realm
// passed; changes are returned to it.
type HostCallHandler func(c *Rec, imm uint16, gprs *[abi.NumGPRs]uint64) (resume bool, err error)

// Option configures a Rec.
type Option func(*Rec)

// WithMPIDR sets the affinity the REC is created with.
func WithMPIDR(mpidr uint64) Option {
	return func(c *Rec) { c.mpidr = mpidr }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Rec) { c.log = l }
}

// WithTrapFlags sets entry flags kept on every entry, such as
// abi.RecEnterTrapWFI.
func WithTrapFlags(flags uint64) Option {
	return func(c *Rec) { c.entryFlags = flags &^ perExitFlags }
}

func WithFaultHandler(h FaultHandler) Option       { return func(c *Rec) { c.fault = h } }
func WithSysRegHandler(h SysRegHandler) Option     { return func(c *Rec) { c.sysreg = h } }
func WithPSCIHandler(h PSCIHandler) Option         { return func(c *Rec) { c.psci = h } }
func WithHostCallHandler(h HostCallHandler) Option { return func(c *Rec) { c.hostCall = h } }

// Create creates a REC for r, which must be NEW. gprs initialises up to
// eight registers. On failure every granule is returned to the host.
func Create(r *realm.Realm, gprs []uint64, pc, flags uint64, opts ...Option) (_ *Rec, err error) {
	if len(gprs) > abi.NumRecParamGPRs {
		return nil, fmt.Errorf("%w: %d initial registers", rmi.ErrInput, len(gprs))
	}

	r.RLock()
	defer r.RUnlock()
	if st := r.StateLocked(); st != realm.New {
		return nil, fmt.Errorf("%w: create REC on a %s realm", rmi.ErrInvalidState, st)
	}

	h := r.Host()
	c := &Rec{
		realm:    r,
		rmm:      h.RMM(),
		log:      r.Logger(),
		fault:    defaultFault,
		sysreg:   defaultSysReg,
		psci:     DefaultPSCI,
		hostCall: DefaultHostCall,
	}
	for _, o := range opts {
		o(c)
	}

	numAux, err := c.rmm.RecAuxCount(r.ID())
	if err != nil {
		return nil, fmt.Errorf("rec: aux count: %w", err)
	}
	if numAux < 0 || numAux > abi.MaxRecAux {
		return nil, fmt.Errorf("%w: realm manager wants %d aux granules", rmi.ErrProtocolMismatch, numAux)
	}

	var delegated, allocated []uint64
	defer func() {
		if err == nil {
			return
		}
		for _, pa := range delegated {
			if uerr := h.Granules().Undelegate(pa); uerr != nil {
				c.log.Error().Err(uerr).Uint64("pa", pa).Msg("failed to undelegate after aborted REC create")
			}
		}
		for _, pa := range allocated {
			if h.Granules().Owner(pa).Kind == granule.Unowned {
				_ = h.Arena().Free(pa)
			}
		}
	}()

	delegate := func() (uint64, error) {
		pa, err := h.Arena().Alloc()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", rmi.ErrResourceExhausted, err)
		}
		allocated = append(allocated, pa)
		if err := h.Granules().Delegate(pa, r.ID()); err != nil {
			return 0, err
		}
		delegated = append(delegated, pa)
		return pa, nil
	}

	if c.pa, err = delegate(); err != nil {
		return nil, fmt.Errorf("rec: delegate REC: %w", err)
	}
	for i := 0; i < numAux; i++ {
		pa, err := delegate()
		if err != nil {
			return nil, fmt.Errorf("rec: delegate aux granule: %w", err)
		}
		c.aux = append(c.aux, pa)
	}

	if c.runPA, err = h.Arena().Alloc(); err != nil {
		return nil, fmt.Errorf("%w: run page: %v", rmi.ErrResourceExhausted, err)
	}
	allocated = append(allocated, c.runPA)

	params := abi.RecParams{
		Flags:  flags,
		MPIDR:  c.mpidr,
		PC:     pc,
		NumAux: uint64(numAux),
	}
	copy(params.GPRs[:], gprs)
	copy(params.Aux[:], c.aux)
	paramsPA, err := h.Arena().Alloc()
	if err != nil {
		return nil, fmt.Errorf("%w: REC params: %v", rmi.ErrResourceExhausted, err)
	}
	defer h.Arena().Free(paramsPA)
	b, err := abi.Encode(params)
	if err != nil {
		return nil, err
	}
	if err := h.Arena().WriteAt(b, paramsPA); err != nil {
		return nil, err
	}
	if err := c.rmm.RecCreate(r.ID(), c.pa, paramsPA); err != nil {
		return nil, fmt.Errorf("rec: create: %w", err)
	}

	copy(c.gprs[:], gprs)
	c.log = c.log.With().Uint64("rec", c.pa).Uint64("mpidr", c.mpidr).Logger()
	r.AttachRec(c.pa)
	c.log.Debug().Int("aux", numAux).Uint64("pc", pc).Msg("REC created")
	return c, nil
}

// PA returns the physical address of the REC granule.
func (c *Rec) PA() uint64 { return c.pa }

// MPIDR returns the affinity of the REC.
func (c *Rec) MPIDR() uint64 { return c.mpidr }

// Realm returns the Realm the REC belongs to.
func (c *Rec) Realm() *realm.Realm { return c.realm }

// Timer returns the timer state mirrored at the last exit.
func (c *Rec) Timer() Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer
}

// Result returns the code the Realm exited with through a host call, and
// whether it did.
func (c *Rec) Result() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, c.finished
}

// Exit returns the exit section of the last Run.
func (c *Rec) Exit() abi.RecExit { return c.page.Exit }

// Run enters the REC and blocks until the Realm Manager returns. The Realm
// must be ACTIVE. Run is not safe for concurrent use on the same REC.
func (c *Rec) Run() (ExitReason, error) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.destroyed {
		return ExitFault, ErrDestroyed
	}
	if st := c.realm.State(); st != realm.Active {
		return ExitFault, fmt.Errorf("%w: enter REC on a %s realm", rmi.ErrInvalidState, st)
	}

	arena := c.realm.Host().Arena()
	c.page.Entry.Flags = c.entryFlags | c.pending
	if c.answer {
		c.mu.Lock()
		c.page.Entry.GPRs = c.gprs
		c.mu.Unlock()
	}
	b, err := abi.Encode(c.page.Entry)
	if err != nil {
		return ExitFault, err
	}
	if err := arena.WriteAt(b, c.runPA); err != nil {
		return ExitFault, err
	}
	c.pending = 0
	c.answer = false

	if err := c.rmm.RecEnter(c.pa, c.runPA); err != nil {
		var rerr *rmi.Error
		if errors.As(err, &rerr) && rerr.Status == abi.StatusErrorRealm && rerr.Index == 1 {
			return ExitPending, nil
		}
		return ExitFault, err
	}

	b = make([]byte, binary.Size(abi.RecExit{}))
	if err := arena.ReadAt(b, c.runPA+exitOffset); err != nil {
		return ExitFault, err
	}
	if err := abi.Decode(b, &c.page.Exit); err != nil {
		return ExitFault, err
	}
	c.sync()
	return ExitReason(c.page.Exit.ExitReason), nil
}

// sync carries the interrupt controller and timer state of the exit over to
// the next entry.
func (c *Rec) sync() {
	exit := &c.page.Exit
	c.page.Entry.GicHCR = exit.GicHCR
	c.page.Entry.GicLRs = exit.GicLRs

	c.mu.Lock()
	c.timer = Timer{
		CntpCtl:  exit.CntpCtl,
		CntpCval: exit.CntpCval,
		CntvCtl:  exit.CntvCtl,
		CntvCval: exit.CntvCval,
	}
	c.mu.Unlock()
}

// HandleExit dispatches the exit of the last Run. It reports whether the
// REC should be entered again.
func (c *Rec) HandleExit(reason ExitReason) (resume bool, err error) {
	switch reason {
	case ExitSync:
		return c.handleSync()
	case ExitIRQ, ExitFIQ:
		return true, nil
	case ExitPSCI:
		return c.handlePSCI()
	case ExitRipasChange:
		return c.handleRipas()
	case ExitHostCall:
		return c.handleHostCall()
	case ExitPending:
		return true, nil
	case ExitFault:
		return false, fmt.Errorf("rec: cannot dispatch a failed entry")
	case ExitSError:
		c.log.Error().Uint64("esr", c.page.Exit.ESR).Msg("SError taken from realm")
		return false, fmt.Errorf("%w: SError (esr 0x%x)", ErrUnhandledExit, c.page.Exit.ESR)
	default:
		c.log.Error().Stringer("reason", reason).Msg("internal error: unknown exit reason")
		return false, fmt.Errorf("%w: %s", ErrUnhandledExit, reason)
	}
}

func (c *Rec) handleSync() (bool, error) {
	exit := &c.page.Exit
	switch ec := EC(exit.ESR); ec {
	case ECDataAbort, ECInstAbort:
		return c.fault(c, exit, &c.page.Entry)
	case ECSysReg:
		reg := DecodeSysReg(exit.ESR)
		val, err := c.sysreg(c, reg, exit.GPRs[0])
		if err != nil {
			return false, err
		}
		if reg.Read {
			c.page.Entry.GPRs[0] = val
		}
		return true, nil
	default:
		c.log.Error().Uint64("esr", exit.ESR).Uint8("ec", ec).Msg("internal error: unexpected exception class")
		return false, fmt.Errorf("%w: exception class 0x%x", ErrUnhandledExit, ec)
	}
}

func (c *Rec) handlePSCI() (bool, error) {
	exit := c.loadRegs()
	gprs := exit
	res, err := c.psci(c, &gprs)
	if err != nil {
		return false, err
	}
	gprs = c.storeRegs(&exit, &gprs)

	if res.Target != nil {
		if err := c.rmm.PsciComplete(c.pa, res.Target.pa, gprs[0]); err != nil {
			return false, fmt.Errorf("rec: complete PSCI call: %w", err)
		}
		if res.After != nil {
			res.After()
		}
	}
	return res.Resume, nil
}

func (c *Rec) handleRipas() (bool, error) {
	exit := &c.page.Exit
	rng := rtt.Range{Base: exit.RipasBase, Top: exit.RipasTop}
	state := abi.Ripas(exit.RipasValue)

	err := c.realm.RequestRIPAS(c.pa, rng, state, nil)
	switch {
	case err == nil:
		c.log.Debug().Stringer("range", rng).Stringer("ripas", state).Msg("RIPAS change applied")
	case errors.Is(err, realm.ErrTryAgain):
		return false, nil
	case errors.Is(err, rmi.ErrResourceExhausted):
		c.log.Info().Err(err).Stringer("range", rng).Msg("out of memory for RIPAS change, realm will retry")
	case errors.Is(err, rmi.ErrInvalidRange):
		c.log.Warn().Err(err).Stringer("range", rng).Msg("rejecting RIPAS change outside protected space")
		c.pending |= abi.RecEnterRipasResponse
	default:
		c.log.Warn().Err(err).Stringer("range", rng).Stringer("ripas", state).Msg("RIPAS change failed: host and realm manager disagree")
		c.pending |= abi.RecEnterRipasResponse
	}
	return true, nil
}

func (c *Rec) handleHostCall() (bool, error) {
	exit := c.loadRegs()
	gprs := exit
	resume, err := c.hostCall(c, c.page.Exit.Imm, &gprs)
	if err != nil {
		return false, err
	}
	c.storeRegs(&exit, &gprs)
	return resume, nil
}

// loadRegs makes the registers of a PSCI or host call exit the register
// file and returns them.
func (c *Rec) loadRegs() [abi.NumGPRs]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gprs = c.page.Exit.GPRs
	return c.gprs
}

// storeRegs folds the registers a handler changed in its copy into the
// register file, keeping values set through SetReg meanwhile, and arranges
// for the next entry to hand the file back.
func (c *Rec) storeRegs(exit, edited *[abi.NumGPRs]uint64) [abi.NumGPRs]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range edited {
		if edited[i] != exit[i] {
			c.gprs[i] = edited[i]
		}
	}
	c.answer = true
	return c.gprs
}

// Loop runs the REC until a handler stops it, the Realm leaves ACTIVE or
// ctx is done. It locks the calling goroutine to its OS thread. A pending
// exit is re-polled with exponential backoff.
func (c *Rec) Loop(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Millisecond
	bo.MaxInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if st := c.realm.State(); st != realm.Active {
			c.log.Debug().Stringer("state", st).Msg("leaving run loop")
			return nil
		}

		reason, err := c.Run()
		if err != nil {
			if errors.Is(err, rmi.ErrInvalidState) && c.realm.State() != realm.Active {
				return nil
			}
			return fmt.Errorf("rec 0x%x: %w", c.pa, err)
		}
		if reason == ExitPending {
			t := time.NewTimer(bo.NextBackOff())
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
			continue
		}
		bo.Reset()

		resume, err := c.HandleExit(reason)
		if err != nil {
			return fmt.Errorf("rec 0x%x: %w", c.pa, err)
		}
		if !resume {
			c.log.Debug().Stringer("reason", reason).Msg("REC stopped")
			return nil
		}
	}
}

// Destroy destroys the REC and returns its granules and run page to the
// host. The Realm must be DYING or DEAD. A failed Destroy can be retried.
func (c *Rec) Destroy() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.destroyed {
		return nil
	}
	if st := c.realm.State(); st != realm.Dying && st != realm.Dead {
		return fmt.Errorf("%w: destroy REC of a %s realm", rmi.ErrInvalidState, st)
	}

	h := c.realm.Host()
	if !c.removed {
		if err := c.rmm.RecDestroy(c.pa); err != nil {
			return fmt.Errorf("rec: destroy: %w", err)
		}
		c.removed = true
	}
	for _, pa := range append([]uint64{c.pa}, c.aux...) {
		if h.Granules().Owner(pa).Kind == granule.Unowned {
			continue
		}
		if err := h.Granules().Undelegate(pa); err != nil {
			return fmt.Errorf("rec: reclaim: %w", err)
		}
		if err := h.Arena().Free(pa); err != nil {
			return err
		}
	}
	if !c.runFreed {
		if err := h.Arena().Free(c.runPA); err != nil {
			return err
		}
		c.runFreed = true
	}
	c.realm.DetachRec(c.pa)
	c.destroyed = true
	c.log.Debug().Msg("REC destroyed")
	return nil
}
