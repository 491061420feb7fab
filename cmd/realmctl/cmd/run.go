/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/blacktop/go-realm/abi"
	"github.com/blacktop/go-realm/granule"
	"github.com/blacktop/go-realm/internal/rmmsim"
	"github.com/blacktop/go-realm/physmem"
	"github.com/blacktop/go-realm/realm"
	"github.com/blacktop/go-realm/rec"
	"github.com/blacktop/go-realm/rmi"
	"github.com/blacktop/go-realm/rtt"
)

// sharedSize is the RAM the boot vCPU hands back to the host as a shared
// buffer.
const sharedSize = 0x10000

// VCPUResult is the final state of one vCPU.
type VCPUResult struct {
	MPIDR    uint64 `json:"mpidr"`
	LastExit string `json:"last_exit"`
	Timer    struct {
		CntvCtl  uint64 `json:"cntv_ctl"`
		CntvCval uint64 `json:"cntv_cval"`
	} `json:"timer"`
}

// RunResult is printed as JSON once the Realm has been torn down.
type RunResult struct {
	Realm       string       `json:"realm"`
	Measurement string       `json:"measurement"`
	ExitCode    *uint64      `json:"exit_code,omitempty"`
	VCPUs       []VCPUResult `json:"vcpus"`
	Metrics     rmi.Metrics  `json:"metrics"`
	Error       string       `json:"error,omitempty"`
}

var (
	imageFile  string
	vcpus      int
	runTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&imageFile, "image", "i", "", "flat Realm image (overrides the config file)")
	runCmd.Flags().IntVar(&vcpus, "vcpus", 0, "number of vCPUs (overrides the config file)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 10*time.Second, "stop the Realm after this long")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Create a Realm, run its vCPUs on the simulator and tear it down",
	Long: `Create a Realm from the config file, populate it with the image, run one
goroutine per vCPU until the Realm exits and destroy it again.

The Realm Manager is simulated. The boot vCPU powers on the others with
PSCI CPU_ON, shares the last 64KB of RAM with the host and exits.
The result, including RMI metrics, is printed as JSON.`,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if imageFile != "" {
		cfg.Image = imageFile
	}
	if vcpus != 0 {
		cfg.VCPUs = vcpus
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer cancel()
	if runTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, runTimeout)
		defer cancel()
	}

	rmi.ResetMetrics()
	result, err := runRealm(ctx, cfg, log)
	if err != nil {
		result.Error = err.Error()
	}
	result.Metrics = rmi.GetMetrics()

	output, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	fmt.Println(string(output))
	return nil
}

func loadImage(path string) ([]byte, error) {
	if path == "" {
		// a granule of NOPs
		return bytes.Repeat([]byte{0x1f, 0x20, 0x03, 0xd5}, abi.GranuleSize/4), nil
	}
	image, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if len(image) == 0 {
		return nil, fmt.Errorf("image %s is empty", path)
	}
	return image, nil
}

func runRealm(ctx context.Context, cfg Config, log zerolog.Logger) (result *RunResult, err error) {
	result = &RunResult{}

	image, err := loadImage(cfg.Image)
	if err != nil {
		return result, err
	}
	arena, err := physmem.New(cfg.ArenaBase, cfg.ArenaSize)
	if err != nil {
		return result, err
	}
	defer arena.Close()

	simOpts := []rmmsim.Option{rmmsim.WithLogger(log)}
	if cfg.RipasChunk > 0 {
		simOpts = append(simOpts, rmmsim.WithChunk(cfg.RipasChunk))
	}
	sim := rmmsim.New(arena, simOpts...)
	rmm := rmi.NewClient(sim, rmi.WithLogger(log))
	if _, err := rmm.Handshake(); err != nil {
		return result, err
	}
	host := realm.NewHost(rmm, granule.New(rmm, granule.WithLogger(log)), arena, realm.WithLogger(log))

	r, err := host.Create(cfg.RealmParams())
	if err != nil {
		return result, fmt.Errorf("failed to create realm: %w", err)
	}
	result.Realm = fmt.Sprintf("0x%x", r.ID())

	recs := make([]*rec.Rec, 0, cfg.VCPUs)
	defer func() {
		if derr := destroy(r, recs); derr != nil {
			log.Error().Err(derr).Msg("teardown failed")
			err = errors.Join(err, derr)
		}
	}()

	if err := r.Populate(cfg.ImageIPA, image); err != nil {
		return result, fmt.Errorf("failed to populate image: %w", err)
	}
	imageTop := cfg.ImageIPA + (uint64(len(image))+abi.GranuleMask)&^uint64(abi.GranuleMask)
	if ramTop := cfg.ImageIPA + cfg.RAMSize; ramTop > imageTop {
		if err := r.InitRAM(rtt.Range{Base: imageTop, Top: ramTop}); err != nil {
			return result, fmt.Errorf("failed to initialise RAM: %w", err)
		}
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	eg, gctx := errgroup.WithContext(ctx)
	start := func(c *rec.Rec) {
		eg.Go(func() error {
			if err := c.Loop(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	group := rec.NewGroup(start)

	// powering off or exiting ends every vCPU of the Realm
	psci := func(c *rec.Rec, gprs *[abi.NumGPRs]uint64) (rec.PSCIResult, error) {
		fn := gprs[0]
		res, err := group.PSCI(c, gprs)
		if fn == rec.PSCISystemOff || fn == rec.PSCISystemReset {
			stop()
		}
		return res, err
	}
	hostCall := func(c *rec.Rec, imm uint16, gprs *[abi.NumGPRs]uint64) (bool, error) {
		resume, err := rec.DefaultHostCall(c, imm, gprs)
		if !resume {
			stop()
		}
		return resume, err
	}

	for i := 0; i < cfg.VCPUs; i++ {
		var flags uint64
		if i == 0 {
			flags = abi.RecCreateRunnable
		}
		c, err := rec.Create(r, nil, cfg.ImageIPA, flags,
			rec.WithMPIDR(uint64(i)),
			rec.WithLogger(log),
			rec.WithPSCIHandler(psci),
			rec.WithHostCallHandler(hostCall),
		)
		if err != nil {
			return result, fmt.Errorf("failed to create vCPU %d: %w", i, err)
		}
		recs = append(recs, c)
		if err := group.Add(c, i == 0); err != nil {
			return result, err
		}
	}
	bootSequence(sim, cfg, recs)

	if err := r.Activate(); err != nil {
		return result, fmt.Errorf("failed to activate realm: %w", err)
	}
	result.Measurement = hex.EncodeToString(sim.Measurement(r.ID()))
	log.Info().Str("rim", result.Measurement).Int("vcpus", len(recs)).Msg("realm active")

	start(recs[0])
	runErr := eg.Wait()

	for _, c := range recs {
		exit := c.Exit()
		v := VCPUResult{MPIDR: c.MPIDR(), LastExit: rec.ExitReason(exit.ExitReason).String()}
		t := c.Timer()
		v.Timer.CntvCtl, v.Timer.CntvCval = t.CntvCtl, t.CntvCval
		result.VCPUs = append(result.VCPUs, v)
	}
	if code, ok := recs[0].Result(); ok {
		result.ExitCode = &code
	}
	return result, runErr
}

// bootSequence scripts what a small guest does on the simulator: the boot
// vCPU powers on the others, hands the last 64KB of RAM back as a shared
// buffer and exits. Secondaries power themselves off.
func bootSequence(sim *rmmsim.Sim, cfg Config, recs []*rec.Rec) {
	boot := recs[0].PA()
	for _, c := range recs[1:] {
		var on abi.RecExit
		on.ExitReason = abi.ExitPSCI
		on.GPRs[0], on.GPRs[1], on.GPRs[2] = rec.PSCICPUOn, c.MPIDR(), cfg.ImageIPA
		sim.QueueExit(boot, on)

		var off abi.RecExit
		off.ExitReason = abi.ExitPSCI
		off.GPRs[0] = rec.PSCICPUOff
		sim.QueueExit(c.PA(), off)
	}
	if cfg.RAMSize >= sharedSize {
		top := cfg.ImageIPA + cfg.RAMSize
		sim.QueueExit(boot, abi.RecExit{
			ExitReason: abi.ExitRipasChange,
			RipasBase:  top - sharedSize,
			RipasTop:   top,
			RipasValue: uint8(abi.RipasEmpty),
		})
	}
	sim.QueueExit(boot, abi.RecExit{ExitReason: abi.ExitHostCall, Imm: abi.HostCallImmExit})
}

// destroy tears the Realm down: RECs first, then tables and descriptor.
func destroy(r *realm.Realm, recs []*rec.Rec) error {
	if st := r.State(); st == realm.New || st == realm.Active {
		if err := r.BeginDestroy(); err != nil {
			return err
		}
	}
	for _, c := range recs {
		if err := c.Destroy(); err != nil {
			return err
		}
	}
	return r.Destroy()
}
