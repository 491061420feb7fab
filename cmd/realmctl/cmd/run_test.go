package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRunRealm(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VCPUs = 3
	cfg.ArenaSize = 8 << 20
	cfg.RipasChunk = 4

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := runRealm(ctx, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("runRealm: %v", err)
	}
	if result.ExitCode == nil || *result.ExitCode != 0 {
		t.Fatalf("unexpected exit code: %v", result.ExitCode)
	}
	if len(result.Measurement) != 64 {
		t.Fatalf("unexpected measurement: %q", result.Measurement)
	}
	if len(result.VCPUs) != 3 {
		t.Fatalf("unexpected vcpus: %+v", result.VCPUs)
	}
	if got := result.VCPUs[0].LastExit; got != "host-call" {
		t.Fatalf("boot vCPU last exit = %q", got)
	}
	for i, v := range result.VCPUs {
		if v.MPIDR != uint64(i) {
			t.Fatalf("vCPU %d has MPIDR %d", i, v.MPIDR)
		}
	}
}

func TestRunRealmImage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ArenaSize = 4 << 20

	cfg.Image = filepath.Join(t.TempDir(), "empty.bin")
	if err := os.WriteFile(cfg.Image, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := runRealm(context.Background(), cfg, zerolog.Nop()); err == nil {
		t.Fatal("expected an error for an empty image")
	}

	cfg.Image = filepath.Join(t.TempDir(), "image.bin")
	if err := os.WriteFile(cfg.Image, make([]byte, 3*4096+1), 0o644); err != nil {
		t.Fatal(err)
	}
	result, err := runRealm(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("runRealm: %v", err)
	}
	if result.ExitCode == nil {
		t.Fatal("realm did not exit")
	}
}
