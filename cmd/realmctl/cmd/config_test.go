package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/blacktop/go-realm/abi"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "realm.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaultsAndOverrides(t *testing.T) {
	path := writeConfig(t, `
ipa_bits = 44
vmid = 9
hash_algo = "SHA512"
vcpus = 4
personalization = "tenant-a"
ripas_chunk = 8
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	want := DefaultConfig()
	want.IPABits = 44
	want.VMID = 9
	want.HashAlgo = abi.HashSHA512
	want.VCPUs = 4
	want.Personalization = "tenant-a"
	want.RipasChunk = 8
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}

	p := cfg.RealmParams()
	if p.IPABits != 44 || p.VMID != 9 || string(p.Personalization[:8]) != "tenant-a" {
		t.Fatalf("unexpected realm params: %+v", p)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "unknown key", body: `ipa_width = 40`, want: "unknown key"},
		{name: "bad hash", body: `hash_algo = "md5"`, want: "hash_algo"},
		{name: "no vcpus", body: `vcpus = 0`, want: "vcpus"},
		{name: "unaligned image", body: `image_ipa = 0x80100`, want: "image_ipa"},
		{name: "long personalization", body: `personalization = "` + strings.Repeat("x", abi.RPVSize+1) + `"`, want: "personalization"},
		{name: "syntax", body: `ipa_bits = `, want: "load realm config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("LoadConfig() error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestGeometry(t *testing.T) {
	g := geometry(40)
	if g.StartLevel != 1 || g.StartTables != 2 || g.ProtectedTop != "0x8000000000" {
		t.Fatalf("unexpected geometry: %+v", g)
	}
	if diff := cmp.Diff([]string{"0x40000000", "0x200000", "0x1000"}, g.LevelSizes); diff != "" {
		t.Errorf("level sizes (-want +got):\n%s", diff)
	}
	if g.RecRun.Exit != 0x800 || g.RecRun.Size != abi.GranuleSize {
		t.Errorf("unexpected RecRun layout: %+v", g.RecRun)
	}
}
