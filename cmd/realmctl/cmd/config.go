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
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/blacktop/go-realm/abi"
	"github.com/blacktop/go-realm/realm"
)

// Config describes one Realm and the host resources backing it.
type Config struct {
	IPABits         int
	VMID            uint16
	HashAlgo        abi.HashAlgo
	SVEVL           uint8
	PMUCounters     uint8
	Personalization string
	VCPUs           int

	ArenaBase uint64
	ArenaSize int

	Image    string
	ImageIPA uint64
	RAMSize  uint64

	LogLevel   string
	RipasChunk int
}

// DefaultConfig returns a single vCPU, 40-bit Realm in a 16MB arena.
func DefaultConfig() Config {
	return Config{
		IPABits:   40,
		VMID:      1,
		HashAlgo:  abi.HashSHA256,
		VCPUs:     1,
		ArenaBase: 0x8000_0000,
		ArenaSize: 16 << 20,
		ImageIPA:  0x8_0000,
		RAMSize:   2 << 20,
		LogLevel:  "info",
	}
}

type fileConfig struct {
	IPABits         int    `toml:"ipa_bits"`
	VMID            uint16 `toml:"vmid"`
	HashAlgo        string `toml:"hash_algo"`
	SVEVL           uint8  `toml:"sve_vl"`
	PMUCounters     uint8  `toml:"pmu_counters"`
	Personalization string `toml:"personalization"`
	VCPUs           int    `toml:"vcpus"`
	ArenaBase       uint64 `toml:"arena_base"`
	ArenaSize       int    `toml:"arena_size"`
	Image           string `toml:"image"`
	ImageIPA        uint64 `toml:"image_ipa"`
	RAMSize         uint64 `toml:"ram_size"`
	LogLevel        string `toml:"log_level"`
	RipasChunk      int    `toml:"ripas_chunk"`
}

// LoadConfig reads path over the defaults. Keys missing from the file keep
// their default value.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load realm config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load realm config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("ipa_bits") {
		cfg.IPABits = raw.IPABits
	}
	if meta.IsDefined("vmid") {
		cfg.VMID = raw.VMID
	}
	if meta.IsDefined("hash_algo") {
		switch strings.ToLower(strings.TrimSpace(raw.HashAlgo)) {
		case "sha256":
			cfg.HashAlgo = abi.HashSHA256
		case "sha512":
			cfg.HashAlgo = abi.HashSHA512
		default:
			return Config{}, fmt.Errorf("parse hash_algo: unknown algorithm %q", raw.HashAlgo)
		}
	}
	if meta.IsDefined("sve_vl") {
		cfg.SVEVL = raw.SVEVL
	}
	if meta.IsDefined("pmu_counters") {
		cfg.PMUCounters = raw.PMUCounters
	}
	if meta.IsDefined("personalization") {
		if len(raw.Personalization) > abi.RPVSize {
			return Config{}, fmt.Errorf("parse personalization: longer than %d bytes", abi.RPVSize)
		}
		cfg.Personalization = raw.Personalization
	}
	if meta.IsDefined("vcpus") {
		cfg.VCPUs = raw.VCPUs
	}
	if meta.IsDefined("arena_base") {
		cfg.ArenaBase = raw.ArenaBase
	}
	if meta.IsDefined("arena_size") {
		cfg.ArenaSize = raw.ArenaSize
	}
	if meta.IsDefined("image") {
		cfg.Image = strings.TrimSpace(raw.Image)
	}
	if meta.IsDefined("image_ipa") {
		cfg.ImageIPA = raw.ImageIPA
	}
	if meta.IsDefined("ram_size") {
		cfg.RAMSize = raw.RAMSize
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("ripas_chunk") {
		cfg.RipasChunk = raw.RipasChunk
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case c.VCPUs < 1:
		return fmt.Errorf("vcpus must be at least 1, got %d", c.VCPUs)
	case c.ImageIPA&abi.GranuleMask != 0:
		return fmt.Errorf("image_ipa 0x%x is not granule-aligned", c.ImageIPA)
	case c.RAMSize&abi.GranuleMask != 0:
		return fmt.Errorf("ram_size 0x%x is not granule-aligned", c.RAMSize)
	case c.RipasChunk < 0:
		return fmt.Errorf("ripas_chunk must not be negative")
	}
	return nil
}

// RealmParams returns the creation parameters of the Realm.
func (c Config) RealmParams() realm.Params {
	p := realm.Params{
		VMID:        c.VMID,
		IPABits:     c.IPABits,
		HashAlgo:    c.HashAlgo,
		SVEVL:       c.SVEVL,
		PMUCounters: c.PMUCounters,
	}
	copy(p.Personalization[:], c.Personalization)
	return p
}
