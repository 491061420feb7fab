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
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/blacktop/go-realm/abi"
)

// Geometry describes the stage 2 translation of a Realm.
type Geometry struct {
	IPABits      int      `json:"ipa_bits"`
	StartLevel   int      `json:"start_level"`
	StartTables  int      `json:"start_tables"`
	ProtectedTop string   `json:"protected_top"`
	LevelSizes   []string `json:"level_sizes"`
	RecRun       struct {
		Entry int `json:"entry"`
		Exit  int `json:"exit"`
		Size  int `json:"size"`
	} `json:"rec_run"`
}

var layoutIPABits int

func init() {
	rootCmd.AddCommand(layoutCmd)
	layoutCmd.Flags().IntVar(&layoutIPABits, "ipa-bits", 0, "IPA width (default from config)")
}

var layoutCmd = &cobra.Command{
	Use:   "layout",
	Short: "Print the RTT geometry and RecRun layout as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		bits := layoutIPABits
		if bits == 0 {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			bits = cfg.IPABits
		}
		if bits < 32 || bits > 48 {
			return fmt.Errorf("ipa bits %d outside [32, 48]", bits)
		}

		g := geometry(bits)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(g)
	},
}

func geometry(bits int) Geometry {
	g := Geometry{
		IPABits:      bits,
		StartLevel:   abi.StartLevel(bits),
		StartTables:  abi.StartTables(bits),
		ProtectedTop: fmt.Sprintf("0x%x", uint64(1)<<(bits-1)),
	}
	for level := g.StartLevel; level <= abi.MaxLevel; level++ {
		g.LevelSizes = append(g.LevelSizes, fmt.Sprintf("0x%x", abi.LevelSize(level)))
	}
	g.RecRun.Exit = binary.Size(abi.RecEntry{})
	g.RecRun.Size = binary.Size(abi.RecRun{})
	return g
}
