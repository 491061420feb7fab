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

	"github.com/spf13/cobra"

	"github.com/blacktop/go-realm/abi"
	"github.com/blacktop/go-realm/internal/rmmsim"
	"github.com/blacktop/go-realm/physmem"
	"github.com/blacktop/go-realm/rmi"
)

func init() {
	rootCmd.AddCommand(checkCmd)
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check Realm support and the features of the Realm Manager",
	RunE: func(cmd *cobra.Command, args []string) error {
		ok, err := rmi.Supported()
		if err != nil {
			fmt.Printf("realm support: error: %v\n", err)
		} else {
			fmt.Printf("realm support: %v\n", ok)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		arena, err := physmem.New(cfg.ArenaBase, abi.GranuleSize)
		if err != nil {
			return err
		}
		defer arena.Close()

		rmm := rmi.NewClient(rmmsim.New(arena))
		v, err := rmm.Handshake()
		if err != nil {
			return err
		}
		f, err := rmm.Features(0)
		if err != nil {
			return err
		}
		fmt.Printf("simulator: RMI %s\n", v)
		fmt.Printf("  max ipa bits: %d\n", (f>>abi.FeatureS2SZShift)&abi.FeatureS2SZMask)
		fmt.Printf("  lpa2:         %v\n", f&abi.FeatureLPA2 != 0)
		fmt.Printf("  sve:          %v (max vl %d)\n", f&abi.FeatureSVE != 0, (f>>abi.FeatureSVEVLShift)&abi.FeatureSVEVLMask)
		fmt.Printf("  pmu:          %v (%d counters)\n", f&abi.FeaturePMU != 0, (f>>abi.FeaturePMUNumShift)&abi.FeaturePMUNumMask)
		return nil
	},
}
