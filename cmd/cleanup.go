// Copyright © 2025 Weather Flick <dev@weatherflick.io>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aicc6/weather-flick-batch-sub002/db"
	"github.com/aicc6/weather-flick-batch-sub002/policy"
	"github.com/aicc6/weather-flick-batch-sub002/ttl"
)

var (
	cleanupDryRun    bool
	cleanupEmergency bool
	cleanupTargetMB  float64
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Runs one retention sweep over the raw data store",
	Long: "Deletes raw records past their policy TTL and prints the report as JSON.\n" +
		"The running service sweeps nightly at 02:00 on its own; this command is for\n" +
		"manual reclamation, with --dry-run to size a sweep before committing to it.",
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, logger, err := bootstrap("wfbatch-cleanup")
		if err != nil {
			return err
		}
		defer logger.CloseLog()

		dbx, err := openDB(settings)
		if err != nil {
			return err
		}
		defer dbx.Close()

		pol, err := policy.NewEngine(settings.Storage.PolicyFile, logger)
		if err != nil {
			return fmt.Errorf("load storage policy: %w", err)
		}
		defer pol.Close()

		sweeper := ttl.NewEngine(db.NewRawStore(dbx), pol, logger)
		report := sweeper.Cleanup(context.Background(), ttl.CleanupOptions{
			DryRun:    cleanupDryRun,
			Emergency: cleanupEmergency,
			TargetMB:  cleanupTargetMB,
		})

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
		if len(report.Errors) > 0 {
			return fmt.Errorf("sweep finished with %d errors", len(report.Errors))
		}
		return nil
	},
}

func init() {
	cleanupCmd.PersistentFlags().BoolVar(&cleanupDryRun, "dry-run", false,
		"Sizes the sweep without deleting anything")
	cleanupCmd.PersistentFlags().BoolVar(&cleanupEmergency, "emergency", false,
		"Adds disposable rows older than three days to the sweep")
	cleanupCmd.PersistentFlags().Float64Var(&cleanupTargetMB, "target-mb", 0,
		"Stops once the projected reclaim reaches this many megabytes (0 = everything eligible)")
	rootCmd.AddCommand(cleanupCmd)
}
