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

	"github.com/aicc6/weather-flick-batch-sub002/archive"
	"github.com/aicc6/weather-flick-batch-sub002/common"
	"github.com/aicc6/weather-flick-batch-sub002/db"
)

var (
	archiveDryRun   bool
	archiveProvider string
	archiveEndpoint string
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Runs one archival pass over the raw data store",
	Long: "Compresses due raw records into the configured backup sinks and prints the\n" +
		"summary as JSON. --provider and --endpoint narrow the pass; --dry-run lists\n" +
		"what would be written without touching any sink.",
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, logger, err := bootstrap("wfbatch-archive")
		if err != nil {
			return err
		}
		defer logger.CloseLog()

		opts := archive.ArchiveOptions{
			DryRun:   archiveDryRun,
			Endpoint: archiveEndpoint,
		}
		if archiveProvider != "" {
			var prov common.Provider
			if err := prov.Parse(archiveProvider); err != nil {
				return err
			}
			opts.Provider = &prov
		}

		dbx, err := openDB(settings)
		if err != nil {
			return err
		}
		defer dbx.Close()

		ctx := context.Background()
		sinks, err := archive.NewSinks(ctx, settings.Backup, logger)
		if err != nil {
			return fmt.Errorf("open backup sinks: %w", err)
		}
		backups := archive.NewManager(db.NewBackupStore(dbx), sinks, settings.Backup.VerifyWrites, logger)
		archiver := archive.NewEngine(db.NewRawStore(dbx), archive.NewRuleSet(logger), backups, logger)

		summary, err := archiver.Archive(ctx, opts)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	},
}

func init() {
	archiveCmd.PersistentFlags().BoolVar(&archiveDryRun, "dry-run", false,
		"Lists what would be archived without writing to any sink")
	archiveCmd.PersistentFlags().StringVar(&archiveProvider, "provider", "",
		"Restricts the pass to one provider (KTO, KMA or WEATHER_API)")
	archiveCmd.PersistentFlags().StringVar(&archiveEndpoint, "endpoint", "",
		"Restricts the pass to endpoints with this prefix")
	rootCmd.AddCommand(archiveCmd)
}
