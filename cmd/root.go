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
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/aicc6/weather-flick-batch-sub002/common"
	"github.com/aicc6/weather-flick-batch-sub002/db"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "wfbatch",
	Version: common.AppVersion,
	Short:   "Weather Flick batch data platform",
	Long: "wfbatch collects weather and tourism data from the KTO, KMA and WeatherAPI\n" +
		"providers on schedules, stores what the retention policy approves, archives\n" +
		"and expires the rest, and serves the admin API the dashboard talks to.\n\n" +
		"All configuration comes from environment variables; run 'wfbatch env' for\n" +
		"the full list.",
	SilenceUsage: true,
}

// Execute runs the CLI. Cobra prints the error; the caller only needs the
// exit code.
func Execute() error {
	return rootCmd.Execute()
}

// bootstrap loads settings from the environment and opens the process logger.
// The caller owns CloseLog.
func bootstrap(name string) (*common.Settings, common.ILoggerCloser, error) {
	settings, err := common.LoadSettings()
	if err != nil {
		return nil, nil, fmt.Errorf("load settings: %w", err)
	}
	logger := common.NewAppLogger(settings.Log.MinLevel, name)
	return settings, logger, nil
}

// openDB connects with a bounded dial so a down database fails the command
// instead of hanging it.
func openDB(settings *common.Settings) (*sqlx.DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return db.Connect(ctx, settings.Database)
}
