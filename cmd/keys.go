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
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/aicc6/weather-flick-batch-sub002/keypool"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Shows the configured provider key pools and their quota usage",
	Long: "Loads the key pools from the environment, restores today's usage counters\n" +
		"from Redis when it is reachable, and prints one line per provider.",
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, logger, err := bootstrap("wfbatch-keys")
		if err != nil {
			return err
		}
		defer logger.CloseLog()

		rdb := redis.NewClient(&redis.Options{
			Addr:     settings.Redis.Addr,
			Password: settings.Redis.Password,
			DB:       settings.Redis.DB,
		})
		defer rdb.Close()

		pool := keypool.NewManager(settings.Providers, settings.Scheduler.Location, logger, rdb, nil)
		defer pool.Close()

		usage := pool.UsageStats()
		providers := make([]string, 0, len(usage.Providers))
		for name := range usage.Providers {
			providers = append(providers, name)
		}
		sort.Strings(providers)

		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PROVIDER\tKEYS\tACTIVE\tUSED TODAY\tDAILY LIMIT")
		for _, name := range providers {
			pu := usage.Providers[name]
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n",
				name, pu.TotalKeys, pu.ActiveKeys, pu.TotalUsage, pu.TotalLimit)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Printf("\n%d keys configured, %d active\n", usage.TotalKeys, usage.ActiveKeys)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keysCmd)
}
