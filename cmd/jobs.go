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
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aicc6/weather-flick-batch-sub002/common"
	"github.com/aicc6/weather-flick-batch-sub002/db"
)

var (
	jobsStatus string
	jobsType   string
	jobsLimit  int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Lists recent jobs straight from the database",
	Long: "Prints one line per job, newest first. Reads the database directly so it\n" +
		"works whether or not the service is up; use the admin API for live state.",
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, logger, err := bootstrap("wfbatch-jobs")
		if err != nil {
			return err
		}
		defer logger.CloseLog()

		filter := db.JobFilter{Limit: jobsLimit}
		if jobsStatus != "" {
			var st common.JobStatus
			if err := st.Parse(jobsStatus); err != nil {
				return err
			}
			filter.Status = &st
		}
		if jobsType != "" {
			var jt common.JobType
			if err := jt.Parse(jobsType); err != nil {
				return err
			}
			filter.JobType = &jt
		}

		dbx, err := openDB(settings)
		if err != nil {
			return err
		}
		defer dbx.Close()

		jobs, total, err := db.NewJobStore(dbx).List(context.Background(), filter)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tPROGRESS\tCREATED\tDURATION")
		for i := range jobs {
			job := &jobs[i]
			duration := "-"
			if d := job.Duration(); d > 0 {
				duration = d.Truncate(10 * time.Millisecond).String()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%.0f%%\t%s\t%s\n",
				job.ID, job.JobType, job.Status, job.Progress,
				job.CreatedAt.Format(time.RFC3339), duration)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Printf("\n%d of %d matching jobs\n", len(jobs), total)
		return nil
	},
}

func init() {
	jobsCmd.PersistentFlags().StringVar(&jobsStatus, "status", "",
		"Only jobs with this status (PENDING, RUNNING, COMPLETED, FAILED, STOPPED)")
	jobsCmd.PersistentFlags().StringVar(&jobsType, "type", "",
		"Only jobs of this type")
	jobsCmd.PersistentFlags().IntVar(&jobsLimit, "limit", 20,
		"How many jobs to print")
	rootCmd.AddCommand(jobsCmd)
}
