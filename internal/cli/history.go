package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/nexus/pkg/model"
)

func newHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show completed and failed jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/jobs")
			if isUnreachable(err) {
				return fmt.Errorf("service is not running; see %s for past events", cfg.EventLog())
			}
			if err != nil {
				return err
			}
			var jobs []*model.Job
			if err := resp.decode(&jobs); err != nil {
				return err
			}

			var done []*model.Job
			for _, j := range jobs {
				if j.Status.IsTerminal() {
					done = append(done, j)
				}
			}
			if limit > 0 && len(done) > limit {
				done = done[len(done)-limit:]
			}
			printHistory(cmd.OutOrStdout(), done, time.Now())
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Show at most this many jobs (0 for all)")
	return cmd
}

func printHistory(w io.Writer, jobs []*model.Job, now time.Time) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No completed jobs.")
		return
	}
	fmt.Fprintf(w, "%-8s %-10s %-4s %-10s %-12s %s\n", "ID", "STATUS", "GPU", "RUNTIME", "STARTED", "COMMAND")
	for _, j := range jobs {
		rt := "-"
		if j.StartedAt != nil {
			rt = formatRuntime(j, now)
		}
		fmt.Fprintf(w, "%-8s %-10s %-4s %-10s %-12s %s\n",
			j.ID, j.Status, gpuString(j), rt, startedString(j), truncate(j.Command, 60))
		if j.Error != "" {
			fmt.Fprintf(w, "         error: %s\n", j.Error)
		}
	}
}
