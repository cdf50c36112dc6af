package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/nexus/internal/queue"
	"github.com/me/nexus/internal/server"
	"github.com/me/nexus/pkg/model"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show devices, running jobs and queue length",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/status")
			if isUnreachable(err) {
				return offlineStatus(cmd.OutOrStdout())
			}
			if err != nil {
				return err
			}
			var st server.StatusResponse
			if err := resp.decode(&st); err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), st, time.Now())
			return nil
		},
	}
}

func printStatus(w io.Writer, st server.StatusResponse, now time.Time) {
	state := "RUNNING"
	if st.Paused {
		state = "PAUSED"
	}
	fmt.Fprintf(w, "Queue: %d jobs\n", st.Queued)
	fmt.Fprintf(w, "Status: %s\n\n", state)

	if len(st.Devices) == 0 {
		fmt.Fprintln(w, "No GPUs found.")
		return
	}
	for _, d := range st.Devices {
		mem := fmt.Sprintf("%s/%s", mib(d.MemoryUsed), mib(d.MemoryTotal))
		label := fmt.Sprintf("GPU %d (%s, %s)", d.Index, d.Name, mem)
		switch {
		case d.Job != nil:
			fmt.Fprintf(w, "%s: %s %s (%s)\n", label, d.Job.ID, truncate(d.Job.Command, 60), formatRuntime(d.Job, now))
		case d.Blacklisted:
			fmt.Fprintf(w, "%s: blacklisted\n", label)
		default:
			fmt.Fprintf(w, "%s: Available\n", label)
		}
	}
}

// offlineStatus reports what can be read from disk when no daemon answers.
func offlineStatus(w io.Writer) error {
	jobs, err := queue.New(cfg.JobsFile, nil, logger).Load()
	if err != nil {
		return err
	}
	state := "RUNNING"
	if _, err := os.Stat(cfg.PauseMarker()); err == nil {
		state = "PAUSED"
	}
	fmt.Fprintf(w, "Queue: %d jobs\n", len(jobs))
	fmt.Fprintf(w, "Status: %s\n\n", state)
	fmt.Fprintf(w, "Service is not running (no answer from %s).\n", client.BaseURL)
	return nil
}

func mib(n int64) string {
	return humanize.IBytes(uint64(n) * 1024 * 1024)
}

// formatRuntime formats how long job has run, e.g. "2h 5m".
func formatRuntime(job *model.Job, now time.Time) string {
	d := job.Runtime(now).Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func gpuString(job *model.Job) string {
	if job.GPUIndex == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *job.GPUIndex)
}

func startedString(job *model.Job) string {
	if job.StartedAt == nil {
		return "-"
	}
	return humanize.Time(*job.StartedAt)
}
