package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/me/nexus/internal/queue"
	"github.com/me/nexus/pkg/model"
)

func newQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "List queued jobs in the order they will start",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := queuedJobs()
			if err != nil {
				return err
			}
			printQueue(cmd.OutOrStdout(), jobs)
			return nil
		},
	}
}

// queuedJobs asks the service for its queue, reading the file directly
// when the service does not answer.
func queuedJobs() ([]*model.Job, error) {
	resp, err := client.Get("/api/v1/jobs?status=queued")
	if isUnreachable(err) {
		return queue.New(cfg.JobsFile, nil, logger).Load()
	}
	if err != nil {
		return nil, err
	}
	var jobs []*model.Job
	if err := resp.decode(&jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func printQueue(w io.Writer, jobs []*model.Job) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No pending jobs.")
		return
	}
	fmt.Fprintf(w, "Pending Jobs (%d):\n", len(jobs))
	for i, j := range jobs {
		fmt.Fprintf(w, "%3d. %s  %s\n", i+1, j.ID, j.Command)
	}
}
