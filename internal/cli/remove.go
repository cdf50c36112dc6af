package cli

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/me/nexus/internal/queue"
	"github.com/me/nexus/pkg/model"
)

func newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id|position>",
		Short: "Remove a queued job",
		Long: "Remove a queued job by id, or by its 1-based position as shown by\n" +
			"'nexus queue'. Job ids are not stable while the service is stopped,\n" +
			"so only positions are accepted then.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := args[0]

			resp, err := client.Delete("/api/v1/jobs/" + url.PathEscape(target))
			if isUnreachable(err) {
				job, err := removeOffline(target)
				if err != nil {
					return err
				}
				printf(cmd, "Removed job %s: %s\n", job.ID, job.Command)
				return nil
			}
			if isAPIError(err, model.ErrNotFound) {
				if pos, perr := strconv.Atoi(target); perr == nil {
					resp, err = removeAtPosition(pos)
				}
			}
			if err != nil {
				return err
			}

			var job model.Job
			if err := resp.decode(&job); err != nil {
				return err
			}
			printf(cmd, "Removed job %s: %s\n", job.ID, job.Command)
			return nil
		},
	}
}

func removeAtPosition(pos int) (*apiResponse, error) {
	jobs, err := queuedJobs()
	if err != nil {
		return nil, err
	}
	if pos < 1 || pos > len(jobs) {
		return nil, fmt.Errorf("no queued job at position %d (queue has %d)", pos, len(jobs))
	}
	return client.Delete("/api/v1/jobs/" + url.PathEscape(jobs[pos-1].ID))
}

func removeOffline(target string) (*model.Job, error) {
	pos, err := strconv.Atoi(target)
	if err != nil {
		return nil, fmt.Errorf("service is not running: give a queue position instead of %q", target)
	}
	q := queue.New(cfg.JobsFile, nil, logger)
	jobs, err := q.Load()
	if err != nil {
		return nil, err
	}
	if pos < 1 || pos > len(jobs) {
		return nil, fmt.Errorf("no queued job at position %d (queue has %d)", pos, len(jobs))
	}
	job := jobs[pos-1]
	if _, err := q.Remove(jobs, job.ID); err != nil {
		return nil, err
	}
	return job, nil
}
