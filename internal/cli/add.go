package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/me/nexus/internal/queue"
	"github.com/me/nexus/pkg/model"
)

func newAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <command...>",
		Short: "Append a command to the queue",
		Long: "Append a command to the queue. All arguments are joined with spaces;\n" +
			"quote the command to keep shell operators out of your own shell.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			command := strings.Join(args, " ")

			resp, err := client.Post("/api/v1/jobs", model.AddJobRequest{Command: command})
			if isUnreachable(err) {
				logger.Debug("service unreachable, editing queue file", "path", cfg.JobsFile)
				job, err := queue.New(cfg.JobsFile, nil, logger).Append(command)
				if err != nil {
					return err
				}
				printf(cmd, "Added job %s: %s\n", job.ID, job.Command)
				return nil
			}
			if err != nil {
				return err
			}

			var job model.Job
			if err := resp.decode(&job); err != nil {
				return err
			}
			printf(cmd, "Added job %s: %s\n", job.ID, job.Command)
			return nil
		},
	}

	// Flags after the first word belong to the job's command.
	cmd.Flags().SetInterspersed(false)
	return cmd
}
