package cli

import (
	"net/url"

	"github.com/spf13/cobra"

	"github.com/me/nexus/pkg/model"
)

func newKillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <id|gpu>",
		Short: "Terminate a running job",
		Long: "Terminate a running job. A numeric target is tried as a GPU index\n" +
			"first, then as a job id.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := args[0]

			resp, err := client.Post("/api/v1/jobs/"+url.PathEscape(target)+"/kill", nil)
			if isUnreachable(err) {
				mgr, prober, err := offlineSessions()
				if err != nil {
					return err
				}
				job, err := recoverTarget(cmd.Context(), prober, target)
				if err != nil {
					return err
				}
				if err := mgr.Stop(cmd.Context(), job.Session); err != nil {
					return err
				}
				printf(cmd, "Killed job %s on GPU %s\n", job.ID, gpuString(job))
				return nil
			}
			if err != nil {
				return err
			}

			var job model.Job
			if err := resp.decode(&job); err != nil {
				return err
			}
			printf(cmd, "Killed job %s on GPU %s: %s\n", job.ID, gpuString(&job), job.Command)
			return nil
		},
	}
}
