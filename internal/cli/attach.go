package cli

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/me/nexus/internal/server"
	"github.com/me/nexus/pkg/model"
)

func newAttachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach <id|gpu>",
		Short: "Attach the terminal to a running job's session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
				return errors.New("attach needs an interactive terminal")
			}

			mgr, prober, err := offlineSessions()
			if err != nil {
				return err
			}

			job, err := runningFromService(args[0])
			if isUnreachable(err) {
				job, err = recoverTarget(cmd.Context(), prober, args[0])
			}
			if err != nil {
				return err
			}

			ac := mgr.Attach(job.Session)
			logger.Debug("attaching", "session", job.Session, "command", ac.String())
			c := exec.CommandContext(cmd.Context(), ac.Name, ac.Args...)
			c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr
			return c.Run()
		},
	}
}

// runningFromService resolves target through the service's status.
func runningFromService(target string) (*model.Job, error) {
	resp, err := client.Get("/api/v1/status")
	if err != nil {
		return nil, err
	}
	var st server.StatusResponse
	if err := resp.decode(&st); err != nil {
		return nil, err
	}
	var running []*model.Job
	for _, d := range st.Devices {
		if d.Job != nil {
			running = append(running, d.Job)
		}
	}
	job := findRunning(running, target)
	if job == nil {
		return nil, fmt.Errorf("no running job on GPU or with id %q", target)
	}
	return job, nil
}
