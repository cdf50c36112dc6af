package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Stop starting new jobs; running jobs continue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(cfg.PauseMarker(), os.O_CREATE|os.O_WRONLY, 0o644)
			if err != nil {
				return fmt.Errorf("create pause marker: %w", err)
			}
			if err := f.Close(); err != nil {
				return err
			}
			printf(cmd, "Queue paused\n")
			return nil
		},
	}
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume starting queued jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.Remove(cfg.PauseMarker()); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("remove pause marker: %w", err)
			}
			printf(cmd, "Queue resumed\n")
			return nil
		},
	}
}
