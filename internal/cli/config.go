package cli

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	var edit bool

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration, or edit the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if edit {
				return editConfig(cmd)
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			printf(cmd, "# %s\n%s", cfgPath, data)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&edit, "edit", "e", false, "Open the config file in $EDITOR")
	return cmd
}

func editConfig(cmd *cobra.Command) error {
	if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(cfgPath, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", cfgPath, err)
		}
	}

	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = "vim"
	}
	c := exec.CommandContext(cmd.Context(), editor, cfgPath)
	c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr
	return c.Run()
}
