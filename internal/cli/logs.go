package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/me/nexus/internal/session"
)

func newLogsCmd() *cobra.Command {
	var lines int

	cmd := &cobra.Command{
		Use:   "logs <id|service>",
		Short: "Print a job's output or the service event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			if args[0] == "service" {
				return printFile(w, "", cfg.EventLog(), lines)
			}

			dir := filepath.Join(cfg.LogDir, args[0])
			if _, err := os.Stat(dir); err != nil {
				matches, _ := filepath.Glob(filepath.Join(cfg.ArchiveDir(), "*_"+args[0]+".tar.gz"))
				if len(matches) > 0 {
					return fmt.Errorf("logs of job %s have been archived to %s", args[0], matches[len(matches)-1])
				}
				return fmt.Errorf("no logs for job %s", args[0])
			}
			if err := printFile(w, "=== STDOUT ===", filepath.Join(dir, session.StdoutFile), lines); err != nil {
				return err
			}
			fmt.Fprintln(w)
			return printFile(w, "=== STDERR ===", filepath.Join(dir, session.StderrFile), lines)
		},
	}

	cmd.Flags().IntVarP(&lines, "lines", "n", 0, "Print only the last N lines (0 for all)")
	return cmd
}

func printFile(w io.Writer, header, path string, lines int) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		data = nil
	} else if err != nil {
		return err
	}
	if header != "" {
		fmt.Fprintln(w, header)
	}
	_, err = w.Write(tail(data, lines))
	return err
}

// tail returns the last n lines of data, or all of it when n <= 0.
func tail(data []byte, n int) []byte {
	if n <= 0 {
		return data
	}
	end := len(data)
	if end > 0 && data[end-1] == '\n' {
		end--
	}
	for i := 0; i < n; i++ {
		idx := bytes.LastIndexByte(data[:end], '\n')
		if idx < 0 {
			return data
		}
		end = idx
	}
	return data[end+1:]
}
