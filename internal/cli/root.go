package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/me/nexus/internal/config"
	"github.com/me/nexus/internal/logging"
)

var (
	flagBaseDir   string
	flagConfig    string
	flagServer    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	cfg     config.Config
	cfgPath string
	logger  *slog.Logger
	client  *Client
)

// serverURL returns the API base URL: --server, then NEXUS_SERVER, then the
// configured listen address.
func serverURL() string {
	if flagServer != "" {
		return flagServer
	}
	if s := os.Getenv("NEXUS_SERVER"); s != "" {
		return s
	}
	return "http://" + cfg.Server.Addr
}

// NewRootCmd creates the root cobra command for the nexus CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "nexus",
		Short: "nexus: a GPU job queue",
		Long: "nexus runs queued shell commands one per GPU, each in a detached\n" +
			"screen or tmux session, and keeps the queue in a plain text file.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			baseDir := flagBaseDir
			if baseDir == "" {
				var err error
				if baseDir, err = config.DefaultBaseDir(); err != nil {
					return err
				}
			}
			path := flagConfig
			if path == "" {
				path = config.Path(baseDir)
			}
			loaded, err := config.Load(baseDir, path)
			if err != nil {
				return err
			}
			cfg, cfgPath = loaded, path

			level, format := cfg.Log.Level, cfg.Log.Format
			if cmd.Root().PersistentFlags().Changed("log-level") {
				level = flagLogLevel
			}
			if cmd.Root().PersistentFlags().Changed("log-format") {
				format = flagLogFormat
			}
			if flagDebug {
				level = "debug"
			}
			cfg.Log.Level, cfg.Log.Format = level, format
			logger = logging.FromConfig(cfg.Log, cmd.ErrOrStderr())
			client = NewClient(serverURL(), logger)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flagBaseDir, "base-dir", "", "Base directory (default $NEXUS_HOME or ~/.nexus)")
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (default <base-dir>/config.yaml)")
	root.PersistentFlags().StringVar(&flagServer, "server", "", "nexus API URL (or NEXUS_SERVER env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newServiceCmd(),
		newStatusCmd(),
		newAddCmd(),
		newQueueCmd(),
		newHistoryCmd(),
		newRemoveCmd(),
		newKillCmd(),
		newBlacklistCmd(),
		newPauseCmd(),
		newResumeCmd(),
		newAttachCmd(),
		newLogsCmd(),
		newConfigCmd(),
	)

	return root
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
