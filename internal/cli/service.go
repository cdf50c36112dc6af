package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/me/nexus/internal/archive"
	"github.com/me/nexus/internal/events"
	"github.com/me/nexus/internal/executor"
	"github.com/me/nexus/internal/gpu"
	"github.com/me/nexus/internal/metrics"
	"github.com/me/nexus/internal/queue"
	"github.com/me/nexus/internal/recovery"
	"github.com/me/nexus/internal/scheduler"
	"github.com/me/nexus/internal/server"
	"github.com/me/nexus/internal/session"
	"github.com/me/nexus/internal/store"
)

func newServiceCmd() *cobra.Command {
	var addr string
	var noAPI bool

	cmd := &cobra.Command{
		Use:   "service",
		Short: "Run the scheduler daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runService(ctx, !noAPI)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "API listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&noAPI, "no-api", false, "Do not serve the HTTP API")
	return cmd
}

// runService wires the daemon from cfg and blocks until ctx ends.
func runService(ctx context.Context, serveAPI bool) error {
	if err := cfg.EnsureDirs(); err != nil {
		return fmt.Errorf("prepare %s: %w", cfg.BaseDir, err)
	}

	runner := executor.NewLocalRunner(cfg.CommandTimeout, logger)
	mock := cfg.MockGPUs || os.Getenv(gpu.DevModeEnv) != ""
	devices := gpu.New(runner, mock, logger)

	backend, err := session.NewBackend(cfg.SessionBackend, runner)
	if err != nil {
		return err
	}
	sessions := session.NewManager(backend, cfg.LogDir, logger)
	eventLog := events.New(cfg.EventLog(), cfg.DatetimeFormat, logger)

	var registry store.Store
	if cfg.PersistRunning {
		st, err := store.NewSQLiteStore(cfg.DBPath, logger)
		if err != nil {
			return fmt.Errorf("open registry: %w", err)
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate registry: %w", err)
		}
		registry = st
	}

	procs, err := recovery.NewProcFS("")
	if err != nil {
		return fmt.Errorf("open process table: %w", err)
	}
	prober := recovery.NewProber(backend, procs, registry, cfg.LogDir, eventLog, logger)

	archOpts := []archive.Option{archive.WithRemoveSource(cfg.Archive.RemoveSource)}
	if cfg.Archive.S3Bucket != "" {
		up, err := archive.NewS3Uploader(ctx, archive.S3Options{
			Bucket:   cfg.Archive.S3Bucket,
			Prefix:   cfg.Archive.S3Prefix,
			Region:   cfg.Archive.S3Region,
			Endpoint: cfg.Archive.S3Endpoint,
		})
		if err != nil {
			return fmt.Errorf("configure S3 upload: %w", err)
		}
		archOpts = append(archOpts, archive.WithUploader(up))
	}
	archiver := archive.New(cfg.ArchiveDir(), logger, archOpts...)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	loop := scheduler.NewLoop(scheduler.Deps{
		Devices:  devices,
		Queue:    queue.New(cfg.JobsFile, nil, logger),
		Sessions: sessions,
		Recovery: prober,
		Registry: registry,
		Archiver: archiver,
		Events:   eventLog,
		Metrics:  metrics.New(reg),
	}, cfg, logger)

	logger.Info("starting nexus",
		"base_dir", cfg.BaseDir,
		"backend", backend.Kind(),
		"mock_gpus", mock,
		"refresh_rate", cfg.RefreshRate,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return loop.Run(ctx)
	})
	if serveAPI {
		srv := server.New(cfg.Server, loop, logger,
			server.WithGatherer(reg),
			server.WithSessionBackend(backend.Kind()),
		)
		g.Go(func() error {
			return srv.ListenAndServe(ctx)
		})
	}

	err = g.Wait()
	logger.Info("nexus stopped")
	return err
}
