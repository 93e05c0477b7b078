package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/endorse-tools/endorse/internal/lease"
	"github.com/endorse-tools/endorse/internal/report"
	"github.com/endorse-tools/endorse/internal/runner"
	"github.com/endorse-tools/endorse/internal/status"
	"github.com/endorse-tools/endorse/internal/supervisor"
)

func newRunCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one endorsement batch against the configured target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd.Context())
		},
	}
	flags := cmd.Flags()
	flags.String("method", "", "target resolution method: login or server")
	flags.String("target", "", "target reference (server method)")
	flags.String("server-id", "", "relay reference (server method); \"auto\" is not supported")
	flags.Int("chunk-size", 0, "accounts per worker process")
	flags.Bool("in-process", false, "run workers as goroutines instead of child processes")
	flags.String("status-addr", "", "serve /healthz, /metrics and /status on this address")
	bindFlags(a.v, cmd, map[string]string{
		"method":      "method",
		"target":      "target",
		"server-id":   "server_id",
		"chunk-size":  "chunk_size",
		"in-process":  "worker.in_process",
		"status-addr": "status.addr",
	})
	return cmd
}

func (a *app) run(parent context.Context) error {
	cfg := a.cfg
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := a.log

	// Registered first so it is disarmed only after every other cleanup ran.
	disarm := func() {}
	defer func() { disarm() }()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	publisher, err := report.New(ctx, report.Options{
		Dir:        cfg.Report.Dir,
		S3Bucket:   cfg.Report.S3Bucket,
		S3Region:   cfg.Report.S3Region,
		S3Endpoint: cfg.Report.S3Endpoint,
		PathStyle:  cfg.Report.S3PathStyle,
	})
	if err != nil {
		return err
	}

	client := newClient(cfg)
	transport, err := newTransport(cfg, a.cfgFile, client, log.Named("supervisor"))
	if err != nil {
		return err
	}

	progress := status.NewProgress()
	if cfg.StatusAddr != "" {
		srvCtx, stopSrv := context.WithCancel(context.Background())
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := status.New(progress, log.Named("status")).ListenAndServe(srvCtx, cfg.StatusAddr); err != nil {
				log.Error("status server stopped", zap.Error(err))
			}
		}()
		defer func() {
			stopSrv()
			wg.Wait()
		}()
	}

	leaser, throttle, closeRedis := coordination(cfg)
	defer closeRedis()

	controller := runner.New(runner.Deps{
		Store:      st,
		Client:     client,
		Supervisor: supervisor.New(transport, log.Named("supervisor")),
		Log:        log.Named("run"),
		Progress:   progress,
		Leaser:     leaser,
		Throttle:   throttle,
	}, runOptions(cfg))

	res, runErr := controller.Run(ctx)

	// Cleanup below must not hang the process.
	disarm = a.watchdog(cfg.ShutdownGrace)

	rep := report.Report{
		RunID:      res.RunID,
		Target:     res.Target,
		Relay:      res.Relay,
		Method:     string(res.Mode),
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
		Tally:      res.Tally,
	}
	if runErr != nil {
		rep.Aborted = runErr.Error()
	}
	pubCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if loc, err := publisher.Publish(pubCtx, rep); err != nil {
		log.Warn("publish run report", zap.Error(err))
	} else if loc != "" {
		log.Info("run report written", zap.String("location", loc))
	}

	switch {
	case runErr == nil, runner.IsAbort(runErr):
		return nil
	case errors.Is(runErr, lease.ErrHeld):
		log.Warn("another run holds this target", zap.Error(runErr))
		return nil
	default:
		return runErr
	}
}

// watchdog forces exit code 1 if shutdown takes longer than grace. The
// returned func disarms it.
func (a *app) watchdog(grace time.Duration) func() {
	if grace <= 0 {
		return func() {}
	}
	t := time.AfterFunc(grace, func() {
		a.log.Error("shutdown did not complete in time, forcing exit", zap.Duration("grace", grace))
		_ = a.log.Sync()
		a.exit(1)
	})
	return func() { t.Stop() }
}
