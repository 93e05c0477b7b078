package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/endorse-tools/endorse/internal/aggregator"
	"github.com/endorse-tools/endorse/internal/config"
	"github.com/endorse-tools/endorse/internal/lease"
	"github.com/endorse-tools/endorse/internal/models"
	"github.com/endorse-tools/endorse/internal/platform"
	"github.com/endorse-tools/endorse/internal/platform/gateway"
	"github.com/endorse-tools/endorse/internal/ratelimit"
	"github.com/endorse-tools/endorse/internal/runner"
	"github.com/endorse-tools/endorse/internal/store"
	"github.com/endorse-tools/endorse/internal/supervisor"
	"github.com/endorse-tools/endorse/internal/worker"
)

// newClient is swapped in tests.
var newClient = func(cfg config.Config) platform.Client {
	return gateway.New(cfg.Platform.BaseURL, cfg.Platform.APIKey, cfg.Platform.Timeout)
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	st, err := store.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return st, nil
}

func newTransport(cfg config.Config, cfgFile string, client platform.Client, log *zap.Logger) (supervisor.Transport, error) {
	if cfg.Worker.InProcess {
		return &supervisor.PipeTransport{
			Run: worker.NewProcessor(client, log.Named("worker")).Run,
			Log: log,
		}, nil
	}
	args := []string{"worker"}
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	t, err := supervisor.NewExecTransport(args, log)
	if err != nil {
		return nil, err
	}
	if cfg.Worker.Binary != "" {
		t.Path = cfg.Worker.Binary
	}
	return t, nil
}

// coordination returns the optional Redis-backed lease and throttle.
func coordination(cfg config.Config) (*lease.Leaser, *ratelimit.TokenBucket, func()) {
	if cfg.Redis.Addr == "" {
		return nil, nil, func() {}
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	leaser := lease.New(rdb, cfg.Redis.LeaseTTL)
	throttle := ratelimit.NewTokenBucket(rdb, cfg.Redis.RelayCapacity, cfg.Redis.RelayRefillPerSec, time.Hour)
	return leaser, throttle, func() { _ = rdb.Close() }
}

func runOptions(cfg config.Config) runner.Options {
	policy := aggregator.DefaultPolicy()
	policy.SuccessCode = platform.Result(cfg.Policy.SuccessCode)
	policy.CooldownOnRejected = cfg.Policy.CooldownOnRejected

	return runner.Options{
		Mode:      runner.Mode(cfg.Method),
		TargetRef: cfg.Target,
		RelayRef:  cfg.ServerID,
		Account: platform.Credentials{
			Handle:   cfg.Account.Username,
			Secret:   cfg.Account.Password,
			TOTPSeed: cfg.Account.SharedSecret,
		},
		Quota:         cfg.Quota,
		Cooldown:      cfg.Cooldown,
		ChunkSize:     cfg.ChunkSize,
		BetweenChunks: cfg.BetweenChunks,
		Worker: models.WorkerSettings{
			Concurrency:   cfg.Worker.Concurrency,
			LoginTimeout:  cfg.Worker.LoginTimeout,
			ActionTimeout: cfg.Worker.ActionTimeout,
		},
		Policy: policy,
	}
}
