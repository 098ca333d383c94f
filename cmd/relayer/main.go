package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"

	"github.com/DERACHAIN/bundler/chain"
	"github.com/DERACHAIN/bundler/config"
	"github.com/DERACHAIN/bundler/lock"
	"github.com/DERACHAIN/bundler/queue"
	"github.com/DERACHAIN/bundler/store/postgres"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "config.toml", "path to the TOML config")
	envFile := flag.String("env", ".env", "optional file of secret environment variables")
	flag.Parse()

	if err := run(*configPath, *envFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, envFile string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	secrets, err := config.LoadSecrets(envFile)
	if err != nil {
		return err
	}
	lggr, err := logger.NewWith(func(zc *zap.Config) {
		zc.Level = zap.NewAtomicLevelAt(cfg.LogLevel())
		if !cfg.JSONConsole() {
			zc.Encoding = "console"
		}
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = lggr.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Open(ctx, postgres.Config{
		URL:             secrets.DatabaseURL,
		MaxOpenConns:    int(*cfg.Database.MaxOpenConns),
		MaxIdleConns:    int(*cfg.Database.MaxIdleConns),
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime.Duration(),
	})
	if err != nil {
		return err
	}
	defer db.Close()
	if *cfg.Database.MigrateOnStart {
		if err := postgres.Migrate(lggr, db); err != nil {
			return err
		}
	}
	store := postgres.New(lggr, db)

	redisOpts, err := redis.ParseURL(secrets.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", config.EnvRedisURL, err)
	}
	redisOpts.PoolSize = int(*cfg.Redis.PoolSize)
	redisOpts.DialTimeout = cfg.Redis.DialTimeout.Duration()
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	locker := lock.NewRedisLocker(lggr, rdb, lock.Config{
		AcquireTimeout: cfg.Redis.LockAcquireTimeout.Duration(),
		RetryDelay:     cfg.Redis.LockRetryDelay.Duration(),
	})

	var chains []*chain.Chain
	for _, cc := range cfg.EnabledChains() {
		c, err := chain.New(ctx, lggr, cc, chain.Opts{
			Store:    store,
			Locker:   locker,
			NewQueue: func(name string) queue.Queue { return queue.NewRedisQueue(lggr, rdb, name) },
			Secrets:  secrets,
		})
		if err != nil {
			return fmt.Errorf("failed to create chain %s: %w", *cc.ChainID, err)
		}
		chains = append(chains, c)
	}
	registry, err := chain.NewRegistry(lggr, chains...)
	if err != nil {
		return err
	}
	if err := registry.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := registry.Close(); err != nil {
			lggr.Errorw("Failed to close chains", "err", err)
		}
	}()

	srv := &http.Server{
		Addr:              *cfg.HTTP.ListenAddress,
		Handler:           newRouter(lggr, registry),
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout.Duration(),
		ReadTimeout:       cfg.HTTP.ReadTimeout.Duration(),
	}
	errCh := make(chan error, 1)
	go func() {
		lggr.Infow("Serving metrics and health", "addr", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		lggr.Info("Shutting down")
	case err = <-errCh:
		lggr.Errorw("HTTP server failed", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		lggr.Errorw("Failed to shut down HTTP server", "err", serr)
	}
	return err
}
