package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mkrell/foreman/internal/admission"
	"github.com/mkrell/foreman/internal/api"
	"github.com/mkrell/foreman/internal/config"
	"github.com/mkrell/foreman/internal/dispatch"
	"github.com/mkrell/foreman/internal/events"
	"github.com/mkrell/foreman/internal/exec"
	"github.com/mkrell/foreman/internal/notify"
	"github.com/mkrell/foreman/internal/queue"
	"github.com/mkrell/foreman/internal/session"
	"github.com/mkrell/foreman/internal/store"
	"github.com/mkrell/foreman/internal/trigger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.Level())

	logger.Info("foreman: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"dispatch_interval", cfg.DispatchInterval,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus(256)
	defer bus.Close()

	adm := admission.NewController()
	if err := adm.Seed(ctx, db); err != nil {
		log.Fatalf("failed to seed admission counters: %v", err)
	}

	queues := queue.NewService(db, bus, logger, cfg.CASRetries)
	execs := exec.NewService(db, bus, adm, logger, cfg.CASRetries)
	agents := session.NewService(db, bus, logger,
		cfg.HeartbeatInterval, cfg.MissedHeartbeats, queues, execs)

	sinks := []notify.Sink{notify.NewSlogSink(logger)}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		sinks = append(sinks, notify.NewRedisSink(rdb, cfg.RedisEventKey))
		logger.Info("redis notification sink enabled",
			"addr", cfg.RedisAddr, "key", cfg.RedisEventKey)
	}
	evaluator := notify.NewEvaluator(db, bus, logger, sinks...)
	evaluator.Start(ctx)
	defer evaluator.Stop()

	scheduler := trigger.NewScheduler(db, execs, logger)
	if err := scheduler.Start(ctx); err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}
	defer scheduler.Stop()

	dispatcher := dispatch.New(db, queues, execs, agents, logger)
	srv := api.NewServer(cfg.ListenAddr, db, queues, execs, agents, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := dispatcher.Run(gctx, cfg.DispatchInterval)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return srv.Run()
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("foreman exited with error: %v", err)
	}
	logger.Info("foreman: stopped")
}
