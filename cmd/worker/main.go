// The worker daemon runs dispatch passes on a schedule and on wake
// nudges from producers. The DB claim is atomic, so several workers (or a
// worker plus the HTTP cron trigger) can run passes concurrently.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/you/provisiond/internal/backoff"
	"github.com/you/provisiond/internal/config"
	"github.com/you/provisiond/internal/dispatch"
	"github.com/you/provisiond/internal/email"
	"github.com/you/provisiond/internal/handlers"
	"github.com/you/provisiond/internal/queue"
	"github.com/you/provisiond/internal/storage"
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("postgres connect", zap.Error(err))
	}
	defer db.Close()

	var rdb *r.Client
	if cfg.RedisAddr != "" {
		rdb = r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	}

	store := storage.NewPostgres(db, backoff.Default(), cfg.MaxAttempts)
	notifier := queue.NewNotifier(rdb)
	q := queue.NewClient(store, notifier, log)
	sender := email.NewHTTPSender(cfg.EmailAPIURL, cfg.EmailAPIKey, cfg.EmailFrom)
	registry := handlers.NewRegistry(store, sender, q, log)
	dispatcher := dispatch.New(q, registry, log, cfg.BatchSize, cfg.Concurrency)

	runPass := func() {
		passCtx, cancel := context.WithTimeout(ctx, cfg.Deadline())
		defer cancel()
		if _, err := dispatcher.Run(passCtx); err != nil {
			log.Error("dispatch pass failed", zap.Error(err))
		}
	}

	c := cron.New()
	if _, err := c.AddFunc("* * * * *", runPass); err != nil {
		log.Fatal("schedule dispatch", zap.Error(err))
	}
	if _, err := c.AddFunc("*/5 * * * *", func() {
		reaped, err := store.ReapStale(ctx, cfg.StaleAfter())
		if err != nil {
			log.Error("reap failed", zap.Error(err))
			return
		}
		if reaped > 0 {
			log.Warn("reclaimed stale processing jobs", zap.Int("count", reaped))
		}
	}); err != nil {
		log.Fatal("schedule reaper", zap.Error(err))
	}
	c.Start()
	defer c.Stop()

	log.Info("worker started",
		zap.Int("batch_size", cfg.BatchSize),
		zap.Int("concurrency", cfg.Concurrency),
		zap.Bool("wake_channel", rdb != nil))

	wake := notifier.Listen(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info("worker stopping")
			return
		case _, ok := <-wake:
			if !ok {
				// no Redis configured; rely on the schedule alone
				<-ctx.Done()
				log.Info("worker stopping")
				return
			}
			runPass()
		}
	}
}
