package main

import (
	"context"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/you/provisiond/internal/backoff"
	"github.com/you/provisiond/internal/config"
	"github.com/you/provisiond/internal/dispatch"
	"github.com/you/provisiond/internal/email"
	"github.com/you/provisiond/internal/handlers"
	"github.com/you/provisiond/internal/queue"
	"github.com/you/provisiond/internal/server"
	"github.com/you/provisiond/internal/storage"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	var log *zap.Logger
	var err error
	if cfg.AppEnv == "dev" {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
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
	q := queue.NewClient(store, queue.NewNotifier(rdb), log)
	sender := email.NewHTTPSender(cfg.EmailAPIURL, cfg.EmailAPIKey, cfg.EmailFrom)
	registry := handlers.NewRegistry(store, sender, q, log)
	dispatcher := dispatch.New(q, registry, log, cfg.BatchSize, cfg.Concurrency)
	srv := server.New(q, dispatcher, store, log, cfg.CronSecret, cfg.StaleAfter())

	log.Info("api listening", zap.String("addr", cfg.APIAddr))
	if err := http.ListenAndServe(cfg.APIAddr, srv.Router()); err != nil {
		log.Fatal("serve", zap.Error(err))
	}
}
