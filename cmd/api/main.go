package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/enqworker/internal/api"
	"github.com/SirClappington/enqworker/internal/config"
	"github.com/SirClappington/enqworker/internal/logger"
	"github.com/SirClappington/enqworker/internal/notify"
	"github.com/SirClappington/enqworker/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, log); err != nil {
		log.Error("api stopped", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	if cfg.DBMaxConns > 0 {
		poolCfg.MaxConns = cfg.DBMaxConns
	}
	db, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return err
	}
	defer db.Close()

	store := storage.New(db)
	if err := store.Migrate(ctx, log); err != nil {
		return err
	}

	var pub notify.Publisher
	if cfg.NotifyBackend == config.NotifyRedis {
		rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		pub = notify.NewRedisPublisher(rdb)
	}

	router := api.NewRouter(store, api.Options{
		Publisher:    pub,
		Logger:       log,
		EnqueueRate:  cfg.APIEnqueueRate,
		EnqueueBurst: cfg.APIEnqueueBurst,
	})
	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errs := make(chan error, 1)
	go func() { errs <- srv.ListenAndServe() }()
	log.Info("api listening", zap.String("addr", cfg.APIAddr))

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
