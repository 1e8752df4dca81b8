package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pribylovaa/go-rbac-service/internal/config"
	"github.com/pribylovaa/go-rbac-service/internal/kv"
	"github.com/pribylovaa/go-rbac-service/internal/lock"
	logctx "github.com/pribylovaa/go-rbac-service/internal/pkg/log"
	"github.com/pribylovaa/go-rbac-service/internal/queue"
	"github.com/pribylovaa/go-rbac-service/internal/service"
	"github.com/pribylovaa/go-rbac-service/internal/storage"
	"github.com/pribylovaa/go-rbac-service/internal/storage/postgres"
	transport "github.com/pribylovaa/go-rbac-service/internal/transport/http"
)

// Константы для определения окружения.
const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to config file")
	flag.Parse()

	cfg := config.MustLoad(configPath)

	log := setupLogger(cfg.Env)
	slog.SetDefault(log)
	log.Info("starting application", "env", cfg.Env)

	// Корневой контекст по сигналам.
	rootCtx, rootCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer rootCancel()

	// Подключение к БД c таймаутом.
	dbCtx, dbCancel := context.WithTimeout(rootCtx, 10*time.Second)
	str, err := postgres.New(dbCtx, cfg.DB.DatabaseURL)
	dbCancel()
	if err != nil {
		log.Error("postgres_connect_failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
	defer str.Close()
	log.Info("postgres_connected")

	// Redis — kv-хранилище advisory-блокировок.
	kvCtx, kvCancel := context.WithTimeout(rootCtx, 10*time.Second)
	store, err := kv.NewRedis(kvCtx, cfg.Redis.RedisURL)
	kvCancel()
	if err != nil {
		log.Error("redis_connect_failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()
	log.Info("redis_connected")

	locker := lock.New(store, cfg.Lock.Prefix)

	// Сервис.
	srvc := service.New(str, cfg.Auth, locker, cfg.Lock.TTL)

	// Издатель событий аутентификации — опционален.
	if cfg.Queue.AmqpURL != "" {
		pub, err := queue.New(cfg.Queue.AmqpURL, cfg.Queue.Exchange)
		if err != nil {
			log.Error("amqp_connect_failed", slog.String("err", err.Error()))
			os.Exit(1)
		}
		defer func() { _ = pub.Close() }()
		srvc.SetEventPublisher(pub)
		log.Info("amqp_connected", slog.String("exchange", cfg.Queue.Exchange))
	}

	log.Info("service_initialized")

	// Фоновая очистка просроченных refresh-токенов, single-flight на кластер.
	startRefreshJanitor(rootCtx, str, locker, log, 30*time.Minute)

	// HTTP-сервер.
	srv := transport.New(srvc, cfg.HTTP, cfg.Timeouts.Service, log)

	serveErrCh := make(chan error, 1)
	go func() {
		log.Info("http_listen_start", slog.String("addr", cfg.HTTP.Addr()))
		if err := srv.Run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- err
		}
		close(serveErrCh)
	}()

	// Ожидание сигнала завершения или фатальной ошибки сервера.
	select {
	case <-rootCtx.Done():
		log.Info("shutdown_requested")
	case err := <-serveErrCh:
		if err != nil {
			log.Error("http_serve_failed", slog.String("err", err.Error()))
		}
	}

	// Graceful stop с таймаутом.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http_force_stop", slog.String("err", err.Error()))
	}

	log.Info("service_stopped")
}

// setupLogger настраивает slog по окружению.
func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal:
		log = slog.New(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envDev:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envProd:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	default:
		log = slog.New(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	}

	return log
}

// startRefreshJanitor запускает фоновую задачу, которая периодически удаляет
// просроченные refresh-токены. Запуск каждого прохода single-flight'ится
// распределённой блокировкой: при нескольких репликах чистит одна.
func startRefreshJanitor(ctx context.Context, st storage.Storage, locker *lock.Lock, log *slog.Logger, period time.Duration) {
	if period <= 0 {
		return
	}

	go func() {
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				runCtx := logctx.Into(ctx, log)
				ran, err := locker.WithLock(runCtx, "janitor:refresh-tokens", lock.DefaultTTL,
					func(ctx context.Context) error {
						return st.DeleteExpiredTokens(ctx, time.Now().UTC())
					})
				if err != nil {
					log.Error("refresh_janitor_failed", slog.String("err", err.Error()))
					continue
				}
				if !ran {
					log.Debug("refresh_janitor_skipped")
				}
			}
		}
	}()
}
