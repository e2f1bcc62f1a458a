package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"traq-timeline/internal/adapters/repo"
	"traq-timeline/internal/adapters/traq"
	"traq-timeline/internal/api"
	"traq-timeline/internal/infra/cache"
	"traq-timeline/internal/infra/config"
	"traq-timeline/internal/infra/db"
	internalhttp "traq-timeline/internal/infra/http"
	"traq-timeline/internal/infra/log"
	"traq-timeline/internal/infra/metrics"
	"traq-timeline/internal/infra/queue"
	"traq-timeline/internal/usecase/crawler"
	"traq-timeline/internal/usecase/timeline"
	"traq-timeline/internal/ws"
)

func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.MustRegister(prometheus.DefaultRegisterer)
	metrics.StartServer(ctx, logger, cfg.MetricsAddr)

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("подключение к Postgres")
	}
	defer pool.Close()
	if err := db.RunMigrations(ctx, pool, "migrations"); err != nil {
		logger.Fatal().Err(err).Msg("применение миграций")
	}

	store := repo.NewPostgres(pool)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	redisCache := cache.NewRedis(redisClient)

	eventQueue, err := queue.NewRabbitEventQueue(cfg.AMQPURL, cfg.EventQueue)
	if err != nil {
		logger.Fatal().Err(err).Msg("подключение к RabbitMQ")
	}
	defer eventQueue.Close()

	traqClient := traq.NewClient(cfg.Traq.BaseURL, cfg.Traq.Timeout)

	dispatcher := ws.NewDispatcher(logger)
	crawlerSvc := crawler.NewService(
		store, store, store, traqClient, store, dispatcher, redisCache,
		logger, cfg.Crawler.Interval, cfg.Crawler.InitialWindow,
	)
	timelineSvc := timeline.NewService(store, logger)
	socket := ws.NewHandler(ctx, dispatcher, store, logger)

	go crawlerSvc.Run(ctx)
	go crawlerSvc.RunConsumer(ctx, eventQueue)

	handlers := api.NewHandlers(
		timelineSvc, crawlerSvc,
		store, store, store, store,
		traqClient, eventQueue, redisCache,
		api.NewSessionStore(), socket,
		cfg.Traq.WebhookSecret, logger,
	)

	server := internalhttp.NewServer(logger)
	handlers.Register(server.Router)

	go func() {
		if err := server.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			logger.Error().Err(err).Msg("HTTP сервер остановлен")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("получен сигнал остановки")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("остановка HTTP сервера")
	}
	logger.Info().Msg("сервис остановлен")
}
