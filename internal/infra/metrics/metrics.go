package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	CrawlCycles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crawler_cycles_total",
		Help: "Количество завершённых циклов краулера",
	})
	CrawlErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crawler_errors_total",
		Help: "Ошибки при обходе каналов",
	})
	CrawlChannelErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crawler_channel_errors_total",
		Help: "Ошибки обхода отдельных каналов",
	})
	MessagesRefreshed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crawler_messages_refreshed_total",
		Help: "Сообщения, пересинхронизированные с апстримом",
	})

	TimelineBuildSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "timeline_build_seconds",
		Help:    "Время построения страницы ленты",
		Buckets: prometheus.DefBuckets,
	})
	StaleCursors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "timeline_stale_cursors_total",
		Help: "Курсоры, не прошедшие раскодирование",
	})

	WSConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections",
		Help: "Текущее количество сокет-подключений",
	})
	WSSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_subscriptions",
		Help: "Текущее количество подписок на сообщения",
	})
	WSPushedUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_pushed_updates_total",
		Help: "Отправленные адресные уведомления messageUpdated",
	})

	ReadStateFlushes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "readstate_flushes_total",
		Help: "Пакетные записи отметок о прочтении",
	})
	ReadStateFlushErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "readstate_flush_errors_total",
		Help: "Неудачные записи отметок о прочтении (не ретраятся)",
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: prometheus.DefBuckets,
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		CrawlCycles,
		CrawlErrors,
		CrawlChannelErrors,
		MessagesRefreshed,
		TimelineBuildSeconds,
		StaleCursors,
		WSConnections,
		WSSubscriptions,
		WSPushedUpdates,
		ReadStateFlushes,
		ReadStateFlushErrors,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}
