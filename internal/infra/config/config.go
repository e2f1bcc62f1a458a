package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервиса.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	Port   int    `envconfig:"PORT" default:"8080"`

	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	AMQPURL    string `envconfig:"AMQP_URL"`
	EventQueue string `envconfig:"EVENT_QUEUE_NAME" default:"upstream_events"`

	Traq struct {
		BaseURL       string        `envconfig:"TRAQ_BASE_URL" default:"https://q.trap.jp/api/v3"`
		Timeout       time.Duration `envconfig:"TRAQ_HTTP_TIMEOUT" default:"10s"`
		WebhookSecret string        `envconfig:"TRAQ_WEBHOOK_SECRET"`
	} `envconfig:""`

	Crawler struct {
		Interval      time.Duration `envconfig:"CRAWL_INTERVAL" default:"30s"`
		InitialWindow time.Duration `envconfig:"CRAWL_INITIAL_WINDOW" default:"24h"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
