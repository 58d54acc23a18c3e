package config

import (
	"fmt"
	"log"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Catalogue backends
const (
	CatalogueMemory  = "memory"
	CatalogueFile    = "file"
	CatalogueSQLite  = "sqlite"
	CatalogueSurreal = "surreal"
)

// Config holds all configuration for the application.
type Config struct {
	LogFormat string `env:"LOG_FORMAT" envDefault:"text" validate:"oneof=text json"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`

	Catalogue        string `env:"SCRIPT_CATALOGUE" envDefault:"file" validate:"oneof=memory file sqlite surreal"`
	ScriptsDir       string `env:"SCRIPTS_DIR" envDefault:"scripts"`
	HotReloadScripts bool   `env:"HOT_RELOAD_SCRIPTS" envDefault:"false"`
	SQLitePath       string `env:"SCRIPT_SQLITE_PATH" envDefault:"data/scripts.db"`

	DBUrl  string `env:"SURREAL_URL" validate:"required_if=Catalogue surreal"`
	DBNs   string `env:"SURREAL_NS" validate:"required_with=DBUrl"`
	DBDb   string `env:"SURREAL_DB" validate:"required_with=DBUrl"`
	DBUser string `env:"SURREAL_USER"`
	DBPass string `env:"SURREAL_PASS"`

	DBConnectTimeout time.Duration `env:"SURREAL_CONNECT_TIMEOUT" envDefault:"10s" validate:"gte=0"`

	MaxChainDepth int `env:"SCRIPT_MAX_CHAIN_DEPTH" envDefault:"3" validate:"gte=0,lte=32"`

	ErrorEscalateAfter   int           `env:"SCRIPT_ERROR_ESCALATE_AFTER" envDefault:"3" validate:"gte=0"`
	ErrorAlertThreshold  int           `env:"SCRIPT_ERROR_ALERT_THRESHOLD" envDefault:"5" validate:"gte=0"`
	ErrorSummaryInterval time.Duration `env:"SCRIPT_ERROR_SUMMARY_INTERVAL" envDefault:"0s" validate:"gte=0"`

	SchedulerTick          time.Duration `env:"SCHEDULER_TICK" envDefault:"1s" validate:"gt=0"`
	SchedulerMaxConcurrent int           `env:"SCHEDULER_MAX_CONCURRENT" envDefault:"8" validate:"gt=0"`
	SchedulerTimezone      string        `env:"SCHEDULER_TIMEZONE"`

	WebhookRate    float64       `env:"WEBHOOK_RATE" envDefault:"5" validate:"gt=0"`
	WebhookBurst   int           `env:"WEBHOOK_BURST" envDefault:"10" validate:"gt=0"`
	WebhookTimeout time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"5s" validate:"gt=0"`

	TracingEnabled     bool    `env:"TRACING_ENABLED" envDefault:"false"`
	TracingServiceName string  `env:"TRACING_SERVICE_NAME" envDefault:"hookscript"`
	TracingZipkinURL   string  `env:"TRACING_ZIPKIN_URL" envDefault:"http://localhost:9411/api/v2/spans" validate:"omitempty,url"`
	TracingSampleRatio float64 `env:"TRACING_SAMPLE_RATIO" envDefault:"1" validate:"gte=0,lte=1"`
}

// Load reads an optional .env file, then the environment
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}
	return FromEnv()
}

// FromEnv parses and validates the process environment
func FromEnv() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse env config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
