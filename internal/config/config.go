// Package config reads the service configuration from COACH_* environment
// variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"

	"github.com/abhisek/focuscoach/internal/channel"
	"github.com/abhisek/focuscoach/internal/compose"
	"github.com/abhisek/focuscoach/internal/delivery"
	"github.com/abhisek/focuscoach/internal/delivery/stream"
	"github.com/abhisek/focuscoach/internal/engine"
	"github.com/abhisek/focuscoach/internal/llm"
	"github.com/abhisek/focuscoach/internal/signals"
)

// Config is the whole service configuration.
type Config struct {
	// DBPath is the SQLite database. Empty uses store.DefaultDBPath.
	DBPath string `env:"DB"`

	// CatalogPath is a trigger catalog YAML file. Empty uses the built-in
	// catalog.
	CatalogPath string `env:"CATALOG"`

	// Signals come from SignalsFile when set, else from PostgresURL.
	SignalsFile string        `env:"SIGNALS_FILE"`
	PostgresURL string        `env:"POSTGRES_URL" validate:"omitempty,url"`
	Lookback    time.Duration `env:"SIGNALS_LOOKBACK" validate:"gte=0"`

	// RedisURL backs the stream channel. Empty keeps the queue in memory.
	RedisURL     string `env:"REDIS_URL" validate:"omitempty,url"`
	StreamMaxLen int64  `env:"STREAM_MAX_LEN" validate:"gte=0"`

	HTTPAddr string `env:"HTTP_ADDR" validate:"required"`

	// SweepInterval runs a sweep of every user periodically while serving.
	// Zero disables it.
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" validate:"gte=0"`

	// ResumeInterval re-dispatches pending firings that are due but not
	// queued, such as those refused by a full channel queue. Zero runs the
	// resume pass only at startup.
	ResumeInterval time.Duration `env:"RESUME_INTERVAL" validate:"gte=0"`

	Engine   EngineConfig   `envPrefix:"ENGINE_"`
	Delivery DeliveryConfig `envPrefix:"DELIVERY_"`
	Hub      HubConfig      `envPrefix:"STREAM_"`

	LLM            llm.Config
	LLMMinPriority int `env:"LLM_MIN_PRIORITY" validate:"gte=0"`
}

type EngineConfig struct {
	PerCycle         int `env:"PER_CYCLE" validate:"gte=1"`
	DailyCap         int `env:"DAILY_CAP" validate:"gte=1"`
	SweepConcurrency int `env:"SWEEP_CONCURRENCY" validate:"gte=1,lte=256"`
	ConflictRetries  int `env:"CONFLICT_RETRIES" validate:"gte=0,lte=5"`
}

type DeliveryConfig struct {
	MaxAttempts int           `env:"MAX_ATTEMPTS" validate:"gte=1,lte=10"`
	InitialWait time.Duration `env:"INITIAL_WAIT" validate:"gt=0"`
	MaxWait     time.Duration `env:"MAX_WAIT" validate:"gtefield=InitialWait"`
	QuietFloor  int           `env:"QUIET_FLOOR" validate:"gte=0"`
	PushRate    float64       `env:"PUSH_RATE" validate:"gte=0"`
	EmailRate   float64       `env:"EMAIL_RATE" validate:"gte=0"`
}

type HubConfig struct {
	PollInterval time.Duration `env:"POLL_INTERVAL" validate:"gt=0"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" validate:"gt=0"`
}

// Default returns the configuration used when no variable is set.
func Default() Config {
	ec := engine.DefaultConfig()
	dc := delivery.DefaultConfig()
	hc := stream.DefaultHubConfig()
	return Config{
		Lookback:       signals.DefaultPostgresConfig().Lookback,
		StreamMaxLen:   stream.DefaultRedisConfig().MaxLen,
		HTTPAddr:       ":8080",
		SweepInterval:  15 * time.Minute,
		ResumeInterval: time.Minute,
		Engine: EngineConfig{
			PerCycle:         ec.PerCycle,
			DailyCap:         ec.DailyCap,
			SweepConcurrency: ec.SweepConcurrency,
			ConflictRetries:  ec.ConflictRetries,
		},
		Delivery: DeliveryConfig{
			MaxAttempts: dc.Retry.MaxAttempts,
			InitialWait: dc.Retry.InitialWait,
			MaxWait:     dc.Retry.MaxWait,
			QuietFloor:  dc.QuietFloor,
			PushRate:    dc.Channels[channel.Push].Rate,
			EmailRate:   dc.Channels[channel.Email].Rate,
		},
		Hub: HubConfig{
			PollInterval: hc.PollInterval,
			WriteTimeout: hc.WriteTimeout,
		},
		LLM:            llm.DefaultConfig(),
		LLMMinPriority: compose.DefaultLLMConfig().MinPriority,
	}
}

var validate = validator.New()

// Load overlays the environment on Default and validates the result. When
// COACH_LLM_PROVIDER is unset, the providers' standard API key variables
// pick the LLM provider.
func Load() (Config, error) {
	cfg := Default()
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: llm.EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if _, set := os.LookupEnv(llm.EnvPrefix + "LLM_PROVIDER"); !set {
		if discovered, ok := llm.DiscoverConfig(); ok {
			discovered.Retry = cfg.LLM.Retry
			discovered.Timeout = cfg.LLM.Timeout
			cfg.LLM = discovered
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.LLM.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c Config) ForEngine() engine.Config {
	return engine.Config{
		PerCycle:         c.Engine.PerCycle,
		DailyCap:         c.Engine.DailyCap,
		SweepConcurrency: c.Engine.SweepConcurrency,
		ConflictRetries:  c.Engine.ConflictRetries,
	}
}

// ForRouter starts from the router defaults and applies the retry,
// quiet-hours and rate settings.
func (c Config) ForRouter() delivery.Config {
	rc := delivery.DefaultConfig()
	rc.Retry.MaxAttempts = c.Delivery.MaxAttempts
	rc.Retry.InitialWait = c.Delivery.InitialWait
	rc.Retry.MaxWait = c.Delivery.MaxWait
	rc.QuietFloor = c.Delivery.QuietFloor
	for ch, rate := range map[channel.Channel]float64{channel.Push: c.Delivery.PushRate, channel.Email: c.Delivery.EmailRate} {
		cc := rc.Channels[ch]
		cc.Rate = rate
		rc.Channels[ch] = cc
	}
	return rc
}

func (c Config) ForHub() stream.HubConfig {
	return stream.HubConfig{PollInterval: c.Hub.PollInterval, WriteTimeout: c.Hub.WriteTimeout}
}

func (c Config) ForComposer() compose.LLMConfig {
	cc := compose.DefaultLLMConfig()
	cc.MinPriority = c.LLMMinPriority
	return cc
}
