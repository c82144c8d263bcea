package metrics

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/mymada/gometrics/pkg/securestore"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v2"
)

// ServerSection configures the pull exposition server within a Config.
//
// Multi-word fields carry an envconfig tag so the variable keeps its
// underscores. Single-word fields deliberately have none: the tag would
// also act as an unprefixed fallback name, and PATH or USERNAME are too
// likely to be set in the ambient environment.
type ServerSection struct {
	Enabled          bool                `yaml:"enabled"`
	Listen           string              `yaml:"listen"`
	Path             string              `yaml:"path"`
	CertFile         string              `yaml:"certfile"`
	KeyFile          string              `yaml:"keyfile"`
	ReadTimeout      time.Duration       `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout     time.Duration       `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout      time.Duration       `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	Username         string              `yaml:"username"`
	PasswordStr      string              `yaml:"password" envconfig:"PASSWORD"`
	Password         *securestore.Secret `yaml:"-"`
	RateLimitEnabled bool                `yaml:"rate_limit_enabled" envconfig:"RATE_LIMIT_ENABLED"`
	RateLimit        float64             `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	RateLimitBurst   int                 `yaml:"rate_limit_burst" envconfig:"RATE_LIMIT_BURST"`
}

// PushSection configures the push-gateway client within a Config.
type PushSection struct {
	Enabled          bool                `yaml:"enabled"`
	Endpoint         string              `yaml:"endpoint"`
	Job              string              `yaml:"job"`
	Instance         string              `yaml:"instance"`
	Interval         time.Duration       `yaml:"interval"`
	Grouping         map[string]string   `yaml:"grouping"`
	Username         string              `yaml:"username"`
	PasswordStr      string              `yaml:"password" envconfig:"PASSWORD"`
	Password         *securestore.Secret `yaml:"-"`
	PushOnStop       bool                `yaml:"push_on_stop" envconfig:"PUSH_ON_STOP"`
	PushTimeout      time.Duration       `yaml:"push_timeout" envconfig:"PUSH_TIMEOUT"`
	BreakerThreshold uint32              `yaml:"breaker_threshold" envconfig:"BREAKER_THRESHOLD"`
	BreakerCooldown  time.Duration       `yaml:"breaker_cooldown" envconfig:"BREAKER_COOLDOWN"`
}

// Config holds the exposition configuration: a pull server and/or a
// push-gateway client.
type Config struct {
	Server ServerSection `yaml:"server"`
	Push   PushSection   `yaml:"push"`
}

// LoadConfig loads the exposition configuration from a YAML file, and then
// overrides with environment variables. A missing file is tolerated, so the
// configuration may come entirely from the environment.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config data: %w", err)
		}
	}

	// Override with environment variables. The prefix is "METRICS", so for
	// example Server.Listen can be set with METRICS_SERVER_LISTEN and
	// Push.Endpoint with METRICS_PUSH_ENDPOINT.
	if err := envconfig.Process("metrics", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	// Move plaintext credentials into guarded memory.
	if cfg.Server.PasswordStr != "" {
		cfg.Server.Password = securestore.NewSecret(cfg.Server.PasswordStr)
		cfg.Server.PasswordStr = ""
	}
	if cfg.Push.PasswordStr != "" {
		cfg.Push.Password = securestore.NewSecret(cfg.Push.PasswordStr)
		cfg.Push.PasswordStr = ""
	}

	if cfg.Server.Listen == "" {
		cfg.Server.Listen = DefaultListen
	}
	if cfg.Server.Path == "" {
		cfg.Server.Path = DefaultPath
	}
	if cfg.Push.Interval <= 0 {
		cfg.Push.Interval = DefaultInterval
	}

	return &cfg, nil
}

// Exposition aggregates the exposition surfaces started from a Config. Stop
// halts whichever of them were started.
type Exposition struct {
	logger   zerolog.Logger
	server   *Server
	pusher   *Pusher
	stopOnce sync.Once
}

// Start builds and starts the surfaces enabled in cfg against the recorder's
// registry. A nil recorder exposes the process-wide default registry. The
// returned handle owns whatever was started; with neither surface enabled
// its Stop does nothing.
func Start(cfg *Config, rec *PrometheusRecorder, logger zerolog.Logger) (*Exposition, error) {
	registry := DefaultRegistry()
	if rec != nil {
		registry = rec.Registry()
	}

	exp := &Exposition{logger: logger.With().Str("component", "metrics_exposition").Logger()}

	if cfg.Server.Enabled {
		srv, err := NewServer(ServerConfig{
			Listen:           cfg.Server.Listen,
			Path:             cfg.Server.Path,
			CertFile:         cfg.Server.CertFile,
			KeyFile:          cfg.Server.KeyFile,
			ReadTimeout:      cfg.Server.ReadTimeout,
			WriteTimeout:     cfg.Server.WriteTimeout,
			IdleTimeout:      cfg.Server.IdleTimeout,
			Username:         cfg.Server.Username,
			Password:         cfg.Server.Password,
			RateLimitEnabled: cfg.Server.RateLimitEnabled,
			RateLimit:        cfg.Server.RateLimit,
			RateLimitBurst:   cfg.Server.RateLimitBurst,
		}, registry, logger)
		if err != nil {
			return nil, err
		}
		if err := srv.Start(); err != nil {
			return nil, err
		}
		exp.server = srv
	}

	if cfg.Push.Enabled {
		psh, err := NewPusher(PusherConfig{
			Endpoint:         cfg.Push.Endpoint,
			Job:              cfg.Push.Job,
			Instance:         cfg.Push.Instance,
			Interval:         cfg.Push.Interval,
			Grouping:         cfg.Push.Grouping,
			Username:         cfg.Push.Username,
			Password:         cfg.Push.Password,
			PushOnStop:       cfg.Push.PushOnStop,
			PushTimeout:      cfg.Push.PushTimeout,
			BreakerThreshold: cfg.Push.BreakerThreshold,
			BreakerCooldown:  cfg.Push.BreakerCooldown,
		}, registry, logger)
		if err != nil {
			_ = exp.Stop(context.Background())
			return nil, err
		}
		psh.Start()
		exp.pusher = psh
	}

	return exp, nil
}

// Server returns the started pull server, or nil when that surface was not
// enabled.
func (e *Exposition) Server() *Server {
	return e.server
}

// Pusher returns the started push-gateway client, or nil when that surface
// was not enabled.
func (e *Exposition) Pusher() *Pusher {
	return e.pusher
}

// Stop halts the pusher and then the server, waiting for both. Later calls
// are no-ops returning nil.
func (e *Exposition) Stop(ctx context.Context) error {
	var lastErr error
	e.stopOnce.Do(func() {
		if e.pusher != nil {
			if err := e.pusher.Stop(ctx); err != nil {
				e.logger.Error().Err(err).Msg("Error stopping metrics pusher")
				lastErr = err
			}
		}
		if e.server != nil {
			if err := e.server.Stop(ctx); err != nil {
				e.logger.Error().Err(err).Msg("Error stopping metrics server")
				lastErr = err
			}
		}
	})
	return lastErr
}
