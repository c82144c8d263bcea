package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mymada/gometrics/pkg/securestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/prometheus/common/expfmt"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Defaults for the push-gateway client.
const (
	DefaultInterval = 1000 * time.Millisecond

	defaultPushTimeout      = 10 * time.Second
	defaultBreakerThreshold = 3
	defaultBreakerCooldown  = 30 * time.Second
	pushLogThrottle         = 10 * time.Second
)

// PusherConfig holds the configuration for the push-gateway client.
type PusherConfig struct {
	// Endpoint is the push gateway base URL. Required.
	Endpoint string
	// Job is the job grouping key every pushed series is filed under.
	// Required.
	Job string
	// Instance adds an instance grouping key when non-empty.
	Instance string
	// Interval between pushes, DefaultInterval when zero.
	Interval time.Duration
	// Grouping adds extra static grouping key-value pairs to every push.
	Grouping map[string]string

	// Username and Password enable basic auth against the gateway.
	Username string
	Password *securestore.Secret

	// PushOnStop performs one final synchronous push during Stop.
	PushOnStop bool
	// PushTimeout bounds a single push attempt.
	PushTimeout time.Duration

	// BreakerThreshold is the number of consecutive transport failures after
	// which pushes are skipped until BreakerCooldown elapses.
	BreakerThreshold uint32
	BreakerCooldown  time.Duration
}

// Pusher periodically pushes a registry's state to a push gateway on a
// background goroutine. Transport failures are logged and retried on the
// next interval, never surfaced to the caller of Start; a circuit breaker
// skips attempts entirely while the gateway keeps failing.
type Pusher struct {
	cfg      PusherConfig
	logger   zerolog.Logger
	pusher   *push.Pusher
	breaker  *gobreaker.CircuitBreaker
	logLimit *rate.Limiter

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started atomic.Bool

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewPusher creates a push-gateway client for gatherer. A nil gatherer pushes
// the process-wide default registry. The returned Pusher is inert until
// Start.
func NewPusher(cfg PusherConfig, gatherer prometheus.Gatherer, logger zerolog.Logger) (*Pusher, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%w: push gateway endpoint is required", ErrInvalidArgument)
	}
	if cfg.Job == "" {
		return nil, fmt.Errorf("%w: push job name is required", ErrInvalidArgument)
	}
	if (cfg.Username != "") != cfg.Password.IsSet() {
		return nil, fmt.Errorf("%w: basic auth requires both a username and a password", ErrInvalidArgument)
	}

	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = defaultPushTimeout
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = defaultBreakerThreshold
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = defaultBreakerCooldown
	}
	if gatherer == nil {
		gatherer = DefaultRegistry()
	}

	p := &Pusher{
		cfg:      cfg,
		logger:   logger.With().Str("component", "metrics_pusher").Logger(),
		logLimit: rate.NewLimiter(rate.Every(pushLogThrottle), 1),
		done:     make(chan struct{}),
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())

	pb := push.New(cfg.Endpoint, cfg.Job).
		Gatherer(gatherer).
		Format(expfmt.NewFormat(expfmt.TypeTextPlain)).
		Client(&http.Client{Timeout: cfg.PushTimeout})
	if cfg.Instance != "" {
		pb = pb.Grouping("instance", cfg.Instance)
	}
	for name, value := range cfg.Grouping {
		pb = pb.Grouping(name, value)
	}
	if cfg.Username != "" {
		if err := cfg.Password.Access(func(plaintext []byte) error {
			pb = pb.BasicAuth(cfg.Username, string(plaintext))
			return nil
		}); err != nil {
			return nil, fmt.Errorf("accessing push gateway password: %w", err)
		}
	}
	if err := pb.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	p.pusher = pb

	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "pushgateway",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("Push gateway breaker state changed")
		},
	})

	return p, nil
}

// Start launches the periodic push loop and returns immediately. Calling
// Start more than once has no further effect.
func (p *Pusher) Start() {
	p.startOnce.Do(func() {
		p.started.Store(true)
		p.logger.Info().Str("endpoint", p.cfg.Endpoint).Str("job", p.cfg.Job).Dur("interval", p.cfg.Interval).Msg("Starting metrics pusher")
		go p.run()
	})
}

func (p *Pusher) run() {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.pushOnce()
	for {
		select {
		case <-ticker.C:
			p.pushOnce()
		case <-p.ctx.Done():
			return
		}
	}
}

// pushOnce performs one push attempt through the breaker. All failures are
// swallowed here; the loop always continues.
func (p *Pusher) pushOnce() {
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.pusher.PushContext(p.ctx)
	})
	switch {
	case err == nil:
		p.logger.Debug().Msg("Pushed metrics")
	case errors.Is(err, context.Canceled):
		// Shutting down.
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		p.logger.Debug().Msg("Push skipped, breaker open")
	default:
		if p.logLimit.Allow() {
			p.logger.Warn().Err(err).Str("endpoint", p.cfg.Endpoint).Msg("Failed to push metrics, will retry")
		} else {
			p.logger.Debug().Err(err).Msg("Failed to push metrics, will retry")
		}
	}
}

// Stop halts the push loop and waits for it to exit. With PushOnStop set it
// then performs one final synchronous push and returns its error. Later
// calls are no-ops returning nil.
func (p *Pusher) Stop(ctx context.Context) error {
	var err error
	executed := false
	p.stopOnce.Do(func() {
		executed = true
		p.cancel()
		if p.started.Load() {
			select {
			case <-p.done:
			case <-ctx.Done():
				err = ctx.Err()
				return
			}
		}
		if p.cfg.PushOnStop {
			if perr := p.pusher.PushContext(ctx); perr != nil {
				err = fmt.Errorf("final push: %w", perr)
				return
			}
			p.logger.Debug().Msg("Pushed metrics on stop")
		}
		p.logger.Info().Msg("Metrics pusher stopped")
	})
	if !executed {
		return nil
	}
	return err
}
