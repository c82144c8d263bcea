package metrics

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/mymada/gometrics/pkg/securestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

// Defaults for the pull exposition server.
const (
	DefaultListen = ":9090"
	DefaultPath   = "/metrics"

	defaultReadTimeout  = 5 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultIdleTimeout  = 60 * time.Second
	defaultRateLimit    = 10
	defaultRateBurst    = 20
)

// ServerConfig holds the configuration for the pull exposition server.
type ServerConfig struct {
	// Listen is the bind address in host:port form. An empty host binds all
	// interfaces; a hostname or IP restricts to that interface. Empty Listen
	// defaults to DefaultListen.
	Listen string
	// Path is the exposition path, DefaultPath when empty. A missing leading
	// slash is added.
	Path string
	// CertFile and KeyFile enable TLS when both are set.
	CertFile string
	KeyFile  string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Username and Password enable HTTP basic auth on the exposition path.
	// The stored password may be plaintext or a bcrypt hash ("$2" prefix).
	Username string
	Password *securestore.Secret

	// RateLimit and RateLimitBurst bound requests per client IP when
	// RateLimitEnabled is set.
	RateLimitEnabled bool
	RateLimit        float64
	RateLimitBurst   int
}

// Server exposes a registry over HTTP for scraping. Start binds the listener
// synchronously so bind failures surface immediately; serving then runs in
// the background until Stop.
type Server struct {
	cfg     ServerConfig
	logger  zerolog.Logger
	handler http.Handler
	limiter *rateLimiter

	mu        sync.Mutex
	listener  net.Listener
	httpSrv   *http.Server
	serveDone chan struct{}

	stopOnce sync.Once
}

// NewServer creates a pull exposition server for gatherer. A nil gatherer
// exposes the process-wide default registry.
func NewServer(cfg ServerConfig, gatherer prometheus.Gatherer, logger zerolog.Logger) (*Server, error) {
	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return nil, fmt.Errorf("%w: TLS requires both a certificate and a key file", ErrInvalidArgument)
	}
	if (cfg.Username != "") != cfg.Password.IsSet() {
		return nil, fmt.Errorf("%w: basic auth requires both a username and a password", ErrInvalidArgument)
	}

	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if !strings.HasPrefix(cfg.Path, "/") {
		cfg.Path = "/" + cfg.Path
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.RateLimitEnabled {
		if cfg.RateLimit <= 0 {
			cfg.RateLimit = defaultRateLimit
		}
		if cfg.RateLimitBurst <= 0 {
			cfg.RateLimitBurst = defaultRateBurst
		}
	}
	if gatherer == nil {
		gatherer = DefaultRegistry()
	}

	s := &Server{
		cfg:    cfg,
		logger: logger.With().Str("component", "metrics_server").Logger(),
	}
	s.limiter = newRateLimiter(s.logger, cfg.RateLimitEnabled, cfg.RateLimit, cfg.RateLimitBurst)

	exposition := promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorLog:      promhttpLogger{s.logger},
		ErrorHandling: promhttp.ContinueOnError,
	})
	if reg, ok := gatherer.(prometheus.Registerer); ok {
		exposition = promhttp.InstrumentMetricHandler(reg, exposition)
	}

	router := mux.NewRouter()
	router.Use(s.limiter.middleware)
	router.Handle(cfg.Path, s.requireAuth(exposition)).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/healthz", handleHealthz).Methods(http.MethodGet)
	s.handler = router

	return s, nil
}

// Start binds the listener and begins serving in the background. A bind
// failure is returned immediately; otherwise Start returns once the serve
// goroutine is scheduled.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("metrics server already started")
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("binding metrics listener on %s: %w", s.cfg.Listen, err)
	}
	s.listener = ln

	s.httpSrv = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	s.serveDone = make(chan struct{})

	useTLS := s.cfg.CertFile != ""
	s.logger.Info().Str("addr", ln.Addr().String()).Str("path", s.cfg.Path).Bool("tls", useTLS).Msg("Starting metrics server")

	go func() {
		defer close(s.serveDone)
		var err error
		if useTLS {
			err = s.httpSrv.ServeTLS(ln, s.cfg.CertFile, s.cfg.KeyFile)
		} else {
			err = s.httpSrv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Metrics server terminated")
		}
	}()
	return nil
}

// Addr returns the bound listen address, useful when Listen used port 0.
// Empty until Start succeeds.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down and waits for the serve goroutine to exit. The
// listening port is released by the first call; later calls are no-ops
// returning nil.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	executed := false
	s.stopOnce.Do(func() {
		executed = true
		s.limiter.close()

		s.mu.Lock()
		srv, done := s.httpSrv, s.serveDone
		s.mu.Unlock()
		if srv == nil {
			return
		}

		err = srv.Shutdown(ctx)
		select {
		case <-done:
		case <-ctx.Done():
			if err == nil {
				err = ctx.Err()
			}
		}
		s.logger.Info().Msg("Metrics server stopped")
	})
	if !executed {
		return nil
	}
	return err
}

// requireAuth wraps next with HTTP basic auth when credentials are
// configured.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	if s.cfg.Username == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || !s.credentialsMatch(user, pass) {
			ip, _, _ := net.SplitHostPort(r.RemoteAddr)
			s.logger.Warn().Str("ip", ip).Msg("Failed metrics authentication attempt")
			w.Header().Set("WWW-Authenticate", `Basic realm="metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// credentialsMatch compares the presented credentials against the configured
// ones without leaking how far the comparison got. A stored password with a
// bcrypt prefix is verified as a hash, anything else as a plaintext value.
func (s *Server) credentialsMatch(user, pass string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.Username)) == 1
	passOK := false
	err := s.cfg.Password.Access(func(stored []byte) error {
		if bytes.HasPrefix(stored, []byte("$2")) {
			passOK = bcrypt.CompareHashAndPassword(stored, []byte(pass)) == nil
			return nil
		}
		passOK = subtle.ConstantTimeCompare(stored, []byte(pass)) == 1
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to access basic auth secret")
		return false
	}
	return userOK && passOK
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// promhttpLogger adapts zerolog to promhttp's error log interface.
type promhttpLogger struct {
	logger zerolog.Logger
}

func (l promhttpLogger) Println(v ...interface{}) {
	l.logger.Error().Msg(fmt.Sprint(v...))
}
