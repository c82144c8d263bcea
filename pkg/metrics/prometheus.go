package metrics

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// defaultRegistry backs every recorder created without WithRegistry. It is
// deliberately separate from the Prometheus client's global registry so the
// facade exposes only what was recorded through it.
var defaultRegistry = prometheus.NewRegistry()

// DefaultRegistry returns the process-wide registry used when no WithRegistry
// option is given. Its lifetime is the process lifetime.
func DefaultRegistry() *prometheus.Registry {
	return defaultRegistry
}

type metricKind int

const (
	kindCounter metricKind = iota
	kindGauge
	kindHistogram
)

func (k metricKind) String() string {
	switch k {
	case kindCounter:
		return "counter"
	case kindGauge:
		return "gauge"
	case kindHistogram:
		return "histogram"
	}
	return "unknown"
}

// instrument is one named metric together with the configuration fixed at its
// first creation. The label-name set is permanent for the name; help text and
// histogram buckets are likewise first-come.
type instrument struct {
	kind       metricKind
	labelNames []string

	counter   *prometheus.CounterVec
	gauge     *prometheus.GaugeVec
	histogram *prometheus.HistogramVec
}

// PrometheusRecorder is an implementation of Recorder that uses the
// Prometheus client library. Instruments are resolved lazily by name and
// shared across all callers of the recorder.
type PrometheusRecorder struct {
	mu          sync.RWMutex
	instruments map[string]*instrument

	registry *prometheus.Registry
	logger   zerolog.Logger
	now      func() time.Time

	runtimeMetrics bool
}

var _ Recorder = (*PrometheusRecorder)(nil)

// Option configures a PrometheusRecorder.
type Option func(*PrometheusRecorder)

// WithRegistry makes the recorder register its instruments against reg
// instead of the process-wide default registry. Two recorders sharing a
// registry adopt each other's identically configured instruments.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(r *PrometheusRecorder) {
		if reg != nil {
			r.registry = reg
		}
	}
}

// WithLogger attaches a logger to the recorder. The default discards all
// output.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *PrometheusRecorder) {
		r.logger = logger.With().Str("component", "metrics").Logger()
	}
}

// WithRuntimeMetrics additionally registers the Go runtime and process
// collectors on the recorder's registry.
func WithRuntimeMetrics() Option {
	return func(r *PrometheusRecorder) {
		r.runtimeMetrics = true
	}
}

// NewPrometheusRecorder creates a new Prometheus recorder. Without options it
// writes to the process-wide default registry and logs nothing.
func NewPrometheusRecorder(opts ...Option) *PrometheusRecorder {
	r := &PrometheusRecorder{
		instruments: make(map[string]*instrument),
		registry:    defaultRegistry,
		logger:      zerolog.Nop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.runtimeMetrics {
		runtime := []prometheus.Collector{
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		}
		for _, c := range runtime {
			if err := r.registry.Register(c); err != nil {
				are := prometheus.AlreadyRegisteredError{}
				if !errors.As(err, &are) {
					r.logger.Warn().Err(err).Msg("Failed to register runtime collector")
				}
			}
		}
	}
	return r
}

// Registry returns the registry the recorder registers its instruments
// against, for wiring into a Server or Pusher.
func (r *PrometheusRecorder) Registry() *prometheus.Registry {
	return r.registry
}

// Counter adds increment to the named counter, creating it on first use.
// The increment must not be negative; counters only accumulate.
func (r *PrometheusRecorder) Counter(name string, increment float64, help string, labels Labels) error {
	if increment < 0 {
		return fmt.Errorf("%w: counter %q increment must not be negative, got %v", ErrInvalidArgument, name, increment)
	}
	inst, values, err := r.resolve(kindCounter, name, help, nil, labels)
	if err != nil {
		return err
	}
	series, err := inst.counter.GetMetricWithLabelValues(values...)
	if err != nil {
		return fmt.Errorf("resolving series for %q: %w", name, err)
	}
	series.Add(increment)
	return nil
}

// Inc adds 1 to the named counter.
func (r *PrometheusRecorder) Inc(name, help string, labels Labels) error {
	return r.Counter(name, 1, help, labels)
}

// Gauge adds delta to the named gauge, creating it on first use. A negative
// delta decreases the gauge.
func (r *PrometheusRecorder) Gauge(name string, delta float64, help string, labels Labels) error {
	inst, values, err := r.resolve(kindGauge, name, help, nil, labels)
	if err != nil {
		return err
	}
	series, err := inst.gauge.GetMetricWithLabelValues(values...)
	if err != nil {
		return fmt.Errorf("resolving series for %q: %w", name, err)
	}
	series.Add(delta)
	return nil
}

// GaugeSet overwrites the named gauge with value, creating it on first use.
func (r *PrometheusRecorder) GaugeSet(name string, value float64, help string, labels Labels) error {
	inst, values, err := r.resolve(kindGauge, name, help, nil, labels)
	if err != nil {
		return err
	}
	series, err := inst.gauge.GetMetricWithLabelValues(values...)
	if err != nil {
		return fmt.Errorf("resolving series for %q: %w", name, err)
	}
	series.Set(value)
	return nil
}

// Histogram records value as one observation of the named histogram, creating
// it on first use. A nil or empty bucket list selects prometheus.DefBuckets;
// bucket boundaries are fixed at first creation and differing lists on later
// calls are ignored.
func (r *PrometheusRecorder) Histogram(name string, value float64, help string, buckets []float64, labels Labels) error {
	if err := validateBuckets(name, buckets); err != nil {
		return err
	}
	inst, values, err := r.resolve(kindHistogram, name, help, buckets, labels)
	if err != nil {
		return err
	}
	series, err := inst.histogram.GetMetricWithLabelValues(values...)
	if err != nil {
		return fmt.Errorf("resolving series for %q: %w", name, err)
	}
	series.Observe(value)
	return nil
}

// Timing resolves the named gauge and returns a started Timer whose Stop
// overwrites the gauge with the elapsed milliseconds. Label errors surface
// here, not at Stop.
func (r *PrometheusRecorder) Timing(name, help string, labels Labels) (*Timer, error) {
	inst, values, err := r.resolve(kindGauge, name, help, nil, labels)
	if err != nil {
		return nil, err
	}
	series, err := inst.gauge.GetMetricWithLabelValues(values...)
	if err != nil {
		return nil, fmt.Errorf("resolving series for %q: %w", name, err)
	}
	return newTimer(series, r.now), nil
}

// Handler returns an http.Handler that exposes the recorder's registry in the
// Prometheus text format.
func (r *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		ErrorLog:      promhttpLogger{r.logger},
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// resolve returns the instrument for name, creating it if absent, and the
// label values of the call projected into the instrument's declared order.
func (r *PrometheusRecorder) resolve(kind metricKind, name, help string, buckets []float64, labels Labels) (*instrument, []string, error) {
	if err := validateMetricName(name); err != nil {
		return nil, nil, err
	}

	r.mu.RLock()
	inst := r.instruments[name]
	r.mu.RUnlock()

	if inst == nil {
		var err error
		inst, err = r.create(kind, name, help, buckets, labels)
		if err != nil {
			return nil, nil, err
		}
	}

	if inst.kind != kind {
		return nil, nil, fmt.Errorf("%w: metric %q is a %s, requested a %s", ErrConfigMismatch, name, inst.kind, kind)
	}
	values, err := projectLabels(name, inst.labelNames, labels)
	if err != nil {
		return nil, nil, err
	}
	return inst, values, nil
}

// create registers a new instrument for name, or returns the one another
// goroutine created while we were waiting for the write lock.
func (r *PrometheusRecorder) create(kind metricKind, name, help string, buckets []float64, labels Labels) (*instrument, error) {
	labelNames := sortedLabelNames(labels)
	if err := validateLabelNames(labelNames); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instruments[name]; ok {
		return inst, nil
	}

	inst := &instrument{kind: kind, labelNames: labelNames}
	switch kind {
	case kindCounter:
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labelNames)
		registered, err := r.register(name, vec)
		if err != nil {
			return nil, err
		}
		adopted, ok := registered.(*prometheus.CounterVec)
		if !ok {
			return nil, fmt.Errorf("%w: metric %q is already registered with a different type", ErrConfigMismatch, name)
		}
		inst.counter = adopted
	case kindGauge:
		vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labelNames)
		registered, err := r.register(name, vec)
		if err != nil {
			return nil, err
		}
		adopted, ok := registered.(*prometheus.GaugeVec)
		if !ok {
			return nil, fmt.Errorf("%w: metric %q is already registered with a different type", ErrConfigMismatch, name)
		}
		inst.gauge = adopted
	case kindHistogram:
		if len(buckets) == 0 {
			buckets = prometheus.DefBuckets
		}
		vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labelNames)
		registered, err := r.register(name, vec)
		if err != nil {
			return nil, err
		}
		adopted, ok := registered.(*prometheus.HistogramVec)
		if !ok {
			return nil, fmt.Errorf("%w: metric %q is already registered with a different type", ErrConfigMismatch, name)
		}
		inst.histogram = adopted
	}

	r.instruments[name] = inst
	r.logger.Debug().Str("metric", name).Str("kind", kind.String()).Strs("labels", labelNames).Msg("Created instrument")
	return inst, nil
}

// register adds c to the recorder's registry, adopting an identically
// configured collector that is already registered there (the case of two
// recorders sharing one registry).
func (r *PrometheusRecorder) register(name string, c prometheus.Collector) (prometheus.Collector, error) {
	err := r.registry.Register(c)
	if err == nil {
		return c, nil
	}
	are := prometheus.AlreadyRegisteredError{}
	if errors.As(err, &are) {
		return are.ExistingCollector, nil
	}
	return nil, fmt.Errorf("%w: registering metric %q: %v", ErrConfigMismatch, name, err)
}

// validateBuckets rejects NaN boundaries and lists that are not strictly
// increasing. An empty list is valid and selects the default buckets.
func validateBuckets(name string, buckets []float64) error {
	for i, b := range buckets {
		if math.IsNaN(b) {
			return fmt.Errorf("%w: bucket %d of %q is NaN", ErrInvalidArgument, i, name)
		}
		if i > 0 && b <= buckets[i-1] {
			return fmt.Errorf("%w: buckets of %q must be strictly increasing, got %v", ErrInvalidArgument, name, buckets)
		}
	}
	return nil
}
