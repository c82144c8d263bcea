// Package metrics is a thin facade over the Prometheus client library for
// creating and mutating counter, gauge, and histogram metrics by name, plus
// helpers to expose them through a pull endpoint or a push gateway.
//
// Instruments are created lazily on first use of a name and live for the
// lifetime of the process. The first use fixes the instrument's kind, help
// text, declared label-name set, and (for histograms) bucket boundaries.
// Later calls must use the same kind and the exact declared label names;
// differing help text or bucket lists are ignored, mirroring the underlying
// registry semantics. Label mappings are unordered at the call site and are
// projected into the declared order internally.
//
// All operations are safe for concurrent use; mutation atomicity is the
// Prometheus client's guarantee.
package metrics

import "net/http"

// Labels represents a collection of labels (key-value pairs) for a metric.
// A nil or empty Labels addresses the un-labeled base series.
type Labels map[string]string

// Recorder defines the standard interface for recording application metrics.
// Implementations must be safe for concurrent use.
type Recorder interface {
	// Counter adds increment to the named counter. The increment must not be
	// negative.
	Counter(name string, increment float64, help string, labels Labels) error

	// Inc adds 1 to the named counter.
	Inc(name, help string, labels Labels) error

	// Gauge adds delta to the named gauge. The delta may be negative.
	Gauge(name string, delta float64, help string, labels Labels) error

	// GaugeSet overwrites the named gauge with value.
	GaugeSet(name string, value float64, help string, labels Labels) error

	// Histogram records value as one observation of the named histogram.
	// A nil or empty bucket list selects the default buckets.
	Histogram(name string, value float64, help string, buckets []float64, labels Labels) error

	// Timing returns a started Timer whose Stop writes the elapsed wall-clock
	// milliseconds into the named gauge.
	Timing(name, help string, labels Labels) (*Timer, error)

	// Handler returns an http.Handler that exposes the recorded metrics for
	// scraping, if the backend supports it. Returns nil if not supported.
	Handler() http.Handler
}

// noopRecorder is an implementation of Recorder that does nothing.
// It is used when metrics are disabled to avoid nil checks.
type noopRecorder struct{}

var _ Recorder = (*noopRecorder)(nil)

// NewNoopRecorder returns a new no-op recorder.
func NewNoopRecorder() Recorder {
	return &noopRecorder{}
}

// Counter does nothing.
func (r *noopRecorder) Counter(name string, increment float64, help string, labels Labels) error {
	return nil
}

// Inc does nothing.
func (r *noopRecorder) Inc(name, help string, labels Labels) error { return nil }

// Gauge does nothing.
func (r *noopRecorder) Gauge(name string, delta float64, help string, labels Labels) error {
	return nil
}

// GaugeSet does nothing.
func (r *noopRecorder) GaugeSet(name string, value float64, help string, labels Labels) error {
	return nil
}

// Histogram does nothing.
func (r *noopRecorder) Histogram(name string, value float64, help string, buckets []float64, labels Labels) error {
	return nil
}

// Timing returns an inert timer that measures but records nothing.
func (r *noopRecorder) Timing(name, help string, labels Labels) (*Timer, error) {
	return newTimer(nil, nil), nil
}

// Handler returns nil.
func (r *noopRecorder) Handler() http.Handler {
	return nil
}
