package metrics

import (
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRecorder(t *testing.T) (*PrometheusRecorder, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewPrometheusRecorder(WithRegistry(reg)), reg
}

// findFamily gathers the registry and returns the named family, or nil.
func findFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func TestCounterAccumulates(t *testing.T) {
	rec, reg := newTestRecorder(t)

	require.NoError(t, rec.Inc("test_jobs_total", "Total jobs.", Labels{"queue": "default"}))
	require.NoError(t, rec.Inc("test_jobs_total", "Total jobs.", Labels{"queue": "default"}))
	require.NoError(t, rec.Counter("test_jobs_total", 3, "Total jobs.", Labels{"queue": "default"}))

	expected := `
# HELP test_jobs_total Total jobs.
# TYPE test_jobs_total counter
test_jobs_total{queue="default"} 5
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_jobs_total"))
}

func TestCounterRejectsNegativeIncrement(t *testing.T) {
	rec, reg := newTestRecorder(t)

	err := rec.Counter("test_neg_total", -1, "Never shrinks.", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	// The rejected call must not have created the instrument.
	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Empty(t, families)
}

func TestGaugeMovesBothWays(t *testing.T) {
	rec, reg := newTestRecorder(t)

	require.NoError(t, rec.Gauge("test_queue_depth", 5, "Current queue depth.", nil))
	require.NoError(t, rec.Gauge("test_queue_depth", -2, "Current queue depth.", nil))

	expected := `
# HELP test_queue_depth Current queue depth.
# TYPE test_queue_depth gauge
test_queue_depth 3
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_queue_depth"))
}

func TestGaugeSetOverwrites(t *testing.T) {
	rec, reg := newTestRecorder(t)

	require.NoError(t, rec.GaugeSet("test_temperature", 21.5, "Current temperature.", nil))
	require.NoError(t, rec.GaugeSet("test_temperature", 18, "Current temperature.", nil))
	// Set and Add work on the same series.
	require.NoError(t, rec.Gauge("test_temperature", 2, "Current temperature.", nil))

	expected := `
# HELP test_temperature Current temperature.
# TYPE test_temperature gauge
test_temperature 20
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_temperature"))
}

func TestHistogramObservations(t *testing.T) {
	rec, reg := newTestRecorder(t)
	buckets := []float64{10, 50, 100}

	require.NoError(t, rec.Histogram("test_req_ms", 42, "Request latency.", buckets, nil))
	require.NoError(t, rec.Histogram("test_req_ms", 7, "Request latency.", buckets, nil))
	require.NoError(t, rec.Histogram("test_req_ms", 400, "Request latency.", buckets, nil))

	mf := findFamily(t, reg, "test_req_ms")
	require.NotNil(t, mf)
	require.Equal(t, dto.MetricType_HISTOGRAM, mf.GetType())

	h := mf.GetMetric()[0].GetHistogram()
	assert.Equal(t, uint64(3), h.GetSampleCount())
	assert.InDelta(t, 449, h.GetSampleSum(), 1e-9)

	counts := map[float64]uint64{}
	for _, b := range h.GetBucket() {
		counts[b.GetUpperBound()] = b.GetCumulativeCount()
	}
	assert.Equal(t, uint64(1), counts[10])
	assert.Equal(t, uint64(2), counts[50])
	assert.Equal(t, uint64(2), counts[100]) // 400 lands only in +Inf
}

func TestHistogramDefaultBuckets(t *testing.T) {
	rec, reg := newTestRecorder(t)

	require.NoError(t, rec.Histogram("test_default_ms", 0.3, "Latency.", nil, nil))

	mf := findFamily(t, reg, "test_default_ms")
	require.NotNil(t, mf)
	h := mf.GetMetric()[0].GetHistogram()
	assert.Len(t, h.GetBucket(), len(prometheus.DefBuckets))
}

func TestInvalidBucketsRejected(t *testing.T) {
	rec, reg := newTestRecorder(t)

	err := rec.Histogram("test_bad_ms", 1, "Latency.", []float64{5, 1}, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	err = rec.Histogram("test_bad_ms", 1, "Latency.", []float64{1, 1}, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	err = rec.Histogram("test_bad_ms", 1, "Latency.", []float64{1, math.NaN()}, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Empty(t, families)

	// Negative boundaries are fine as long as the list increases.
	assert.NoError(t, rec.Histogram("test_signed_ms", -2, "Drift.", []float64{-5, 0, 5}, nil))
}

func TestKindFixedAtFirstUse(t *testing.T) {
	rec, _ := newTestRecorder(t)
	require.NoError(t, rec.Inc("test_kinds_total", "Counting.", nil))

	err := rec.Gauge("test_kinds_total", 1, "Counting.", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigMismatch)
	assert.Contains(t, err.Error(), "is a counter")

	err = rec.Histogram("test_kinds_total", 1, "Counting.", nil, nil)
	assert.ErrorIs(t, err, ErrConfigMismatch)

	_, err = rec.Timing("test_kinds_total", "Counting.", nil)
	assert.ErrorIs(t, err, ErrConfigMismatch)

	// The counter still works after the rejected calls.
	require.NoError(t, rec.Inc("test_kinds_total", "Counting.", nil))
}

func TestLabelSetFixedAtFirstUse(t *testing.T) {
	rec, reg := newTestRecorder(t)
	require.NoError(t, rec.Inc("test_hits_total", "Hits.", Labels{"env": "prod"}))

	err := rec.Inc("test_hits_total", "Hits.", Labels{"env": "prod", "region": "eu"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownLabel)
	assert.ErrorIs(t, err, ErrConfigMismatch)

	err = rec.Inc("test_hits_total", "Hits.", nil)
	assert.ErrorIs(t, err, ErrMissingLabel)

	// A different value for the declared label is a new series, not an error.
	require.NoError(t, rec.Inc("test_hits_total", "Hits.", Labels{"env": "staging"}))

	mf := findFamily(t, reg, "test_hits_total")
	require.NotNil(t, mf)
	assert.Len(t, mf.GetMetric(), 2)
}

func TestHelpFixedAtFirstUse(t *testing.T) {
	rec, reg := newTestRecorder(t)

	require.NoError(t, rec.Inc("test_help_total", "First help.", nil))
	require.NoError(t, rec.Inc("test_help_total", "Second help.", nil))

	mf := findFamily(t, reg, "test_help_total")
	require.NotNil(t, mf)
	assert.Equal(t, "First help.", mf.GetHelp())
	assert.InDelta(t, 2, mf.GetMetric()[0].GetCounter().GetValue(), 1e-9)
}

func TestBucketsFixedAtFirstUse(t *testing.T) {
	rec, reg := newTestRecorder(t)

	require.NoError(t, rec.Histogram("test_fixed_ms", 1, "Latency.", []float64{1, 2}, nil))
	// A different list on a later call is ignored, not an error.
	require.NoError(t, rec.Histogram("test_fixed_ms", 3, "Latency.", []float64{500}, nil))

	mf := findFamily(t, reg, "test_fixed_ms")
	require.NotNil(t, mf)
	h := mf.GetMetric()[0].GetHistogram()
	assert.Equal(t, uint64(2), h.GetSampleCount())
	require.Len(t, h.GetBucket(), 2)
	assert.Equal(t, float64(1), h.GetBucket()[0].GetUpperBound())
	assert.Equal(t, float64(2), h.GetBucket()[1].GetUpperBound())
}

func TestInvalidNamesRejected(t *testing.T) {
	rec, reg := newTestRecorder(t)

	err := rec.Inc("bad-name", "Nope.", nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	err = rec.Inc("test_ok_total", "Nope.", Labels{"bad-label": "v"})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	err = rec.Inc("test_ok_total", "Nope.", Labels{"__reserved": "v"})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Empty(t, families)
}

func TestSharedRegistryAdoption(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewPrometheusRecorder(WithRegistry(reg))
	second := NewPrometheusRecorder(WithRegistry(reg))

	require.NoError(t, first.Inc("test_shared_total", "Shared.", Labels{"src": "a"}))
	require.NoError(t, second.Counter("test_shared_total", 2, "Shared.", Labels{"src": "a"}))

	expected := `
# HELP test_shared_total Shared.
# TYPE test_shared_total counter
test_shared_total{src="a"} 3
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_shared_total"))
}

func TestSharedRegistryConflicts(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewPrometheusRecorder(WithRegistry(reg))
	require.NoError(t, first.Inc("test_clash_total", "Clash.", Labels{"src": "a"}))

	// A fresh recorder on the same registry cannot reuse the name for a
	// different kind.
	other := NewPrometheusRecorder(WithRegistry(reg))
	err := other.Gauge("test_clash_total", 1, "Clash.", Labels{"src": "a"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigMismatch)
	assert.Contains(t, err.Error(), "different type")

	// Nor with a different label-name set.
	err = other.Inc("test_clash_total", "Clash.", Labels{"other": "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigMismatch)
}

func TestRecorderConcurrentUse(t *testing.T) {
	rec, reg := newTestRecorder(t)

	const workers = 8
	const perWorker = 250

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				_ = rec.Inc("test_conc_total", "Concurrent increments.", Labels{"worker": "shared"})
			}
		}()
	}
	wg.Wait()

	expected := `
# HELP test_conc_total Concurrent increments.
# TYPE test_conc_total counter
test_conc_total{worker="shared"} 2000
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_conc_total"))
}

func TestHandlerServesText(t *testing.T) {
	rec, _ := newTestRecorder(t)
	require.NoError(t, rec.Inc("test_handler_total", "Scraped.", nil))

	h := rec.Handler()
	require.NotNil(t, h)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "test_handler_total 1")
}

func TestWithRuntimeMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewPrometheusRecorder(WithRegistry(reg), WithRuntimeMetrics())
	// A second recorder on the same registry must tolerate the collectors
	// already being present.
	NewPrometheusRecorder(WithRegistry(reg), WithRuntimeMetrics())

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	assert.Contains(t, names, "go_goroutines")
}

func TestDefaultRegistryIsShared(t *testing.T) {
	rec := NewPrometheusRecorder()
	require.NoError(t, rec.Inc("test_default_registry_total", "Default registry.", nil))

	mf := findFamily(t, DefaultRegistry(), "test_default_registry_total")
	require.NotNil(t, mf)
}
