package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Timer measures elapsed wall-clock time over a code region. It is created
// started, by Recorder.Timing, and commits its measurement when Stop is
// called. The intended use is to defer Stop at acquisition, so the write
// happens exactly once even when the region exits through an error path:
//
//	t, err := rec.Timing("job_duration_ms", "Duration of the last job.", nil)
//	if err != nil {
//		return err
//	}
//	defer t.Stop()
type Timer struct {
	gauge prometheus.Gauge
	now   func() time.Time
	start time.Time

	once    sync.Once
	elapsed time.Duration
}

// newTimer starts a timer writing into gauge on Stop. A nil gauge yields an
// inert timer that measures but records nothing. A nil clock defaults to
// time.Now.
func newTimer(gauge prometheus.Gauge, now func() time.Time) *Timer {
	if now == nil {
		now = time.Now
	}
	return &Timer{gauge: gauge, now: now, start: now()}
}

// Stop overwrites the target gauge with the milliseconds elapsed since the
// timer started and returns the elapsed duration. Only the first call
// measures and writes; later calls return the recorded duration without
// touching the gauge. Stop on a nil Timer is a no-op returning zero.
func (t *Timer) Stop() time.Duration {
	if t == nil {
		return 0
	}
	t.once.Do(func() {
		t.elapsed = t.now().Sub(t.start)
		if t.gauge != nil {
			t.gauge.Set(float64(t.elapsed) / float64(time.Millisecond))
		}
	})
	return t.elapsed
}
