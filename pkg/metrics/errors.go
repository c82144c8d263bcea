package metrics

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigMismatch is returned when a call disagrees with the
	// configuration fixed when the metric was first created, for example a
	// changed label-name set or a different instrument kind for the same name.
	ErrConfigMismatch = errors.New("metric configuration mismatch")

	// ErrUnknownLabel is returned when a call carries a label name that was
	// not declared when the metric was first created.
	ErrUnknownLabel = errors.New("unknown label")

	// ErrMissingLabel is returned when a call omits a label name that was
	// declared when the metric was first created.
	ErrMissingLabel = errors.New("missing label")

	// ErrInvalidArgument is returned for malformed input: an invalid metric or
	// label name, a negative counter increment, or a non-increasing bucket list.
	ErrInvalidArgument = errors.New("invalid argument")
)

type labelMismatchReason int

const (
	labelUnknown labelMismatchReason = iota
	labelMissing
)

// LabelMismatchError reports a call whose label names do not match the names
// declared when the metric was first created. It satisfies errors.Is for
// ErrConfigMismatch and for the specific ErrUnknownLabel or ErrMissingLabel
// sentinel matching its reason.
type LabelMismatchError struct {
	Metric   string
	Label    string
	Declared []string
	reason   labelMismatchReason
}

func newUnknownLabelError(metric, label string, declared []string) *LabelMismatchError {
	return &LabelMismatchError{Metric: metric, Label: label, Declared: declared, reason: labelUnknown}
}

func newMissingLabelError(metric, label string, declared []string) *LabelMismatchError {
	return &LabelMismatchError{Metric: metric, Label: label, Declared: declared, reason: labelMissing}
}

// Error implements the error interface.
func (e *LabelMismatchError) Error() string {
	if e.reason == labelMissing {
		return fmt.Sprintf("metric %q: missing label %q (declared labels: %v)", e.Metric, e.Label, e.Declared)
	}
	return fmt.Sprintf("metric %q: unknown label %q (declared labels: %v)", e.Metric, e.Label, e.Declared)
}

// Is reports whether target is one of the sentinels this error represents.
func (e *LabelMismatchError) Is(target error) bool {
	switch target {
	case ErrConfigMismatch:
		return true
	case ErrUnknownLabel:
		return e.reason == labelUnknown
	case ErrMissingLabel:
		return e.reason == labelMissing
	}
	return false
}
