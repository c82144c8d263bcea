package metrics

import (
	"fmt"
	"sort"
	"strings"

	"github.com/prometheus/common/model"
)

// sortedLabelNames returns the label names of labels in sorted order. The
// sorted order is the declared order of the instrument created from them.
func sortedLabelNames(labels Labels) []string {
	if len(labels) == 0 {
		return nil
	}
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// validateMetricName rejects names outside the classic Prometheus charset.
func validateMetricName(name string) error {
	if !model.IsValidLegacyMetricName(name) {
		return fmt.Errorf("%w: invalid metric name %q", ErrInvalidArgument, name)
	}
	return nil
}

// validateLabelNames rejects label names outside the classic Prometheus
// charset and names in the reserved "__" prefix space.
func validateLabelNames(names []string) error {
	for _, name := range names {
		if !model.LabelName(name).IsValidLegacy() {
			return fmt.Errorf("%w: invalid label name %q", ErrInvalidArgument, name)
		}
		if strings.HasPrefix(name, model.ReservedLabelPrefix) {
			return fmt.Errorf("%w: label name %q uses the reserved %q prefix", ErrInvalidArgument, name, model.ReservedLabelPrefix)
		}
	}
	return nil
}

// projectLabels converts the unordered labels mapping into the positional
// value sequence matching the declared label names of metric. Every declared
// name must be present and no undeclared name may appear; declared is assumed
// sorted, as produced by sortedLabelNames at instrument creation.
func projectLabels(metric string, declared []string, labels Labels) ([]string, error) {
	values := make([]string, len(declared))
	for i, name := range declared {
		value, ok := labels[name]
		if !ok {
			return nil, newMissingLabelError(metric, name, declared)
		}
		values[i] = value
	}
	if len(labels) > len(declared) {
		for name := range labels {
			i := sort.SearchStrings(declared, name)
			if i >= len(declared) || declared[i] != name {
				return nil, newUnknownLabelError(metric, name, declared)
			}
		}
	}
	return values, nil
}
