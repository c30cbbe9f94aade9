package runtime

import "sort"

// Metric keys extracted from program output.
const (
	MetricRFree       = "r_free"
	MetricRWork       = "r_work"
	MetricMapCC       = "map_cc"
	MetricResolution  = "resolution"
	MetricClashscore  = "clashscore"
	MetricAnomalous   = "anomalous_measurable"
	MetricAnomalousSN = "anomalous_signal"
)

// Metrics is a snapshot of quality numbers. Boolean metrics are stored as
// 0 or 1.
type Metrics map[string]float64

func (m Metrics) Get(key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	v, ok := m[key]
	return v, ok
}

func (m Metrics) Clone() Metrics {
	if m == nil {
		return nil
	}
	out := make(Metrics, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Merge overwrites keys in m with those from other and returns m.
func (m Metrics) Merge(other Metrics) Metrics {
	if m == nil {
		m = Metrics{}
	}
	for k, v := range other {
		m[k] = v
	}
	return m
}

func (m Metrics) Keys() []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
