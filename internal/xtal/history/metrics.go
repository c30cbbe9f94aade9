package history

import (
	"regexp"
	"strconv"

	"github.com/danshapiro/xtalflow/internal/xtal/runtime"
)

// AnomalousMeasurabilityThreshold is the measurability above which the
// anomalous signal is considered usable for experimental phasing.
const AnomalousMeasurabilityThreshold = 0.05

type metricPattern struct {
	key string
	re  *regexp.Regexp
}

// metricPatterns capture a number in group 1. When a metric is printed more
// than once the last value wins; programs print final statistics last.
var metricPatterns = []metricPattern{
	{runtime.MetricRFree, regexp.MustCompile(`(?i)\bR[-_ ]?free\s*[=:]\s*([0-9]*\.[0-9]+)`)},
	{runtime.MetricRWork, regexp.MustCompile(`(?i)\bR[-_ ]?work\s*[=:]\s*([0-9]*\.[0-9]+)`)},
	{runtime.MetricMapCC, regexp.MustCompile(`(?i)\b(?:CC[-_ ]?mask|CC[-_ ]?box|map[-_ ]?CC|model[-_ ]?map[-_ ]?CC)\s*[=:]\s*(-?[0-9]*\.[0-9]+)`)},
	{runtime.MetricResolution, regexp.MustCompile(`(?i)\b(?:high[-_ ]resolution(?:[-_ ]limit)?|resolution|d[-_ ]?min|d99|d[-_]fsc(?:[-_]model)?)\s*[=:]\s*([0-9]*\.?[0-9]+)`)},
	{runtime.MetricClashscore, regexp.MustCompile(`(?i)\bclashscore\s*[=:]\s*([0-9]*\.?[0-9]+)`)},
	{runtime.MetricAnomalousSN, regexp.MustCompile(`(?i)\banomalous[-_ ]measurability\s*[=:]\s*([0-9]*\.?[0-9]+)`)},
}

var noAnomalousSignal = regexp.MustCompile(`(?i)no (significant|measurable|useful) anomalous signal`)

// ExtractMetrics scans program output for quality metrics. Text without any
// recognizable metric yields an empty map.
func ExtractMetrics(text string) runtime.Metrics {
	out := runtime.Metrics{}
	for _, p := range metricPatterns {
		all := p.re.FindAllStringSubmatch(text, -1)
		if len(all) == 0 {
			continue
		}
		last := all[len(all)-1]
		v, err := strconv.ParseFloat(last[1], 64)
		if err != nil {
			continue
		}
		out[p.key] = v
	}
	if sn, ok := out[runtime.MetricAnomalousSN]; ok {
		if sn > AnomalousMeasurabilityThreshold {
			out[runtime.MetricAnomalous] = 1
		} else {
			out[runtime.MetricAnomalous] = 0
		}
	}
	if noAnomalousSignal.MatchString(text) {
		out[runtime.MetricAnomalous] = 0
	}
	return out
}
