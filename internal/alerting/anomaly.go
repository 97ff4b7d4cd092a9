package alerting

import (
	"fmt"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/veridian/sentinel/internal/metrics"
)

const baselineHistory = 120

// durationBaseline keeps a rolling history of mean latency per endpoint
// and flags windows that deviate beyond sigma standard deviations from
// the baseline. Feeds "custom" alerts through the normal dedup path.
type durationBaseline struct {
	sigma      float64
	minSamples int

	mu      sync.Mutex
	history map[string][]float64 // endpoint -> mean duration seconds, oldest first
}

type anomaly struct {
	expected float64
	observed float64
	message  string
}

func newDurationBaseline(sigma float64, minSamples int) *durationBaseline {
	if sigma <= 0 {
		sigma = 3.0
	}
	if minSamples <= 0 {
		minSamples = 30
	}
	return &durationBaseline{
		sigma:      sigma,
		minSamples: minSamples,
		history:    make(map[string][]float64),
	}
}

// check records the window's mean latency and reports an anomaly when it
// sits outside the baseline band. Windows without samples are ignored.
func (b *durationBaseline) check(endpointKey string, window metrics.REDWindow) *anomaly {
	if window.SampleCount == 0 {
		return nil
	}

	observed := window.MeanDuration.Seconds()

	b.mu.Lock()
	defer b.mu.Unlock()

	past := b.history[endpointKey]

	var result *anomaly
	if len(past) >= b.minSamples {
		mean, std := stat.MeanStdDev(past, nil)
		if std > 0 && observed > mean+b.sigma*std {
			result = &anomaly{
				expected: mean,
				observed: observed,
				message: fmt.Sprintf("latency %.3fs deviates from baseline %.3fs (±%.3fs) on %s",
					observed, mean, std, endpointKey),
			}
		}
	}

	past = append(past, observed)
	if len(past) > baselineHistory {
		past = past[len(past)-baselineHistory:]
	}
	b.history[endpointKey] = past

	return result
}
