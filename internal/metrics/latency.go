package metrics

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// LatencySummary reports quantiles in milliseconds for a single label.
type LatencySummary struct {
	Label string  `json:"-"`
	Count int64   `json:"count"`
	Min   float64 `json:"minMs"`
	P50   float64 `json:"p50Ms"`
	P90   float64 `json:"p90Ms"`
	P99   float64 `json:"p99Ms"`
	Max   float64 `json:"maxMs"`
	// Dropped counts samples the sketch could not track.
	Dropped int64 `json:"dropped,omitempty"`
}

func (s LatencySummary) String() string {
	if s.Count == 0 {
		return fmt.Sprintf("%s: no data (dropped=%d)", s.Label, s.Dropped)
	}
	return fmt.Sprintf("%s (n=%d): min=%.2fms p50=%.2fms p90=%.2fms p99=%.2fms max=%.2fms",
		s.Label, s.Count, s.Min, s.P50, s.P90, s.P99, s.Max)
}

// LatencyTracker keeps a DDSketch per label so the health endpoint can report
// quantiles without scraping Prometheus histograms.
type LatencyTracker struct {
	mu               sync.Mutex
	sketches         map[string]*ddsketch.DDSketch
	dropped          map[string]int64
	relativeAccuracy float64
}

// NewLatencyTracker creates a tracker; relativeAccuracy of 0.01 means quantiles
// are within 1% of the true value.
func NewLatencyTracker(relativeAccuracy float64) *LatencyTracker {
	if relativeAccuracy <= 0 || relativeAccuracy >= 1 {
		relativeAccuracy = 0.01
	}
	return &LatencyTracker{
		sketches:         make(map[string]*ddsketch.DDSketch),
		dropped:          make(map[string]int64),
		relativeAccuracy: relativeAccuracy,
	}
}

// Record adds a duration under label. Negative durations count as zero. A nil
// tracker ignores the call.
func (lt *LatencyTracker) Record(label string, duration time.Duration) {
	if lt == nil {
		return
	}
	if duration < 0 {
		duration = 0
	}
	lt.add(label, float64(duration.Microseconds())/1000.0)
}

func (lt *LatencyTracker) add(label string, ms float64) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	sketch, ok := lt.sketches[label]
	if !ok {
		var err error
		sketch, err = ddsketch.LogUnboundedDenseDDSketch(lt.relativeAccuracy)
		if err != nil {
			sketch, _ = ddsketch.NewDefaultDDSketch(lt.relativeAccuracy)
		}
		lt.sketches[label] = sketch
	}
	if err := sketch.Add(ms); err != nil {
		lt.dropped[label]++
	}
}

// Quantile returns the latency in milliseconds at q for label.
func (lt *LatencyTracker) Quantile(label string, q float64) (float64, error) {
	if lt == nil {
		return 0, fmt.Errorf("no data for %s", label)
	}
	lt.mu.Lock()
	defer lt.mu.Unlock()

	sketch, ok := lt.sketches[label]
	if !ok {
		return 0, fmt.Errorf("no data for %s", label)
	}
	return sketch.GetValueAtQuantile(q)
}

// Summary returns one LatencySummary per label, sorted by label.
func (lt *LatencyTracker) Summary() []LatencySummary {
	if lt == nil {
		return nil
	}
	lt.mu.Lock()
	defer lt.mu.Unlock()

	labels := make([]string, 0, len(lt.sketches))
	for label := range lt.sketches {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	out := make([]LatencySummary, 0, len(labels))
	for _, label := range labels {
		summary := summarize(label, lt.sketches[label])
		summary.Dropped = lt.dropped[label]
		out = append(out, summary)
	}
	return out
}

func summarize(label string, sketch *ddsketch.DDSketch) LatencySummary {
	count := sketch.GetCount()
	if count == 0 {
		return LatencySummary{Label: label}
	}
	minValue, _ := sketch.GetMinValue()
	maxValue, _ := sketch.GetMaxValue()
	quantiles, _ := sketch.GetValuesAtQuantiles([]float64{0.5, 0.9, 0.99})
	summary := LatencySummary{
		Label: label,
		Count: int64(count),
		Min:   minValue,
		Max:   maxValue,
	}
	if len(quantiles) == 3 {
		summary.P50, summary.P90, summary.P99 = quantiles[0], quantiles[1], quantiles[2]
	}
	return summary
}
