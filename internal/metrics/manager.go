// Package metrics keeps in-process counters, outcome tallies and timings
// for the bridge. Nothing is persisted; values reset on restart.
package metrics

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	maxSamples = 1000 // Keep last 1000 samples for percentile calculations
)

// MetricsManager is the global metrics manager
type MetricsManager struct {
	mu       sync.RWMutex
	timings  map[string]*TimingMetric
	counters map[string]*CounterMetric
	outcomes map[string]*OutcomeMetric
}

var (
	instance *MetricsManager
	once     sync.Once
)

// GetInstance returns the singleton metrics manager
func GetInstance() *MetricsManager {
	once.Do(func() {
		instance = newManager()
	})
	return instance
}

func newManager() *MetricsManager {
	return &MetricsManager{
		timings:  make(map[string]*TimingMetric),
		counters: make(map[string]*CounterMetric),
		outcomes: make(map[string]*OutcomeMetric),
	}
}

// buildPath creates a normalized path from topic and function
func buildPath(topic, function string) string {
	if function == "" {
		return topic
	}
	return fmt.Sprintf("%s/%s", topic, function)
}

// RecordDuration records a duration directly
func (m *MetricsManager) RecordDuration(topic, function string, duration time.Duration) {
	path := buildPath(topic, function)

	m.mu.Lock()
	metric, exists := m.timings[path]
	if !exists {
		metric = &TimingMetric{
			samples: make([]time.Duration, 0, 16),
			Min:     duration,
			Max:     duration,
		}
		m.timings[path] = metric
	}
	m.mu.Unlock()

	metric.mu.Lock()
	defer metric.mu.Unlock()

	metric.Count++
	metric.Total += duration
	metric.Last = duration
	if duration < metric.Min {
		metric.Min = duration
	}
	if duration > metric.Max {
		metric.Max = duration
	}

	if len(metric.samples) < maxSamples {
		metric.samples = append(metric.samples, duration)
	} else {
		metric.samples[metric.sampleIdx] = duration
		metric.sampleIdx = (metric.sampleIdx + 1) % maxSamples
	}
}

// AddCounter adds delta to a counter
func (m *MetricsManager) AddCounter(topic, function string, delta int64) {
	path := buildPath(topic, function)

	m.mu.Lock()
	metric, exists := m.counters[path]
	if !exists {
		metric = &CounterMetric{}
		m.counters[path] = metric
	}
	m.mu.Unlock()

	metric.mu.Lock()
	defer metric.mu.Unlock()
	metric.Value += delta
	metric.Last = time.Now()
}

// IncrementCounter adds one to a counter
func (m *MetricsManager) IncrementCounter(topic, function string) {
	m.AddCounter(topic, function, 1)
}

// RecordOutcome records a specific outcome
func (m *MetricsManager) RecordOutcome(topic, function, outcome string) {
	path := buildPath(topic, function)

	m.mu.Lock()
	metric, exists := m.outcomes[path]
	if !exists {
		metric = &OutcomeMetric{Outcomes: make(map[string]int64)}
		m.outcomes[path] = metric
	}
	m.mu.Unlock()

	metric.mu.Lock()
	defer metric.mu.Unlock()
	metric.Outcomes[outcome]++
	metric.Total++
	metric.LastOutcome = outcome
	metric.LastTime = time.Now()
}

// Counter returns a counter's value, 0 if it was never touched.
func (m *MetricsManager) Counter(topic, function string) int64 {
	m.mu.RLock()
	metric, ok := m.counters[buildPath(topic, function)]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	metric.mu.RLock()
	defer metric.mu.RUnlock()
	return metric.Value
}

// Outcome returns how often outcome was recorded for topic/function.
func (m *MetricsManager) Outcome(topic, function, outcome string) int64 {
	m.mu.RLock()
	metric, ok := m.outcomes[buildPath(topic, function)]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	metric.mu.RLock()
	defer metric.mu.RUnlock()
	return metric.Outcomes[outcome]
}

// GetSnapshot returns every metric keyed by path
func (m *MetricsManager) GetSnapshot() map[string]*MetricSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshots := make(map[string]*MetricSnapshot, len(m.timings)+len(m.counters)+len(m.outcomes))

	for path, metric := range m.timings {
		metric.mu.RLock()
		avg := float64(0)
		if metric.Count > 0 {
			avg = float64(metric.Total) / float64(metric.Count) / float64(time.Millisecond)
		}
		snapshots[path] = &MetricSnapshot{
			Path: path,
			Type: TypeTiming,
			Data: TimingSnapshot{
				Count:  metric.Count,
				AvgMs:  avg,
				MinMs:  float64(metric.Min) / float64(time.Millisecond),
				MaxMs:  float64(metric.Max) / float64(time.Millisecond),
				LastMs: float64(metric.Last) / float64(time.Millisecond),
				P95Ms:  calculatePercentile(metric.samples, 95),
			},
		}
		metric.mu.RUnlock()
	}

	for path, metric := range m.counters {
		metric.mu.RLock()
		snapshots[path] = &MetricSnapshot{
			Path: path,
			Type: TypeCounter,
			Data: CounterSnapshot{Value: metric.Value},
		}
		metric.mu.RUnlock()
	}

	for path, metric := range m.outcomes {
		metric.mu.RLock()
		counts := make(map[string]int64, len(metric.Outcomes))
		for k, v := range metric.Outcomes {
			counts[k] = v
		}
		snapshots[path] = &MetricSnapshot{
			Path: path,
			Type: TypeOutcome,
			Data: OutcomeSnapshot{
				Outcomes:    counts,
				Total:       metric.Total,
				LastOutcome: metric.LastOutcome,
			},
		}
		metric.mu.RUnlock()
	}

	return snapshots
}

// Reset drops every metric.
func (m *MetricsManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timings = make(map[string]*TimingMetric)
	m.counters = make(map[string]*CounterMetric)
	m.outcomes = make(map[string]*OutcomeMetric)
}

// calculatePercentile calculates the Nth percentile from samples
func calculatePercentile(samples []time.Duration, percentile int) float64 {
	if len(samples) == 0 {
		return 0
	}

	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	idx := (len(sorted) * percentile) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return float64(sorted[idx]) / float64(time.Millisecond)
}
