package metrics

import (
	"time"
)

// Convenience wrappers over the singleton, for call sites that just want
// to record something.

// MetricDuration records a duration
func MetricDuration(topic, function string, duration time.Duration) {
	GetInstance().RecordDuration(topic, function, duration)
}

// MetricSince records the time elapsed since start
func MetricSince(topic, function string, start time.Time) {
	GetInstance().RecordDuration(topic, function, time.Since(start))
}

// MetricInc increments a counter
func MetricInc(topic, function string) {
	GetInstance().IncrementCounter(topic, function)
}

// MetricOutcome records a specific outcome
func MetricOutcome(topic, operation, outcome string) {
	GetInstance().RecordOutcome(topic, operation, outcome)
}
