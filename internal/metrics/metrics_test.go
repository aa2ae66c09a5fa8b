package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndOutcomes(t *testing.T) {
	m := newManager()

	m.IncrementCounter("whatsapp", "reconnects")
	m.AddCounter("whatsapp", "reconnects", 2)
	m.RecordOutcome("outbound", "delivery", "acknowledged")
	m.RecordOutcome("outbound", "delivery", "acknowledged")
	m.RecordOutcome("outbound", "delivery", "rejected-requeue")

	assert.Equal(t, int64(3), m.Counter("whatsapp", "reconnects"))
	assert.Equal(t, int64(0), m.Counter("broker", "reconnects"))
	assert.Equal(t, int64(2), m.Outcome("outbound", "delivery", "acknowledged"))
	assert.Equal(t, int64(1), m.Outcome("outbound", "delivery", "rejected-requeue"))

	snap := m.GetSnapshot()
	require.Contains(t, snap, "outbound/delivery")
	out := snap["outbound/delivery"].Data.(OutcomeSnapshot)
	assert.Equal(t, int64(3), out.Total)
	assert.Equal(t, "rejected-requeue", out.LastOutcome)
	assert.Equal(t, TypeCounter, snap["whatsapp/reconnects"].Type)
}

func TestTiming(t *testing.T) {
	m := newManager()
	for _, ms := range []int{10, 20, 30, 40} {
		m.RecordDuration("whatsapp", "send", time.Duration(ms)*time.Millisecond)
	}

	data := m.GetSnapshot()["whatsapp/send"].Data.(TimingSnapshot)
	assert.Equal(t, int64(4), data.Count)
	assert.InDelta(t, 25.0, data.AvgMs, 0.001)
	assert.InDelta(t, 10.0, data.MinMs, 0.001)
	assert.InDelta(t, 40.0, data.MaxMs, 0.001)
	assert.InDelta(t, 40.0, data.P95Ms, 0.001)
}

func TestReset(t *testing.T) {
	m := newManager()
	m.IncrementCounter("a", "b")
	m.Reset()
	assert.Empty(t, m.GetSnapshot())
}

func TestBuildPath(t *testing.T) {
	assert.Equal(t, "inbound", buildPath("inbound", ""))
	assert.Equal(t, "inbound/dropped", buildPath("inbound", "dropped"))
}
