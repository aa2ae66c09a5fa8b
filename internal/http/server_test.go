package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roelfdiedericks/wabridge/internal/broker"
	"github.com/roelfdiedericks/wabridge/internal/conn"
	"github.com/roelfdiedericks/wabridge/internal/metrics"
	"github.com/roelfdiedericks/wabridge/internal/outbound"
)

type fakeDep struct {
	name      string
	connected bool
	attempt   int
	cause     conn.Cause
}

func (d *fakeDep) Name() string      { return d.name }
func (d *fakeDep) IsConnected() bool { return d.connected }
func (d *fakeDep) State() conn.State {
	if d.connected {
		return conn.StateOpen
	}
	return conn.StateClosed
}
func (d *fakeDep) Attempt() int           { return d.attempt }
func (d *fakeDep) ReconnectPending() bool { return !d.connected }
func (d *fakeDep) LastCause() conn.Cause  { return d.cause }

type fakePublisher struct {
	err   error
	queue string
	msg   any
}

func (p *fakePublisher) Publish(ctx context.Context, queue string, msg any) error {
	p.queue, p.msg = queue, msg
	return p.err
}

func newTestServer(wa, br bool, pub *fakePublisher) *Server {
	return NewServer(&ServerConfig{
		OutgoingQueue: "outgoing",
		Gateway:       &fakeDep{name: "whatsapp", connected: wa},
		Broker:        &fakeDep{name: "broker", connected: br},
		Publisher:     pub,
		JID:           func() string { return "27820000000@s.whatsapp.net" },
	})
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	tests := []struct {
		wa, br bool
		code   int
		want   string
	}{
		{true, true, http.StatusOK, `{"status":"up","whatsapp":"up","broker":"up"}`},
		{false, true, http.StatusServiceUnavailable, `{"status":"down","whatsapp":"down","broker":"up"}`},
		{true, false, http.StatusServiceUnavailable, `{"status":"down","whatsapp":"up","broker":"down"}`},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("wa=%v,broker=%v", tt.wa, tt.br), func(t *testing.T) {
			rec := do(t, newTestServer(tt.wa, tt.br, &fakePublisher{}), http.MethodGet, "/health", "")
			assert.Equal(t, tt.code, rec.Code)
			assert.JSONEq(t, tt.want, rec.Body.String())
		})
	}
}

func TestStatus(t *testing.T) {
	s := newTestServer(true, false, &fakePublisher{})
	s.broker.(*fakeDep).cause = conn.Transient("connection closed", nil)
	s.broker.(*fakeDep).attempt = 2

	rec := do(t, s, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		WhatsApp DependencyStatus `json:"whatsapp"`
		Broker   DependencyStatus `json:"broker"`
		JID      string           `json:"jid"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "open", got.WhatsApp.State)
	assert.True(t, got.WhatsApp.Connected)
	assert.Equal(t, 2, got.Broker.Attempt)
	assert.True(t, got.Broker.ReconnectPending)
	assert.Contains(t, got.Broker.LastCause, "connection closed")
	assert.Equal(t, "27820000000@s.whatsapp.net", got.JID)
}

func TestMessagesAccepted(t *testing.T) {
	pub := &fakePublisher{}
	rec := do(t, newTestServer(false, true, pub), http.MethodPost, "/messages", `{"to":"5511999999999","text":"hi"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp["status"])
	assert.NotEmpty(t, resp["correlationId"])

	assert.Equal(t, "outgoing", pub.queue)
	cmd, ok := pub.msg.(outbound.SendCommand)
	require.True(t, ok)
	assert.Equal(t, "5511999999999", cmd.To)
	assert.Equal(t, resp["correlationId"], cmd.CorrelationID)
}

func TestMessagesRejected(t *testing.T) {
	tests := []struct {
		name string
		br   bool
		err  error
		body string
		code int
	}{
		{"invalid json", true, nil, `{`, http.StatusBadRequest},
		{"missing text", true, nil, `{"to":"1"}`, http.StatusBadRequest},
		{"broker down", false, nil, `{"to":"1","text":"x"}`, http.StatusServiceUnavailable},
		{"publish unavailable", true, broker.ErrUnavailable, `{"to":"1","text":"x"}`, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &fakePublisher{err: tt.err}
			rec := do(t, newTestServer(true, tt.br, pub), http.MethodPost, "/messages", tt.body)
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	rec := do(t, newTestServer(true, true, &fakePublisher{}), http.MethodGet, "/messages", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.MetricOutcome("outbound", "delivery", "acknowledged")

	rec := do(t, newTestServer(true, true, &fakePublisher{}), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap map[string]struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Contains(t, snap, "outbound/delivery")
	assert.Equal(t, "outcome", snap["outbound/delivery"].Type)
}
