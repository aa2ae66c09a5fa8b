package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/roelfdiedericks/wabridge/internal/broker"
	. "github.com/roelfdiedericks/wabridge/internal/logging"
	"github.com/roelfdiedericks/wabridge/internal/metrics"
	"github.com/roelfdiedericks/wabridge/internal/outbound"
)

const maxBodyBytes = 64 << 10

func upDown(ok bool) string {
	if ok {
		return "up"
	}
	return "down"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		L_debug("http: write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleHealth handles GET /health - 200 only when both connections are up
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	wa := s.gateway.IsConnected()
	br := s.broker.IsConnected()

	status := http.StatusOK
	if !wa || !br {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{
		"status":   upDown(wa && br),
		"whatsapp": upDown(wa),
		"broker":   upDown(br),
	})
}

// DependencyStatus is one connection's entry in GET /status.
type DependencyStatus struct {
	State            string `json:"state"`
	Connected        bool   `json:"connected"`
	Attempt          int    `json:"attempt"`
	ReconnectPending bool   `json:"reconnectPending"`
	LastCause        string `json:"lastCause,omitempty"`
}

func dependencyStatus(d Dependency) DependencyStatus {
	st := DependencyStatus{
		State:            d.State().String(),
		Connected:        d.IsConnected(),
		Attempt:          d.Attempt(),
		ReconnectPending: d.ReconnectPending(),
	}
	if c := d.LastCause(); c.Reason != "" {
		st.LastCause = c.String()
	}
	return st
}

// handleStatus handles GET /status - connection state detail
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		WhatsApp DependencyStatus `json:"whatsapp"`
		Broker   DependencyStatus `json:"broker"`
		JID      string           `json:"jid,omitempty"`
	}{
		WhatsApp: dependencyStatus(s.gateway),
		Broker:   dependencyStatus(s.broker),
		JID:      s.jid(),
	})
}

// handleMessages handles POST /messages - queue a send command
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To   string `json:"to"`
		Text string `json:"text"`
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		L_warn("http: messages - invalid JSON", "error", err)
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	cmd := outbound.SendCommand{To: req.To, Text: req.Text, CorrelationID: uuid.NewString()}
	if err := cmd.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !s.broker.IsConnected() {
		writeError(w, http.StatusServiceUnavailable, "broker unavailable")
		return
	}

	if err := s.publisher.Publish(r.Context(), s.queue, cmd); err != nil {
		L_error("http: messages - publish failed", "correlationId", cmd.CorrelationID, "error", err)
		status := http.StatusInternalServerError
		if errors.Is(err, broker.ErrUnavailable) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, "failed to queue message")
		return
	}

	L_info("http: message accepted", "to", cmd.To, "correlationId", cmd.CorrelationID)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":        "accepted",
		"correlationId": cmd.CorrelationID,
	})
}

// handleMetrics handles GET /metrics - in-process counters and timings
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, metrics.GetInstance().GetSnapshot())
}
