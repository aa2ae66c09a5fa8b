// Package outbound consumes send commands from the broker and delivers them
// through the WhatsApp gateway with manual acknowledgement.
package outbound

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrMalformedPayload means the body is not a JSON send command.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrValidation means a required field is missing.
	ErrValidation = errors.New("validation failed")
	// ErrGatewayUnavailable means WhatsApp is not connected.
	ErrGatewayUnavailable = errors.New("gateway unavailable")
	// ErrDeliveryFailed means the gateway refused or failed the send.
	ErrDeliveryFailed = errors.New("delivery failed")
)

// SendCommand asks the bridge to deliver a text message.
type SendCommand struct {
	To            string `json:"to"`
	Text          string `json:"text"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// GetCorrelationID is used by the broker publisher.
func (c SendCommand) GetCorrelationID() string { return c.CorrelationID }

// Validate checks the required fields.
func (c SendCommand) Validate() error {
	var errs []error
	if strings.TrimSpace(c.To) == "" {
		errs = append(errs, fmt.Errorf("%w: to is required", ErrValidation))
	}
	if strings.TrimSpace(c.Text) == "" {
		errs = append(errs, fmt.Errorf("%w: text is required", ErrValidation))
	}
	return errors.Join(errs...)
}

// ParseCommand decodes a send command and fills in a correlation id when
// the producer did not supply one.
func ParseCommand(body []byte) (SendCommand, error) {
	var cmd SendCommand
	if err := json.Unmarshal(body, &cmd); err != nil {
		return SendCommand{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if cmd.CorrelationID == "" {
		cmd.CorrelationID = uuid.NewString()
	}
	return cmd, nil
}
