package app

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/roelfdiedericks/wabridge/internal/config"
	"github.com/roelfdiedericks/wabridge/internal/conn"
	"github.com/roelfdiedericks/wabridge/internal/whatsapp"
)

func TestPolicyFromConfig(t *testing.T) {
	p := policyFrom(config.BackoffConfig{InitialDelay: "5s", MaxDelay: "60s", Factor: 2})

	assert.Equal(t, 5*time.Second, p.InitialDelay)
	assert.Equal(t, 60*time.Second, p.MaxDelay)
	assert.Equal(t, 2.0, p.Factor)
	assert.Equal(t, 0, p.Attempt)
	assert.Equal(t, 40*time.Second, p.Delay(3))
}

func TestQREventRendered(t *testing.T) {
	var out bytes.Buffer
	a := &App{cfg: config.Default(), qrOut: &out}

	a.onGatewayEvent(conn.Event[*whatsapp.Session]{Kind: conn.EventQR, QRCode: "2@abcdef"})

	assert.Contains(t, out.String(), "Linked Devices")
	assert.Greater(t, out.Len(), len("Linked Devices"))
}

func TestConfigChangeUpdatesLevel(t *testing.T) {
	cfg := config.Default()
	a := &App{cfg: cfg}

	next := config.Default()
	next.Logging.Level = "debug"
	a.onConfigChange(next)
	assert.Equal(t, "debug", a.cfg.Logging.Level)

	bad := config.Default()
	bad.Logging.Level = "loud"
	a.onConfigChange(bad)
	assert.Equal(t, "debug", a.cfg.Logging.Level)

	a.onConfigChange(config.Default())
	assert.Equal(t, "info", a.cfg.Logging.Level)
}
