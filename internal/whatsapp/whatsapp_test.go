package whatsapp

import (
	"bytes"
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roelfdiedericks/wabridge/internal/conn"
	"github.com/roelfdiedericks/wabridge/internal/dispatch"
)

func TestFormatRecipient(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"phone number", "5511999999999", "5511999999999@s.whatsapp.net"},
		{"leading plus", "+27821234567", "27821234567@s.whatsapp.net"},
		{"surrounding space", " 5511999999999 ", "5511999999999@s.whatsapp.net"},
		{"seventeen digits", "12345678901234567", "12345678901234567@s.whatsapp.net"},
		{"group id", "120363025246125486", "120363025246125486@g.us"},
		{"legacy group id", "5511999999999-1587654321", "5511999999999-1587654321@g.us"},
		{"already a jid", "5511999999999@s.whatsapp.net", "5511999999999@s.whatsapp.net"},
		{"lid jid untouched", "249786758348836@lid", "249786758348836@lid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatRecipient(tt.in))
		})
	}
}

func TestClassifyEvent(t *testing.T) {
	ready, cause := classifyEvent(&events.Connected{})
	assert.True(t, ready)
	assert.Nil(t, cause)

	_, cause = classifyEvent(&events.LoggedOut{})
	require.NotNil(t, cause)
	assert.True(t, cause.Permanent)

	_, cause = classifyEvent(&events.Disconnected{})
	require.NotNil(t, cause)
	assert.False(t, cause.Permanent)

	_, cause = classifyEvent(&events.StreamReplaced{})
	require.NotNil(t, cause)
	assert.False(t, cause.Permanent)

	_, cause = classifyEvent(&events.TemporaryBan{})
	require.NotNil(t, cause)
	assert.True(t, cause.Permanent)

	ready, cause = classifyEvent(&events.Receipt{})
	assert.False(t, ready)
	assert.Nil(t, cause)
}

type noSession struct{}

func (noSession) Handle() (*Session, bool) { return nil, false }

func TestSendWhenDisconnected(t *testing.T) {
	s := NewSender(noSession{})
	assert.False(t, s.Send(context.Background(), "5511999999999@s.whatsapp.net", "hi", "corr-1"))
}

func TestDeviceStatusWithoutStore(t *testing.T) {
	var out bytes.Buffer
	err := DeviceStatus(context.Background(), filepath.Join(t.TempDir(), "missing.db"), &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Not paired")
}

func TestUnlinkWithoutStore(t *testing.T) {
	var out bytes.Buffer
	err := UnlinkDevice(context.Background(), filepath.Join(t.TempDir(), "missing.db"), &out)
	assert.Error(t, err)
}

// testClient builds an unconnected client over a fresh device in a temp store.
func testClient(t *testing.T) *whatsmeow.Client {
	t.Helper()
	db, container, err := openStore(context.Background(), filepath.Join(t.TempDir(), "whatsapp.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return whatsmeow.NewClient(container.NewDevice(), &bridgeLogger{module: "test"})
}

type liveSession struct{ s *Session }

func (l liveSession) Handle() (*Session, bool) { return l.s, true }

func TestSendWhenSocketDown(t *testing.T) {
	s := NewSender(liveSession{newSession(testClient(t))})
	assert.False(t, s.Send(context.Background(), "5511999999999@s.whatsapp.net", "hi", "corr-2"))
}

// clientDriver hands out one prebuilt session and installs the same
// lifecycle handler as Driver.Open, without dialing.
type clientDriver struct{ s *Session }

func (d *clientDriver) Open(ctx context.Context, n conn.Notifier) (*Session, error) {
	d.s.lifecycleID = d.s.client.AddEventHandler(lifecycleHandler(d.s, n))
	return d.s, nil
}

func (d *clientDriver) Close(s *Session, force bool) error {
	s.client.RemoveEventHandler(s.lifecycleID)
	return nil
}

type countingHandler struct{ calls atomic.Int32 }

func (h *countingHandler) Event() string { return EventMessageArrived }

func (h *countingHandler) Handle(ctx context.Context, payload any) error {
	h.calls.Add(1)
	return nil
}

// dispatchWithin reports whether the client finished dispatching evt to its
// handlers within a few seconds.
func dispatchWithin(client *whatsmeow.Client, evt any) bool {
	done := make(chan struct{})
	go func() {
		client.DangerousInternals().DispatchEvent(evt)
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(3 * time.Second):
		return false
	}
}

// Rebinding on open adds client event handlers, so it must not run while
// the client is still dispatching the Connected event.
func TestConnectedEventBindsHandlersWithoutBlocking(t *testing.T) {
	client := testClient(t)
	m := conn.NewManager[*Session](&clientDriver{s: newSession(client)}, conn.Options{
		Name:           "whatsapp",
		ConnectTimeout: time.Hour,
		Policy:         conn.ReconnectPolicy{InitialDelay: time.Hour, MaxDelay: time.Hour, Factor: 2},
	})
	t.Cleanup(m.Stop)

	h := &countingHandler{}
	reg := dispatch.New(context.Background(), h)
	dispatch.Attach(reg, m)

	m.Connect()
	require.True(t, dispatchWithin(client, &events.Connected{}), "connected event dispatch blocked")
	require.Eventually(t, m.IsConnected, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return reg.Bound() == 1 }, time.Second, 5*time.Millisecond)

	require.True(t, dispatchWithin(client, &events.Message{}), "message dispatch blocked")
	assert.Equal(t, int32(1), h.calls.Load())

	require.True(t, dispatchWithin(client, &events.Disconnected{}))
	require.Eventually(t, func() bool { return m.State() == conn.StateClosed }, time.Second, 5*time.Millisecond)
}
