// Package whatsapp adapts a whatsmeow client to the connection manager and
// provides the outbound Sender and device pairing commands.
package whatsapp

import (
	"context"
	"database/sql"
	"fmt"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/roelfdiedericks/wabridge/internal/conn"
	. "github.com/roelfdiedericks/wabridge/internal/logging"
)

// Manager is the connection manager specialised for gateway sessions.
type Manager = conn.Manager[*Session]

// Driver opens whatsmeow sessions from a sqlite device store.
type Driver struct {
	db        *sql.DB
	container *sqlstore.Container
}

var _ conn.Driver[*Session] = (*Driver)(nil)

// NewDriver opens the device store at storePath.
func NewDriver(ctx context.Context, storePath string) (*Driver, error) {
	db, container, err := openStore(ctx, storePath)
	if err != nil {
		return nil, err
	}
	return &Driver{db: db, container: container}, nil
}

// Open creates a fresh client and connects it. whatsmeow's own reconnect
// loop is disabled: the connection manager decides when to reconnect.
// An unpaired store produces QR codes through n.QR.
func (d *Driver) Open(ctx context.Context, n conn.Notifier) (*Session, error) {
	device, err := d.container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get whatsapp device: %w", err)
	}

	client := whatsmeow.NewClient(device, &bridgeLogger{module: "client"})
	client.EnableAutoReconnect = false

	s := newSession(client)
	s.lifecycleID = client.AddEventHandler(lifecycleHandler(s, n))

	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(ctx)
		if err != nil {
			client.RemoveEventHandlers()
			return nil, fmt.Errorf("failed to get QR channel: %w", err)
		}
		L_warn("whatsapp: device not paired, waiting for QR scan (or run 'wabridge link')")
		go forwardQR(qrChan, n)
	}

	if err := client.Connect(); err != nil {
		client.RemoveEventHandlers()
		return nil, fmt.Errorf("whatsapp: failed to connect: %w", err)
	}
	return s, nil
}

// Close disconnects the session's client and drops its handlers.
// whatsmeow's Disconnect does not wait on the peer, so force changes nothing.
func (d *Driver) Close(s *Session, force bool) error {
	s.client.RemoveEventHandler(s.lifecycleID)
	s.client.Disconnect()
	return nil
}

// CloseStore releases the sqlite store. Call after the manager has stopped.
func (d *Driver) CloseStore() error {
	return d.db.Close()
}

// lifecycleHandler reports connection events to n. whatsmeow calls handlers
// with its handler lock read-held, and a manager transition can reach
// AddEventHandler (dispatch rebinding on open), so transitions run on their
// own goroutine. A Ready that loses the race to a Closed is dropped by the
// manager's state check.
func lifecycleHandler(s *Session, n conn.Notifier) func(evt interface{}) {
	return func(evt interface{}) {
		ready, cause := classifyEvent(evt)
		switch {
		case ready:
			L_info("whatsapp: session ready", "jid", s.JID())
			go n.Ready()
		case cause != nil:
			go n.Closed(*cause)
		}
	}
}

func forwardQR(qrChan <-chan whatsmeow.QRChannelItem, n conn.Notifier) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			n.QR(item.Code)
		case "success":
			L_info("whatsapp: QR scan accepted, completing pairing")
		case "timeout":
			n.Closed(conn.Transient("qr code expired", nil))
		default:
			n.Closed(conn.Transient("pairing failed: "+item.Event, item.Error))
		}
	}
}

// classifyEvent maps whatsmeow connection events onto readiness or a
// classified close cause. Logout and bans are permanent: reconnecting
// cannot fix them without re-pairing.
func classifyEvent(evt interface{}) (ready bool, cause *conn.Cause) {
	var c conn.Cause
	switch v := evt.(type) {
	case *events.Connected:
		return true, nil
	case *events.LoggedOut:
		c = conn.Permanent("logged out", fmt.Errorf("reason: %v", v.Reason))
	case *events.ConnectFailure:
		if v.Reason.IsLoggedOut() {
			c = conn.Permanent("logged out", fmt.Errorf("connect failure: %v", v.Reason))
		} else {
			c = conn.Transient("connect failure", fmt.Errorf("reason: %v %s", v.Reason, v.Message))
		}
	case *events.TemporaryBan:
		c = conn.Permanent("temporary ban", fmt.Errorf("code %v, expires in %v", v.Code, v.Expire))
	case *events.StreamReplaced:
		c = conn.Transient("stream replaced", nil)
	case *events.Disconnected:
		c = conn.Transient("disconnected", nil)
	default:
		return false, nil
	}
	return false, &c
}
