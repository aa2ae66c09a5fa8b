package conn

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a managed connection.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
	StateFailedPermanently
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailedPermanently:
		return "failed-permanently"
	default:
		return "unknown"
	}
}

// ErrConnectTimeout is the cause recorded when a connection does not become
// ready within the connect timeout.
var ErrConnectTimeout = errors.New("connection attempt timed out")

// Cause classifies why a connection ended. Permanent causes (logout,
// revoked credentials) stop the reconnect loop.
type Cause struct {
	Permanent bool
	Reason    string
	Err       error
}

// Transient builds a retryable cause.
func Transient(reason string, err error) Cause {
	return Cause{Reason: reason, Err: err}
}

// Permanent builds a cause that needs operator intervention.
func Permanent(reason string, err error) Cause {
	return Cause{Permanent: true, Reason: reason, Err: err}
}

func (c Cause) String() string {
	kind := "transient"
	if c.Permanent {
		kind = "permanent"
	}
	if c.Err != nil {
		return fmt.Sprintf("%s: %s: %v", kind, c.Reason, c.Err)
	}
	return fmt.Sprintf("%s: %s", kind, c.Reason)
}

// EventKind is the closed set of lifecycle events a Manager publishes.
type EventKind int

const (
	// EventPreDisconnect fires before a handle is torn down, while it is
	// still usable, so dependents can detach from it.
	EventPreDisconnect EventKind = iota + 1
	// EventOpen fires once the connection reports ready.
	EventOpen
	// EventClose fires after leaving the open state; Cause is set.
	EventClose
	// EventFatal fires on a permanent cause; no reconnect follows.
	EventFatal
	// EventQR carries a pairing code from the gateway.
	EventQR
)

func (k EventKind) String() string {
	switch k {
	case EventPreDisconnect:
		return "pre-disconnect"
	case EventOpen:
		return "open"
	case EventClose:
		return "close"
	case EventFatal:
		return "fatal"
	case EventQR:
		return "qr"
	default:
		return "unknown"
	}
}

// Event is a lifecycle notification. Handle is set for pre-disconnect and open.
type Event[H any] struct {
	Kind    EventKind
	Manager string
	Handle  H
	Cause   Cause
	QRCode  string
	Attempt int
}
