// Package conn manages the lifecycle of a single long-lived connection:
// connect, readiness timeout, failure classification and bounded
// exponential reconnect. The same Manager drives the WhatsApp session and
// the AMQP connection through their Driver implementations.
package conn

import (
	"context"
	"sync"
	"time"

	"github.com/roelfdiedericks/wabridge/internal/bus"
	. "github.com/roelfdiedericks/wabridge/internal/logging"
	"github.com/roelfdiedericks/wabridge/internal/metrics"
)

// Driver opens and closes the underlying connection.
//
// Open starts a connection and returns its handle. It must report readiness
// through n.Ready (possibly before Open returns) and any later disconnection
// through n.Closed. Open should give up when ctx is done.
//
// Close ends a handle. With force set the driver must not wait on the peer.
type Driver[H any] interface {
	Open(ctx context.Context, n Notifier) (H, error)
	Close(h H, force bool) error
}

// Notifier is how a driver reports on one connection attempt. Calls made
// for an attempt that has since been superseded are ignored.
type Notifier interface {
	Ready()
	Closed(cause Cause)
	QR(code string)
}

// Options configures a Manager.
type Options struct {
	Name           string
	ConnectTimeout time.Duration
	Policy         ReconnectPolicy
}

// Manager owns one connection handle and keeps it alive.
//
// At most one connect attempt is in flight and at most one reconnect timer is
// armed at any time. Every way a connection can end (driver close, open
// failure, readiness timeout) goes through handleClose.
type Manager[H any] struct {
	name           string
	driver         Driver[H]
	connectTimeout time.Duration
	events         *bus.Bus[Event[H]]

	// lifecycle is held across a transition and its event so subscribers
	// see open, close and pre-disconnect in the order they happened.
	// Taken before mu, never while holding it.
	lifecycle sync.Mutex

	mu             sync.Mutex
	state          State
	handle         H
	hasHandle      bool
	gen            uint64 // bumped per attempt; stale notifications compare unequal
	readyEarly     bool   // Ready arrived before Open returned the handle
	policy         ReconnectPolicy
	reconnectTimer *time.Timer
	connectTimer   *time.Timer
	cancelAttempt  context.CancelFunc
	lastCause      Cause
	stopped        bool
}

// NewManager creates an idle manager. Call Connect to start it.
func NewManager[H any](driver Driver[H], opts Options) *Manager[H] {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 60 * time.Second
	}
	return &Manager[H]{
		name:           opts.Name,
		driver:         driver,
		connectTimeout: opts.ConnectTimeout,
		events:         bus.New[Event[H]](opts.Name),
		policy:         opts.Policy,
	}
}

// Name identifies the manager in logs and health output.
func (m *Manager[H]) Name() string { return m.name }

// Subscribe registers a lifecycle listener. Listeners run synchronously on
// the goroutine that caused the transition and must not block for long.
func (m *Manager[H]) Subscribe(fn func(Event[H])) bus.SubscriptionID {
	return m.events.Subscribe(fn)
}

// Unsubscribe removes a lifecycle listener.
func (m *Manager[H]) Unsubscribe(id bus.SubscriptionID) bool {
	return m.events.Unsubscribe(id)
}

// State returns the current lifecycle state.
func (m *Manager[H]) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected is true only while open with a live handle.
func (m *Manager[H]) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateOpen && m.hasHandle
}

// Handle returns the live handle, or ok=false when not connected.
// Callers that suspend (network I/O) must keep the returned value rather
// than calling Handle again: a reconnect may replace it in between.
func (m *Manager[H]) Handle() (h H, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateOpen || !m.hasHandle {
		return h, false
	}
	return m.handle, true
}

// Attempt is the current reconnect attempt count.
func (m *Manager[H]) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy.Attempt
}

// ReconnectPending reports whether a reconnect timer is armed.
func (m *Manager[H]) ReconnectPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnectTimer != nil
}

// LastCause returns the cause of the most recent close.
func (m *Manager[H]) LastCause() Cause {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCause
}

// Connect tears down any existing handle and opens a new one.
// It is a no-op while a connect is already in progress or after Stop.
func (m *Manager[H]) Connect() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	if m.state == StateConnecting {
		m.mu.Unlock()
		L_debug(m.name+": connect already in progress")
		return
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}

	m.state = StateConnecting
	m.gen++
	gen := m.gen
	m.readyEarly = false
	old, hadOld := m.handle, m.hasHandle
	var zero H
	m.handle, m.hasHandle = zero, false

	ctx, cancel := context.WithTimeout(context.Background(), m.connectTimeout)
	m.cancelAttempt = cancel
	m.connectTimer = time.AfterFunc(m.connectTimeout, func() { m.onConnectTimeout(gen) })
	attempt := m.policy.Attempt
	m.mu.Unlock()

	if hadOld {
		m.teardown(old)
	}

	L_info(m.name+": connecting", "attempt", attempt)
	h, err := m.driver.Open(ctx, &attemptNotifier[H]{m: m, gen: gen})
	if err != nil {
		L_warn(m.name+": connect failed", "error", err)
		m.handleClose(gen, Transient("open failed", err))
		return
	}

	m.lifecycle.Lock()
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnecting {
		// Attempt ended (timeout, close, Stop) while Open was running
		m.mu.Unlock()
		m.lifecycle.Unlock()
		m.closeHandle(h)
		return
	}
	m.handle, m.hasHandle = h, true
	ready := m.readyEarly
	if ready {
		m.openLocked()
	}
	m.mu.Unlock()

	if ready {
		m.publishOpen(h)
	}
	m.lifecycle.Unlock()
}

// Stop ends the managed connection for good: timers are cancelled,
// dependents get a pre-disconnect, and the handle is closed.
func (m *Manager[H]) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.gen++
	m.stopTimersLocked()
	h, had := m.handle, m.hasHandle
	var zero H
	m.handle, m.hasHandle = zero, false
	m.state = StateClosing
	m.mu.Unlock()

	if had {
		m.teardown(h)
	}

	m.mu.Lock()
	m.state = StateClosed
	m.mu.Unlock()
	L_info(m.name + ": stopped")
}

func (m *Manager[H]) markReady(gen uint64) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	if gen != m.gen || m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	if !m.hasHandle {
		m.readyEarly = true
		m.mu.Unlock()
		return
	}
	m.openLocked()
	h := m.handle
	m.mu.Unlock()

	m.publishOpen(h)
}

func (m *Manager[H]) openLocked() {
	m.state = StateOpen
	m.policy.Reset()
	if m.connectTimer != nil {
		m.connectTimer.Stop()
		m.connectTimer = nil
	}
	if m.cancelAttempt != nil {
		m.cancelAttempt()
		m.cancelAttempt = nil
	}
}

func (m *Manager[H]) publishOpen(h H) {
	L_info(m.name + ": connected")
	m.events.Publish(Event[H]{Kind: EventOpen, Manager: m.name, Handle: h})
}

func (m *Manager[H]) onConnectTimeout(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	m.connectTimer = nil
	h, had := m.handle, m.hasHandle
	if m.cancelAttempt != nil {
		m.cancelAttempt()
		m.cancelAttempt = nil
	}
	m.mu.Unlock()

	L_warn(m.name+": connection not ready in time, forcing close", "timeout", m.connectTimeout)
	if had {
		if err := m.driver.Close(h, true); err != nil {
			L_debug(m.name+": force close failed", "error", err)
		}
	}
	m.handleClose(gen, Transient("connect timeout", ErrConnectTimeout))
}

// handleClose is the single path for every disconnection cause.
func (m *Manager[H]) handleClose(gen uint64, cause Cause) {
	m.lifecycle.Lock()
	m.mu.Lock()
	if gen != m.gen || (m.state != StateConnecting && m.state != StateOpen) {
		m.mu.Unlock()
		m.lifecycle.Unlock()
		return
	}
	wasOpen := m.state == StateOpen
	if m.connectTimer != nil {
		m.connectTimer.Stop()
		m.connectTimer = nil
	}
	if m.cancelAttempt != nil {
		m.cancelAttempt()
		m.cancelAttempt = nil
	}
	m.lastCause = cause
	if cause.Permanent {
		m.state = StateFailedPermanently
	} else {
		m.state = StateClosed
		m.policy.Failed()
	}
	attempt := m.policy.Attempt
	stopped := m.stopped
	m.mu.Unlock()

	metrics.MetricOutcome(m.name, "close", cause.Reason)

	if wasOpen {
		m.events.Publish(Event[H]{Kind: EventClose, Manager: m.name, Cause: cause, Attempt: attempt})
	}

	if cause.Permanent {
		L_error(m.name+": connection failed permanently, not reconnecting", "cause", cause.String())
		m.events.Publish(Event[H]{Kind: EventFatal, Manager: m.name, Cause: cause})
		m.lifecycle.Unlock()
		return
	}
	m.lifecycle.Unlock()

	L_warn(m.name+": connection closed", "cause", cause.String(), "attempt", attempt)
	if !stopped && !IsShuttingDown() {
		m.scheduleReconnect()
	}
}

// scheduleReconnect arms the reconnect timer unless one is already armed or
// a connect is in progress.
func (m *Manager[H]) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped || m.reconnectTimer != nil || m.state == StateConnecting || m.state == StateFailedPermanently {
		return
	}

	delay := m.policy.Next()
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.reconnectTimer != t {
			m.mu.Unlock()
			return
		}
		m.reconnectTimer = nil
		m.mu.Unlock()
		m.Connect()
	})
	m.reconnectTimer = t
	metrics.MetricInc(m.name, "reconnects")
	L_info(m.name+": reconnect scheduled", "delay", delay, "attempt", m.policy.Attempt)
}

func (m *Manager[H]) publishQR(gen uint64, code string) {
	m.mu.Lock()
	current := gen == m.gen && m.state == StateConnecting
	m.mu.Unlock()
	if !current {
		return
	}
	m.events.Publish(Event[H]{Kind: EventQR, Manager: m.name, QRCode: code})
}

// teardown lets dependents detach, then closes gracefully and falls back
// to a forced close.
func (m *Manager[H]) teardown(h H) {
	m.lifecycle.Lock()
	m.events.Publish(Event[H]{Kind: EventPreDisconnect, Manager: m.name, Handle: h})
	m.lifecycle.Unlock()
	m.closeHandle(h)
}

func (m *Manager[H]) closeHandle(h H) {
	if err := m.driver.Close(h, false); err != nil {
		L_debug(m.name+": graceful close failed, forcing", "error", err)
		if err := m.driver.Close(h, true); err != nil {
			L_debug(m.name+": force close failed", "error", err)
		}
	}
}

func (m *Manager[H]) stopTimersLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.connectTimer != nil {
		m.connectTimer.Stop()
		m.connectTimer = nil
	}
	if m.cancelAttempt != nil {
		m.cancelAttempt()
		m.cancelAttempt = nil
	}
}

type attemptNotifier[H any] struct {
	m   *Manager[H]
	gen uint64
}

func (n *attemptNotifier[H]) Ready()             { n.m.markReady(n.gen) }
func (n *attemptNotifier[H]) Closed(cause Cause) { n.m.handleClose(n.gen, cause) }
func (n *attemptNotifier[H]) QR(code string)     { n.m.publishQR(n.gen, code) }
