// Package broker adapts an AMQP 0-9-1 connection to the connection manager
// and publishes canonical messages to durable queues.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/roelfdiedericks/wabridge/internal/conn"
	. "github.com/roelfdiedericks/wabridge/internal/logging"
)

// Manager is the connection manager specialised for broker sessions.
type Manager = conn.Manager[*Session]

// Session is the live broker handle: one connection plus a lazily
// reopened publishing channel.
type Session struct {
	conn *amqp.Connection

	pubMu sync.Mutex
	pub   *amqp.Channel
}

// Channel opens a new channel on the connection, e.g. for a consumer.
func (s *Session) Channel() (*amqp.Channel, error) {
	if s.conn == nil {
		return nil, amqp.ErrClosed
	}
	return s.conn.Channel()
}

// Publish sends one message to queue through the default exchange.
func (s *Session) Publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	if s.pub == nil || s.pub.IsClosed() {
		ch, err := s.Channel()
		if err != nil {
			return fmt.Errorf("open publish channel: %w", err)
		}
		s.pub = ch
	}
	return s.pub.PublishWithContext(ctx, "", queue, false, false, msg)
}

// Driver dials the broker and declares the bridge's queues.
type Driver struct {
	url         string
	dialTimeout time.Duration
	queues      []string
}

var _ conn.Driver[*Session] = (*Driver)(nil)

// NewDriver creates a driver for url. Every queue in queues is declared
// durable on each new connection.
func NewDriver(url string, dialTimeout time.Duration, queues ...string) *Driver {
	return &Driver{url: url, dialTimeout: dialTimeout, queues: queues}
}

// Open dials, declares the queues and reports ready. An AMQP connection is
// usable as soon as the handshake completes, so readiness is immediate.
func (d *Driver) Open(ctx context.Context, n conn.Notifier) (*Session, error) {
	timeout := d.dialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout || timeout <= 0 {
			timeout = left
		}
	}

	c, err := amqp.DialConfig(d.url, amqp.Config{
		Dial:       amqp.DefaultDial(timeout),
		Heartbeat:  10 * time.Second,
		Properties: amqp.Table{"connection_name": "wabridge"},
	})
	if err != nil {
		return nil, fmt.Errorf("broker: dial: %w", err)
	}
	// Registered before any setup so a close during it is still reported
	go forwardClose(c.NotifyClose(make(chan *amqp.Error, 1)), n)

	ch, err := c.Channel()
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("broker: open channel: %w", err)
	}
	for _, q := range d.queues {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			c.Close()
			return nil, fmt.Errorf("broker: declare queue %s: %w", q, err)
		}
		L_debug("broker: queue declared", "queue", q)
	}

	if c.IsClosed() {
		return nil, fmt.Errorf("broker: connection closed during setup: %w", amqp.ErrClosed)
	}
	n.Ready()
	return &Session{conn: c, pub: ch}, nil
}

// Close shuts the connection. A forced close does not wait for the
// broker's close-ok.
func (d *Driver) Close(s *Session, force bool) error {
	if s.conn.IsClosed() {
		return nil
	}
	var err error
	if force {
		err = s.conn.CloseDeadline(time.Now())
	} else {
		err = s.conn.Close()
	}
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}

// forwardClose reports the first broker-initiated close to n. A graceful
// Close closes the channel without sending.
func forwardClose(closes <-chan *amqp.Error, n conn.Notifier) {
	if amqpErr, ok := <-closes; ok && amqpErr != nil {
		n.Closed(classifyClose(amqpErr))
	}
}

// classifyClose treats revoked credentials as permanent; everything else
// (broker restart, network loss, heartbeat timeout) is retried.
func classifyClose(e *amqp.Error) conn.Cause {
	if e.Code == amqp.AccessRefused {
		return conn.Permanent("access refused", e)
	}
	return conn.Transient("connection closed", e)
}
