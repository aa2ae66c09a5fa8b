package outbound

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/roelfdiedericks/wabridge/internal/broker"
	"github.com/roelfdiedericks/wabridge/internal/bus"
	"github.com/roelfdiedericks/wabridge/internal/conn"
	. "github.com/roelfdiedericks/wabridge/internal/logging"
)

var errStreamClosed = errors.New("delivery stream closed")

// ConsumerOptions configures a Consumer.
type ConsumerOptions struct {
	Queue    string
	Tag      string
	Prefetch int
	// Retry paces consumer start-up attempts while the broker is connected
	// but the registration keeps failing.
	Retry conn.ReconnectPolicy
}

// Consumer keeps one consumer registration on the outgoing queue for as
// long as the broker connection is open.
type Consumer struct {
	broker    *broker.Manager
	processor *Processor
	opts      ConsumerOptions

	mu      sync.Mutex
	subID   bus.SubscriptionID
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	stopped bool
}

// NewConsumer creates a consumer. Call Start to begin.
func NewConsumer(mgr *broker.Manager, processor *Processor, opts ConsumerOptions) *Consumer {
	if opts.Prefetch <= 0 {
		opts.Prefetch = 10
	}
	return &Consumer{broker: mgr, processor: processor, opts: opts}
}

// Start follows the broker manager: consumption is armed on every open and
// cancelled on pre-disconnect and close.
func (c *Consumer) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	id := c.broker.Subscribe(func(evt conn.Event[*broker.Session]) {
		switch evt.Kind {
		case conn.EventOpen:
			c.arm()
		case conn.EventPreDisconnect, conn.EventClose:
			c.disarm()
		}
	})
	c.mu.Lock()
	c.subID = id
	c.mu.Unlock()

	if c.broker.IsConnected() {
		c.arm()
	}
}

// Stop cancels the registration and waits for the in-flight message, if
// any, to be resolved. Call before the broker connection is closed.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	id := c.subID
	c.mu.Unlock()

	c.broker.Unsubscribe(id)
	c.disarm()
	L_info("outbound: consumer stopped")
}

// Running reports whether a consume loop is active.
func (c *Consumer) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done != nil
}

func (c *Consumer) arm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel, c.done = cancel, done
	go c.run(ctx, done)
}

func (c *Consumer) disarm() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done

	c.mu.Lock()
	if c.done == done {
		c.cancel, c.done = nil, nil
	}
	c.mu.Unlock()
}

func (c *Consumer) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		// Let a later open re-arm if the loop gave up on its own
		c.mu.Lock()
		if c.done == done {
			c.cancel, c.done = nil, nil
		}
		c.mu.Unlock()
	}()

	policy := c.opts.Retry
	policy.Reset()

	for {
		if ctx.Err() != nil {
			return
		}
		if !c.broker.IsConnected() {
			L_debug("outbound: broker not connected, waiting for open")
			return
		}

		consumed, err := c.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		if consumed {
			policy.Reset()
		}
		policy.Failed()
		delay := policy.Next()
		L_warn("outbound: consumer stopped unexpectedly, retrying", "error", err, "delay", delay, "attempt", policy.Attempt)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// consume registers on the queue and processes deliveries until ctx is
// cancelled or the channel goes away. consumed is true once the
// registration succeeded.
func (c *Consumer) consume(ctx context.Context) (consumed bool, err error) {
	sess, ok := c.broker.Handle()
	if !ok {
		return false, broker.ErrUnavailable
	}

	ch, err := sess.Channel()
	if err != nil {
		return false, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(c.opts.Prefetch, 0, false); err != nil {
		return false, fmt.Errorf("set prefetch: %w", err)
	}
	deliveries, err := ch.Consume(c.opts.Queue, c.opts.Tag, false, false, false, false, nil)
	if err != nil {
		return false, fmt.Errorf("consume %s: %w", c.opts.Queue, err)
	}
	L_info("outbound: consuming", "queue", c.opts.Queue, "tag", c.opts.Tag, "prefetch", c.opts.Prefetch)

	for {
		select {
		case <-ctx.Done():
			if err := ch.Cancel(c.opts.Tag, false); err != nil {
				L_debug("outbound: cancel registration failed", "error", err)
			} else {
				L_debug("outbound: registration cancelled", "tag", c.opts.Tag)
			}
			return true, nil
		case d, ok := <-deliveries:
			if !ok {
				return true, errStreamClosed
			}
			c.processor.Handle(d)
		}
	}
}
