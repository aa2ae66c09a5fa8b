// Package dispatch binds a fixed set of event handlers to whichever gateway
// session is live, rebinding them across reconnects.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/roelfdiedericks/wabridge/internal/bus"
	"github.com/roelfdiedericks/wabridge/internal/conn"
	. "github.com/roelfdiedericks/wabridge/internal/logging"
)

// Handler processes one named event.
type Handler interface {
	// Event is the name the handler is bound to.
	Event() string
	// Handle processes one payload. Errors and panics are logged by the
	// registry and never reach the connection.
	Handle(ctx context.Context, payload any) error
}

// Binder is a connection that exposes named events.
type Binder interface {
	On(event string, fn func(payload any)) (uint32, error)
	Off(id uint32) bool
}

type binding struct {
	binder Binder
	id     uint32
}

// Registry holds the handler table and the current binding of each handler.
type Registry struct {
	ctx      context.Context
	handlers []Handler

	mu    sync.Mutex
	bound map[int]binding // handler index -> live binding
}

// New creates a registry for handlers. ctx is passed to every Handle call.
func New(ctx context.Context, handlers ...Handler) *Registry {
	return &Registry{
		ctx:      ctx,
		handlers: handlers,
		bound:    make(map[int]binding),
	}
}

// Bind attaches every handler to b. A handler already bound to b is left
// alone; one still bound to an older connection is moved.
func (r *Registry) Bind(b Binder) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, h := range r.handlers {
		if cur, ok := r.bound[i]; ok {
			if cur.binder == b {
				continue
			}
			L_warn("dispatch: handler still bound to previous connection, detaching", "event", h.Event())
			cur.binder.Off(cur.id)
			delete(r.bound, i)
		}

		h := h
		id, err := b.On(h.Event(), func(payload any) { r.dispatch(h, payload) })
		if err != nil {
			L_error("dispatch: bind failed", "event", h.Event(), "error", err)
			continue
		}
		r.bound[i] = binding{binder: b, id: id}
		L_debug("dispatch: handler bound", "event", h.Event(), "handler", fmt.Sprintf("%T", h))
	}
}

// Unbind detaches every handler from its connection.
func (r *Registry) Unbind() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, cur := range r.bound {
		if !cur.binder.Off(cur.id) {
			L_debug("dispatch: handler was not registered", "event", r.handlers[i].Event())
		}
		delete(r.bound, i)
	}
	L_debug("dispatch: handlers unbound")
}

// Bound returns how many handlers are currently bound.
func (r *Registry) Bound() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bound)
}

func (r *Registry) dispatch(h Handler, payload any) {
	defer func() {
		if rec := recover(); rec != nil {
			L_error("dispatch: handler panicked", "event", h.Event(), "panic", rec, "stack", string(debug.Stack()))
		}
	}()

	if err := h.Handle(r.ctx, payload); err != nil {
		L_error("dispatch: handler failed", "event", h.Event(), "error", err)
	}
}

// Attach keeps r bound to m's live connection: handlers are bound on every
// open and unbound on pre-disconnect.
func Attach[H Binder](r *Registry, m *conn.Manager[H]) bus.SubscriptionID {
	return m.Subscribe(func(evt conn.Event[H]) {
		switch evt.Kind {
		case conn.EventOpen:
			r.Bind(evt.Handle)
		case conn.EventPreDisconnect:
			r.Unbind()
		}
	})
}
