// Package http exposes health, status and command submission over HTTP.
package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/roelfdiedericks/wabridge/internal/conn"
	. "github.com/roelfdiedericks/wabridge/internal/logging"
)

// Dependency is a managed connection as seen by health checks.
// *conn.Manager satisfies it.
type Dependency interface {
	Name() string
	IsConnected() bool
	State() conn.State
	Attempt() int
	ReconnectPending() bool
	LastCause() conn.Cause
}

// Publisher queues a message on the broker.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg any) error
}

// Server represents the HTTP server
type Server struct {
	server *http.Server
	wg     sync.WaitGroup

	gateway   Dependency
	broker    Dependency
	publisher Publisher
	queue     string
	jid       func() string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Listen        string // Address to listen on (e.g., ":3000", "127.0.0.1:3000")
	OutgoingQueue string // Queue that POST /messages publishes to
	Gateway       Dependency
	Broker        Dependency
	Publisher     Publisher
	// JID returns the paired WhatsApp account, if any
	JID func() string
}

// NewServer creates a new HTTP server instance
func NewServer(cfg *ServerConfig) *Server {
	listen := cfg.Listen
	if listen == "" {
		listen = ":3000"
	}
	jid := cfg.JID
	if jid == nil {
		jid = func() string { return "" }
	}

	s := &Server{
		gateway:   cfg.Gateway,
		broker:    cfg.Broker,
		publisher: cfg.Publisher,
		queue:     cfg.OutgoingQueue,
		jid:       jid,
	}

	s.server = &http.Server{
		Addr:         listen,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	wrap := func(h http.HandlerFunc) http.HandlerFunc {
		return s.logRequest(s.stripHeaders(h))
	}

	mux.HandleFunc("GET /health", wrap(s.handleHealth))
	mux.HandleFunc("GET /status", wrap(s.handleStatus))
	mux.HandleFunc("POST /messages", wrap(s.handleMessages))
	mux.HandleFunc("GET /metrics", wrap(s.handleMetrics))

	return mux
}

// Start starts the HTTP server
func (s *Server) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		L_info("http: server starting", "addr", s.server.Addr)

		err := s.server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			L_error("http: server error", "error", err)
		}
	}()
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		L_error("http: shutdown error", "error", err)
		return err
	}

	s.wg.Wait()
	L_info("http: server stopped")
	return nil
}

// logRequest wraps an HTTP handler to log requests
func (s *Server) logRequest(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(lw, r)

		L_trace("http: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lw.statusCode,
			"duration", time.Since(start))
	}
}

// loggingResponseWriter wraps ResponseWriter to capture status code
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.statusCode = code
	lw.ResponseWriter.WriteHeader(code)
}

// stripHeaders removes fingerprinting headers
func (s *Server) stripHeaders(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Del("Server")
		w.Header().Del("X-Powered-By")

		handler(w, r)
	}
}
