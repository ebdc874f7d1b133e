// Package transport exposes the guard engine to entry points over a loopback
// HTTP API. It converts JSON requests into domain values and back so the
// service layer only ever sees domain types.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/haukened/linkguard/internal/guard/common/log"
)

// ServerTransport is a listener that serves a handler until stopped.
type ServerTransport interface {
	// Start binds the listener and serves handler in the background.
	Start(ctx context.Context, handler http.Handler) error

	// Stop shuts the listener down, waiting for in-flight requests.
	Stop() error

	// Address returns the bound address once started, the configured one before.
	Address() string
}

// shutdownTimeout bounds how long Stop waits for in-flight requests.
const shutdownTimeout = 5 * time.Second

// HTTPTransport serves the API on a loopback TCP address.
type HTTPTransport struct {
	addr   string
	logger log.Logger

	mu       sync.RWMutex
	running  bool
	listener net.Listener
	server   *http.Server
}

var _ ServerTransport = (*HTTPTransport)(nil)

// NewHTTPTransport creates a transport for addr. Nothing is bound until Start.
func NewHTTPTransport(addr string, logger log.Logger) *HTTPTransport {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &HTTPTransport{addr: addr, logger: logger}
}

// Start binds the address and serves handler until Stop is called or ctx is done.
func (t *HTTPTransport) Start(ctx context.Context, handler http.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return fmt.Errorf("http transport already running")
	}

	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", t.addr, err)
	}

	t.listener = ln
	t.server = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	t.running = true

	t.logger.Info(map[string]any{
		"transport": "http",
		"address":   ln.Addr().String(),
	}, "API transport started")

	go t.serve(t.server, ln)
	go func() {
		<-ctx.Done()
		if err := t.Stop(); err != nil {
			t.logger.Warn(map[string]any{"error": err.Error()}, "error stopping API transport")
		}
	}()
	return nil
}

func (t *HTTPTransport) serve(srv *http.Server, ln net.Listener) {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		t.logger.Error(map[string]any{"error": err.Error()}, "API transport stopped unexpectedly")
	}
}

// Stop gracefully shuts down the transport. Calling it twice is harmless.
func (t *HTTPTransport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return nil
	}
	t.running = false

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := t.server.Shutdown(ctx)
	if err != nil {
		t.logger.Warn(map[string]any{"error": err.Error()}, "error shutting down API server")
	}

	t.logger.Info(map[string]any{
		"transport": "http",
		"address":   t.listener.Addr().String(),
	}, "API transport stopped")
	return err
}

// Address returns the bound address when running.
func (t *HTTPTransport) Address() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.running && t.listener != nil {
		return t.listener.Addr().String()
	}
	return t.addr
}
