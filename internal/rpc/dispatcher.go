package rpc

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Handler processes one RPC call. params is the raw JSON params block;
// conn identifies the calling connection (auth state, source address).
type Handler func(ctx context.Context, params json.RawMessage, conn *ConnState) (any, error)

// ConnState is the per-connection context threaded into every handler.
type ConnState struct {
	RemoteAddr    string
	Authenticated bool
	limiter       *rate.Limiter
}

// Metrics holds the dispatcher's in-process counters.
type Metrics struct {
	startTime         time.Time
	TotalRequests     atomic.Int64
	Messages          atomic.Int64
	ApprovedToolCalls atomic.Int64
	RejectedToolCalls atomic.Int64
	RateLimitHits     atomic.Int64
}

// UptimeSeconds reports seconds since the dispatcher was constructed.
func (m *Metrics) UptimeSeconds() float64 {
	return time.Since(m.startTime).Seconds()
}

// Dispatcher maps method names to handlers and enforces the pre-handler
// gates: auth, per-connection rate limiting, and error translation.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler

	apiToken  string
	rpcCapMin int
	logger    *slog.Logger
	metrics   *Metrics
}

// NewDispatcher constructs an empty registry. An empty apiToken disables
// auth entirely (development only). rpcCapMin caps per-connection calls
// per minute; zero uses the default of 600.
func NewDispatcher(apiToken string, rpcCapMin int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if rpcCapMin <= 0 {
		rpcCapMin = 600
	}
	return &Dispatcher{
		handlers:  make(map[string]Handler),
		apiToken:  apiToken,
		rpcCapMin: rpcCapMin,
		logger:    logger,
		metrics:   &Metrics{startTime: time.Now()},
	}
}

// Metrics exposes the dispatcher's counters.
func (d *Dispatcher) Metrics() *Metrics { return d.metrics }

// Register binds a method name to a handler. Later registrations replace
// earlier ones, which tests use to stub single methods.
func (d *Dispatcher) Register(method string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[method] = h
}

// NewConnState initializes per-connection state, including its sliding
// rate-limit window sized to rpcCapMin calls per minute.
func (d *Dispatcher) NewConnState(remoteAddr string) *ConnState {
	return &ConnState{
		RemoteAddr: remoteAddr,
		limiter:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(d.rpcCapMin)), d.rpcCapMin),
	}
}

// CheckAuth verifies a bearer token constant-time against the configured
// token and marks the connection authenticated on success. An empty
// configured token always passes.
func (d *Dispatcher) CheckAuth(conn *ConnState, token string) bool {
	if d.apiToken == "" {
		conn.Authenticated = true
		return true
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(d.apiToken)) == 1 {
		conn.Authenticated = true
		return true
	}
	return false
}

// authExempt lists the methods callable before daemon.auth succeeds.
var authExempt = map[string]bool{
	"daemon.auth":   true,
	"daemon.status": true,
}

// Dispatch runs one inbound call through the gate sequence: auth, rate
// limit, handler lookup, invocation, error translation. It never panics
// outward; handler panics are logged with a stack trace and surfaced as
// INTERNAL.
func (d *Dispatcher) Dispatch(ctx context.Context, conn *ConnState, method string, params json.RawMessage) (result any, rpcErr *Error) {
	d.metrics.TotalRequests.Add(1)

	if d.apiToken != "" && !conn.Authenticated && !authExempt[method] {
		return nil, Errorf(CodeUnauthenticated, "call daemon.auth first")
	}

	if !conn.limiter.Allow() {
		d.metrics.RateLimitHits.Add(1)
		return nil, Errorf(CodeRateLimited, "per-connection limit of %d calls/min exceeded", d.rpcCapMin)
	}

	d.mu.RLock()
	h, ok := d.handlers[method]
	d.mu.RUnlock()
	if !ok {
		return nil, Errorf(CodeNotFound, "unknown method %q", method)
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("rpc: handler panic", "method", method, "panic", r, "stack", string(debug.Stack()))
			result, rpcErr = nil, Errorf(CodeInternal, "internal error")
		}
	}()

	res, err := h(ctx, params, conn)
	if err != nil {
		translated := translate(err)
		if translated.Code == CodeInternal {
			d.logger.Error("rpc: handler error", "method", method, "error", err, "stack", string(debug.Stack()))
		}
		return nil, translated
	}
	return res, nil
}
