// Package bridge carries automation requests from a page to the coordinator
// and back: message envelopes, the origin-checking Relay with its pending
// table, the websocket Server a page connects to, and the Originator client.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	. "github.com/roelfdiedericks/centerhelper/internal/logging"
)

// DefaultTimeout is how long a request may stay pending.
const DefaultTimeout = 60 * time.Second

var (
	// ErrEmptyAllowList rejects a relay that would accept every origin.
	ErrEmptyAllowList = errors.New("relay origin allow-list is empty")
	// ErrOriginNotAllowed is reported for messages from unlisted origins.
	ErrOriginNotAllowed = errors.New("origin not allowed")
	errNoResponse       = errors.New("no response from coordinator")
	errRelayTimeout     = errors.New("timeout waiting for coordinator response")
	errRateLimited      = errors.New("rate limited")
)

// Dispatcher forwards a request to the coordinator. A nil response with a
// nil error means the coordinator answered nothing.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) (*Response, error)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, req Request) (*Response, error)

// Dispatch calls f.
func (f DispatcherFunc) Dispatch(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// Reply posts a response back to the origin that sent the request.
type Reply func(origin string, resp Response)

// RelayConfig tunes a Relay.
type RelayConfig struct {
	AllowedOrigins []string
	DefaultTimeout time.Duration
	// RatePerSecond and Burst bound requests per origin; zero disables.
	RatePerSecond float64
	Burst         int
}

type pendingRequest struct {
	origin string
	timer  *time.Timer
	cancel context.CancelFunc
	reply  Reply
	start  time.Time
}

// Relay accepts requests from allowed origins, keeps one pending entry per
// requestId and guarantees exactly one response for every accepted request.
type Relay struct {
	dispatcher Dispatcher
	metrics    *Metrics

	mu       sync.Mutex
	cfg      RelayConfig
	allowed  map[string]bool
	pending  map[string]*pendingRequest
	limiters map[string]*rate.Limiter
}

// NewRelay validates cfg and creates a relay. metrics may be nil.
func NewRelay(cfg RelayConfig, d Dispatcher, metrics *Metrics) (*Relay, error) {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	r := &Relay{
		dispatcher: d,
		metrics:    metrics,
		cfg:        cfg,
		pending:    make(map[string]*pendingRequest),
		limiters:   make(map[string]*rate.Limiter),
	}
	if err := r.SetAllowedOrigins(cfg.AllowedOrigins); err != nil {
		return nil, err
	}
	return r, nil
}

// SetAllowedOrigins replaces the allow-list. Origins match exactly.
func (r *Relay) SetAllowedOrigins(origins []string) error {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o != "" {
			allowed[o] = true
		}
	}
	if len(allowed) == 0 {
		return ErrEmptyAllowList
	}
	r.mu.Lock()
	r.allowed = allowed
	r.cfg.AllowedOrigins = append([]string(nil), origins...)
	r.mu.Unlock()
	L_info("relay: allow-list updated", "origins", len(allowed))
	return nil
}

// Allowed reports whether origin may talk to the relay.
func (r *Relay) Allowed(origin string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allowed[origin]
}

// Pending returns the number of outstanding requests.
func (r *Relay) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Handle processes one raw page message. It returns true when the message
// was accepted as a new request; reply is then called exactly once. Messages
// from unlisted origins, non-request messages, requests without an id and
// duplicates of a pending id are dropped without any reply.
func (r *Relay) Handle(ctx context.Context, origin string, raw []byte, reply Reply) bool {
	if !r.Allowed(origin) {
		L_debug("relay: ignored message from unlisted origin", "origin", origin)
		r.metrics.dropped("origin")
		return false
	}

	typ, err := peekType(raw)
	if err != nil {
		return false
	}
	if typ == TypeResume {
		r.forwardResume(ctx, origin, raw)
		return false
	}
	if typ != TypeRunRow {
		return false
	}
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		L_warn("relay: malformed request", "origin", origin, "error", err)
		r.metrics.dropped("malformed")
		return false
	}
	if req.RequestID == "" {
		r.metrics.dropped("no-id")
		return false
	}

	r.mu.Lock()
	if _, dup := r.pending[req.RequestID]; dup {
		r.mu.Unlock()
		L_debug("relay: duplicate request dropped", "requestId", req.RequestID)
		r.metrics.dropped("duplicate")
		return false
	}
	if !r.allowLocked(origin) {
		r.mu.Unlock()
		L_warn("relay: rate limited", "origin", origin, "requestId", req.RequestID)
		r.metrics.completed(ViaRelayError, false, 0)
		reply(origin, Failed(req.RequestID, ViaRelayError, errRateLimited))
		return true
	}

	timeout := req.Timeout(r.cfg.DefaultTimeout)
	dctx, cancel := context.WithTimeout(ctx, timeout)
	p := &pendingRequest{origin: origin, cancel: cancel, reply: reply, start: time.Now()}
	r.pending[req.RequestID] = p
	id := req.RequestID
	p.timer = time.AfterFunc(timeout, func() {
		r.complete(id, Failed(id, ViaRelayTimeout, errRelayTimeout))
	})
	r.mu.Unlock()
	r.metrics.setPending(r.Pending())

	L_info("relay: request accepted", "requestId", id, "origin", origin, "timeout", timeout)
	go r.dispatch(dctx, req)
	return true
}

// forwardResume passes a resume to the coordinator. Resumes are not
// correlated; their answer is only logged.
func (r *Relay) forwardResume(ctx context.Context, origin string, raw []byte) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil || req.RequestID == "" {
		return
	}
	go func() {
		dctx, cancel := context.WithTimeout(ctx, r.cfg.DefaultTimeout)
		defer cancel()
		resp, err := r.dispatchSafe(dctx, req)
		switch {
		case err != nil:
			L_warn("relay: resume failed", "requestId", req.RequestID, "origin", origin, "error", err)
		case resp != nil && !resp.OK:
			L_warn("relay: resume refused", "requestId", req.RequestID, "error", resp.Error)
		default:
			L_info("relay: resume forwarded", "requestId", req.RequestID)
		}
	}()
}

func (r *Relay) dispatch(ctx context.Context, req Request) {
	resp, err := r.dispatchSafe(ctx, req)
	switch {
	case err != nil:
		r.complete(req.RequestID, Failed(req.RequestID, ViaRelayError, err))
	case resp == nil:
		r.complete(req.RequestID, Failed(req.RequestID, ViaRelayError, errNoResponse))
	default:
		out := *resp
		out.Type = TypeResult
		out.RequestID = req.RequestID
		out.Via = ViaRelay
		r.complete(req.RequestID, out)
	}
}

func (r *Relay) dispatchSafe(ctx context.Context, req Request) (resp *Response, err error) {
	defer func() {
		if p := recover(); p != nil {
			L_error("relay: dispatcher panic", "requestId", req.RequestID, "panic", p)
			resp, err = nil, fmt.Errorf("dispatcher panic: %v", p)
		}
	}()
	return r.dispatcher.Dispatch(ctx, req)
}

// complete resolves a pending request. The first call wins; later calls for
// the same id are ignored.
func (r *Relay) complete(id string, resp Response) bool {
	r.mu.Lock()
	p, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
		p.timer.Stop()
	}
	n := len(r.pending)
	r.mu.Unlock()

	if !ok {
		L_debug("relay: late response ignored", "requestId", id, "via", resp.Via)
		return false
	}
	p.cancel()
	r.metrics.setPending(n)
	r.metrics.completed(resp.Via, resp.OK, time.Since(p.start))
	L_info("relay: response posted", "requestId", id, "ok", resp.OK, "via", resp.Via)
	p.reply(p.origin, resp)
	return true
}

// allowLocked takes a token from origin's limiter. Callers hold r.mu.
func (r *Relay) allowLocked(origin string) bool {
	if r.cfg.RatePerSecond <= 0 {
		return true
	}
	l, ok := r.limiters[origin]
	if !ok {
		burst := r.cfg.Burst
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(r.cfg.RatePerSecond), burst)
		r.limiters[origin] = l
	}
	return l.Allow()
}

// Close fails every pending request; used at shutdown.
func (r *Relay) Close() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.complete(id, Failed(id, ViaRelayError, errors.New("relay shutting down")))
	}
}
