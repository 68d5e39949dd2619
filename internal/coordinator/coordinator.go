// Package coordinator is the long-lived, tab-managing side of the bridge. It
// opens a tab per requested row, attaches a page agent, runs the form
// automation there and reports discovered payments to the webhook.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roelfdiedericks/centerhelper/internal/agent"
	"github.com/roelfdiedericks/centerhelper/internal/bridge"
	"github.com/roelfdiedericks/centerhelper/internal/bus"
	"github.com/roelfdiedericks/centerhelper/internal/dom"
	. "github.com/roelfdiedericks/centerhelper/internal/logging"
	"github.com/roelfdiedericks/centerhelper/internal/runner"
)

// Component is the coordinator's name on the bus.
const Component = "coordinator"

// DefaultURL is opened when a request names no receiver page.
const DefaultURL = "https://wafid.com/book-appointment/"

var (
	// ErrUnknownRun is returned for a requestId with no live session.
	ErrUnknownRun = errors.New("no such run")
	// ErrBadPayload is returned when a bus command carries the wrong type.
	ErrBadPayload = errors.New("unexpected command payload")
)

// Tab is an opened browser tab.
type Tab interface {
	URL() string
	// WaitLoad blocks until navigation has fully completed.
	WaitLoad(ctx context.Context) error
	Document() dom.Document
	Close() error
}

// TabOpener opens new tabs.
type TabOpener interface {
	Open(ctx context.Context, url string) (Tab, error)
}

// Ledger records runs and payments. Implemented by journal.Journal.
type Ledger interface {
	RecordStart(requestID, url string, at time.Time) error
	RecordOutcome(requestID string, ok, paused bool, errMsg string, at time.Time) error
	RecordPayment(requestID, payment, errMsg string, at time.Time) error
}

// CoordinatorConfig tunes the coordinator.
type CoordinatorConfig struct {
	DefaultURL  string
	LoadTimeout time.Duration
	PaymentWait time.Duration
	Agent       agent.AgentConfig
	Runner      runner.Options
}

// DefaultCoordinatorConfig returns live-site defaults.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		DefaultURL:  DefaultURL,
		LoadTimeout: 45 * time.Second,
		PaymentWait: runner.DefaultPaymentWait,
		Agent:       agent.DefaultAgentConfig(),
		Runner:      runner.DefaultOptions(),
	}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithReporter sets the payment reporter.
func WithReporter(r Reporter) Option {
	return func(c *Coordinator) { c.reporter = r }
}

// WithLedger sets the run ledger.
func WithLedger(l Ledger) Option {
	return func(c *Coordinator) { c.ledger = l }
}

// SessionInfo describes a live session.
type SessionInfo struct {
	RequestID string       `json:"requestId"`
	URL       string       `json:"url"`
	State     runner.State `json:"state"`
	Started   time.Time    `json:"started"`
}

type session struct {
	id      string
	url     string
	tab     Tab
	agent   *agent.Agent
	run     *runner.Run
	started time.Time
	// outcome receives the first outcome (pause or terminal).
	outcome chan runner.Outcome
	// resumed is set under Coordinator.mu by the one Resume that wins.
	resumed bool

	closeOnce sync.Once
	closeMu   sync.Mutex
	closeT    *time.Timer
}

// Coordinator owns every tab it opened.
type Coordinator struct {
	cfg      CoordinatorConfig
	opener   TabOpener
	reporter Reporter
	ledger   Ledger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates a coordinator. Call Register to expose it on the bus.
func New(opener TabOpener, cfg CoordinatorConfig, opts ...Option) *Coordinator {
	d := DefaultCoordinatorConfig()
	if cfg.DefaultURL == "" {
		cfg.DefaultURL = d.DefaultURL
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = d.LoadTimeout
	}
	if cfg.PaymentWait <= 0 {
		cfg.PaymentWait = d.PaymentWait
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:      cfg,
		opener:   opener,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Register installs the coordinator's bus commands.
func (c *Coordinator) Register() {
	bus.RegisterCommand(Component, bridge.TypeRunRow, c.handleRunRow)
	bus.RegisterCommand(Component, bridge.TypeLegacyTrigger, c.handleLegacyTrigger)
	bus.RegisterCommand(Component, bridge.TypePaymentFound, c.handlePaymentFound)
	bus.RegisterCommand(Component, bridge.TypeResume, c.handleResume)
	L_info("coordinator: registered", "defaultUrl", c.cfg.DefaultURL)
}

// Close unregisters, cancels every run and closes every tab.
func (c *Coordinator) Close() {
	bus.UnregisterComponent(Component)
	c.cancel()
	c.mu.Lock()
	sessions := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()
	for _, s := range sessions {
		c.closeSession(s, "shutdown")
	}
	c.wg.Wait()
}

// RunRow opens the receiver tab, injects the automation with req.Row and
// reports injection success. With awaitOutcome it reports the run's first
// outcome instead.
func (c *Coordinator) RunRow(ctx context.Context, req bridge.Request) bridge.Response {
	resp := bridge.Response{Type: bridge.TypeResult, RequestID: req.RequestID, Via: bridge.ViaCoordinator}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	s, err := c.open(ctx, req)
	if err != nil {
		L_warn("coordinator: run-row failed", "requestId", req.RequestID, "error", err)
		resp.Error = err.Error()
		return resp
	}
	if d := req.AutoClose(); d > 0 {
		c.scheduleClose(s, d)
	}

	if !req.RunOpts().AwaitOutcome {
		resp.OK = true
		return resp
	}
	select {
	case out := <-s.outcome:
		resp.OK, resp.Error, resp.Paused = out.OK, out.Error, out.Paused
	case <-ctx.Done():
		resp.Error = fmt.Sprintf("waiting for outcome: %v", ctx.Err())
	}
	return resp
}

func (c *Coordinator) open(ctx context.Context, req bridge.Request) (*session, error) {
	target := req.ReceiverTabURL
	if target == "" {
		target = c.cfg.DefaultURL
	}
	if u, err := url.Parse(target); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid receiver url %q", target)
	}

	c.mu.Lock()
	if _, busy := c.sessions[req.RequestID]; busy {
		c.mu.Unlock()
		return nil, fmt.Errorf("run %s already active", req.RequestID)
	}
	c.mu.Unlock()

	L_info("coordinator: opening tab", "requestId", req.RequestID, "url", target)
	tab, err := c.opener.Open(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("open tab: %w", err)
	}
	loadCtx, cancel := context.WithTimeout(ctx, c.cfg.LoadTimeout)
	err = tab.WaitLoad(loadCtx)
	cancel()
	if err != nil {
		_ = tab.Close()
		return nil, fmt.Errorf("wait for load: %w", err)
	}

	s, err := c.inject(req, tab)
	if err != nil {
		_ = tab.Close()
		return nil, fmt.Errorf("inject: %w", err)
	}
	return s, nil
}

// inject attaches an agent and starts the automation with the row as its
// only input.
func (c *Coordinator) inject(req bridge.Request, tab Tab) (*session, error) {
	doc := tab.Document()
	if doc == nil {
		return nil, dom.ErrDetached
	}
	ag := agent.New(doc, c.cfg.Agent)
	if err := ag.Start(c.ctx); err != nil {
		return nil, err
	}

	opts := c.cfg.Runner
	opts.PauseForManualStep = req.RunOpts().PauseForCaptcha
	row := req.Row
	if row == nil {
		row = runner.Row{}
	}
	s := &session{
		id:      req.RequestID,
		url:     tab.URL(),
		tab:     tab,
		agent:   ag,
		run:     ag.NewRun(row, opts),
		started: time.Now(),
		outcome: make(chan runner.Outcome, 1),
	}

	c.mu.Lock()
	c.sessions[s.id] = s
	c.mu.Unlock()
	c.record(func(l Ledger) error { return l.RecordStart(s.id, s.url, s.started) })

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.finish(s, s.run.Start(c.ctx))
	}()
	L_info("coordinator: automation injected", "requestId", s.id, "url", s.url)
	return s, nil
}

// finish handles an outcome from Start or Resume.
func (c *Coordinator) finish(s *session, out runner.Outcome) {
	select {
	case s.outcome <- out:
	default:
	}
	c.record(func(l Ledger) error { return l.RecordOutcome(s.id, out.OK, out.Paused, out.Error, time.Now()) })

	if out.Paused {
		L_info("coordinator: run paused", "requestId", s.id)
		bus.PublishEventWithSource(bus.TopicRunPaused, SessionInfo{
			RequestID: s.id, URL: s.url, State: s.run.State(), Started: s.started,
		}, Component)
		return
	}
	bus.PublishEventWithSource(bus.TopicRunFinished, out, Component)

	// Payment discovery only makes sense once the form went out.
	if out.OK || s.run.State() == runner.Timeout {
		c.discoverPayment(s)
	}
}

func (c *Coordinator) discoverPayment(s *session) {
	doc := s.tab.Document()
	if doc == nil {
		return
	}
	msg := bridge.PaymentFound{Type: bridge.TypePaymentFound, RequestID: s.id}
	payment, err := runner.DiscoverPayment(c.ctx, doc, c.cfg.PaymentWait)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		msg.Error = err.Error()
	} else {
		msg.OK, msg.Payment = true, payment
	}
	bus.SendCommandAsync(Component, bridge.TypePaymentFound, msg, "automation")
}

// ReportPayment journals a payment event and forwards a found payment to the
// webhook. Webhook failures come back as ok:false and are never fatal.
func (c *Coordinator) ReportPayment(ctx context.Context, p bridge.PaymentFound) bridge.Response {
	resp := bridge.Response{Type: bridge.TypePaymentFound, RequestID: p.RequestID, Via: bridge.ViaCoordinator}
	c.record(func(l Ledger) error { return l.RecordPayment(p.RequestID, p.Payment, p.Error, time.Now()) })

	if !p.OK || p.Payment == "" {
		L_warn("coordinator: payment not found", "requestId", p.RequestID, "error", p.Error)
		resp.Error = p.Error
		return resp
	}
	bus.PublishEventWithSource(bus.TopicPaymentFound, p, Component)

	if c.reporter == nil {
		resp.Error = ErrNoWebhook.Error()
		L_warn("coordinator: payment found but no webhook", "requestId", p.RequestID, "payment", p.Payment)
		return resp
	}
	if err := c.reporter.Report(ctx, p.Payment); err != nil {
		L_error("coordinator: webhook post failed", "requestId", p.RequestID, "error", err)
		resp.Error = err.Error()
		return resp
	}
	L_info("coordinator: payment reported", "requestId", p.RequestID, "payment", p.Payment)
	resp.OK = true
	resp.Payment = p.Payment
	return resp
}

// Resume submits a paused run. The outcome is journaled and published.
func (c *Coordinator) Resume(requestID string) error {
	c.mu.Lock()
	s, ok := c.sessions[requestID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRun, requestID)
	}
	if state := s.run.State(); s.resumed || state != runner.PausedForManualStep {
		c.mu.Unlock()
		return fmt.Errorf("%w (%s)", runner.ErrNotPaused, state)
	}
	s.resumed = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.finish(s, s.run.Resume(c.ctx))
	}()
	L_info("coordinator: run resumed", "requestId", requestID)
	return nil
}

// CloseRun closes a session's tab.
func (c *Coordinator) CloseRun(requestID string) error {
	c.mu.Lock()
	s, ok := c.sessions[requestID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRun, requestID)
	}
	c.closeSession(s, "requested")
	return nil
}

// Sessions lists live sessions, oldest first.
func (c *Coordinator) Sessions() []SessionInfo {
	c.mu.Lock()
	out := make([]SessionInfo, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, SessionInfo{RequestID: s.id, URL: s.url, State: s.run.State(), Started: s.started})
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

func (c *Coordinator) scheduleClose(s *session, d time.Duration) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closeT != nil {
		s.closeT.Stop()
	}
	s.closeT = time.AfterFunc(d, func() { c.closeSession(s, "auto-close") })
}

func (c *Coordinator) closeSession(s *session, reason string) {
	s.closeOnce.Do(func() {
		s.closeMu.Lock()
		if s.closeT != nil {
			s.closeT.Stop()
		}
		s.closeMu.Unlock()

		c.mu.Lock()
		if c.sessions[s.id] == s {
			delete(c.sessions, s.id)
		}
		c.mu.Unlock()

		s.agent.Stop()
		if err := s.tab.Close(); err != nil {
			L_warn("coordinator: close tab", "requestId", s.id, "error", err)
		}
		L_info("coordinator: tab closed", "requestId", s.id, "reason", reason)
	})
}

func (c *Coordinator) record(fn func(Ledger) error) {
	if c.ledger == nil {
		return
	}
	if err := fn(c.ledger); err != nil {
		L_warn("coordinator: journal write failed", "error", err)
	}
}
