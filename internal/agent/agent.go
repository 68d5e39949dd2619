// Package agent is the page-embedded helper: it keeps the medical center
// control resolved, unlocked and populated on a host page, keeps the country
// override asserted, takes over guarded submits, and exposes the manual pick
// and automation entry points.
package agent

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/roelfdiedericks/centerhelper/internal/dom"
	. "github.com/roelfdiedericks/centerhelper/internal/logging"
	"github.com/roelfdiedericks/centerhelper/internal/override"
	"github.com/roelfdiedericks/centerhelper/internal/records"
	"github.com/roelfdiedericks/centerhelper/internal/resolve"
	"github.com/roelfdiedericks/centerhelper/internal/runner"
)

// companionSelector matches the inputs whose change re-runs a sync.
const companionSelector = `select[name="country"], select[name="city"], select[name="medical_center"], select[name="premium_medical_center"], input[name="appointment_type"]`

// AgentConfig tunes an Agent.
type AgentConfig struct {
	ScanEvery     time.Duration
	OverrideEvery time.Duration
	// WaitTimeout bounds the start-up wait for a late-rendered control.
	WaitTimeout  time.Duration
	Hosts        []string
	PathPrefixes []string
	Policy       override.Policy
	Source       records.Source
}

// DefaultAgentConfig matches the host site.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		ScanEvery:     4 * time.Second,
		OverrideEvery: 3 * time.Second,
		WaitTimeout:   resolve.DefaultWait,
		Hosts:         []string{"wafid.com"},
		PathPrefixes:  []string{"/appointment", "/book-appointment"},
		Policy:        override.DefaultPolicy(),
	}
}

// Supported reports whether rawURL is a page the agent should run on.
func (c AgentConfig) Supported(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	hostOK := false
	for _, h := range c.Hosts {
		if strings.EqualFold(u.Hostname(), h) {
			hostOK = true
			break
		}
	}
	if !hostOK {
		return false
	}
	for _, p := range c.PathPrefixes {
		if strings.HasPrefix(u.Path, p) {
			return true
		}
	}
	return false
}

// Agent runs against one document. Every pass (sync, override, submit
// takeover, pick) is serialized; passes never overlap.
type Agent struct {
	doc dom.Document
	cfg AgentConfig

	passMu sync.Mutex

	mu         sync.Mutex
	target     dom.Element
	candidates []dom.Element
	recs       []records.Record
	passes     int

	syncReq chan struct{}
	tasks   chan func()
	sched   *cronlib.Cron
	cancels []func()
	stop    context.CancelFunc
	done    chan struct{}
	waiters sync.WaitGroup
}

// New creates an agent; it does nothing until Start.
func New(doc dom.Document, cfg AgentConfig) *Agent {
	d := DefaultAgentConfig()
	if cfg.ScanEvery <= 0 {
		cfg.ScanEvery = d.ScanEvery
	}
	if cfg.OverrideEvery <= 0 {
		cfg.OverrideEvery = d.OverrideEvery
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = d.WaitTimeout
	}
	if cfg.Policy.ManualKey == "" {
		cfg.Policy = d.Policy
	}
	return &Agent{
		doc:     doc,
		cfg:     cfg,
		syncReq: make(chan struct{}, 1),
		tasks:   make(chan func(), 16),
	}
}

// Start installs the page hooks and schedules. It runs an immediate sync and
// an override pass, plus one sync when the target first appears.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.done != nil {
		a.mu.Unlock()
		return fmt.Errorf("agent already started")
	}
	ctx, a.stop = context.WithCancel(ctx)
	a.done = make(chan struct{})
	a.mu.Unlock()

	a.cancels = append(a.cancels,
		a.doc.OnChange(companionSelector, func(dom.Element) { a.requestSync() }),
		a.doc.InterceptSubmit(override.FormSelector, a.cfg.Policy.SubmitGuard(), func(form dom.Element) {
			a.enqueue(func() { a.takeOverSubmit(form) })
		}),
	)

	a.sched = cronlib.New(cronlib.WithChain(cronlib.Recover(cronLogger{})))
	a.sched.Schedule(cronlib.Every(a.cfg.ScanEvery), cronlib.FuncJob(a.requestSync))
	a.sched.Schedule(cronlib.Every(a.cfg.OverrideEvery), cronlib.FuncJob(func() {
		a.enqueue(a.overridePassLocked)
	}))

	go a.loop(ctx)
	a.requestSync()
	a.enqueue(a.overridePassLocked)

	a.waiters.Add(1)
	go func() {
		defer a.waiters.Done()
		if el := resolve.WaitForTarget(ctx, a.doc, a.cfg.WaitTimeout); el != nil {
			a.requestSync()
		}
	}()

	a.sched.Start()
	L_info("agent: started", "scanEvery", a.cfg.ScanEvery, "overrideEvery", a.cfg.OverrideEvery)
	return nil
}

// Stop removes every hook and waits for the loop to exit.
func (a *Agent) Stop() {
	a.mu.Lock()
	stop, done := a.stop, a.done
	a.mu.Unlock()
	if stop == nil {
		return
	}
	<-a.sched.Stop().Done()
	for _, c := range a.cancels {
		c()
	}
	a.cancels = nil
	stop()
	<-done
	a.waiters.Wait()
	L_info("agent: stopped", "passes", a.Passes())
}

func (a *Agent) loop(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.syncReq:
			a.Sync()
		case fn := <-a.tasks:
			a.passMu.Lock()
			fn()
			a.passMu.Unlock()
		}
	}
}

// requestSync schedules a sync on the next loop tick; requests coalesce.
func (a *Agent) requestSync() {
	select {
	case a.syncReq <- struct{}{}:
	default:
	}
}

func (a *Agent) enqueue(fn func()) {
	select {
	case a.tasks <- fn:
	default:
		L_warn("agent: task queue full, dropping pass")
	}
}

// Sync runs one full pass: override, unlock and augment every candidate,
// keep the active target, refresh the records.
func (a *Agent) Sync() []dom.Element {
	a.passMu.Lock()
	defer a.passMu.Unlock()
	return a.syncLocked()
}

func (a *Agent) syncLocked() []dom.Element {
	if _, err := a.cfg.Policy.Apply(a.doc.Globals()); err != nil {
		L_warn("agent: override failed", "error", err)
	}

	candidates := resolve.Collect(a.doc)
	scores := make([]int, len(candidates))
	for i, c := range candidates {
		if isPrimary(c) {
			resolve.EnsureUsable(c)
		}
		resolve.Augment(a.doc, c, a.cfg.Source)
		scores[i] = resolve.Score(resolve.FeaturesOf(c))
	}
	recs := a.cfg.Source.Dynamic(a.doc)

	a.mu.Lock()
	if len(candidates) == 0 {
		a.target = nil
	} else if a.target == nil || !dom.Contains(candidates, a.target) {
		a.target = resolve.Pick(candidates, scores)
	}
	a.candidates = candidates
	a.recs = recs
	a.passes++
	a.mu.Unlock()

	L_trace("agent: sync", "candidates", len(candidates), "records", len(recs))
	return candidates
}

// overridePassLocked re-asserts the override and augments only when it
// changed state. Called with passMu held.
func (a *Agent) overridePassLocked() {
	changed, err := a.cfg.Policy.Apply(a.doc.Globals())
	if err != nil {
		L_warn("agent: override failed", "error", err)
		return
	}
	if changed {
		L_info("agent: override re-applied")
		a.syncLocked()
		return
	}
	recs := a.cfg.Source.Dynamic(a.doc)
	a.mu.Lock()
	a.recs = recs
	a.mu.Unlock()
}

func (a *Agent) takeOverSubmit(form dom.Element) {
	if changed, _ := a.cfg.Policy.Apply(a.doc.Globals()); changed {
		a.syncLocked()
	}
	if _, err := a.cfg.Policy.HandleSubmit(a.doc, form); err != nil {
		L_error("agent: native submit failed", "error", err)
	}
}

func isPrimary(el dom.Element) bool {
	name, _ := el.Attr("name")
	id, _ := el.Attr("id")
	return name == "medical_center" || id == "id_medical_center"
}

// Target returns the active control, or nil.
func (a *Agent) Target() dom.Element {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.target
}

// Records returns the page dataset records found by the last pass.
func (a *Agent) Records() []records.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]records.Record(nil), a.recs...)
}

// Groups returns what a picker would list.
func (a *Agent) Groups() []records.Group {
	return a.cfg.Source.Groups(a.doc)
}

// Passes counts completed sync passes.
func (a *Agent) Passes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.passes
}

// Pick selects value on the active control. The record is looked up in the
// current groups; an unknown value that the control already offers is
// accepted as is.
func (a *Agent) Pick(value string) error {
	a.passMu.Lock()
	defer a.passMu.Unlock()

	if a.Target() == nil {
		a.syncLocked()
	}
	target := a.Target()
	if target == nil {
		return resolve.ErrNoTarget
	}

	rec, ok := records.Find(a.cfg.Source.Groups(a.doc), value)
	if !ok {
		for _, o := range target.Options() {
			if o.Value() == strings.TrimSpace(value) {
				rec, ok = records.Record{Value: o.Value(), Name: strings.TrimSpace(o.Text())}, true
				break
			}
		}
	}
	if !ok {
		return fmt.Errorf("unknown medical center %q", value)
	}
	return resolve.Choose(target, rec)
}

// RunRow runs the form automation on this page with the override applied.
func (a *Agent) RunRow(ctx context.Context, row runner.Row, opts runner.Options) (*runner.Run, runner.Outcome) {
	run := a.NewRun(row, opts)
	return run, run.Start(ctx)
}

// NewRun prepares a run against the agent's document with the agent's
// override policy; the caller starts it. The run's document edits are
// passes of this agent, so they never overlap a sync.
func (a *Agent) NewRun(row runner.Row, opts runner.Options) *runner.Run {
	policy := a.cfg.Policy
	opts.Override = &policy
	opts.Exclusive = a.Exclusive
	return runner.New(a.doc, row, opts)
}

// Exclusive runs fn as a pass: no sync, override pass or pick runs
// meanwhile.
func (a *Agent) Exclusive(fn func()) {
	a.passMu.Lock()
	defer a.passMu.Unlock()
	fn()
}

type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	L_trace("agent: scheduler "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	L_error("agent: scheduler "+msg, append(keysAndValues, "error", err)...)
}
