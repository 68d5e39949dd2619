// Package runner drives one unattended fill-and-submit of the booking form:
// basic fields, the medical center record, an optional pause for a manual step,
// submission and outcome polling.
package runner

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/roelfdiedericks/centerhelper/internal/dom"
	. "github.com/roelfdiedericks/centerhelper/internal/logging"
	"github.com/roelfdiedericks/centerhelper/internal/override"
)

// State is a step of the run state machine.
type State string

const (
	Idle                State = "IDLE"
	FillingBasicFields  State = "FILLING_BASIC_FIELDS"
	SettingTargetRecord State = "SETTING_TARGET_RECORD"
	PausedForManualStep State = "PAUSED_FOR_MANUAL_STEP"
	Submitting          State = "SUBMITTING"
	AwaitingOutcome     State = "AWAITING_OUTCOME"
	Success             State = "SUCCESS"
	Failure             State = "FAILURE"
	Timeout             State = "TIMEOUT"
)

// Terminal reports whether no further transition follows s.
func (s State) Terminal() bool {
	return s == Success || s == Failure || s == Timeout
}

var (
	// ErrRecordNotFound means the row's medical_center code is not an option.
	ErrRecordNotFound = errors.New("medical_center code not found")
	// ErrSubmitNotFound means no control looks like a submit control.
	ErrSubmitNotFound = errors.New("submit button not found")
	// ErrNotPaused is returned by Resume on a run that is not paused.
	ErrNotPaused = errors.New("run is not paused")
)

// TimeoutMessage is the outcome error when no success marker appears.
const TimeoutMessage = "timed out waiting for booking confirmation"

// Outcome is produced exactly once per run (a paused run produces its pause
// outcome, and Resume produces the final one).
type Outcome struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Paused bool   `json:"paused,omitempty"`
}

// Options tune a run.
type Options struct {
	// PauseForManualStep stops after filling, before submission.
	PauseForManualStep bool `json:"pauseForCaptcha,omitempty"`

	PollInterval time.Duration `json:"-"`
	PollCeiling  time.Duration `json:"-"`
	// SettleDelay lets the host page react to the basic fields before the
	// record is set.
	SettleDelay time.Duration `json:"-"`

	// Override, when set, is applied before filling.
	Override *override.Policy `json:"-"`

	// Exclusive, when set, runs each document-editing step (fill, record,
	// submit) so that nothing else edits the document meanwhile.
	Exclusive func(func()) `json:"-"`
}

// DefaultOptions are the timings used against live pages.
func DefaultOptions() Options {
	return Options{
		PollInterval: 600 * time.Millisecond,
		PollCeiling:  30 * time.Second,
		SettleDelay:  400 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.PollCeiling <= 0 {
		o.PollCeiling = d.PollCeiling
	}
	return o
}

// Run is one execution of a Row against a document.
type Run struct {
	doc  dom.Document
	row  Row
	opts Options

	mu      sync.Mutex
	state   State
	history []State
	outcome Outcome
}

// New prepares a run; nothing touches the document until Start.
func New(doc dom.Document, row Row, opts Options) *Run {
	return &Run{
		doc:     doc,
		row:     row,
		opts:    opts.withDefaults(),
		state:   Idle,
		history: []State{Idle},
	}
}

// Execute is New followed by Start.
func Execute(ctx context.Context, doc dom.Document, row Row, opts Options) Outcome {
	return New(doc, row, opts).Start(ctx)
}

// State returns the current state.
func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// History returns every state entered, in order.
func (r *Run) History() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.history...)
}

// Outcome returns the last produced outcome.
func (r *Run) Outcome() Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome
}

func (r *Run) enter(s State) {
	r.mu.Lock()
	from := r.state
	r.state = s
	r.history = append(r.history, s)
	r.mu.Unlock()
	L_info("runner: state", "from", from, "to", s)
}

// claim moves from to to atomically; it reports false when the run is not in
// from.
func (r *Run) claim(from, to State) bool {
	r.mu.Lock()
	if r.state != from {
		r.mu.Unlock()
		return false
	}
	r.state = to
	r.history = append(r.history, to)
	r.mu.Unlock()
	L_info("runner: state", "from", from, "to", to)
	return true
}

func (r *Run) exclusive(fn func()) {
	if r.opts.Exclusive == nil {
		fn()
		return
	}
	r.opts.Exclusive(fn)
}

func (r *Run) finish(s State, out Outcome) Outcome {
	r.enter(s)
	r.mu.Lock()
	r.outcome = out
	r.mu.Unlock()
	if !out.OK {
		L_warn("runner: run failed", "state", s, "error", out.Error)
	}
	return out
}

func (r *Run) fail(err error) Outcome {
	return r.finish(Failure, Outcome{OK: false, Error: err.Error()})
}

// Start fills the form, sets the record, then pauses or submits and waits
// for the outcome. Not-found conditions become negative outcomes.
func (r *Run) Start(ctx context.Context) (out Outcome) {
	if !r.claim(Idle, FillingBasicFields) {
		return Outcome{OK: false, Error: fmt.Sprintf("run already started (%s)", r.State())}
	}
	defer func() {
		if p := recover(); p != nil {
			L_error("runner: panic during run", "panic", p)
			out = r.fail(fmt.Errorf("%v", p))
		}
	}()

	var filled int
	r.exclusive(func() {
		if r.opts.Override != nil {
			if _, err := r.opts.Override.Apply(r.doc.Globals()); err != nil {
				L_warn("runner: override not applied", "error", err)
			}
		}
		filled = r.fillBasics()
	})
	L_debug("runner: basic fields filled", "filled", filled, "fields", len(r.row))

	if err := sleep(ctx, r.opts.SettleDelay); err != nil {
		return r.fail(err)
	}

	r.enter(SettingTargetRecord)
	var err error
	r.exclusive(func() { err = r.setRecords() })
	if err != nil {
		return r.fail(err)
	}

	if r.opts.PauseForManualStep {
		r.enter(PausedForManualStep)
		out := Outcome{OK: true, Paused: true}
		r.mu.Lock()
		r.outcome = out
		r.mu.Unlock()
		L_info("runner: paused for manual step")
		return out
	}
	r.enter(Submitting)
	return r.submitAndAwait(ctx)
}

// Resume performs the submission of a paused run. Only one of several
// concurrent calls submits; the others get ErrNotPaused.
func (r *Run) Resume(ctx context.Context) (out Outcome) {
	if !r.claim(PausedForManualStep, Submitting) {
		return Outcome{OK: false, Error: fmt.Sprintf("%v (%s)", ErrNotPaused, r.State())}
	}
	defer func() {
		if p := recover(); p != nil {
			L_error("runner: panic during resume", "panic", p)
			out = r.fail(fmt.Errorf("%v", p))
		}
	}()
	L_info("runner: resuming")
	return r.submitAndAwait(ctx)
}

// submitAndAwait clicks submit and polls for the outcome. The run is already
// in Submitting.
func (r *Run) submitAndAwait(ctx context.Context) Outcome {
	var btn dom.Element
	r.exclusive(func() {
		if btn = FindSubmit(r.doc); btn != nil {
			btn.Click()
		}
	})
	if btn == nil {
		return r.fail(ErrSubmitNotFound)
	}

	r.enter(AwaitingOutcome)
	ok, err := WaitSuccess(ctx, r.doc, r.opts.PollInterval, r.opts.PollCeiling)
	switch {
	case err != nil:
		return r.fail(err)
	case ok:
		return r.finish(Success, Outcome{OK: true})
	default:
		return r.finish(Timeout, Outcome{OK: false, Error: TimeoutMessage})
	}
}

func (r *Run) setRecords() error {
	if code := r.row.Get("medical_center"); code != "" {
		mc := r.doc.ByID("id_medical_center")
		if mc == nil {
			mc = r.doc.Query(`select[name="medical_center"]`)
		}
		if !selectByValue(mc, code) {
			return fmt.Errorf("%w: %s", ErrRecordNotFound, code)
		}
	}
	if code := r.row.Get("premium_medical_center"); code != "" {
		pmc := r.doc.ByID("id_premium_medical_center")
		if pmc == nil {
			pmc = r.doc.Query(`select[name="premium_medical_center"]`)
		}
		if !selectByValue(pmc, code) {
			L_debug("runner: premium center not set", "code", code)
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var submitText = regexp.MustCompile(`(?i)submit|book|confirm`)

// FindSubmit returns the first control that looks like a submit control.
func FindSubmit(doc dom.Document) dom.Element {
	if el := doc.Query(`button[type="submit"]`); el != nil {
		return el
	}
	if el := doc.Query(`input[type="submit"]`); el != nil {
		return el
	}
	for _, b := range doc.QueryAll("button") {
		if submitText.MatchString(b.Text()) {
			return b
		}
	}
	return nil
}

const successMarkers = `.alert-success, .success, .booking-number, [data-status='success']`

var successText = regexp.MustCompile(`(?i)\b(success(ful(ly)?)?|confirmed)\b|booking (number|reference|id)`)

// Succeeded reports whether doc shows a success marker or success text.
func Succeeded(doc dom.Document) bool {
	if doc.Query(successMarkers) != nil {
		return true
	}
	body := doc.Query("body")
	return body != nil && successText.MatchString(body.Text())
}

// WaitSuccess polls doc every interval until a success indicator appears or
// ceiling elapses. A false result with a nil error is the timeout.
func WaitSuccess(ctx context.Context, doc dom.Document, interval, ceiling time.Duration) (bool, error) {
	deadline := time.NewTimer(ceiling)
	defer deadline.Stop()
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		if Succeeded(doc) {
			return true, nil
		}
		select {
		case <-tick.C:
		case <-deadline.C:
			return Succeeded(doc), nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}
