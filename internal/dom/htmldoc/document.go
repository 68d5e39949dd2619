// Package htmldoc is an in-memory dom.Document over a parsed HTML tree.
//
// It backs offline inspection of saved host pages and every test of the
// engine, runner and agent. Selectors are evaluated with cascadia, parsing and
// tree edits go through goquery, and inline scripts are evaluated once at load
// time so the page's globals are available.
package htmldoc

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"

	"github.com/roelfdiedericks/centerhelper/internal/dom"
	. "github.com/roelfdiedericks/centerhelper/internal/logging"
)

// DefaultBox is the rendered size assumed for visible elements without an
// inline width/height.
var DefaultBox = dom.Rect{Width: 160, Height: 24}

// Event is one dispatched DOM event, recorded for inspection.
type Event struct {
	Target dom.Element
	Type   string
}

// Submission is one native form submission.
type Submission struct {
	Form   dom.Element
	Fields map[string]string
}

type changeListener struct {
	id       int
	selector string
	fn       func(dom.Element)
}

type submitInterceptor struct {
	id       int
	selector string
	guard    dom.SubmitGuard
	fn       func(dom.Element)
}

// Document is an in-memory host page. All methods are safe for concurrent use.
type Document struct {
	mu   sync.Mutex
	root *goquery.Document

	globals    map[string]any
	defaultBox dom.Rect

	nextID       int
	observers    map[int]func()
	changes      []changeListener
	interceptors []submitInterceptor

	// selects whose value was set to something absent from their options
	noSelection map[*html.Node]bool

	events      []Event
	submissions []Submission

	// OnSubmitted, when set, is called after every native submission. Tests
	// use it to play the host page's server response.
	OnSubmitted func(s Submission)
}

// Option configures Parse.
type Option func(*options)

type options struct {
	scripts    bool
	defaultBox dom.Rect
}

// WithoutScripts skips evaluation of inline scripts.
func WithoutScripts() Option {
	return func(o *options) { o.scripts = false }
}

// WithDefaultBox overrides DefaultBox for this document.
func WithDefaultBox(r dom.Rect) Option {
	return func(o *options) { o.defaultBox = r }
}

// Parse reads an HTML document.
func Parse(r io.Reader, opts ...Option) (*Document, error) {
	o := options{scripts: true, defaultBox: DefaultBox}
	for _, opt := range opts {
		opt(&o)
	}

	gq, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	d := &Document{
		root:        gq,
		globals:     make(map[string]any),
		defaultBox:  o.defaultBox,
		observers:   make(map[int]func()),
		noSelection: make(map[*html.Node]bool),
	}

	if o.scripts {
		var sources []string
		gq.Find("script").Each(func(_ int, s *goquery.Selection) {
			if _, hasSrc := s.Attr("src"); hasSrc {
				return
			}
			typ := strings.ToLower(s.AttrOr("type", ""))
			if typ != "" && !strings.Contains(typ, "javascript") {
				return
			}
			sources = append(sources, s.Text())
		})
		for k, v := range evalScriptGlobals(sources) {
			d.globals[k] = v
		}
	}

	L_trace("htmldoc: parsed", "globals", len(d.globals))
	return d, nil
}

// ParseString is Parse over a string.
func ParseString(s string, opts ...Option) (*Document, error) {
	return Parse(strings.NewReader(s), opts...)
}

// MustParse is ParseString that panics; for tests and fixtures.
func MustParse(s string, opts ...Option) *Document {
	d, err := ParseString(s, opts...)
	if err != nil {
		panic(err)
	}
	return d
}

// HTML renders the current tree.
func (d *Document) HTML() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out, err := goquery.OuterHtml(d.root.Selection)
	if err != nil {
		return ""
	}
	return out
}

var selectorCache sync.Map // string -> cascadia.SelectorGroup

func compile(selector string) cascadia.Matcher {
	if cached, ok := selectorCache.Load(selector); ok {
		return cached.(cascadia.SelectorGroup)
	}
	group, err := cascadia.ParseGroup(selector)
	if err != nil {
		L_debug("htmldoc: bad selector", "selector", selector, "error", err)
		return nil
	}
	selectorCache.Store(selector, group)
	return group
}

func (d *Document) wrap(n *html.Node) dom.Element {
	if n == nil {
		return nil
	}
	return &element{d: d, n: n}
}

func (d *Document) wrapAll(nodes []*html.Node) []dom.Element {
	out := make([]dom.Element, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, d.wrap(n))
	}
	return out
}

// queryAll must be called with d.mu held.
func (d *Document) queryAll(from *html.Node, selector string) []*html.Node {
	sel := compile(selector)
	if sel == nil {
		return nil
	}
	return cascadia.QueryAll(from, sel)
}

// QueryAll implements dom.Document.
func (d *Document) QueryAll(selector string) []dom.Element {
	d.mu.Lock()
	nodes := d.queryAll(d.root.Nodes[0], selector)
	d.mu.Unlock()
	return d.wrapAll(nodes)
}

// Query implements dom.Document.
func (d *Document) Query(selector string) dom.Element {
	all := d.QueryAll(selector)
	if len(all) == 0 {
		return nil
	}
	return all[0]
}

// ByID implements dom.Document.
func (d *Document) ByID(id string) dom.Element {
	if id == "" {
		return nil
	}
	d.mu.Lock()
	var found *html.Node
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if found != nil {
			return
		}
		if n.Type == html.ElementNode && attr(n, "id") == id {
			found = n
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(d.root.Nodes[0])
	d.mu.Unlock()
	return d.wrap(found)
}

// Observe implements dom.Document.
func (d *Document) Observe(fn func()) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.observers[id] = fn
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.observers, id)
			d.mu.Unlock()
		})
	}
}

// ObserverCount reports live mutation observers.
func (d *Document) ObserverCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.observers)
}

// OnChange implements dom.Document.
func (d *Document) OnChange(selector string, fn func(dom.Element)) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.changes = append(d.changes, changeListener{id: id, selector: selector, fn: fn})
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, l := range d.changes {
			if l.id == id {
				d.changes = append(d.changes[:i], d.changes[i+1:]...)
				return
			}
		}
	}
}

// InterceptSubmit implements dom.Document.
func (d *Document) InterceptSubmit(formSelector string, guard dom.SubmitGuard, fn func(dom.Element)) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.interceptors = append(d.interceptors, submitInterceptor{id: id, selector: formSelector, guard: guard, fn: fn})
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, ic := range d.interceptors {
			if ic.id == id {
				d.interceptors = append(d.interceptors[:i], d.interceptors[i+1:]...)
				return
			}
		}
	}
}

// Globals implements dom.Document.
func (d *Document) Globals() dom.Globals { return globalStore{d: d} }

// SetGlobal assigns a page global directly.
func (d *Document) SetGlobal(key string, value any) {
	d.mu.Lock()
	d.globals[key] = value
	d.mu.Unlock()
}

// AppendHTML parses fragment and appends it to the first element matching
// parentSelector, notifying observers. It plays the host page re-rendering.
func (d *Document) AppendHTML(parentSelector, fragment string) error {
	var err error
	d.mutate(true, func() {
		nodes := d.queryAll(d.root.Nodes[0], parentSelector)
		if len(nodes) == 0 {
			err = fmt.Errorf("no element matches %q", parentSelector)
			return
		}
		goquery.NewDocumentFromNode(nodes[0]).Selection.AppendHtml(fragment)
	})
	return err
}

// Events returns the recorded event log.
func (d *Document) Events() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Event(nil), d.events...)
}

// EventsFor returns the event types dispatched at el, in order.
func (d *Document) EventsFor(el dom.Element) []string {
	var out []string
	for _, e := range d.Events() {
		if dom.Same(e.Target, el) {
			out = append(out, e.Type)
		}
	}
	return out
}

// Submissions returns the recorded native submissions.
func (d *Document) Submissions() []Submission {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Submission(nil), d.submissions...)
}

// mutate runs fn under the lock and notifies observers afterwards when the
// edit changed the tree structure.
func (d *Document) mutate(structural bool, fn func()) {
	d.mu.Lock()
	fn()
	var notify []func()
	if structural {
		for _, o := range d.observers {
			notify = append(notify, o)
		}
	}
	d.mu.Unlock()

	for _, o := range notify {
		o()
	}
}

// dispatch records events and runs document-level listeners for them.
func (d *Document) dispatch(n *html.Node, types ...string) {
	target := d.wrap(n)
	var run []func()

	d.mu.Lock()
	for _, t := range types {
		d.events = append(d.events, Event{Target: target, Type: t})
		if t != "change" {
			continue
		}
		for _, l := range d.changes {
			sel := compile(l.selector)
			if sel != nil && sel.Match(n) {
				fn := l.fn
				run = append(run, func() { fn(target) })
			}
		}
	}
	d.mu.Unlock()

	for _, fn := range run {
		fn()
	}
}

// requestSubmit fires the submit event at form and performs the native
// submission unless an interceptor claimed it.
func (d *Document) requestSubmit(form *html.Node) {
	d.dispatch(form, "submit")

	d.mu.Lock()
	var claimed []func(dom.Element)
	for _, ic := range d.interceptors {
		sel := compile(ic.selector)
		if sel == nil || !sel.Match(form) {
			continue
		}
		if d.guardHolds(ic.guard) {
			claimed = append(claimed, ic.fn)
		}
	}
	d.mu.Unlock()

	if len(claimed) > 0 {
		for _, fn := range claimed {
			fn(d.wrap(form))
		}
		return
	}
	d.submit(form)
}

// guardHolds must be called with d.mu held.
func (d *Document) guardHolds(g dom.SubmitGuard) bool {
	country := d.valueByID(g.CountryID)
	selection := d.valueByID(g.SelectionID)
	if strings.TrimSpace(country) != g.Country {
		return false
	}
	selection = strings.TrimSpace(selection)
	return selection != "" && !strings.EqualFold(selection, g.DefaultLabel)
}

func (d *Document) valueByID(id string) string {
	for _, n := range d.queryAll(d.root.Nodes[0], "[id]") {
		if attr(n, "id") == id {
			return d.valueOf(n)
		}
	}
	return ""
}

func (d *Document) submit(form *html.Node) {
	d.mu.Lock()
	fields := make(map[string]string)
	for _, n := range d.queryAll(form, "input[name], select[name], textarea[name]") {
		if hasAttr(n, "disabled") {
			continue
		}
		typ := strings.ToLower(attr(n, "type"))
		if (typ == "radio" || typ == "checkbox") && !hasAttr(n, "checked") {
			continue
		}
		if typ == "submit" || typ == "button" {
			continue
		}
		fields[attr(n, "name")] = d.valueOf(n)
	}
	s := Submission{Form: d.wrap(form), Fields: fields}
	d.submissions = append(d.submissions, s)
	hook := d.OnSubmitted
	d.mu.Unlock()

	L_debug("htmldoc: form submitted", "fields", len(fields))
	if hook != nil {
		hook(s)
	}
}

type globalStore struct{ d *Document }

func (g globalStore) Get(key string) (any, bool) {
	g.d.mu.Lock()
	defer g.d.mu.Unlock()
	v, ok := g.d.globals[key]
	if v == nil {
		return nil, false
	}
	return v, ok
}

func (g globalStore) Set(key string, value any) error {
	g.d.mu.Lock()
	g.d.globals[key] = value
	g.d.mu.Unlock()
	return nil
}
