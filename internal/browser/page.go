package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"

	"github.com/roelfdiedericks/centerhelper/internal/dom"
	. "github.com/roelfdiedericks/centerhelper/internal/logging"
)

// DefaultOpTimeout bounds a single CDP round trip made on behalf of the
// dom contract, whose methods do not return errors.
const DefaultOpTimeout = 5 * time.Second

type changeHook struct {
	fn func(dom.Element)
}

type submitHook struct {
	fn func(dom.Element)
}

// PageDocument implements dom.Document over a live rod page.
//
// Host-page events reach Go through an exposed binding and are delivered to
// listeners from a single goroutine, in the order the page reported them.
type PageDocument struct {
	page      *rod.Page
	opTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	events chan hookEvent

	mu        sync.Mutex
	seq       int
	observers map[string]func()
	changes   map[string]changeHook
	submits   map[string]submitHook
	removers  map[string][]func() error
	stopBind  func() error
	removeDoc func() error
	closeOnce sync.Once
}

// NewPageDocument installs the hook script on page and starts event delivery.
func NewPageDocument(page *rod.Page, opTimeout time.Duration) (*PageDocument, error) {
	if opTimeout <= 0 {
		opTimeout = DefaultOpTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &PageDocument{
		page:      page,
		opTimeout: opTimeout,
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan hookEvent, 64),
		observers: make(map[string]func()),
		changes:   make(map[string]changeHook),
		submits:   make(map[string]submitHook),
		removers:  make(map[string][]func() error),
	}

	stop, err := page.Expose(bindingName, d.onBinding)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("expose binding: %w", err)
	}
	d.stopBind = stop

	remove, err := page.EvalOnNewDocument(hookScript)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("install hooks: %w", err)
	}
	d.removeDoc = remove

	if err := d.evalPage("function() {" + hookScript + "}"); err != nil {
		d.Close()
		return nil, fmt.Errorf("install hooks: %w", err)
	}

	go d.deliver()
	return d, nil
}

// Close detaches every listener and stops event delivery.
func (d *PageDocument) Close() {
	d.closeOnce.Do(func() {
		d.cancel()
		d.mu.Lock()
		removers := d.removers
		d.removers = make(map[string][]func() error)
		d.observers = make(map[string]func())
		d.changes = make(map[string]changeHook)
		d.submits = make(map[string]submitHook)
		d.mu.Unlock()

		for _, fns := range removers {
			for _, fn := range fns {
				_ = fn()
			}
		}
		if d.removeDoc != nil {
			_ = d.removeDoc()
		}
		if d.stopBind != nil {
			if err := d.stopBind(); err != nil {
				L_trace("browser: stop binding", "error", err)
			}
		}
	})
}

func (d *PageDocument) onBinding(req gson.JSON) (interface{}, error) {
	ev, err := parseHookEvent(req.Str())
	if err != nil {
		L_debug("browser: bad hook payload", "error", err)
		return nil, nil
	}
	if ev.Kind == "mutation" {
		select {
		case d.events <- ev:
		default:
			// a mutation is already queued
		}
		return nil, nil
	}
	select {
	case d.events <- ev:
	case <-d.ctx.Done():
	}
	return nil, nil
}

func (d *PageDocument) deliver() {
	for {
		select {
		case <-d.ctx.Done():
			return
		case ev := <-d.events:
			d.handle(ev)
		}
	}
}

func (d *PageDocument) handle(ev hookEvent) {
	switch ev.Kind {
	case "mutation":
		d.mu.Lock()
		fns := make([]func(), 0, len(d.observers))
		for _, fn := range d.observers {
			fns = append(fns, fn)
		}
		d.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	case "change":
		d.mu.Lock()
		h, ok := d.changes[ev.ID]
		d.mu.Unlock()
		if !ok {
			return
		}
		if target := d.byRef(ev.Ref); target != nil {
			h.fn(target)
		}
	case "submit":
		d.mu.Lock()
		h, ok := d.submits[ev.ID]
		d.mu.Unlock()
		if !ok {
			return
		}
		if form := d.byRef(ev.Ref); form != nil {
			h.fn(form)
		}
	default:
		L_trace("browser: unknown hook event", "kind", ev.Kind)
	}
}

func (d *PageDocument) byRef(ref string) dom.Element {
	return d.Query(fmt.Sprintf(`[%s="%s"]`, refAttr, ref))
}

// bound returns the page scoped to one operation.
func (d *PageDocument) bound() (*rod.Page, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(d.ctx, d.opTimeout)
	return d.page.Context(ctx), cancel
}

func (d *PageDocument) evalPage(js string, args ...interface{}) error {
	p, cancel := d.bound()
	defer cancel()
	_, err := p.Eval(js, args...)
	return err
}

func (d *PageDocument) wrap(el *rod.Element) dom.Element {
	if el == nil {
		return nil
	}
	return &pageElement{d: d, el: el}
}

func (d *PageDocument) wrapAll(els rod.Elements) []dom.Element {
	out := make([]dom.Element, 0, len(els))
	for _, el := range els {
		out = append(out, d.wrap(el))
	}
	return out
}

// fromObject turns a by-object evaluation result into an element; null
// results have no object id.
func (d *PageDocument) fromObject(obj *proto.RuntimeRemoteObject) dom.Element {
	if obj == nil || obj.ObjectID == "" {
		return nil
	}
	el, err := d.page.ElementFromObject(obj)
	if err != nil {
		L_trace("browser: element from object", "error", err)
		return nil
	}
	return d.wrap(el)
}

func (d *PageDocument) QueryAll(selector string) []dom.Element {
	p, cancel := d.bound()
	defer cancel()
	els, err := p.Elements(selector)
	if err != nil {
		L_trace("browser: query failed", "selector", selector, "error", err)
		return nil
	}
	return d.wrapAll(els)
}

func (d *PageDocument) Query(selector string) dom.Element {
	all := d.QueryAll(selector)
	if len(all) == 0 {
		return nil
	}
	return all[0]
}

func (d *PageDocument) ByID(id string) dom.Element {
	p, cancel := d.bound()
	defer cancel()
	obj, err := p.Evaluate(rod.Eval(`function(id) { return document.getElementById(id) }`, id).ByObject())
	if err != nil {
		return nil
	}
	return d.fromObject(obj)
}

// Observe connects the in-page mutation observer on first use; it is
// disconnected again once every subscriber has cancelled.
func (d *PageDocument) Observe(fn func()) func() {
	id, err := d.register("observers", true)
	if err != nil {
		L_warn("browser: mutation observer not installed", "error", err)
		return func() {}
	}
	d.mu.Lock()
	d.observers[id] = fn
	d.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { d.unregister("observers", id) }) }
}

// register pushes a listener config into the current document and every
// future one, returning the id the hook script reports it under.
func (d *PageDocument) register(table string, cfg any) (string, error) {
	d.mu.Lock()
	d.seq++
	id := strconv.Itoa(d.seq)
	d.mu.Unlock()

	js, err := registerScript(table, id, cfg)
	if err != nil {
		return "", err
	}
	remove, err := d.page.EvalOnNewDocument(js)
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	d.removers[id] = append(d.removers[id], remove)
	d.mu.Unlock()
	if err := d.evalPage("function() {" + js + "}"); err != nil {
		L_debug("browser: register on current document", "table", table, "error", err)
	}
	return id, nil
}

func (d *PageDocument) unregister(table, id string) {
	d.mu.Lock()
	removers := d.removers[id]
	delete(d.removers, id)
	delete(d.observers, id)
	delete(d.changes, id)
	delete(d.submits, id)
	d.mu.Unlock()

	for _, fn := range removers {
		_ = fn()
	}
	if d.ctx.Err() == nil {
		_ = d.evalPage("function() {" + unregisterScript(table, id) + "}")
	}
}

func (d *PageDocument) OnChange(selector string, fn func(dom.Element)) func() {
	id, err := d.register("changes", selector)
	if err != nil {
		L_warn("browser: change listener not installed", "selector", selector, "error", err)
		return func() {}
	}
	d.mu.Lock()
	d.changes[id] = changeHook{fn: fn}
	d.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { d.unregister("changes", id) }) }
}

func (d *PageDocument) InterceptSubmit(formSelector string, guard dom.SubmitGuard, fn func(dom.Element)) func() {
	id, err := d.register("intercepts", newInterceptConfig(formSelector, guard))
	if err != nil {
		L_warn("browser: submit interceptor not installed", "form", formSelector, "error", err)
		return func() {}
	}
	d.mu.Lock()
	d.submits[id] = submitHook{fn: fn}
	d.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { d.unregister("intercepts", id) }) }
}

func (d *PageDocument) Globals() dom.Globals { return pageGlobals{d: d} }

type pageGlobals struct{ d *PageDocument }

const getGlobalJS = `function(k) {
  if (!(k in window) || window[k] === undefined) return { found: false };
  try { return { found: true, value: JSON.parse(JSON.stringify(window[k])) }; }
  catch (e) { return { found: true, value: null }; }
}`

func (g pageGlobals) Get(key string) (any, bool) {
	p, cancel := g.d.bound()
	defer cancel()
	res, err := p.Eval(getGlobalJS, key)
	if err != nil {
		L_trace("browser: read global", "key", key, "error", err)
		return nil, false
	}
	var out struct {
		Found bool `json:"found"`
		Value any  `json:"value"`
	}
	if err := decodeJSON(res.Value, &out); err != nil || !out.Found {
		return nil, false
	}
	return out.Value, true
}

// setGlobalJS patches arrays in place so host code holding a reference
// sees the change.
const setGlobalJS = `function(k, v) {
  var cur = window[k];
  if (Array.isArray(cur) && Array.isArray(v)) {
    cur.length = 0;
    v.forEach(function (x) { cur.push(x); });
    return;
  }
  window[k] = v;
}`

func (g pageGlobals) Set(key string, value any) error {
	return g.d.evalPage(setGlobalJS, key, value)
}

func decodeJSON(v gson.JSON, out any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
