package browser

import (
	"context"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/ysmood/gson"

	"github.com/roelfdiedericks/centerhelper/internal/dom"
	. "github.com/roelfdiedericks/centerhelper/internal/logging"
)

type pageElement struct {
	d  *PageDocument
	el *rod.Element

	keyOnce sync.Once
	key     any
}

func (e *pageElement) bound() (*rod.Element, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(e.d.ctx, e.d.opTimeout)
	return e.el.Context(ctx), cancel
}

// eval runs a function with this bound to the element. Failures are logged
// and yield a null result.
func (e *pageElement) eval(js string, args ...interface{}) gson.JSON {
	el, cancel := e.bound()
	defer cancel()
	res, err := el.Eval(js, args...)
	if err != nil {
		L_trace("browser: element eval", "error", err)
		return gson.New(nil)
	}
	return res.Value
}

func (e *pageElement) evalElement(js string, args ...interface{}) dom.Element {
	el, cancel := e.bound()
	defer cancel()
	obj, err := el.Evaluate(rod.Eval(js, args...).ByObject())
	if err != nil {
		return nil
	}
	return e.d.fromObject(obj)
}

// Key is the backend node id, stable for the node's lifetime.
func (e *pageElement) Key() any {
	e.keyOnce.Do(func() {
		el, cancel := e.bound()
		defer cancel()
		node, err := el.Describe(0, false)
		if err != nil {
			e.key = e.el.Object.ObjectID
			return
		}
		e.key = node.BackendNodeID
	})
	return e.key
}

func (e *pageElement) Tag() string {
	return e.eval(`function() { return this.tagName.toLowerCase() }`).Str()
}

func (e *pageElement) Attr(name string) (string, bool) {
	el, cancel := e.bound()
	defer cancel()
	v, err := el.Attribute(name)
	if err != nil || v == nil {
		return "", false
	}
	return *v, true
}

func (e *pageElement) SetAttr(name, value string) {
	e.eval(`function(n, v) { this.setAttribute(n, v) }`, name, value)
}

func (e *pageElement) RemoveAttr(name string) {
	e.eval(`function(n) { this.removeAttribute(n) }`, name)
}

func (e *pageElement) HasClass(class string) bool {
	return e.eval(`function(c) { return this.classList.contains(c) }`, class).Bool()
}

func (e *pageElement) AddClass(classes ...string) {
	e.eval(`function(cs) { cs.forEach(c => this.classList.add(c)) }`, classes)
}

func (e *pageElement) RemoveClass(classes ...string) {
	e.eval(`function(cs) { cs.forEach(c => this.classList.remove(c)) }`, classes)
}

func (e *pageElement) Style(prop string) string {
	return e.eval(`function(p) { return this.style.getPropertyValue(p) }`, prop).Str()
}

func (e *pageElement) SetStyle(prop, value string) {
	e.eval(`function(p, v) { this.style.setProperty(p, v) }`, prop, value)
}

func (e *pageElement) RemoveStyle(prop string) {
	e.eval(`function(p) {
  this.style.removeProperty(p);
  if (this.style.length === 0) this.removeAttribute("style");
}`, prop)
}

func (e *pageElement) ComputedHidden() bool {
	return e.eval(`function() {
  if (!this.isConnected) return true;
  var s = getComputedStyle(this);
  if (s.display === "none" || s.visibility === "hidden" || s.visibility === "collapse") return true;
  return this.getClientRects().length === 0;
}`).Bool()
}

func (e *pageElement) Box() dom.Rect {
	v := e.eval(`function() { var r = this.getBoundingClientRect(); return { w: r.width, h: r.height } }`)
	return dom.Rect{Width: v.Get("w").Num(), Height: v.Get("h").Num()}
}

func (e *pageElement) Disabled() bool {
	return e.eval(`function() { return this.hasAttribute("disabled") }`).Bool()
}

func (e *pageElement) SetDisabled(disabled bool) {
	e.eval(`function(d) { this.disabled = d; if (!d) this.removeAttribute("disabled") }`, disabled)
}

func (e *pageElement) Value() string {
	return e.eval(`function() {
  if (this.value === undefined || this.value === null) return this.getAttribute("value") || "";
  return String(this.value);
}`).Str()
}

func (e *pageElement) SetValue(value string) {
	e.eval(`function(v) { this.value = v }`, value)
}

func (e *pageElement) Checked() bool {
	return e.eval(`function() { return !!this.checked }`).Bool()
}

func (e *pageElement) Options() []dom.Element {
	if e.Tag() != "select" {
		return nil
	}
	return e.QueryAll("option")
}

func (e *pageElement) AppendOption(value, label string, attrs map[string]string) dom.Element {
	if attrs == nil {
		attrs = map[string]string{}
	}
	return e.evalElement(`function(v, l, attrs) {
  var o = document.createElement("option");
  o.value = v;
  o.textContent = l;
  Object.keys(attrs).forEach(k => o.setAttribute(k, attrs[k]));
  this.appendChild(o);
  return o;
}`, value, label, attrs)
}

func (e *pageElement) Text() string {
	return e.eval(`function() { return this.textContent || "" }`).Str()
}

func (e *pageElement) SetText(text string) {
	e.eval(`function(t) { this.textContent = t }`, text)
}

func (e *pageElement) Parent() dom.Element {
	return e.evalElement(`function() { return this.parentElement }`)
}

func (e *pageElement) Closest(selector string) dom.Element {
	return e.evalElement(`function(s) { try { return this.closest(s) } catch (err) { return null } }`, selector)
}

func (e *pageElement) QueryAll(selector string) []dom.Element {
	el, cancel := e.bound()
	defer cancel()
	els, err := el.Elements(selector)
	if err != nil {
		L_trace("browser: element query failed", "selector", selector, "error", err)
		return nil
	}
	return e.d.wrapAll(els)
}

func (e *pageElement) Matches(selector string) bool {
	return e.eval(`function(s) { try { return this.matches(s) } catch (err) { return false } }`, selector).Bool()
}

func (e *pageElement) Remove() {
	el, cancel := e.bound()
	defer cancel()
	if err := el.Remove(); err != nil {
		L_trace("browser: remove failed", "error", err)
	}
}

func (e *pageElement) Dispatch(events ...string) {
	e.eval(`function(types) { types.forEach(t => this.dispatchEvent(new Event(t, { bubbles: true }))) }`, events)
}

// Click uses the element's own activation behaviour, so radios, checkboxes
// and submit buttons behave as they would for a user.
func (e *pageElement) Click() {
	e.eval(`function() { if (!this.disabled) this.click() }`)
}

func (e *pageElement) ReportValidity() bool {
	v := e.eval(`function() { return typeof this.reportValidity === "function" ? this.reportValidity() : true }`)
	if v.Nil() {
		return false
	}
	return v.Bool()
}

func (e *pageElement) NativeSubmit() error {
	if !strings.EqualFold(e.Tag(), "form") {
		return dom.ErrDetached
	}
	el, cancel := e.bound()
	defer cancel()
	_, err := el.Eval(`function() { HTMLFormElement.prototype.submit.call(this) }`)
	return err
}
