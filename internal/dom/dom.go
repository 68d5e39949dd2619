// Package dom defines the document contract the resolution engine, the
// override enforcer and the form runner operate on.
//
// Two backends implement it: htmldoc (an in-memory HTML tree, used for saved
// snapshots and tests) and browser.PageDocument (a live go-rod page). Nothing
// above this package knows which one it is talking to.
package dom

import "errors"

// ErrDetached is returned by element operations on a node that is no longer
// part of its document.
var ErrDetached = errors.New("element detached from document")

// Rect is an element's rendered size in layout units.
type Rect struct {
	Width  float64
	Height float64
}

// Document is a host page the agent does not control.
type Document interface {
	// QueryAll returns every element matching selector in document order.
	QueryAll(selector string) []Element
	// Query returns the first match or nil.
	Query(selector string) Element
	// ByID returns the element with the given id or nil.
	ByID(id string) Element

	// Observe registers fn for structural mutations anywhere in the document.
	// The returned cancel func is idempotent.
	Observe(fn func()) (cancel func())
	// OnChange registers fn for change events whose target matches selector.
	// Listeners run in the capture phase, before the host page's own handlers.
	OnChange(selector string, fn func(target Element)) (cancel func())
	// InterceptSubmit suppresses native submission of forms matching
	// formSelector whenever guard holds, then hands the form to fn.
	InterceptSubmit(formSelector string, guard SubmitGuard, fn func(form Element)) (cancel func())

	// Globals exposes the page's global variables.
	Globals() Globals
}

// Element is a non-owning reference to a node in a Document.
type Element interface {
	// Key identifies the underlying node; two Elements with equal keys are the
	// same node.
	Key() any
	Tag() string

	Attr(name string) (string, bool)
	SetAttr(name, value string)
	RemoveAttr(name string)

	HasClass(class string) bool
	AddClass(classes ...string)
	RemoveClass(classes ...string)

	// Style returns an inline style property ("" when unset).
	Style(prop string) string
	SetStyle(prop, value string)
	RemoveStyle(prop string)

	// ComputedHidden reports display:none or visibility:hidden after cascade.
	ComputedHidden() bool
	Box() Rect

	Disabled() bool
	SetDisabled(disabled bool)

	Value() string
	// SetValue assigns the control's value; on a select with no matching
	// option the selection becomes empty.
	SetValue(value string)
	Checked() bool

	// Options returns the option elements of a select, including those nested
	// in optgroups.
	Options() []Element
	// AppendOption appends a new option to a select.
	AppendOption(value, label string, attrs map[string]string) Element

	Text() string
	SetText(text string)

	Parent() Element
	Closest(selector string) Element
	QueryAll(selector string) []Element
	Matches(selector string) bool

	Remove()
	// Dispatch fires bubbling events of the given types at the element.
	Dispatch(events ...string)
	// Click simulates a user activation.
	Click()

	// ReportValidity runs the form's constraint validation.
	ReportValidity() bool
	// NativeSubmit submits the form without firing the submit event.
	NativeSubmit() error
}

// Globals is the narrow read/patch contract over host-page global variables.
// Values are JSON-shaped: nil, bool, float64, string, []any, map[string]any.
type Globals interface {
	Get(key string) (any, bool)
	Set(key string, value any) error
}

// SubmitGuard is evaluated by the backend, at submit time, to decide whether
// the host page's own submit handling is suppressed.
type SubmitGuard struct {
	// CountryID is the id of the control whose value must equal Country.
	CountryID string
	Country   string
	// SelectionID is the id of the control that must hold a manual choice.
	SelectionID string
	// DefaultLabel is the selection value meaning "let the system decide"
	// (compared case-insensitively).
	DefaultLabel string
}

// Same reports whether a and b reference the same node.
func Same(a, b Element) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Key() == b.Key()
}

// Contains reports whether list holds el.
func Contains(list []Element, el Element) bool {
	for _, e := range list {
		if Same(e, el) {
			return true
		}
	}
	return false
}

// StringSlice converts a JSON-shaped array into strings, skipping non-strings.
// ok is false when v is not an array at all.
func StringSlice(v any) (out []string, ok bool) {
	arr, ok := v.([]any)
	if !ok {
		if ss, isStrings := v.([]string); isStrings {
			return append([]string(nil), ss...), true
		}
		return nil, false
	}
	for _, item := range arr {
		if s, isString := item.(string); isString {
			out = append(out, s)
		}
	}
	return out, true
}
