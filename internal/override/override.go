// Package override keeps the host page's country policy lists patched so that
// one exception country may pick its medical center manually, and bypasses the
// host's submit-time restriction once a manual pick has been made.
package override

import (
	"strings"

	"github.com/roelfdiedericks/centerhelper/internal/dom"
	. "github.com/roelfdiedericks/centerhelper/internal/logging"
	"github.com/roelfdiedericks/centerhelper/internal/resolve"
)

// Host page contract.
const (
	FormSelector      = "form.booking-appointment-form"
	CountryControlID  = "id_country"
	SelectionID       = "id_medical_center"
	DefaultSelection  = "auto assign"
	errorMsgSelector  = ".medical-center-field .field-error-message"
	errorMsgFragment  = "auto-assign countries"
	submitButtonsSel  = `button[type="submit"], input[type="submit"]`
)

// Policy names the two global lists and the exception value.
type Policy struct {
	// ManualKey is the list of countries allowed to choose a center.
	ManualKey string `json:"manualKey" toml:"manualKey"`
	// DefaultKey is the list of countries forced onto system assignment.
	DefaultKey string `json:"defaultKey" toml:"defaultKey"`
	// Value is added to ManualKey.
	Value string `json:"value" toml:"value"`
	// Aliases are removed from DefaultKey.
	Aliases []string `json:"aliases" toml:"aliases"`
}

// DefaultPolicy is the Bangladesh exception.
func DefaultPolicy() Policy {
	return Policy{
		ManualKey:  "MANUAL_MEDICAL_CENTER_COUNTRIES",
		DefaultKey: "FREE_MEDICAL_CENTER_COUNTRIES",
		Value:      "BD",
		Aliases:    []string{"BD", "Bangladesh", "bd"},
	}
}

// State is a snapshot of the two lists.
type State struct {
	Manual         []any
	ManualPresent  bool
	Default        []any
	DefaultPresent bool
}

// Enforced reports whether the exception already holds.
func (s State) Enforced(p Policy) bool {
	return s.ManualPresent && s.DefaultPresent && containsString(s.Manual, p.Value) && !p.hasAlias(s.Default)
}

// ReadState reads both lists; a missing or non-array global is not present.
func (p Policy) ReadState(g dom.Globals) State {
	var s State
	if v, ok := g.Get(p.ManualKey); ok {
		s.Manual, s.ManualPresent = v.([]any)
	}
	if v, ok := g.Get(p.DefaultKey); ok {
		s.Default, s.DefaultPresent = v.([]any)
	}
	return s
}

// Apply patches the lists. changed is true when the manual list was created
// or extended, or an alias was removed from the default list; creating a
// missing default list on its own is not a change.
func (p Policy) Apply(g dom.Globals) (changed bool, err error) {
	s := p.ReadState(g)

	manual := s.Manual
	if !s.ManualPresent {
		manual = []any{}
		changed = true
	}
	if !containsString(manual, p.Value) {
		manual = append(manual, p.Value)
		changed = true
	}
	if changed {
		if err := g.Set(p.ManualKey, manual); err != nil {
			return false, err
		}
	}

	if !s.DefaultPresent {
		if err := g.Set(p.DefaultKey, []any{}); err != nil {
			return changed, err
		}
		L_trace("override: initialized default list", "key", p.DefaultKey)
	} else {
		filtered := make([]any, 0, len(s.Default))
		for _, v := range s.Default {
			if str, ok := v.(string); ok && p.isAlias(str) {
				continue
			}
			filtered = append(filtered, v)
		}
		if len(filtered) != len(s.Default) {
			if err := g.Set(p.DefaultKey, filtered); err != nil {
				return changed, err
			}
			changed = true
		}
	}

	if changed {
		L_debug("override: policy applied", "value", p.Value, "manual", len(manual))
	}
	return changed, nil
}

// SubmitGuard describes when a booking submit is taken over: the country is
// the exception value and a manual center has been chosen.
func (p Policy) SubmitGuard() dom.SubmitGuard {
	return dom.SubmitGuard{
		CountryID:    CountryControlID,
		Country:      p.Value,
		SelectionID:  SelectionID,
		DefaultLabel: DefaultSelection,
	}
}

// Holds evaluates the guard against doc, the same check backends apply.
func (p Policy) Holds(doc dom.Document) bool {
	country, selection := "", ""
	if el := doc.ByID(CountryControlID); el != nil {
		country = strings.TrimSpace(el.Value())
	}
	if el := doc.ByID(SelectionID); el != nil {
		selection = strings.TrimSpace(el.Value())
	}
	return country == p.Value && selection != "" && !strings.EqualFold(selection, DefaultSelection)
}

// HandleSubmit finishes a submit the guard took over: it enables the submit
// controls, keeps the selection usable with its value, drops the host's
// auto-assign error messages and, when the form still validates, submits it
// natively. submitted is false when validation failed.
func (p Policy) HandleSubmit(doc dom.Document, form dom.Element) (submitted bool, err error) {
	for _, b := range form.QueryAll(submitButtonsSel) {
		b.SetDisabled(false)
	}

	if sel := doc.ByID(SelectionID); sel != nil {
		value := strings.TrimSpace(sel.Value())
		sel.SetDisabled(false)
		sel.SetValue(value)
		sel.SetAttr("value", value)
		sel.SetAttr(resolve.UnlockedAttr, "true")
	}

	removed := 0
	for _, n := range form.QueryAll(errorMsgSelector) {
		if strings.Contains(n.Text(), errorMsgFragment) {
			n.Remove()
			removed++
		}
	}

	if !form.ReportValidity() {
		L_warn("override: form failed validation, not submitting")
		return false, nil
	}
	L_info("override: submitting natively with manual selection", "removedErrors", removed)
	if err := form.NativeSubmit(); err != nil {
		return false, err
	}
	return true, nil
}

func (p Policy) isAlias(s string) bool {
	for _, a := range p.Aliases {
		if s == a {
			return true
		}
	}
	return false
}

func (p Policy) hasAlias(list []any) bool {
	for _, v := range list {
		if s, ok := v.(string); ok && p.isAlias(s) {
			return true
		}
	}
	return false
}

func containsString(list []any, want string) bool {
	for _, v := range list {
		if s, ok := v.(string); ok && s == want {
			return true
		}
	}
	return false
}
