// Package resolve finds and keeps the medical-center select on a host page the
// agent does not control: candidate discovery, heuristic scoring, waiting for
// late rendering, unlocking and option augmentation.
package resolve

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/roelfdiedericks/centerhelper/internal/dom"
	. "github.com/roelfdiedericks/centerhelper/internal/logging"
	"github.com/roelfdiedericks/centerhelper/internal/records"
)

// ErrNoTarget is returned by operations that need a target when the page has
// none. It is a precondition failure, not a fault.
var ErrNoTarget = errors.New("no medical center control on page")

// Markers written into the host page.
const (
	OptionAttr   = "data-wch-option"
	GroupAttr    = "data-wch-group"
	UnlockedAttr = "data-wch-unlocked"
	HiddenClass  = "wch-hidden-by-extension"
)

// DefaultWait is the wake-up timeout used by the agent at start.
const DefaultWait = 15 * time.Second

var selectorPreferences = []string{
	`select[id*="center"]`,
	`select[name*="center"]`,
	`select[id*="medical"]`,
	`select[name*="medical"]`,
	`select[id*="clinic"]`,
	`select[name*="clinic"]`,
	`select[name="medical_center"], select[name="premium_medical_center"]`,
}

// Collect returns every candidate control, deduplicated, in encounter order.
func Collect(doc dom.Document) []dom.Element {
	var out []dom.Element
	seen := make(map[any]bool)
	for _, sel := range selectorPreferences {
		for _, el := range doc.QueryAll(sel) {
			if seen[el.Key()] {
				continue
			}
			seen[el.Key()] = true
			out = append(out, el)
		}
	}
	return out
}

// Features are the inputs of Score, extracted from a live control.
type Features struct {
	ID           string
	Name         string
	OptionValues []string
	Hidden       bool
	Width        float64
	Height       float64
}

// FeaturesOf reads the scoring inputs of el.
func FeaturesOf(el dom.Element) Features {
	f := Features{Hidden: el.ComputedHidden()}
	f.ID, _ = el.Attr("id")
	f.Name, _ = el.Attr("name")
	for _, o := range el.Options() {
		f.OptionValues = append(f.OptionValues, o.Value())
	}
	box := el.Box()
	f.Width, f.Height = box.Width, box.Height
	return f
}

var numericCode = regexp.MustCompile(`^\d{3,}$`)

// Score is the affinity of a control for being the target.
func Score(f Features) int {
	tokens := strings.ToLower(f.ID + " " + f.Name)
	score := 0
	if strings.Contains(tokens, "center") {
		score += 5
	}
	if strings.Contains(tokens, "medical") {
		score += 3
	}
	if strings.Contains(tokens, "clinic") {
		score += 2
	}

	numeric := 0
	for _, v := range f.OptionValues {
		if numericCode.MatchString(strings.TrimSpace(v)) {
			numeric++
		}
	}
	switch {
	case numeric > 5:
		score += 3
	case numeric > 0:
		score++
	}
	if len(f.OptionValues) > 30 {
		score++
	}

	if f.Hidden {
		score -= 2
	}
	if f.Width < 40 || f.Height < 10 {
		score--
	}
	return score
}

// Pick returns the highest scoring candidate with a positive score, the first
// one on ties, falling back to candidates[0]. Nil for no candidates.
func Pick(candidates []dom.Element, scores []int) dom.Element {
	if len(candidates) == 0 {
		return nil
	}
	best, bestScore := -1, 0
	for i, s := range scores {
		if s > bestScore {
			best, bestScore = i, s
		}
	}
	if best < 0 {
		return candidates[0]
	}
	return candidates[best]
}

// Resolve runs one resolution pass.
func Resolve(doc dom.Document) dom.Element {
	candidates := Collect(doc)
	scores := make([]int, len(candidates))
	for i, c := range candidates {
		scores[i] = Score(FeaturesOf(c))
	}
	return Pick(candidates, scores)
}

// WaitForTarget returns a target immediately when one resolves, else observes
// the document until one appears, the timeout elapses or ctx is done. It
// returns nil on the latter two; the observer is released on every path.
func WaitForTarget(ctx context.Context, doc dom.Document, timeout time.Duration) dom.Element {
	if el := Resolve(doc); el != nil {
		L_trace("resolve: target found immediately", "id", idOf(el))
		return el
	}

	found := make(chan dom.Element, 1)
	cancel := doc.Observe(func() {
		if el := Resolve(doc); el != nil {
			select {
			case found <- el:
			default:
			}
		}
	})
	defer cancel()

	// A render between the first pass and Observe would otherwise be missed.
	if el := Resolve(doc); el != nil {
		return el
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case el := <-found:
		L_debug("resolve: target found via observer", "id", idOf(el))
		return el
	case <-timer.C:
		L_debug("resolve: no target before timeout", "timeout", timeout)
	case <-ctx.Done():
		L_debug("resolve: wait cancelled", "error", ctx.Err())
	}
	return nil
}

var (
	wrapperMarkerClasses = []string{"disabled", "readonly", "is-disabled"}
	noticeSelector       = ".info-icon, .assigned-message, .auto-assign-note"
)

// EnsureUsable force-enables a control the host page disabled or hid, clears
// the marker classes on its wrappers and hides system-assignment notices. A
// control already marked unlocked and still enabled and visible is left as is.
func EnsureUsable(el dom.Element) {
	if el == nil {
		return
	}
	unlocked, _ := el.Attr(UnlockedAttr)
	needsUnlock := el.Disabled() ||
		el.Style("display") == "none" ||
		el.Style("visibility") == "hidden" ||
		unlocked != "true"
	if !needsUnlock {
		return
	}

	el.SetDisabled(false)
	if el.Style("display") == "none" {
		el.SetStyle("display", "block")
	}
	if el.Style("visibility") == "hidden" {
		el.SetStyle("visibility", "visible")
	}

	var wrappers []dom.Element
	add := func(w dom.Element) {
		if w != nil && !dom.Contains(wrappers, w) {
			wrappers = append(wrappers, w)
		}
	}
	add(el.Closest(".medical-center-field"))
	add(el.Closest(".field"))
	add(el.Parent())

	for _, w := range wrappers {
		w.RemoveClass(wrapperMarkerClasses...)
		if w.Style("display") == "none" {
			w.SetStyle("display", "block")
		}
		if labels := w.QueryAll("label"); len(labels) > 0 {
			labels[0].RemoveStyle("opacity")
		}
		for _, n := range w.QueryAll(noticeSelector) {
			n.SetStyle("display", "none")
			n.AddClass(HiddenClass)
		}
	}

	el.SetAttr(UnlockedAttr, "true")
	L_debug("resolve: unlocked control", "id", idOf(el), "wrappers", len(wrappers))
}

// Augment brings the injected options of el in line with source. Host
// options are kept; records already present are not duplicated; injected
// options that are still wanted stay in place, so a concurrent reader never
// sees a wanted record disappear. Calling it twice is a no-op the second time.
func Augment(doc dom.Document, el dom.Element, source records.Source) int {
	if el == nil {
		return 0
	}
	previous := el.Value()
	recs, dynamic := source.Current(doc)

	wanted := make(map[string]bool, len(recs))
	for _, r := range recs {
		wanted[r.Value] = true
	}
	for _, g := range el.QueryAll("optgroup[" + GroupAttr + "]") {
		g.Remove()
	}

	seen := make(map[string]bool)
	for _, o := range el.Options() {
		v := o.Value()
		if _, injected := o.Attr(OptionAttr); injected && (!wanted[v] || seen[v]) {
			o.Remove()
			continue
		}
		seen[v] = true
	}
	if len(recs) == 0 {
		L_debug("resolve: no records to inject", "id", idOf(el))
		return 0
	}

	injected := 0
	for _, r := range recs {
		if seen[r.Value] {
			continue
		}
		el.AppendOption(r.Value, r.Name, map[string]string{OptionAttr: "true"})
		seen[r.Value] = true
		injected++
	}

	if previous != "" && seen[previous] && el.Value() != previous {
		el.SetValue(previous)
	}
	L_trace("resolve: augmented", "id", idOf(el), "injected", injected, "dynamic", dynamic)
	return injected
}

// Choose makes record the control's selection: the option is created as
// needed (host options are used as they are), selected, and input+change are
// dispatched so the host page reacts.
func Choose(el dom.Element, record records.Record) error {
	if el == nil {
		return ErrNoTarget
	}
	value := strings.TrimSpace(record.Value)
	var option dom.Element
	for _, o := range el.Options() {
		if o.Value() == value {
			option = o
			break
		}
	}
	if option != nil {
		if _, injected := option.Attr(OptionAttr); injected {
			option.SetText(record.Name)
		}
	} else {
		el.AppendOption(value, record.Name, map[string]string{OptionAttr: "true"})
	}
	el.SetValue(value)
	el.Dispatch("input", "change")
	L_info("resolve: record selected", "value", value, "name", record.Name)
	return nil
}

func idOf(el dom.Element) string {
	if id, ok := el.Attr("id"); ok && id != "" {
		return id
	}
	name, _ := el.Attr("name")
	return name
}
