package htmldoc

import (
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/roelfdiedericks/centerhelper/internal/dom"
)

type element struct {
	d *Document
	n *html.Node
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, name string) bool {
	for _, a := range n.Attr {
		if a.Key == name {
			return true
		}
	}
	return false
}

func (e *element) sel() *goquery.Selection {
	return goquery.NewDocumentFromNode(e.n).Selection
}

func (e *element) Key() any    { return e.n }
func (e *element) Tag() string { return strings.ToLower(e.n.Data) }

func (e *element) Attr(name string) (string, bool) {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	return e.sel().Attr(name)
}

func (e *element) SetAttr(name, value string) {
	e.d.mutate(false, func() { e.sel().SetAttr(name, value) })
}

func (e *element) RemoveAttr(name string) {
	e.d.mutate(false, func() { e.sel().RemoveAttr(name) })
}

func (e *element) HasClass(class string) bool {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	return e.sel().HasClass(class)
}

func (e *element) AddClass(classes ...string) {
	e.d.mutate(false, func() { e.sel().AddClass(classes...) })
}

func (e *element) RemoveClass(classes ...string) {
	e.d.mutate(false, func() { e.sel().RemoveClass(classes...) })
}

func (e *element) Style(prop string) string {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	return parseStyle(attr(e.n, "style")).get(prop)
}

func (e *element) SetStyle(prop, value string) {
	e.d.mutate(false, func() {
		st := parseStyle(attr(e.n, "style"))
		st.set(prop, value)
		e.sel().SetAttr("style", st.String())
	})
}

func (e *element) RemoveStyle(prop string) {
	e.d.mutate(false, func() {
		st := parseStyle(attr(e.n, "style"))
		st.remove(prop)
		if len(st) == 0 {
			e.sel().RemoveAttr("style")
			return
		}
		e.sel().SetAttr("style", st.String())
	})
}

// displayNone must be called with the lock held; it walks ancestors.
func displayNone(n *html.Node) bool {
	for p := n; p != nil && p.Type == html.ElementNode; p = p.Parent {
		if hasAttr(p, "hidden") {
			return true
		}
		if parseStyle(attr(p, "style")).get("display") == "none" {
			return true
		}
		if p.DataAtom == atom.Input && strings.EqualFold(attr(p, "type"), "hidden") {
			return true
		}
	}
	return false
}

func visibilityHidden(n *html.Node) bool {
	for p := n; p != nil && p.Type == html.ElementNode; p = p.Parent {
		switch parseStyle(attr(p, "style")).get("visibility") {
		case "hidden", "collapse":
			return true
		case "visible":
			return false
		}
	}
	return false
}

func (e *element) ComputedHidden() bool {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	return displayNone(e.n) || visibilityHidden(e.n)
}

func (e *element) Box() dom.Rect {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	if displayNone(e.n) {
		return dom.Rect{}
	}
	st := parseStyle(attr(e.n, "style"))
	box := e.d.defaultBox
	if w, ok := pixels(st.get("width")); ok {
		box.Width = w
	}
	if h, ok := pixels(st.get("height")); ok {
		box.Height = h
	}
	return box
}

func pixels(v string) (float64, bool) {
	v = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(v), "px"))
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	return f, err == nil
}

func (e *element) Disabled() bool {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	return hasAttr(e.n, "disabled")
}

func (e *element) SetDisabled(disabled bool) {
	if disabled {
		e.SetAttr("disabled", "")
		return
	}
	e.RemoveAttr("disabled")
}

// optionValue must be called with the lock held.
func optionValue(n *html.Node) string {
	if hasAttr(n, "value") {
		return attr(n, "value")
	}
	return strings.TrimSpace(goquery.NewDocumentFromNode(n).Text())
}

// valueOf must be called with the lock held.
func (d *Document) valueOf(n *html.Node) string {
	switch n.DataAtom {
	case atom.Select:
		if d.noSelection[n] {
			return ""
		}
		opts := d.queryAll(n, "option")
		for _, o := range opts {
			if hasAttr(o, "selected") {
				return optionValue(o)
			}
		}
		if len(opts) > 0 {
			return optionValue(opts[0])
		}
		return ""
	case atom.Textarea:
		return goquery.NewDocumentFromNode(n).Text()
	case atom.Option:
		return optionValue(n)
	default:
		return attr(n, "value")
	}
}

func (e *element) Value() string {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	return e.d.valueOf(e.n)
}

func (e *element) SetValue(value string) {
	e.d.mutate(false, func() {
		switch e.n.DataAtom {
		case atom.Select:
			matched := false
			for _, o := range e.d.queryAll(e.n, "option") {
				os := goquery.NewDocumentFromNode(o).Selection
				if !matched && optionValue(o) == value {
					os.SetAttr("selected", "")
					matched = true
					continue
				}
				os.RemoveAttr("selected")
			}
			e.d.noSelection[e.n] = !matched
		case atom.Textarea:
			e.sel().SetText(value)
		default:
			e.sel().SetAttr("value", value)
		}
	})
}

func (e *element) Checked() bool {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	return hasAttr(e.n, "checked")
}

func (e *element) Options() []dom.Element {
	if e.n.DataAtom != atom.Select {
		return nil
	}
	e.d.mu.Lock()
	nodes := e.d.queryAll(e.n, "option")
	e.d.mu.Unlock()
	return e.d.wrapAll(nodes)
}

func (e *element) AppendOption(value, label string, attrs map[string]string) dom.Element {
	opt := &html.Node{Type: html.ElementNode, Data: "option", DataAtom: atom.Option}
	opt.Attr = append(opt.Attr, html.Attribute{Key: "value", Val: value})
	for k, v := range attrs {
		opt.Attr = append(opt.Attr, html.Attribute{Key: k, Val: v})
	}
	opt.AppendChild(&html.Node{Type: html.TextNode, Data: label})

	e.d.mutate(true, func() { e.n.AppendChild(opt) })
	return e.d.wrap(opt)
}

func (e *element) Text() string {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	return e.sel().Text()
}

func (e *element) SetText(text string) {
	e.d.mutate(true, func() { e.sel().SetText(text) })
}

func (e *element) Parent() dom.Element {
	e.d.mu.Lock()
	p := e.n.Parent
	e.d.mu.Unlock()
	if p == nil || p.Type != html.ElementNode {
		return nil
	}
	return e.d.wrap(p)
}

func (e *element) Closest(selector string) dom.Element {
	sel := compile(selector)
	if sel == nil {
		return nil
	}
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	for p := e.n; p != nil && p.Type == html.ElementNode; p = p.Parent {
		if sel.Match(p) {
			return e.d.wrap(p)
		}
	}
	return nil
}

func (e *element) QueryAll(selector string) []dom.Element {
	e.d.mu.Lock()
	nodes := e.d.queryAll(e.n, selector)
	e.d.mu.Unlock()
	return e.d.wrapAll(nodes)
}

func (e *element) Matches(selector string) bool {
	sel := compile(selector)
	if sel == nil {
		return false
	}
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	return sel.Match(e.n)
}

func (e *element) Remove() {
	e.d.mutate(true, func() {
		if e.n.Parent != nil {
			e.n.Parent.RemoveChild(e.n)
		}
	})
}

func (e *element) Dispatch(events ...string) {
	e.d.dispatch(e.n, events...)
}

func (e *element) Click() {
	e.d.mu.Lock()
	typ := strings.ToLower(attr(e.n, "type"))
	disabled := hasAttr(e.n, "disabled")
	tag := e.n.DataAtom
	var form *html.Node
	for p := e.n.Parent; p != nil; p = p.Parent {
		if p.DataAtom == atom.Form {
			form = p
			break
		}
	}
	e.d.mu.Unlock()

	if disabled {
		return
	}

	switch {
	case tag == atom.Input && typ == "radio":
		e.d.mutate(false, func() {
			name := attr(e.n, "name")
			scope := e.d.root.Nodes[0]
			if form != nil {
				scope = form
			}
			for _, r := range e.d.queryAll(scope, `input[type="radio"]`) {
				if attr(r, "name") == name {
					goquery.NewDocumentFromNode(r).Selection.RemoveAttr("checked")
				}
			}
			e.sel().SetAttr("checked", "")
		})
		e.d.dispatch(e.n, "click", "input", "change")
	case tag == atom.Input && typ == "checkbox":
		e.d.mutate(false, func() {
			if hasAttr(e.n, "checked") {
				e.sel().RemoveAttr("checked")
			} else {
				e.sel().SetAttr("checked", "")
			}
		})
		e.d.dispatch(e.n, "click", "input", "change")
	case (tag == atom.Button && (typ == "" || typ == "submit")) || (tag == atom.Input && typ == "submit"):
		e.d.dispatch(e.n, "click")
		if form != nil {
			e.d.requestSubmit(form)
		}
	default:
		e.d.dispatch(e.n, "click")
	}
}

func (e *element) ReportValidity() bool {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()

	radioGroups := make(map[string]bool)
	for _, n := range e.d.queryAll(e.n, "[required]") {
		if hasAttr(n, "disabled") {
			continue
		}
		if strings.EqualFold(attr(n, "type"), "radio") {
			name := attr(n, "name")
			radioGroups[name] = radioGroups[name] || hasAttr(n, "checked")
			continue
		}
		if strings.TrimSpace(e.d.valueOf(n)) == "" {
			return false
		}
	}
	for _, ok := range radioGroups {
		if !ok {
			return false
		}
	}
	return true
}

func (e *element) NativeSubmit() error {
	if e.n.DataAtom != atom.Form {
		return dom.ErrDetached
	}
	e.d.submit(e.n)
	return nil
}
