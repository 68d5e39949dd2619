package htmldoc

import "strings"

type styleProp struct {
	name  string
	value string
}

// inlineStyle is a parsed style attribute; declaration order is preserved.
type inlineStyle []styleProp

func parseStyle(s string) inlineStyle {
	var st inlineStyle
	for _, decl := range strings.Split(s, ";") {
		name, value, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(value), "!important"))
		if name == "" {
			continue
		}
		st.set(name, value)
	}
	return st
}

func (st inlineStyle) get(name string) string {
	name = strings.ToLower(name)
	for _, p := range st {
		if p.name == name {
			return strings.ToLower(strings.TrimSpace(p.value))
		}
	}
	return ""
}

func (st *inlineStyle) set(name, value string) {
	name = strings.ToLower(name)
	for i, p := range *st {
		if p.name == name {
			(*st)[i].value = value
			return
		}
	}
	*st = append(*st, styleProp{name: name, value: value})
}

func (st *inlineStyle) remove(name string) {
	name = strings.ToLower(name)
	out := (*st)[:0]
	for _, p := range *st {
		if p.name != name {
			out = append(out, p)
		}
	}
	*st = out
}

func (st inlineStyle) String() string {
	parts := make([]string, 0, len(st))
	for _, p := range st {
		parts = append(parts, p.name+": "+p.value)
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, "; ") + ";"
}
