// Package records provides the selectable medical-center records injected into
// the target control: the host page's per-city dataset when present, else the
// embedded static catalog.
package records

import (
	_ "embed"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/roelfdiedericks/centerhelper/internal/dom"
	. "github.com/roelfdiedericks/centerhelper/internal/logging"
)

// Dataset globals published by the host page, keyed by city value.
const (
	StandardDatasetKey = "CITY_MEDICAL_CENTERS"
	PremiumDatasetKey  = "CITY_PREMIUM_MEDICAL_CENTERS"
)

// Record is one selectable option.
type Record struct {
	Value string `yaml:"value" json:"value"`
	Name  string `yaml:"name" json:"name"`
}

// Group is a labelled list of records.
type Group struct {
	Label   string   `yaml:"label" json:"label"`
	Records []Record `yaml:"records" json:"records"`
}

//go:embed catalog.yaml
var catalogYAML []byte

var (
	catalogOnce sync.Once
	catalog     []Group
	catalogErr  error
)

// ParseCatalog decodes a catalog document.
func ParseCatalog(data []byte) ([]Group, error) {
	var doc struct {
		Groups []Group `yaml:"groups"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return doc.Groups, nil
}

// Catalog returns the embedded static catalog. The result is shared; callers
// must not modify it.
func Catalog() []Group {
	catalogOnce.Do(func() {
		catalog, catalogErr = ParseCatalog(catalogYAML)
		if catalogErr != nil {
			L_error("records: embedded catalog is invalid", "error", catalogErr)
		}
	})
	return catalog
}

// Flatten concatenates the records of all groups in order.
func Flatten(groups []Group) []Record {
	var out []Record
	for _, g := range groups {
		out = append(out, g.Records...)
	}
	return out
}

// FromDataset reads the host page's city dataset. Entries are arrays of the
// shape [value, label, _, destination]; only entries for destination
// (case-insensitive) with a non-empty value and a string label are kept. The
// first occurrence of a value wins.
func FromDataset(globals dom.Globals, city, destination string, premium bool) []Record {
	if globals == nil || city == "" || destination == "" {
		return nil
	}
	key := StandardDatasetKey
	if premium {
		key = PremiumDatasetKey
	}
	raw, ok := globals.Get(key)
	if !ok {
		return nil
	}
	dataset, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	entries, ok := dataset[city].([]any)
	if !ok {
		return nil
	}

	want := strings.ToUpper(destination)
	seen := make(map[string]bool)
	var out []Record
	for _, e := range entries {
		entry, ok := e.([]any)
		if !ok || len(entry) < 4 {
			continue
		}
		if strings.ToUpper(scalar(entry[3])) != want {
			continue
		}
		value := scalar(entry[0])
		label, isString := entry[1].(string)
		if value == "" || !isString {
			continue
		}
		if seen[value] {
			continue
		}
		seen[value] = true
		out = append(out, Record{Value: value, Name: label})
	}
	return out
}

func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

// Selection is the upstream state that picks a dataset slice.
type Selection struct {
	City        string
	Destination string
	Premium     bool
}

// Source resolves the applicable record set for a document.
type Source struct {
	// Fallback is used when the page carries no dataset for the selection.
	// Nil means the embedded catalog.
	Fallback []Group
}

// SelectionOf reads the companion controls: #id_city, #id_traveled_country and
// the checked appointment_type radio.
func SelectionOf(doc dom.Document) Selection {
	var sel Selection
	if el := doc.ByID("id_city"); el != nil {
		sel.City = strings.TrimSpace(el.Value())
	}
	if el := doc.ByID("id_traveled_country"); el != nil {
		sel.Destination = strings.TrimSpace(el.Value())
	}
	for _, r := range doc.QueryAll(`input[name="appointment_type"]`) {
		if r.Checked() {
			sel.Premium = r.Value() == "premium"
			break
		}
	}
	return sel
}

// Dynamic returns the page dataset records for the current selection.
func (s Source) Dynamic(doc dom.Document) []Record {
	sel := SelectionOf(doc)
	return FromDataset(doc.Globals(), sel.City, sel.Destination, sel.Premium)
}

// Current returns the dynamic records, or the flattened fallback catalog when
// there are none. dynamic reports which one was used.
func (s Source) Current(doc dom.Document) (recs []Record, dynamic bool) {
	if recs := s.Dynamic(doc); len(recs) > 0 {
		return recs, true
	}
	return Flatten(s.fallback()), false
}

// Groups returns the records as presented to a picker: a single "Selected
// City" group when the page dataset applies, else the catalog groups.
func (s Source) Groups(doc dom.Document) []Group {
	if recs := s.Dynamic(doc); len(recs) > 0 {
		return []Group{{Label: "Selected City", Records: recs}}
	}
	return s.fallback()
}

func (s Source) fallback() []Group {
	if s.Fallback != nil {
		return s.Fallback
	}
	return Catalog()
}

// Find looks a value up in groups.
func Find(groups []Group, value string) (Record, bool) {
	value = strings.TrimSpace(value)
	for _, g := range groups {
		for _, r := range g.Records {
			if r.Value == value {
				return r, true
			}
		}
	}
	return Record{}, false
}

// Filter keeps records whose "value name" contains term (case-insensitive) and
// drops groups left empty. An empty term keeps everything.
func Filter(groups []Group, term string) []Group {
	term = strings.ToLower(strings.TrimSpace(term))
	var out []Group
	for _, g := range groups {
		var kept []Record
		for _, r := range g.Records {
			if term == "" || strings.Contains(strings.ToLower(r.Value+" "+r.Name), term) {
				kept = append(kept, r)
			}
		}
		if len(kept) > 0 {
			out = append(out, Group{Label: g.Label, Records: kept})
		}
	}
	return out
}
