package runner

import (
	"strings"

	"github.com/roelfdiedericks/centerhelper/internal/dom"
	. "github.com/roelfdiedericks/centerhelper/internal/logging"
)

type fieldSpec struct {
	field     string
	selectors []string
}

// fieldMap is filled after the basic fields, in this order. Each field tries
// its selectors until one control accepts the value.
var fieldMap = []fieldSpec{
	{"first_name", []string{`input[name="first_name"]`, "#first_name"}},
	{"last_name", []string{`input[name="last_name"]`, "#last_name"}},
	{"dob", []string{`input[name="dob"]`, "#dob", `input[type="date"][name="dob"]`}},
	{"nationality", []string{`select[name="nationality"]`, "#nationality"}},
	{"gender", []string{`select[name="gender"]`, "#gender"}},
	{"marital_status", []string{`select[name="marital_status"]`, "#marital_status"}},
	{"passport", []string{`input[name="passport"]`, "#passport"}},
	{"confirm_passport", []string{`input[name="confirm_passport"]`, "#confirm_passport"}},
	{"passport_issue_date", []string{`input[name="passport_issue_date"]`, "#passport_issue_date"}},
	{"passport_issue_place", []string{`input[name="passport_issue_place"]`, "#passport_issue_place"}},
	{"passport_expiry_on", []string{`input[name="passport_expiry_on"]`, "#passport_expiry_on"}},
	{"visa_type", []string{`select[name="visa_type"]`, "#visa_type"}},
	{"email", []string{`input[name="email"]`, "#email"}},
	{"phone", []string{`input[name="phone"]`, "#phone"}},
	{"national_id", []string{`input[name="national_id"]`, "#national_id"}},
	{"applied_position", []string{`select[name="applied_position"]`, "#applied_position"}},
	{"appointment_date", []string{`input[name="appointment_date"]`, "#appointment_date", `input[type="date"][name="appointment_date"]`}},
}

// FieldNames lists every row field the runner knows, basic fields first.
func FieldNames() []string {
	names := []string{"country", "city", "traveled_country", "appointment_type", "medical_center", "premium_medical_center"}
	for _, f := range fieldMap {
		names = append(names, f.field)
	}
	return names
}

// fillBasics fills the itinerary selects, the appointment type and the field
// map. It returns how many fields were applied.
func (r *Run) fillBasics() int {
	filled := 0
	for _, f := range []struct{ field, selector string }{
		{"country", `#id_country, select[name="country"]`},
		{"city", `#id_city, select[name="city"]`},
		{"traveled_country", `#id_traveled_country, select[name="traveled_country"]`},
	} {
		if v := r.row.Get(f.field); v != "" && selectByValue(r.doc.Query(f.selector), v) {
			filled++
		}
	}

	if v := r.row.Get("appointment_type"); v != "" {
		if radioByValue(r.doc, "appointment_type", v) ||
			selectByValue(r.doc.Query(`#appointment_type, select[name="appointment_type"]`), v) {
			filled++
		}
	}

	for _, f := range fieldMap {
		v := r.row.Get(f.field)
		if v == "" {
			continue
		}
		if r.fillField(f, v) {
			filled++
		} else {
			L_trace("runner: no control for field", "field", f.field)
		}
	}
	return filled
}

func (r *Run) fillField(f fieldSpec, v string) bool {
	for _, sel := range f.selectors {
		el := r.doc.Query(sel)
		if el == nil {
			continue
		}
		switch {
		case el.Tag() == "select":
			if selectByValue(el, v) || selectByLabel(el, v) {
				return true
			}
		case isRadio(el):
			name, _ := el.Attr("name")
			if radioByValue(r.doc, name, v) {
				return true
			}
		default:
			setInput(el, v)
			return true
		}
	}
	return false
}

func isRadio(el dom.Element) bool {
	typ, _ := el.Attr("type")
	return el.Tag() == "input" && strings.EqualFold(typ, "radio")
}

// selectByValue selects the option whose trimmed value equals v.
func selectByValue(el dom.Element, v string) bool {
	if el == nil {
		return false
	}
	v = strings.TrimSpace(v)
	for _, o := range el.Options() {
		if strings.TrimSpace(o.Value()) == v {
			el.SetValue(o.Value())
			el.Dispatch("change")
			return true
		}
	}
	return false
}

// selectByLabel selects the option whose text equals v, ignoring case.
func selectByLabel(el dom.Element, v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	for _, o := range el.Options() {
		if strings.ToLower(strings.TrimSpace(o.Text())) == v {
			el.SetValue(o.Value())
			el.Dispatch("change")
			return true
		}
	}
	return false
}

// radioByValue clicks the radio of group name whose value equals v, ignoring
// case.
func radioByValue(doc dom.Document, name, v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	for _, r := range doc.QueryAll(`input[type="radio"]`) {
		if n, _ := r.Attr("name"); n != name {
			continue
		}
		if strings.ToLower(strings.TrimSpace(r.Value())) == v {
			r.Click()
			return true
		}
	}
	return false
}

func setInput(el dom.Element, v string) {
	el.SetValue(v)
	el.Dispatch("input", "change")
}
