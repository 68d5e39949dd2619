package htmldoc

import (
	"reflect"
	"testing"

	"github.com/roelfdiedericks/centerhelper/internal/dom"
)

const page = `<!doctype html>
<html><head>
<script>
var CITY_MEDICAL_CENTERS = {"77": [["101", "Alpha Clinic", "", "BD"]]};
var MANUAL_MEDICAL_CENTER_COUNTRIES = ["SA", "KW"];
function helper() { return 1; }
</script>
<script>throw new Error("broken widget");</script>
<script src="/static/app.js"></script>
</head><body>
<form id="booking" action="/book">
  <select id="id_traveled_country" name="traveled_country">
    <option value="">---</option>
    <option value="BD" selected>Bangladesh</option>
  </select>
  <select id="id_medical_center" name="medical_center" required>
    <option value="">Let the system decide</option>
    <optgroup label="Dhaka"><option value="101">Alpha Clinic</option></optgroup>
  </select>
  <input type="radio" name="appointment_type" value="standard" checked>
  <input type="radio" name="appointment_type" value="premium">
  <input type="hidden" name="csrf" value="tok">
  <input type="text" name="note" disabled value="skip">
  <div style="display: none"><span id="inner">x</span></div>
  <div id="sized" style="width: 300px; height: 40px; visibility: hidden"></div>
  <button id="go">Book</button>
</form>
</body></html>`

func TestScriptGlobals(t *testing.T) {
	d := MustParse(page)
	g := d.Globals()

	v, ok := g.Get("MANUAL_MEDICAL_CENTER_COUNTRIES")
	if !ok {
		t.Fatal("expected MANUAL_MEDICAL_CENTER_COUNTRIES global")
	}
	got, ok := dom.StringSlice(v)
	if !ok || !reflect.DeepEqual(got, []string{"SA", "KW"}) {
		t.Errorf("MANUAL_MEDICAL_CENTER_COUNTRIES = %v", v)
	}
	if _, ok := g.Get("helper"); ok {
		t.Error("functions should not be exported as globals")
	}
	if _, ok := g.Get("CITY_MEDICAL_CENTERS"); !ok {
		t.Error("expected CITY_MEDICAL_CENTERS global")
	}

	noScripts := MustParse(page, WithoutScripts())
	if _, ok := noScripts.Globals().Get("CITY_MEDICAL_CENTERS"); ok {
		t.Error("WithoutScripts should skip evaluation")
	}
}

func TestSelectValue(t *testing.T) {
	d := MustParse(page)
	country := d.ByID("id_traveled_country")
	if country.Value() != "BD" {
		t.Errorf("country = %q, want BD", country.Value())
	}

	center := d.ByID("id_medical_center")
	if center.Value() != "" {
		t.Errorf("default selection = %q, want empty", center.Value())
	}
	if n := len(center.Options()); n != 2 {
		t.Errorf("options = %d, want 2 (optgroup included)", n)
	}

	center.SetValue("101")
	if center.Value() != "101" {
		t.Errorf("after SetValue = %q", center.Value())
	}
	center.SetValue("999")
	if center.Value() != "" {
		t.Errorf("unknown value should clear selection, got %q", center.Value())
	}

	opt := center.AppendOption("999", "Late Clinic", map[string]string{"data-src": "catalog"})
	if v, _ := opt.Attr("data-src"); v != "catalog" {
		t.Errorf("option attr = %q", v)
	}
	center.SetValue("999")
	if center.Value() != "999" {
		t.Errorf("appended option not selectable, got %q", center.Value())
	}
}

func TestVisibilityAndBox(t *testing.T) {
	d := MustParse(page)

	tests := []struct {
		name   string
		el     dom.Element
		hidden bool
		box    dom.Rect
	}{
		{"visible select", d.ByID("id_medical_center"), false, DefaultBox},
		{"display none ancestor", d.ByID("inner"), true, dom.Rect{}},
		{"visibility hidden keeps box", d.ByID("sized"), true, dom.Rect{Width: 300, Height: 40}},
		{"hidden input", d.Query(`input[name="csrf"]`), true, dom.Rect{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.el.ComputedHidden(); got != tt.hidden {
				t.Errorf("ComputedHidden() = %v, want %v", got, tt.hidden)
			}
			if got := tt.el.Box(); got != tt.box {
				t.Errorf("Box() = %+v, want %+v", got, tt.box)
			}
		})
	}
}

func TestStyleEditing(t *testing.T) {
	d := MustParse(page)
	el := d.ByID("sized")
	el.SetStyle("visibility", "visible")
	el.SetStyle("pointer-events", "auto")
	if el.ComputedHidden() {
		t.Error("expected visible after SetStyle")
	}
	el.RemoveStyle("pointer-events")
	if el.Style("pointer-events") != "" {
		t.Error("RemoveStyle did not remove property")
	}
	if el.Style("width") != "300px" {
		t.Errorf("width = %q, other properties must survive", el.Style("width"))
	}
}

func TestObserveStructuralOnly(t *testing.T) {
	d := MustParse(page)
	calls := 0
	cancel := d.Observe(func() { calls++ })

	d.ByID("sized").SetAttr("data-x", "1")
	if calls != 0 {
		t.Errorf("attribute edit notified observers")
	}
	if err := d.AppendHTML("#booking", `<p>re-render</p>`); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}

	cancel()
	cancel()
	if d.ObserverCount() != 0 {
		t.Errorf("ObserverCount = %d after cancel", d.ObserverCount())
	}
	d.ByID("inner").Remove()
	if calls != 1 {
		t.Errorf("cancelled observer still called")
	}
}

func TestRadioClickAndChange(t *testing.T) {
	d := MustParse(page)
	var changed []string
	d.OnChange(`input[name="appointment_type"]`, func(el dom.Element) {
		changed = append(changed, el.Value())
	})

	premium := d.Query(`input[value="premium"]`)
	premium.Click()

	if !premium.Checked() {
		t.Error("premium not checked after click")
	}
	if d.Query(`input[value="standard"]`).Checked() {
		t.Error("standard still checked")
	}
	if !reflect.DeepEqual(changed, []string{"premium"}) {
		t.Errorf("change listener saw %v", changed)
	}
	if got := d.EventsFor(premium); !reflect.DeepEqual(got, []string{"click", "input", "change"}) {
		t.Errorf("events = %v", got)
	}
}

func TestSubmitAndIntercept(t *testing.T) {
	d := MustParse(page)
	guard := dom.SubmitGuard{
		CountryID:    "id_traveled_country",
		Country:      "BD",
		SelectionID:  "id_medical_center",
		DefaultLabel: "Let the system decide",
	}
	var claimed int
	d.InterceptSubmit("#booking", guard, func(dom.Element) { claimed++ })

	// No manual choice: the guard does not hold, native submit goes through.
	d.ByID("go").Click()
	if claimed != 0 || len(d.Submissions()) != 1 {
		t.Fatalf("claimed=%d submissions=%d", claimed, len(d.Submissions()))
	}
	fields := d.Submissions()[0].Fields
	if fields["csrf"] != "tok" || fields["appointment_type"] != "standard" {
		t.Errorf("fields = %v", fields)
	}
	if _, ok := fields["note"]; ok {
		t.Error("disabled field was submitted")
	}

	d.ByID("id_medical_center").SetValue("101")
	d.ByID("go").Click()
	if claimed != 1 || len(d.Submissions()) != 1 {
		t.Errorf("guarded submit: claimed=%d submissions=%d", claimed, len(d.Submissions()))
	}
}

func TestReportValidity(t *testing.T) {
	d := MustParse(page)
	form := d.ByID("booking")
	if form.ReportValidity() {
		t.Error("empty required select should fail validation")
	}
	d.ByID("id_medical_center").SetValue("101")
	if !form.ReportValidity() {
		t.Error("expected valid form")
	}
	if err := form.NativeSubmit(); err != nil {
		t.Fatal(err)
	}
	if got := d.Submissions()[0].Fields["medical_center"]; got != "101" {
		t.Errorf("medical_center = %q", got)
	}
}
