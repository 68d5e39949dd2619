package override

import (
	"reflect"
	"testing"

	"github.com/roelfdiedericks/centerhelper/internal/dom"
	"github.com/roelfdiedericks/centerhelper/internal/dom/htmldoc"
)

func TestApply(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		name        string
		manual      any
		free        any
		wantChanged bool
		wantManual  []any
		wantFree    []any
	}{
		{"both missing", nil, nil, true, []any{"BD"}, []any{}},
		{"already enforced", []any{"SA", "BD"}, []any{"KW"}, false, []any{"SA", "BD"}, []any{"KW"}},
		{"free missing only", []any{"BD"}, nil, false, []any{"BD"}, []any{}},
		{"add to manual", []any{"SA"}, []any{}, true, []any{"SA", "BD"}, []any{}},
		{"strip aliases", []any{"BD"}, []any{"bd", "KW", "Bangladesh", "BD", float64(3)}, true,
			[]any{"BD"}, []any{"KW", float64(3)}},
		{"manual not an array", "BD", []any{}, true, []any{"BD"}, []any{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := htmldoc.MustParse(`<html></html>`)
			if tt.manual != nil {
				doc.SetGlobal(p.ManualKey, tt.manual)
			}
			if tt.free != nil {
				doc.SetGlobal(p.DefaultKey, tt.free)
			}
			g := doc.Globals()

			changed, err := p.Apply(g)
			if err != nil {
				t.Fatal(err)
			}
			if changed != tt.wantChanged {
				t.Errorf("changed = %v, want %v", changed, tt.wantChanged)
			}
			s := p.ReadState(g)
			if !reflect.DeepEqual(s.Manual, tt.wantManual) {
				t.Errorf("manual = %v, want %v", s.Manual, tt.wantManual)
			}
			if !reflect.DeepEqual(s.Default, tt.wantFree) {
				t.Errorf("free = %v, want %v", s.Default, tt.wantFree)
			}
			if !s.Enforced(p) {
				t.Error("state not enforced after Apply")
			}

			again, _ := p.Apply(g)
			if again {
				t.Error("second Apply reported a change")
			}
		})
	}
}

const bookingPage = `<html><body>
<form class="booking-appointment-form">
  <select id="id_country" name="country">
    <option value="">---</option>
    <option value="BD" selected>Bangladesh</option>
  </select>
  <div class="medical-center-field">
    <select id="id_medical_center" name="medical_center" disabled required>
      <option value="">Auto assign</option>
      <option value="323">Al-Madina</option>
    </select>
    <p class="field-error-message">Manual selection is not available for auto-assign countries.</p>
    <p class="field-error-message">Something else</p>
  </div>
  <button type="submit" disabled>Book</button>
</form>
</body></html>`

func TestSubmitGuardAndHandleSubmit(t *testing.T) {
	p := DefaultPolicy()
	doc := htmldoc.MustParse(bookingPage)

	if p.Holds(doc) {
		t.Fatal("guard should not hold with the default selection")
	}

	sel := doc.ByID(SelectionID)
	sel.SetValue("323")
	if !p.Holds(doc) {
		t.Fatal("guard should hold with a manual pick")
	}

	form := doc.Query(FormSelector)
	submitted, err := p.HandleSubmit(doc, form)
	if err != nil || !submitted {
		t.Fatalf("HandleSubmit = %v, %v", submitted, err)
	}
	subs := doc.Submissions()
	if len(subs) != 1 || subs[0].Fields["medical_center"] != "323" {
		t.Fatalf("submissions = %+v", subs)
	}
	if doc.Query(`button[type="submit"]`).Disabled() {
		t.Error("submit button still disabled")
	}
	if n := len(doc.QueryAll(".field-error-message")); n != 1 {
		t.Errorf("error messages left = %d, want 1", n)
	}
}

func TestHandleSubmitRespectsValidity(t *testing.T) {
	p := DefaultPolicy()
	doc := htmldoc.MustParse(bookingPage)
	submitted, err := p.HandleSubmit(doc, doc.Query(FormSelector))
	if err != nil {
		t.Fatal(err)
	}
	if submitted || len(doc.Submissions()) != 0 {
		t.Error("invalid form was submitted")
	}
}

func TestInterceptClaimsOnlyWhenGuardHolds(t *testing.T) {
	p := DefaultPolicy()
	doc := htmldoc.MustParse(bookingPage)
	claimed := 0
	doc.InterceptSubmit(FormSelector, p.SubmitGuard(), func(dom.Element) { claimed++ })

	btn := doc.Query(`button[type="submit"]`)
	btn.SetDisabled(false)

	btn.Click()
	if claimed != 0 || len(doc.Submissions()) != 1 {
		t.Errorf("default selection: claimed=%d submissions=%d", claimed, len(doc.Submissions()))
	}

	doc.ByID(SelectionID).SetValue("323")
	btn.Click()
	if claimed != 1 || len(doc.Submissions()) != 1 {
		t.Errorf("manual selection: claimed=%d submissions=%d", claimed, len(doc.Submissions()))
	}
}
