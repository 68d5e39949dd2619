package resolve

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/roelfdiedericks/centerhelper/internal/dom"
	"github.com/roelfdiedericks/centerhelper/internal/dom/htmldoc"
	"github.com/roelfdiedericks/centerhelper/internal/records"
)

func numericOptions(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, `<option value="%d">Center %d</option>`, 1000+i, i)
	}
	return b.String()
}

func TestScoreFixtures(t *testing.T) {
	many := make([]string, 40)
	for i := range many {
		many[i] = fmt.Sprintf("%d", 1000+i)
	}

	tests := []struct {
		name string
		f    Features
		want int
	}{
		{"medical_center with 40 numeric options", Features{
			ID: "id_medical_center", Name: "medical_center", OptionValues: many, Width: 200, Height: 30,
		}, 12},
		{"clinic only, few codes", Features{
			ID: "clinic", OptionValues: []string{"", "123", "12"}, Width: 200, Height: 30,
		}, 3},
		{"hidden and tiny", Features{
			ID: "id_medical_center", Hidden: true,
		}, 8 - 2 - 1},
		{"no affinity", Features{
			Name: "city", OptionValues: []string{"1", "2"}, Width: 200, Height: 30,
		}, 0},
		{"six codes is more than five", Features{
			Name: "x", OptionValues: []string{"100", "101", "102", "103", "104", " 105 "}, Width: 40, Height: 10,
		}, 3},
		{"narrow", Features{
			Name: "center", Width: 39, Height: 30,
		}, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Score(tt.f); got != tt.want {
				t.Errorf("Score() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestFeaturesOfLiveControl(t *testing.T) {
	doc := htmldoc.MustParse(`<select id="id_medical_center" name="medical_center" style="width: 200px; height: 30px">` +
		numericOptions(40) + `</select>`)
	el := doc.ByID("id_medical_center")
	if got := Score(FeaturesOf(el)); got != 12 {
		t.Errorf("Score(FeaturesOf) = %d, want 12", got)
	}
}

func TestPick(t *testing.T) {
	doc := htmldoc.MustParse(`<select id="a"></select><select id="b"></select><select id="c"></select>`)
	a, b, c := doc.ByID("a"), doc.ByID("b"), doc.ByID("c")
	all := []dom.Element{a, b, c}

	tests := []struct {
		name   string
		scores []int
		want   dom.Element
	}{
		{"strict max", []int{3, 7, 5}, b},
		{"tie goes to first", []int{2, 6, 6}, b},
		{"nothing positive falls back to first", []int{0, -1, 0}, a},
		{"last wins when highest", []int{1, 1, 9}, c},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Pick(all, tt.scores); !dom.Same(got, tt.want) {
				t.Errorf("Pick() = %v, want %v", got.Key(), tt.want.Key())
			}
		})
	}
	if Pick(nil, nil) != nil {
		t.Error("Pick(nil) should be nil")
	}
}

func TestCollectDeduplicatesInPreferenceOrder(t *testing.T) {
	doc := htmldoc.MustParse(`
		<select name="premium_medical_center" id="p"></select>
		<select id="clinic_list"></select>
		<select id="id_medical_center" name="medical_center"></select>
		<select id="id_city"></select>`)
	got := Collect(doc)
	var ids []string
	for _, el := range got {
		id, _ := el.Attr("id")
		ids = append(ids, id)
	}
	// id*="center" runs before name*="center", clinic selectors come last.
	want := []string{"id_medical_center", "p", "clinic_list"}
	if strings.Join(ids, ",") != strings.Join(want, ",") {
		t.Errorf("Collect() = %v, want %v", ids, want)
	}
}

func TestResolvePrefersHighestScore(t *testing.T) {
	doc := htmldoc.MustParse(`
		<select id="clinic_list">` + numericOptions(3) + `</select>
		<select id="id_medical_center" name="medical_center">` + numericOptions(10) + `</select>`)
	if got := Resolve(doc); !dom.Same(got, doc.ByID("id_medical_center")) {
		t.Errorf("Resolve() picked %v", idOf(got))
	}
	if Resolve(htmldoc.MustParse(`<select id="city"></select>`)) != nil {
		t.Error("Resolve() on a page without candidates should be nil")
	}
}

func TestWaitForTarget(t *testing.T) {
	t.Run("appears later", func(t *testing.T) {
		doc := htmldoc.MustParse(`<div id="root"></div>`)
		go func() {
			time.Sleep(20 * time.Millisecond)
			_ = doc.AppendHTML("#root", `<select id="id_medical_center"></select>`)
		}()
		el := WaitForTarget(context.Background(), doc, 2*time.Second)
		if el == nil {
			t.Fatal("expected target")
		}
		if doc.ObserverCount() != 0 {
			t.Errorf("observer leaked: %d", doc.ObserverCount())
		}
	})

	t.Run("timeout", func(t *testing.T) {
		doc := htmldoc.MustParse(`<div id="root"></div>`)
		start := time.Now()
		if el := WaitForTarget(context.Background(), doc, 30*time.Millisecond); el != nil {
			t.Fatal("expected no target")
		}
		if time.Since(start) < 30*time.Millisecond {
			t.Error("returned before timeout")
		}
		if doc.ObserverCount() != 0 {
			t.Errorf("observer leaked: %d", doc.ObserverCount())
		}
		// Later mutations must not reach a released observer.
		_ = doc.AppendHTML("#root", `<select id="id_medical_center"></select>`)
	})

	t.Run("cancelled", func(t *testing.T) {
		doc := htmldoc.MustParse(`<div id="root"></div>`)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if el := WaitForTarget(ctx, doc, time.Minute); el != nil {
			t.Fatal("expected no target")
		}
		if doc.ObserverCount() != 0 {
			t.Errorf("observer leaked: %d", doc.ObserverCount())
		}
	})

	t.Run("immediate", func(t *testing.T) {
		doc := htmldoc.MustParse(`<select name="medical_center"></select>`)
		if WaitForTarget(context.Background(), doc, time.Millisecond) == nil {
			t.Fatal("expected immediate target")
		}
	})
}

const lockedPage = `<html><body>
<form class="booking-appointment-form">
<select id="id_city"><option value="77" selected>Dhaka</option></select>
<select id="id_traveled_country"><option value="BD" selected>Bangladesh</option></select>
<div class="medical-center-field disabled">
  <div class="field readonly" style="display: none">
    <label style="opacity: 0.4">Medical center</label>
    <select id="id_medical_center" name="medical_center" disabled style="display: none"></select>
    <span class="assigned-message">Assigned by the system</span>
  </div>
</div>
</form>
<script>
var CITY_MEDICAL_CENTERS = {"77": [["323", "Al-Madina Medical Services", "x", "BD"]]};
</script>
</body></html>`

func TestScenarioUnlockAndAugment(t *testing.T) {
	doc := htmldoc.MustParse(lockedPage)
	el := Resolve(doc)
	if !dom.Same(el, doc.ByID("id_medical_center")) {
		t.Fatal("target not resolved")
	}

	EnsureUsable(el)
	Augment(doc, el, records.Source{})

	if el.Disabled() {
		t.Error("control still disabled")
	}
	if el.ComputedHidden() {
		t.Error("control still hidden")
	}
	opts := el.Options()
	if len(opts) != 1 || opts[0].Value() != "323" {
		t.Fatalf("options = %d, want exactly one injected 323", len(opts))
	}
	if v, _ := opts[0].Attr(OptionAttr); v != "true" {
		t.Error("injected option not tagged")
	}
	if doc.Query(".medical-center-field").HasClass("disabled") {
		t.Error("wrapper marker class not removed")
	}
	notice := doc.Query(".assigned-message")
	if !notice.HasClass(HiddenClass) || !notice.ComputedHidden() {
		t.Error("notice not hidden")
	}
	if doc.Query("label").Style("opacity") != "" {
		t.Error("label opacity not cleared")
	}
}

func TestEnsureUsableIdempotent(t *testing.T) {
	doc := htmldoc.MustParse(lockedPage)
	el := doc.ByID("id_medical_center")
	EnsureUsable(el)
	before := doc.HTML()
	EnsureUsable(el)
	if doc.HTML() != before {
		t.Error("second EnsureUsable changed the document")
	}
}

func TestAugmentIdempotentAndKeepsHostOptions(t *testing.T) {
	doc := htmldoc.MustParse(`
		<select id="id_medical_center">
			<option value="">Auto assign</option>
			<option value="324">Host Option</option>
		</select>`, htmldoc.WithoutScripts())
	el := doc.ByID("id_medical_center")
	src := records.Source{Fallback: []records.Group{{Label: "T", Records: []records.Record{
		{Value: "323", Name: "A"}, {Value: "324", Name: "Dup"}, {Value: "325", Name: "C"},
	}}}}

	if n := Augment(doc, el, src); n != 2 {
		t.Errorf("first Augment injected %d, want 2", n)
	}
	el.SetValue("325")
	first := optionValues(el)

	Augment(doc, el, src)
	if got := optionValues(el); got != first {
		t.Errorf("second Augment changed options: %s -> %s", first, got)
	}
	if el.Value() != "325" {
		t.Errorf("selection not restored, got %q", el.Value())
	}
	host := doc.Query(`option[value="324"]`)
	if _, tagged := host.Attr(OptionAttr); tagged || host.Text() != "Host Option" {
		t.Error("host option was modified")
	}
}

func TestChoose(t *testing.T) {
	doc := htmldoc.MustParse(`<select id="id_medical_center"><option value="">Auto assign</option></select>`)
	el := doc.ByID("id_medical_center")
	if err := Choose(el, records.Record{Value: " 323 ", Name: "Al-Madina"}); err != nil {
		t.Fatal(err)
	}
	if el.Value() != "323" {
		t.Errorf("value = %q", el.Value())
	}
	if got := doc.EventsFor(el); strings.Join(got, ",") != "input,change" {
		t.Errorf("events = %v", got)
	}
	if err := Choose(nil, records.Record{Value: "1"}); err != ErrNoTarget {
		t.Errorf("Choose(nil) = %v", err)
	}
}

func optionValues(el dom.Element) string {
	var vals []string
	for _, o := range el.Options() {
		vals = append(vals, o.Value())
	}
	return strings.Join(vals, ",")
}

func TestAugmentKeepsWantedOptionsInPlace(t *testing.T) {
	doc := htmldoc.MustParse(`<select id="id_medical_center"><option value="">Auto assign</option></select>`, htmldoc.WithoutScripts())
	el := doc.ByID("id_medical_center")
	src := records.Source{Fallback: []records.Group{{Label: "T", Records: []records.Record{
		{Value: "323", Name: "A"}, {Value: "325", Name: "C"},
	}}}}
	Augment(doc, el, src)
	kept := doc.Query(`option[value="323"]`)

	src.Fallback[0].Records = []records.Record{{Value: "323", Name: "A"}, {Value: "326", Name: "D"}}
	if n := Augment(doc, el, src); n != 1 {
		t.Errorf("injected %d, want 1", n)
	}
	if !dom.Same(doc.Query(`option[value="323"]`), kept) {
		t.Error("wanted option was re-created")
	}
	if got := optionValues(el); got != ",323,326" {
		t.Errorf("options = %s", got)
	}
}

func TestChooseLeavesHostOptionAlone(t *testing.T) {
	doc := htmldoc.MustParse(`<select id="id_medical_center"><option value="">Auto assign</option><option value="324">Host Option</option></select>`, htmldoc.WithoutScripts())
	el := doc.ByID("id_medical_center")
	if err := Choose(el, records.Record{Value: "324", Name: "Renamed"}); err != nil {
		t.Fatal(err)
	}
	Augment(doc, el, records.Source{Fallback: []records.Group{{Label: "T", Records: []records.Record{{Value: "1", Name: "X"}}}}})

	host := doc.Query(`option[value="324"]`)
	if host == nil {
		t.Fatal("host option removed")
	}
	if _, tagged := host.Attr(OptionAttr); tagged || host.Text() != "Host Option" {
		t.Error("host option was modified")
	}
	if el.Value() != "324" {
		t.Errorf("value = %q", el.Value())
	}
}
