package agent

import (
	"context"
	"testing"
	"time"

	"github.com/roelfdiedericks/centerhelper/internal/dom/htmldoc"
	"github.com/roelfdiedericks/centerhelper/internal/override"
	"github.com/roelfdiedericks/centerhelper/internal/resolve"
	"github.com/roelfdiedericks/centerhelper/internal/runner"
)

const hostPage = `<html><body>
<form class="booking-appointment-form">
  <select id="id_country" name="country">
    <option value="">---</option><option value="BD" selected>Bangladesh</option>
  </select>
  <select id="id_city" name="city">
    <option value="77" selected>Dhaka</option><option value="78">Sylhet</option>
  </select>
  <select id="id_traveled_country" name="traveled_country">
    <option value="BD" selected>Bangladesh</option>
  </select>
  <div class="medical-center-field disabled">
    <select id="id_medical_center" name="medical_center" disabled style="display: none" required>
      <option value="">Auto assign</option>
    </select>
  </div>
  <button type="submit">Book</button>
</form>
<script>
var FREE_MEDICAL_CENTER_COUNTRIES = ["BD", "KW"];
var CITY_MEDICAL_CENTERS = {
  "77": [["323", "Al-Madina Medical Services", "x", "BD"]],
  "78": [["501", "Sylhet Care", "x", "BD"], ["502", "Sylhet Plus", "x", "BD"]]
};
</script>
</body></html>`

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSupported(t *testing.T) {
	cfg := DefaultAgentConfig()
	tests := []struct {
		url  string
		want bool
	}{
		{"https://wafid.com/book-appointment/", true},
		{"https://wafid.com/appointment/status", true},
		{"https://WAFID.com/appointment", true},
		{"https://wafid.com/", false},
		{"https://evil.example/book-appointment/", false},
		{"https://sub.wafid.com/appointment", false},
		{"::not a url", false},
	}
	for _, tt := range tests {
		if got := cfg.Supported(tt.url); got != tt.want {
			t.Errorf("Supported(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

func TestSync(t *testing.T) {
	doc := htmldoc.MustParse(hostPage)
	a := New(doc, DefaultAgentConfig())

	candidates := a.Sync()
	if len(candidates) != 1 {
		t.Fatalf("candidates = %d", len(candidates))
	}
	target := a.Target()
	if target == nil {
		t.Fatal("no target")
	}
	if target.Disabled() || target.ComputedHidden() {
		t.Error("target not unlocked")
	}
	if n := len(target.QueryAll(`option[` + resolve.OptionAttr + `]`)); n != 1 {
		t.Errorf("injected options = %d, want 1", n)
	}
	if recs := a.Records(); len(recs) != 1 || recs[0].Value != "323" {
		t.Errorf("records = %v", recs)
	}

	p := override.DefaultPolicy()
	if !p.ReadState(doc.Globals()).Enforced(p) {
		t.Error("override not enforced by sync")
	}
}

func TestChangeTriggersSync(t *testing.T) {
	doc := htmldoc.MustParse(hostPage)
	a := New(doc, DefaultAgentConfig())
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer a.Stop()

	eventually(t, "first sync", func() bool { return a.Passes() > 0 })

	city := doc.ByID("id_city")
	city.SetValue("78")
	city.Dispatch("change")

	eventually(t, "city records", func() bool {
		recs := a.Records()
		return len(recs) == 2 && recs[0].Value == "501"
	})
	target := a.Target()
	if n := len(target.QueryAll(`option[` + resolve.OptionAttr + `]`)); n != 2 {
		t.Errorf("injected options after city change = %d", n)
	}
}

func TestPickAndSubmitTakeover(t *testing.T) {
	doc := htmldoc.MustParse(hostPage)
	a := New(doc, DefaultAgentConfig())
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer a.Stop()
	eventually(t, "first sync", func() bool { return a.Target() != nil })

	if err := a.Pick("323"); err != nil {
		t.Fatal(err)
	}
	if v := doc.ByID("id_medical_center").Value(); v != "323" {
		t.Fatalf("selection = %q", v)
	}
	if err := a.Pick("nope"); err == nil {
		t.Error("unknown pick should fail")
	}

	// The host re-disables the control; the takeover re-enables and submits.
	doc.ByID("id_medical_center").SetDisabled(true)
	doc.Query(`button[type="submit"]`).Click()

	eventually(t, "native submission", func() bool { return len(doc.Submissions()) == 1 })
	if got := doc.Submissions()[0].Fields["medical_center"]; got != "323" {
		t.Errorf("submitted medical_center = %q", got)
	}
}

func TestPickWithoutTarget(t *testing.T) {
	a := New(htmldoc.MustParse(`<html><body></body></html>`), DefaultAgentConfig())
	if err := a.Pick("323"); err != resolve.ErrNoTarget {
		t.Errorf("Pick() = %v, want ErrNoTarget", err)
	}
}

func TestRunRowScenarioRecordNotFound(t *testing.T) {
	doc := htmldoc.MustParse(hostPage)
	a := New(doc, DefaultAgentConfig())
	a.Sync()

	opts := runner.Options{PollInterval: 5 * time.Millisecond, PollCeiling: 50 * time.Millisecond}
	_, out := a.RunRow(context.Background(), runner.Row{"medical_center": "999999"}, opts)
	if out != (runner.Outcome{OK: false, Error: "medical_center code not found: 999999"}) {
		t.Errorf("outcome = %+v", out)
	}
	if len(doc.Submissions()) != 0 {
		t.Error("submitted")
	}
}

func TestStopReleasesHooks(t *testing.T) {
	doc := htmldoc.MustParse(`<html><body><div id="root"></div></body></html>`)
	cfg := DefaultAgentConfig()
	cfg.WaitTimeout = time.Minute
	a := New(doc, cfg)
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := a.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
	eventually(t, "observer", func() bool { return doc.ObserverCount() == 1 })
	a.Stop()
	if doc.ObserverCount() != 0 {
		t.Errorf("observers after Stop = %d", doc.ObserverCount())
	}
	a.Stop()
}

func TestRunsDoNotRaceSync(t *testing.T) {
	doc := htmldoc.MustParse(hostPage)
	a := New(doc, DefaultAgentConfig())
	a.Sync()

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				a.Sync()
			}
		}
	}()
	defer func() {
		close(stop)
		<-done
	}()

	opts := runner.Options{PauseForManualStep: true}
	for i := 0; i < 300; i++ {
		out := a.NewRun(runner.Row{"medical_center": "323"}, opts).Start(context.Background())
		if !out.OK || !out.Paused {
			t.Fatalf("run %d: outcome = %+v", i, out)
		}
	}
}
