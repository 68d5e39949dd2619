package runner

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/roelfdiedericks/centerhelper/internal/dom/htmldoc"
	"github.com/roelfdiedericks/centerhelper/internal/override"
)

const bookingForm = `<html><body>
<form class="booking-appointment-form">
  <select id="id_country" name="country">
    <option value="">---</option><option value="BD">Bangladesh</option>
  </select>
  <select id="id_city" name="city">
    <option value="">---</option><option value="77">Dhaka</option>
  </select>
  <select id="id_traveled_country" name="traveled_country">
    <option value="">---</option><option value="SA">Saudi Arabia</option>
  </select>
  <input type="radio" name="appointment_type" value="standard" checked>
  <input type="radio" name="appointment_type" value="premium">
  <input name="first_name"><input name="last_name">
  <select name="gender"><option value="">---</option><option value="m">Male</option><option value="f">Female</option></select>
  <input id="passport">
  <select id="id_medical_center" name="medical_center">
    <option value="">Auto assign</option><option value="323">Al-Madina</option>
  </select>
  <button type="submit">Book appointment</button>
</form>
</body></html>`

func fastOptions() Options {
	return Options{PollInterval: 5 * time.Millisecond, PollCeiling: 200 * time.Millisecond}
}

func TestRowUnmarshal(t *testing.T) {
	var row Row
	err := json.Unmarshal([]byte(`{"city": 77, "first_name": "Rahim", "premium": false, "note": null, "medical_center": "323", "passport": 9007199254740993}`), &row)
	if err != nil {
		t.Fatal(err)
	}
	want := Row{"city": "77", "first_name": "Rahim", "premium": "false", "medical_center": "323", "passport": "9007199254740993"}
	if !reflect.DeepEqual(row, want) {
		t.Errorf("row = %v, want %v", row, want)
	}
}

func TestRecordNotFoundFailsBeforeSubmit(t *testing.T) {
	doc := htmldoc.MustParse(bookingForm)
	run := New(doc, Row{"country": "BD", "medical_center": "999999"}, fastOptions())
	out := run.Start(context.Background())

	want := Outcome{OK: false, Error: "medical_center code not found: 999999"}
	if out != want {
		t.Errorf("outcome = %+v, want %+v", out, want)
	}
	if len(doc.Submissions()) != 0 {
		t.Error("form was submitted")
	}
	for _, s := range run.History() {
		if s == Submitting {
			t.Error("run reached SUBMITTING")
		}
	}
	if run.State() != Failure {
		t.Errorf("state = %s", run.State())
	}
}

func TestFillSubmitAndSucceed(t *testing.T) {
	doc := htmldoc.MustParse(bookingForm)
	doc.OnSubmitted = func(htmldoc.Submission) {
		_ = doc.AppendHTML("body", `<div class="booking-number">B-1234</div>`)
	}
	row := Row{
		"country":          "BD",
		"city":             "77",
		"traveled_country": "SA",
		"appointment_type": "Premium",
		"first_name":       "Rahim",
		"gender":           "female",
		"passport":         "A1234567",
		"medical_center":   "323",
		"unknown_field":    "ignored",
	}
	run := New(doc, row, fastOptions())
	out := run.Start(context.Background())
	if out != (Outcome{OK: true}) {
		t.Fatalf("outcome = %+v", out)
	}

	subs := doc.Submissions()
	if len(subs) != 1 {
		t.Fatalf("submissions = %d", len(subs))
	}
	fields := subs[0].Fields
	for k, want := range map[string]string{
		"country": "BD", "city": "77", "traveled_country": "SA", "appointment_type": "premium",
		"first_name": "Rahim", "gender": "f", "medical_center": "323",
	} {
		if fields[k] != want {
			t.Errorf("field %s = %q, want %q", k, fields[k], want)
		}
	}
	if v, _ := doc.ByID("passport").Attr("value"); v != "A1234567" {
		t.Errorf("passport by id = %q", v)
	}

	wantHistory := []State{Idle, FillingBasicFields, SettingTargetRecord, Submitting, AwaitingOutcome, Success}
	if !reflect.DeepEqual(run.History(), wantHistory) {
		t.Errorf("history = %v", run.History())
	}
}

func TestPauseAndResume(t *testing.T) {
	doc := htmldoc.MustParse(bookingForm)
	opts := fastOptions()
	opts.PauseForManualStep = true
	run := New(doc, Row{"medical_center": "323"}, opts)

	out := run.Start(context.Background())
	if out != (Outcome{OK: true, Paused: true}) {
		t.Fatalf("outcome = %+v", out)
	}
	if len(doc.Submissions()) != 0 {
		t.Fatal("paused run submitted")
	}

	doc.OnSubmitted = func(htmldoc.Submission) {
		_ = doc.AppendHTML("body", `<p>Your appointment is confirmed.</p>`)
	}
	if out := run.Resume(context.Background()); out != (Outcome{OK: true}) {
		t.Errorf("resume outcome = %+v", out)
	}
	if out := run.Resume(context.Background()); out.OK {
		t.Error("second resume should fail")
	}
}

func TestTimeoutWithoutConfirmation(t *testing.T) {
	doc := htmldoc.MustParse(bookingForm)
	run := New(doc, Row{}, fastOptions())
	out := run.Start(context.Background())
	if out != (Outcome{OK: false, Error: TimeoutMessage}) {
		t.Errorf("outcome = %+v", out)
	}
	if run.State() != Timeout {
		t.Errorf("state = %s", run.State())
	}
}

func TestSubmitNotFound(t *testing.T) {
	doc := htmldoc.MustParse(`<form><input name="first_name"><button type="button">Cancel</button></form>`)
	out := Execute(context.Background(), doc, Row{"first_name": "x"}, fastOptions())
	if out.OK || out.Error != ErrSubmitNotFound.Error() {
		t.Errorf("outcome = %+v", out)
	}
}

func TestFindSubmitByText(t *testing.T) {
	doc := htmldoc.MustParse(`<button type="button">Back</button><button type="button">Confirm booking</button>`)
	btn := FindSubmit(doc)
	if btn == nil || btn.Text() != "Confirm booking" {
		t.Errorf("FindSubmit = %v", btn)
	}
}

func TestOverrideAppliedBeforeFill(t *testing.T) {
	doc := htmldoc.MustParse(bookingForm)
	p := override.DefaultPolicy()
	opts := fastOptions()
	opts.Override = &p
	opts.PauseForManualStep = true
	Execute(context.Background(), doc, Row{}, opts)
	if s := p.ReadState(doc.Globals()); !s.Enforced(p) {
		t.Error("override not applied")
	}
}

func TestDiscoverPayment(t *testing.T) {
	t.Run("immediate", func(t *testing.T) {
		doc := htmldoc.MustParse(`<div data-payment-id="PAY-1"></div>`)
		p, err := DiscoverPayment(context.Background(), doc, time.Second)
		if err != nil || p != "PAY-1" {
			t.Errorf("DiscoverPayment = %q, %v", p, err)
		}
	})

	t.Run("after mutation", func(t *testing.T) {
		doc := htmldoc.MustParse(`<div id="root"></div>`)
		go func() {
			time.Sleep(20 * time.Millisecond)
			_ = doc.AppendHTML("#root", `<a class="payment" href="https://pay.example/x">Pay</a>`)
		}()
		p, err := DiscoverPayment(context.Background(), doc, 2*time.Second)
		if err != nil || p != "https://pay.example/x" {
			t.Errorf("DiscoverPayment = %q, %v", p, err)
		}
		if doc.ObserverCount() != 0 {
			t.Error("observer leaked")
		}
	})

	t.Run("timeout", func(t *testing.T) {
		doc := htmldoc.MustParse(`<div id="root"></div>`)
		_, err := DiscoverPayment(context.Background(), doc, 20*time.Millisecond)
		if !errors.Is(err, ErrPaymentNotFound) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestConcurrentResumeSubmitsOnce(t *testing.T) {
	doc := htmldoc.MustParse(bookingForm)
	opts := fastOptions()
	opts.PauseForManualStep = true
	run := New(doc, Row{"medical_center": "323"}, opts)
	if out := run.Start(context.Background()); !out.Paused {
		t.Fatalf("outcome = %+v", out)
	}
	doc.OnSubmitted = func(htmldoc.Submission) {
		_ = doc.AppendHTML("body", `<p>Your appointment is confirmed.</p>`)
	}

	outs := make(chan Outcome, 8)
	var wg sync.WaitGroup
	for i := 0; i < cap(outs); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outs <- run.Resume(context.Background())
		}()
	}
	wg.Wait()
	close(outs)

	ok := 0
	for out := range outs {
		if out.OK {
			ok++
		}
	}
	if ok != 1 {
		t.Errorf("successful resumes = %d, want 1", ok)
	}
	if n := len(doc.Submissions()); n != 1 {
		t.Errorf("submissions = %d, want 1", n)
	}
}
