package inspect

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/roelfdiedericks/centerhelper/internal/override"
	"github.com/roelfdiedericks/centerhelper/internal/records"
)

const savedPage = `<!DOCTYPE html>
<html><head>
<script>
var MANUAL_MEDICAL_CENTER_COUNTRIES = ["SA", "BD"];
var FREE_MEDICAL_CENTER_COUNTRIES = ["PK"];
</script>
</head><body>
<form class="booking-appointment-form">
  <select id="id_country" name="country">
    <option value="BD" selected>Bangladesh</option>
  </select>
  <select id="id_city" name="city"><option value="77" selected>Dhaka</option></select>
  <select id="id_medical_center" name="medical_center">
    <option value="">Auto assign</option><option value="323" selected>Al-Madina</option>
  </select>
  <select id="clinic_hint" name="clinic_hint" style="display:none"><option>x</option></select>
</form>
<div class="booking-number">B-7</div>
<a class="payment" href="https://pay.example/p/7">Pay</a>
</body></html>`

func TestBytesReportsPage(t *testing.T) {
	r, err := Bytes([]byte(savedPage), override.DefaultPolicy(), records.Source{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(r.MIME, "text/html") {
		t.Errorf("mime = %q", r.MIME)
	}

	var target *Candidate
	for i := range r.Candidates {
		if r.Candidates[i].Target {
			if target != nil {
				t.Fatal("more than one target")
			}
			target = &r.Candidates[i]
		}
	}
	if target == nil || target.ID != "id_medical_center" || target.Score != 9 {
		t.Fatalf("target = %+v, candidates %+v", target, r.Candidates)
	}

	if r.Selection.City != "77" {
		t.Errorf("selection = %+v", r.Selection)
	}
	if r.Dynamic || r.Records == 0 {
		t.Errorf("expected catalog records, got dynamic=%v records=%d", r.Dynamic, r.Records)
	}
	if !r.Override || !r.Guard {
		t.Errorf("override=%v guard=%v", r.Override, r.Guard)
	}
	if !r.Succeeded || r.Payment != "https://pay.example/p/7" {
		t.Errorf("succeeded=%v payment=%q", r.Succeeded, r.Payment)
	}
}

func TestBytesRejectsNonHTML(t *testing.T) {
	_, err := Bytes([]byte(`{"not": "html"}`), override.DefaultPolicy(), records.Source{})
	if !errors.Is(err, ErrNotHTML) {
		t.Errorf("err = %v", err)
	}
}

func TestFileAndRender(t *testing.T) {
	path := filepath.Join(t.TempDir(), "page.html")
	if err := os.WriteFile(path, []byte(savedPage), 0600); err != nil {
		t.Fatal(err)
	}
	r, err := File(path, override.DefaultPolicy(), records.Source{})
	if err != nil {
		t.Fatal(err)
	}
	if r.Path != path {
		t.Errorf("path = %q", r.Path)
	}

	var js bytes.Buffer
	if err := r.Render(&js, false); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(js.String(), `"overrideEnforced": true`) {
		t.Errorf("json output:\n%s", js.String())
	}

	var pretty bytes.Buffer
	if err := r.Render(&pretty, true); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"id_medical_center", "target", "records"} {
		if !strings.Contains(pretty.String(), want) {
			t.Errorf("table output missing %q:\n%s", want, pretty.String())
		}
	}
}
