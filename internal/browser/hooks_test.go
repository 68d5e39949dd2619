package browser

import (
	"strings"
	"testing"

	"github.com/roelfdiedericks/centerhelper/internal/dom"
)

func TestRegisterScript(t *testing.T) {
	cfg := newInterceptConfig("form.booking-appointment-form", dom.SubmitGuard{
		CountryID: "id_country", Country: "BD", SelectionID: "id_medical_center", DefaultLabel: "auto assign",
	})
	js, err := registerScript("intercepts", "3", cfg)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`window.__wch["intercepts"]["3"]`, `"countryId":"id_country"`, `"defaultLabel":"auto assign"`} {
		if !strings.Contains(js, want) {
			t.Errorf("script %s\nmissing %s", js, want)
		}
	}
	if got := unregisterScript("changes", "1"); !strings.Contains(got, `delete window.__wch["changes"]["1"]`) {
		t.Errorf("unregister = %s", got)
	}
}

func TestParseHookEvent(t *testing.T) {
	ev, err := parseHookEvent(`{"kind":"change","id":"2","ref":"17"}`)
	if err != nil || ev != (hookEvent{Kind: "change", ID: "2", Ref: "17"}) {
		t.Errorf("ev = %+v, err = %v", ev, err)
	}
	if _, err := parseHookEvent("nope"); err == nil {
		t.Error("expected error")
	}
}

func TestHookScriptReportsThroughBinding(t *testing.T) {
	if !strings.Contains(hookScript, "window."+bindingName+"(") || !strings.Contains(hookScript, refAttr) {
		t.Error("hook script not wired to the binding")
	}
}
