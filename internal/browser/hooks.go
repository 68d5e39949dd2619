package browser

import (
	"encoding/json"
	"fmt"

	"github.com/roelfdiedericks/centerhelper/internal/dom"
)

// bindingName is the page function the hook script reports through.
const bindingName = "__wchNotify"

// refAttr tags an event target so Go can look it up again.
const refAttr = "data-wch-ref"

// hookScript installs, once per document, capture-phase change and submit
// listeners. The subtree mutation observer is connected only while
// window.__wch.observers is non-empty. Listener configuration lives in
// window.__wch and is pushed by registerScript.
const hookScript = `(function () {
  if (window.__wch) return;
  var w = window.__wch = { changes: {}, intercepts: {}, seq: 0, pending: false };
  var notify = function (msg) {
    try { window.` + bindingName + `(JSON.stringify(msg)); } catch (e) {}
  };
  var ref = function (el) {
    var r = el.getAttribute("` + refAttr + `");
    if (!r) { r = String(++w.seq); el.setAttribute("` + refAttr + `", r); }
    return r;
  };
  var valueOf = function (id) {
    var el = document.getElementById(id);
    return el ? String(el.value || "") : "";
  };
  w.observers = {};
  w.sync = function () {
    var on = Object.keys(w.observers).length > 0;
    if (on && !w.mo) {
      if (!document.documentElement) { document.addEventListener("DOMContentLoaded", w.sync); return; }
      w.mo = new MutationObserver(function () {
        if (w.pending) return;
        w.pending = true;
        Promise.resolve().then(function () { w.pending = false; notify({ kind: "mutation" }); });
      });
      w.mo.observe(document.documentElement, { childList: true, subtree: true });
    } else if (!on && w.mo) {
      w.mo.disconnect();
      w.mo = null;
    }
  };
  document.addEventListener("change", function (ev) {
    var t = ev.target;
    if (!t || !t.matches) return;
    Object.keys(w.changes).forEach(function (id) {
      if (t.matches(w.changes[id])) notify({ kind: "change", id: id, ref: ref(t) });
    });
  }, true);
  document.addEventListener("submit", function (ev) {
    var f = ev.target;
    if (!f || !f.matches) return;
    Object.keys(w.intercepts).forEach(function (id) {
      var c = w.intercepts[id];
      if (!f.matches(c.form)) return;
      var sel = valueOf(c.selectionId).trim().toLowerCase();
      if (valueOf(c.countryId).trim() !== c.country || sel === "" || sel === c.defaultLabel.toLowerCase()) return;
      ev.preventDefault();
      ev.stopImmediatePropagation();
      notify({ kind: "submit", id: id, ref: ref(f) });
    });
  }, true);
})();`

type interceptConfig struct {
	Form         string `json:"form"`
	CountryID    string `json:"countryId"`
	Country      string `json:"country"`
	SelectionID  string `json:"selectionId"`
	DefaultLabel string `json:"defaultLabel"`
}

func newInterceptConfig(form string, g dom.SubmitGuard) interceptConfig {
	return interceptConfig{
		Form:         form,
		CountryID:    g.CountryID,
		Country:      g.Country,
		SelectionID:  g.SelectionID,
		DefaultLabel: g.DefaultLabel,
	}
}

// registerScript returns a statement that stores cfg under
// window.__wch[table][id]. It runs on every new document as well as the
// current one.
func registerScript(table, id string, cfg any) (string, error) {
	b, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`(function(){ if (window.__wch) { window.__wch[%q][%q] = %s; window.__wch.sync(); } })();`, table, id, b), nil
}

func unregisterScript(table, id string) string {
	return fmt.Sprintf(`(function(){ if (window.__wch) { delete window.__wch[%q][%q]; window.__wch.sync(); } })();`, table, id)
}

// hookEvent is what the hook script sends.
type hookEvent struct {
	Kind string `json:"kind"`
	ID   string `json:"id,omitempty"`
	Ref  string `json:"ref,omitempty"`
}

func parseHookEvent(payload string) (hookEvent, error) {
	var ev hookEvent
	err := json.Unmarshal([]byte(payload), &ev)
	return ev, err
}
