package htmldoc

import (
	"encoding/json"

	"github.com/dop251/goja"

	. "github.com/roelfdiedericks/centerhelper/internal/logging"
)

// evalScriptGlobals runs inline page scripts in a bare JS runtime and returns
// the JSON-shaped globals they defined. Scripts that throw are skipped; the
// rest still run. Functions and values that cannot be serialized are dropped.
func evalScriptGlobals(sources []string) map[string]any {
	out := make(map[string]any)
	if len(sources) == 0 {
		return out
	}

	vm := goja.New()
	global := vm.GlobalObject()
	baseline := make(map[string]bool)
	for _, k := range global.Keys() {
		baseline[k] = true
	}
	_ = global.Set("window", global)
	_ = global.Set("self", global)
	baseline["window"] = true
	baseline["self"] = true

	for i, src := range sources {
		runScript(vm, i, src)
	}

	for _, k := range global.Keys() {
		if baseline[k] {
			continue
		}
		v := global.Get(k)
		if v == nil || goja.IsUndefined(v) {
			continue
		}
		if _, isFunc := goja.AssertFunction(v); isFunc {
			continue
		}
		if val, ok := normalize(v.Export()); ok {
			out[k] = val
		}
	}
	return out
}

func runScript(vm *goja.Runtime, index int, src string) {
	defer func() {
		if r := recover(); r != nil {
			L_debug("htmldoc: script panicked", "index", index, "panic", r)
		}
	}()
	if _, err := vm.RunString(src); err != nil {
		L_debug("htmldoc: script failed", "index", index, "error", err)
	}
}

// normalize round-trips v through JSON so every value has the shapes
// dom.Globals promises.
func normalize(v any) (any, bool) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false
	}
	return out, true
}
