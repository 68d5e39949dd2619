package runner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Row is one form-filling attempt: a sparse set of named field values. Absent
// or empty fields are skipped.
type Row map[string]string

// UnmarshalJSON accepts strings, numbers and booleans; nulls are dropped.
// Numbers keep their literal digits, so long passport or ID numbers survive.
func (r *Row) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("decode row: %w", err)
	}
	out := make(Row, len(raw))
	for k, v := range raw {
		switch t := v.(type) {
		case nil:
			continue
		case string:
			out[k] = t
		case json.Number:
			out[k] = t.String()
		case bool:
			out[k] = strconv.FormatBool(t)
		default:
			b, err := json.Marshal(t)
			if err != nil {
				return fmt.Errorf("decode row field %q: %w", k, err)
			}
			out[k] = string(b)
		}
	}
	*r = out
	return nil
}

// Get returns the trimmed value of field.
func (r Row) Get(field string) string {
	return strings.TrimSpace(r[field])
}
