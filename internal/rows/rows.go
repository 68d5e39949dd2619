// Package rows turns a JSON document into form rows, optionally reshaping
// it with a jq expression first.
package rows

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/itchyny/gojq"

	"github.com/roelfdiedericks/centerhelper/internal/runner"
)

// Parse decodes data into rows. Without a query the document must be an
// object or an array of objects. With a query, every result is treated the
// same way, so `.applicants[]` and `[.applicants[] | {...}]` both work.
func Parse(data []byte, query string) ([]runner.Row, error) {
	var input any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&input); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("invalid JSON: trailing data after the document")
	}
	input = normalize(input)

	results := []any{input}
	if query != "" {
		var err error
		if results, err = run(query, input); err != nil {
			return nil, err
		}
	}

	var out []runner.Row
	for _, res := range results {
		items, isArray := res.([]any)
		if !isArray {
			items = []any{res}
		}
		for _, item := range items {
			row, err := toRow(item)
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", len(out)+1, err)
			}
			out = append(out, row)
		}
	}
	return out, nil
}

// normalize turns decoded numbers into the types gojq works with; integers
// too large for int become *big.Int so no digits are lost.
func normalize(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return int(i)
		}
		if b, ok := new(big.Int).SetString(t.String(), 10); ok {
			return b
		}
		f, _ := t.Float64()
		return f
	case []any:
		for i := range t {
			t[i] = normalize(t[i])
		}
		return t
	case map[string]any:
		for k := range t {
			t[k] = normalize(t[k])
		}
		return t
	default:
		return v
	}
}

func run(query string, input any) ([]any, error) {
	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("invalid jq query: %w", err)
	}
	var results []any
	iter := parsed.Run(input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, fmt.Errorf("jq error: %w", err)
		}
		results = append(results, v)
	}
	return results, nil
}

// toRow reuses the row decoder so numbers and booleans are rendered the
// same way as rows arriving over the bridge.
func toRow(v any) (runner.Row, error) {
	if _, ok := v.(map[string]any); !ok {
		return nil, fmt.Errorf("expected object, got %T", v)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var row runner.Row
	if err := json.Unmarshal(b, &row); err != nil {
		return nil, err
	}
	return row, nil
}
