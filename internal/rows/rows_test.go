package rows

import (
	"reflect"
	"strings"
	"testing"

	"github.com/roelfdiedericks/centerhelper/internal/runner"
)

func TestParse(t *testing.T) {
	doc := `{"applicants": [
		{"name": "Rahim", "passport": "A123", "medical_center": 323, "premium": false},
		{"name": "Karim", "passport": null, "medical_center": "999999"}
	]}`

	tests := []struct {
		name  string
		data  string
		query string
		want  []runner.Row
	}{
		{
			name: "single object",
			data: `{"country": "BD", "medical_center": 323}`,
			want: []runner.Row{{"country": "BD", "medical_center": "323"}},
		},
		{
			name:  "long numbers keep their digits",
			data:  `{"applicant": {"national_id": 19876543210987654321, "passport": 9007199254740993}}`,
			query: ".applicant",
			want:  []runner.Row{{"national_id": "19876543210987654321", "passport": "9007199254740993"}},
		},
		{
			name: "array",
			data: `[{"a": "1"}, {"a": 2}]`,
			want: []runner.Row{{"a": "1"}, {"a": "2"}},
		},
		{
			name:  "stream",
			data:  doc,
			query: ".applicants[]",
			want: []runner.Row{
				{"name": "Rahim", "passport": "A123", "medical_center": "323", "premium": "false"},
				{"name": "Karim", "medical_center": "999999"},
			},
		},
		{
			name:  "mapped array",
			data:  doc,
			query: `[.applicants[] | {first_name: .name, medical_center}]`,
			want: []runner.Row{
				{"first_name": "Rahim", "medical_center": "323"},
				{"first_name": "Karim", "medical_center": "999999"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse([]byte(tt.data), tt.query)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v\nwant %v", got, tt.want)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name, data, query, want string
	}{
		{"bad json", `{`, "", "invalid JSON"},
		{"trailing data", `{} {}`, "", "invalid JSON"},
		{"bad query", `{}`, ".[", "invalid jq query"},
		{"runtime error", `{"a": 1}`, ".a[]", "jq error"},
		{"not an object", `[1]`, "", "row 1: expected object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), tt.query)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
}
