// Package inspect analyses a saved booking page offline: which control the
// resolution engine would pick, which records apply, whether the override
// holds and what a finished page would report.
package inspect

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/roelfdiedericks/centerhelper/internal/dom"
	"github.com/roelfdiedericks/centerhelper/internal/dom/htmldoc"
	"github.com/roelfdiedericks/centerhelper/internal/override"
	"github.com/roelfdiedericks/centerhelper/internal/records"
	"github.com/roelfdiedericks/centerhelper/internal/resolve"
	"github.com/roelfdiedericks/centerhelper/internal/runner"
	"github.com/roelfdiedericks/centerhelper/internal/ui"
)

// ErrNotHTML is returned for files that do not sniff as HTML.
var ErrNotHTML = errors.New("not an HTML document")

// Candidate is one scored control.
type Candidate struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name,omitempty"`
	Score   int    `json:"score"`
	Hidden  bool   `json:"hidden"`
	Options int    `json:"options"`
	Target  bool   `json:"target"`
}

// Report is the result of analysing one page.
type Report struct {
	Path       string            `json:"path,omitempty"`
	MIME       string            `json:"mime"`
	Candidates []Candidate       `json:"candidates"`
	Selection  records.Selection `json:"selection"`
	Records    int               `json:"records"`
	Dynamic    bool              `json:"dynamic"`
	Override   bool              `json:"overrideEnforced"`
	Guard      bool              `json:"submitGuardHolds"`
	Succeeded  bool              `json:"succeeded"`
	Payment    string            `json:"payment,omitempty"`
}

// File sniffs and analyses the file at path.
func File(path string, policy override.Policy, source records.Source) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	r, err := Bytes(data, policy, source)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r.Path = path
	return r, nil
}

// Bytes analyses an in-memory page.
func Bytes(data []byte, policy override.Policy, source records.Source) (*Report, error) {
	mt := mimetype.Detect(data)
	if !mt.Is("text/html") && !mt.Is("application/xhtml+xml") {
		return nil, fmt.Errorf("%w: %s", ErrNotHTML, mt.String())
	}
	doc, err := htmldoc.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	r := Analyze(doc, policy, source)
	r.MIME = mt.String()
	return r, nil
}

// Analyze reports on any document without changing it.
func Analyze(doc dom.Document, policy override.Policy, source records.Source) *Report {
	r := &Report{}
	target := resolve.Resolve(doc)
	for _, el := range resolve.Collect(doc) {
		f := resolve.FeaturesOf(el)
		r.Candidates = append(r.Candidates, Candidate{
			ID:      f.ID,
			Name:    f.Name,
			Score:   resolve.Score(f),
			Hidden:  f.Hidden,
			Options: len(f.OptionValues),
			Target:  dom.Same(el, target),
		})
	}

	r.Selection = records.SelectionOf(doc)
	recs, dynamic := source.Current(doc)
	r.Records, r.Dynamic = len(recs), dynamic

	r.Override = policy.ReadState(doc.Globals()).Enforced(policy)
	r.Guard = policy.Holds(doc)
	r.Succeeded = runner.Succeeded(doc)
	r.Payment, _ = runner.FindPayment(doc)
	return r
}

// Render writes the report as tables, or as JSON when pretty is false.
func (r *Report) Render(w io.Writer, pretty bool) error {
	if !pretty {
		return ui.JSON(w, r)
	}

	rows := make([][]string, 0, len(r.Candidates))
	for _, c := range r.Candidates {
		mark := ""
		if c.Target {
			mark = ui.OKStyle.Render("target")
		}
		rows = append(rows, []string{c.ID, c.Name, strconv.Itoa(c.Score), yesNo(c.Hidden), strconv.Itoa(c.Options), mark})
	}

	var b strings.Builder
	title := "page"
	if r.Path != "" {
		title = r.Path
	}
	fmt.Fprintln(&b, ui.TitleStyle.Render(title)+ui.DimStyle.Render(" "+r.MIME))
	if len(rows) == 0 {
		fmt.Fprintln(&b, ui.WarnStyle.Render("no candidate controls"))
	} else {
		fmt.Fprintln(&b, ui.Table([]string{"id", "name", "score", "hidden", "options", ""}, rows))
	}

	source := "catalog"
	if r.Dynamic {
		source = "page dataset"
	}
	fmt.Fprintln(&b, ui.Table([]string{"check", "result"}, [][]string{
		{"selection", fmt.Sprintf("city=%q destination=%q premium=%v", r.Selection.City, r.Selection.Destination, r.Selection.Premium)},
		{"records", fmt.Sprintf("%d from %s", r.Records, source)},
		{"override", ui.Status(r.Override, "enforced", "not enforced")},
		{"submit guard", ui.Status(r.Guard, "holds", "does not hold")},
		{"success", ui.Status(r.Succeeded, "shown", "not shown")},
		{"payment", r.Payment},
	}))
	_, err := io.WriteString(w, b.String())
	return err
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
