package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTemp(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "sub", "journal.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestRunLifecycle(t *testing.T) {
	j := openTemp(t)
	ctx := context.Background()
	t0 := time.UnixMilli(1_700_000_000_000)

	if err := j.RecordStart("r1", "https://wafid.com/book-appointment/", t0); err != nil {
		t.Fatal(err)
	}
	if err := j.RecordOutcome("r1", true, true, "", t0.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	r, err := j.Get(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if !r.Paused || r.Done() {
		t.Errorf("paused run = %+v", r)
	}

	if err := j.RecordOutcome("r1", true, false, "", t0.Add(2*time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := j.RecordPayment("r1", "PAY-1", "", t0.Add(3*time.Second)); err != nil {
		t.Fatal(err)
	}
	r, err = j.Get(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	want := Run{
		RequestID: "r1",
		URL:       "https://wafid.com/book-appointment/",
		Started:   t0,
		Finished:  t0.Add(2 * time.Second),
		OK:        true,
		Payment:   "PAY-1",
	}
	if !r.Done() {
		t.Error("finished run not done")
	}
	if !r.Started.Equal(want.Started) || !r.Finished.Equal(want.Finished) {
		t.Errorf("times = %v..%v, want %v..%v", r.Started, r.Finished, want.Started, want.Finished)
	}
	r.Started, r.Finished, want.Started, want.Finished = time.Time{}, time.Time{}, time.Time{}, time.Time{}
	if r != want {
		t.Errorf("run = %+v\nwant %+v", r, want)
	}
}

func TestOutcomeWithoutStart(t *testing.T) {
	j := openTemp(t)
	at := time.UnixMilli(1_700_000_000_000)
	if err := j.RecordOutcome("orphan", false, false, "medical_center code not found: 999999", at); err != nil {
		t.Fatal(err)
	}
	r, err := j.Get(context.Background(), "orphan")
	if err != nil {
		t.Fatal(err)
	}
	if r.OK || r.Error != "medical_center code not found: 999999" || !r.Started.Equal(at) {
		t.Errorf("run = %+v", r)
	}
}

func TestListNewestFirst(t *testing.T) {
	j := openTemp(t)
	base := time.UnixMilli(1_700_000_000_000)
	for i, id := range []string{"a", "b", "c"} {
		if err := j.RecordStart(id, "", base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatal(err)
		}
	}
	runs, err := j.List(context.Background(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].RequestID != "c" || runs[1].RequestID != "b" {
		t.Errorf("runs = %+v", runs)
	}
	all, _ := j.List(context.Background(), 0)
	if len(all) != 3 {
		t.Errorf("all = %d", len(all))
	}
}

func TestGetUnknown(t *testing.T) {
	j := openTemp(t)
	if _, err := j.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestReopenKeepsSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := j.RecordStart("keep", "u", time.Now()); err != nil {
		t.Fatal(err)
	}
	j.Close()

	j, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	if _, err := j.Get(context.Background(), "keep"); err != nil {
		t.Errorf("after reopen: %v", err)
	}
}

func TestPruneKeepsOpenRuns(t *testing.T) {
	j := openTemp(t)
	ctx := context.Background()
	old := time.UnixMilli(1_600_000_000_000)
	recent := time.UnixMilli(1_700_000_000_000)

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(j.RecordStart("old-done", "u", old))
	must(j.RecordOutcome("old-done", true, false, "", old.Add(time.Second)))
	must(j.RecordStart("old-open", "u", old))
	must(j.RecordStart("old-paused", "u", old))
	must(j.RecordOutcome("old-paused", true, true, "", old.Add(time.Second)))
	must(j.RecordStart("new-done", "u", recent))
	must(j.RecordOutcome("new-done", false, false, "boom", recent.Add(time.Second)))

	n, err := j.Prune(ctx, recent.Add(-time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("Prune = %d, %v", n, err)
	}
	if _, err := j.Get(ctx, "old-done"); !errors.Is(err, ErrNotFound) {
		t.Errorf("old-done still present: %v", err)
	}
	runs, _ := j.List(ctx, 0)
	if len(runs) != 3 {
		t.Errorf("left %d runs", len(runs))
	}
}
