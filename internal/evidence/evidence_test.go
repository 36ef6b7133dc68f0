package evidence

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"lessonlens-server/internal/action"
)

type fakeSnapshotter struct {
	summaries []string
	calls     int
	err       error
}

func (f *fakeSnapshotter) DOMSummary(ctx context.Context) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	s := f.summaries[f.calls]
	if f.calls < len(f.summaries)-1 {
		f.calls++
	}
	return s, nil
}

type fakeStateReader struct {
	states []map[string]string
	calls  int
	err    error
}

func (f *fakeStateReader) ReadState(ctx context.Context) (map[string]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	s := f.states[f.calls]
	if f.calls < len(f.states)-1 {
		f.calls++
	}
	return s, nil
}

type fakeShots struct{ png []byte }

func (f *fakeShots) Screenshot(ctx context.Context) ([]byte, error) { return f.png, nil }

type fakeDescriber struct {
	text string
	err  error
}

func (f *fakeDescriber) Describe(ctx context.Context, before, after []byte, prompt string) (string, error) {
	return f.text, f.err
}

func window(id string) *action.ActionWindow {
	return &action.ActionWindow{
		ID:        id,
		SessionID: "s1",
		ClosedAt:  time.Now(),
		RawEvents: []action.RawInputEvent{
			{Type: "click", TargetTag: "DIV", TargetID: "cell-B2", AriaLabel: "B2"},
		},
	}
}

func TestStructuralAttributedChange(t *testing.T) {
	snap := &fakeSnapshotter{summaries: []string{
		"cell-A1 value=1\ncell-B2 value=\n",
		"cell-A1 value=1\ncell-B2 value=5\n",
	}}
	c := NewStructuralCollector(snap)
	w := window("w1")

	if err := c.WindowOpened(context.Background(), w); err != nil {
		t.Fatal(err)
	}
	rec, err := c.Collect(context.Background(), w)
	if err != nil {
		t.Fatal(err)
	}
	if !rec.ChangeFound {
		t.Error("expected a structural change")
	}
	if rec.Confidence != structuralAttributed {
		t.Errorf("diff names the clicked element, expected confidence %v, got %v", structuralAttributed, rec.Confidence)
	}
	if !strings.Contains(rec.Description, "cell-B2") {
		t.Errorf("description should mention the changed element, got %q", rec.Description)
	}
}

func TestStructuralUnattributedChange(t *testing.T) {
	snap := &fakeSnapshotter{summaries: []string{
		"toolbar idle\n",
		"toolbar busy\n",
	}}
	c := NewStructuralCollector(snap)
	w := window("w1")

	if err := c.WindowOpened(context.Background(), w); err != nil {
		t.Fatal(err)
	}
	rec, err := c.Collect(context.Background(), w)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Confidence != structuralUnattributed {
		t.Errorf("change does not name the target, expected confidence %v, got %v", structuralUnattributed, rec.Confidence)
	}
}

func TestStructuralNoChange(t *testing.T) {
	snap := &fakeSnapshotter{summaries: []string{"same\n", "same\n"}}
	c := NewStructuralCollector(snap)
	w := window("w1")

	if err := c.WindowOpened(context.Background(), w); err != nil {
		t.Fatal(err)
	}
	rec, err := c.Collect(context.Background(), w)
	if err != nil {
		t.Fatal(err)
	}
	if rec.ChangeFound {
		t.Error("expected no structural change")
	}
	if rec.Confidence != structuralNoChange {
		t.Errorf("expected confidence %v, got %v", structuralNoChange, rec.Confidence)
	}
}

func TestStructuralMissingBaseline(t *testing.T) {
	c := NewStructuralCollector(&fakeSnapshotter{summaries: []string{"x"}})
	if _, err := c.Collect(context.Background(), window("never-opened")); err == nil {
		t.Fatal("expected error when no baseline was captured")
	}
}

func TestStateDiff(t *testing.T) {
	reader := &fakeStateReader{states: []map[string]string{
		{"A1": "1", "B2": ""},
		{"A1": "1", "B2": "5", "C3": "new"},
	}}
	c := NewStateCollector(reader)
	w := window("w1")

	if err := c.WindowOpened(context.Background(), w); err != nil {
		t.Fatal(err)
	}
	rec, err := c.Collect(context.Background(), w)
	if err != nil {
		t.Fatal(err)
	}
	if !rec.ChangeFound || rec.Confidence != stateChanged {
		t.Errorf("expected authoritative change at confidence %v, got found=%v conf=%v",
			stateChanged, rec.ChangeFound, rec.Confidence)
	}
	if len(rec.StateChanges) != 2 {
		t.Fatalf("expected 2 state changes, got %d", len(rec.StateChanges))
	}
	// Sorted by ref for deterministic descriptions.
	if rec.StateChanges[0].Ref != "B2" || rec.StateChanges[1].Ref != "C3" {
		t.Errorf("expected changes for B2,C3 got %s,%s", rec.StateChanges[0].Ref, rec.StateChanges[1].Ref)
	}
	if !strings.Contains(rec.Description, `B2 changed from "" to "5"`) {
		t.Errorf("description should name the changed ref, got %q", rec.Description)
	}
}

func TestStateNoChange(t *testing.T) {
	reader := &fakeStateReader{states: []map[string]string{
		{"A1": "1"},
		{"A1": "1"},
	}}
	c := NewStateCollector(reader)
	w := window("w1")

	if err := c.WindowOpened(context.Background(), w); err != nil {
		t.Fatal(err)
	}
	rec, err := c.Collect(context.Background(), w)
	if err != nil {
		t.Fatal(err)
	}
	if rec.ChangeFound || rec.Confidence != stateNoChange {
		t.Errorf("expected no change at confidence %v, got found=%v conf=%v",
			stateNoChange, rec.ChangeFound, rec.Confidence)
	}
}

func TestVisualChangeSeen(t *testing.T) {
	c := NewVisualCollector(&fakeShots{png: []byte("png")}, &fakeDescriber{
		text: "The cell B2 now shows the value 5.",
	})
	w := window("w1")
	if err := c.WindowOpened(context.Background(), w); err != nil {
		t.Fatal(err)
	}
	rec, err := c.Collect(context.Background(), w)
	if err != nil {
		t.Fatal(err)
	}
	if !rec.ChangeFound || rec.Confidence != visualChangeSeen {
		t.Errorf("expected visual change at confidence %v, got found=%v conf=%v",
			visualChangeSeen, rec.ChangeFound, rec.Confidence)
	}
}

func TestVisualDeniesChange(t *testing.T) {
	c := NewVisualCollector(&fakeShots{png: []byte("png")}, &fakeDescriber{
		text: "The page looks unchanged since the last capture.",
	})
	rec, err := c.Collect(context.Background(), window("w1"))
	if err != nil {
		t.Fatal(err)
	}
	if rec.ChangeFound || rec.Confidence != visualUncertain {
		t.Errorf("expected uncertain visual evidence, got found=%v conf=%v", rec.ChangeFound, rec.Confidence)
	}
}

func TestVisualGenericDescription(t *testing.T) {
	c := NewVisualCollector(&fakeShots{png: []byte("png")}, &fakeDescriber{
		text: "Something changed near the toolbar.",
	})
	rec, err := c.Collect(context.Background(), window("w1"))
	if err != nil {
		t.Fatal(err)
	}
	if !rec.ChangeFound || rec.Confidence != visualUncertain {
		t.Errorf("a description naming no element or value is weak evidence, got found=%v conf=%v",
			rec.ChangeFound, rec.Confidence)
	}
}

func TestCollectAllToleratesFailures(t *testing.T) {
	structural := NewStructuralCollector(&fakeSnapshotter{err: errors.New("page gone")})
	state := NewStateCollector(&fakeStateReader{states: []map[string]string{
		{"A1": ""}, {"A1": "2"},
	}})
	visual := NewVisualCollector(&fakeShots{png: []byte("png")}, &fakeDescriber{text: "A1 shows 2."})

	w := window("w1")
	_ = state.WindowOpened(context.Background(), w)

	set := CollectAll(context.Background(), []Collector{structural, visual, state}, w, time.Second)
	if set.Structural != nil {
		t.Error("failed collector should leave its slot empty")
	}
	if set.State == nil || set.Visual == nil {
		t.Error("healthy collectors should still report")
	}
	present := set.Present()
	if len(present) != 2 || present[0].Source != action.SourceState {
		t.Errorf("Present should order state first, got %v", present)
	}
}

func TestHTTPStateReader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"A1":"5","B2":42}`))
	}))
	defer srv.Close()

	reader := NewHTTPStateReader(srv.URL, time.Second)
	state, err := reader.ReadState(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if state["A1"] != "5" {
		t.Errorf("expected A1=5, got %q", state["A1"])
	}
	if state["B2"] != "42" {
		t.Errorf("non-string values keep their JSON form, got %q", state["B2"])
	}
}

func TestHTTPStateReaderErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, err := NewHTTPStateReader(srv.URL, time.Second).ReadState(context.Background()); err == nil {
		t.Fatal("expected error on 500 response")
	}
	if _, err := NewHTTPStateReader("", time.Second).ReadState(context.Background()); err == nil {
		t.Fatal("expected error when endpoint is unset")
	}
}

func TestHTTPDescriber(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"description":"B2 now shows 5"}`))
	}))
	defer srv.Close()

	d := NewHTTPDescriber(srv.URL, "", time.Second)
	text, err := d.Describe(context.Background(), []byte("before"), []byte("after"), "look for changes")
	if err != nil {
		t.Fatal(err)
	}
	if text != "B2 now shows 5" {
		t.Errorf("unexpected description %q", text)
	}
	if !strings.Contains(gotBody, "before_b64") || !strings.Contains(gotBody, "after_b64") {
		t.Errorf("request should carry both screenshots, got %s", gotBody)
	}
}
