package factlog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"lessonlens-server/internal/action"
	"lessonlens-server/internal/config"
)

func writeSchema(t *testing.T) string {
	t.Helper()
	doc := `
Decl evidence_record(Session, Window, Source, Found, Confidence).
Decl verified_action(Session, Window, Seq, Status, Confidence).
Decl window_closed(Session, Window, EventCount).
Decl session_state(Session, From, To).
Decl raw_input_event(Session, Type, Target).
Decl hover_event(Session, Label).

Decl failed_action(Session, Window).
failed_action(Session, Window) :-
    verified_action(Session, Window, _, "FAILED", _).
`
	path := filepath.Join(t.TempDir(), "verification.mg")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newLog(t *testing.T) *Log {
	t.Helper()
	l, err := New(config.FactsConfig{
		Enable:          true,
		SchemaPath:      writeSchema(t),
		FactBufferLimit: 1000,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if !l.Ready() {
		t.Fatal("log not ready after schema load")
	}
	return l
}

func TestRecordAndQueryTemporal(t *testing.T) {
	l := newLog(t)
	ctx := context.Background()

	old := time.Now().Add(-time.Hour)
	if err := l.AddFacts(ctx, []Fact{
		{Predicate: PredWindowClosed, Args: []interface{}{"s1", "w1", int64(3)}, Timestamp: old},
		{Predicate: PredWindowClosed, Args: []interface{}{"s1", "w2", int64(1)}, Timestamp: time.Now()},
	}); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}

	recent := l.QueryTemporal(PredWindowClosed, time.Now().Add(-time.Minute), time.Time{})
	if len(recent) != 1 {
		t.Errorf("expected 1 recent fact, got %d", len(recent))
	}
	all := l.FactsByPredicate(PredWindowClosed)
	if len(all) != 2 {
		t.Errorf("expected 2 facts total, got %d", len(all))
	}
}

func TestTypedRecorders(t *testing.T) {
	l := newLog(t)
	ctx := context.Background()

	va := &action.VerifiedAction{
		SessionID: "s1", WindowID: "w1", Seq: 0,
		Status: action.StatusFailed, Confidence: 0.9, Timestamp: time.Now(),
	}
	if err := l.RecordVerifiedAction(ctx, va); err != nil {
		t.Fatalf("RecordVerifiedAction failed: %v", err)
	}
	rec := &action.EvidenceRecord{
		Source: action.SourceState, WindowID: "w1",
		ChangeFound: true, Confidence: 0.95, Timestamp: time.Now(),
	}
	if err := l.RecordEvidence(ctx, "s1", rec); err != nil {
		t.Fatalf("RecordEvidence failed: %v", err)
	}
	if err := l.RecordSessionState(ctx, "s1", "Connecting", "Active"); err != nil {
		t.Fatalf("RecordSessionState failed: %v", err)
	}

	if got := l.FactsByPredicate(PredVerified); len(got) != 1 {
		t.Errorf("expected 1 verified_action fact, got %d", len(got))
	}
	if got := l.FactsByPredicate(PredEvidence); len(got) != 1 {
		t.Errorf("expected 1 evidence_record fact, got %d", len(got))
	}
}

func TestDerivedFailedAction(t *testing.T) {
	l := newLog(t)
	ctx := context.Background()

	va := &action.VerifiedAction{
		SessionID: "s1", WindowID: "w9", Seq: 2,
		Status: action.StatusFailed, Confidence: 0.8, Timestamp: time.Now(),
	}
	if err := l.RecordVerifiedAction(ctx, va); err != nil {
		t.Fatalf("RecordVerifiedAction failed: %v", err)
	}

	derived, err := l.Evaluate(ctx, "failed_action")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(derived) != 1 {
		t.Fatalf("expected 1 derived failed_action, got %d", len(derived))
	}
	if derived[0].Args[1] != "w9" {
		t.Errorf("expected failed window w9, got %v", derived[0].Args[1])
	}
}

func TestQuery(t *testing.T) {
	l := newLog(t)
	ctx := context.Background()

	if err := l.AddFacts(ctx, []Fact{
		{Predicate: PredSessionState, Args: []interface{}{"s1", "Idle", "Connecting"}, Timestamp: time.Now()},
		{Predicate: PredSessionState, Args: []interface{}{"s1", "Connecting", "Active"}, Timestamp: time.Now()},
	}); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}

	results, err := l.Query(ctx, `session_state("s1", From, To).`)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 bindings, got %d", len(results))
	}
}

func TestAddRule(t *testing.T) {
	l := newLog(t)
	rule := `
Decl stuck_session(Session).

stuck_session(Session) :-
    session_state(Session, "Connecting", "Closing").
`
	if err := l.AddRule(rule); err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}
}

func TestDisabled(t *testing.T) {
	l, err := New(config.FactsConfig{Enable: false, FactBufferLimit: 100})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if !l.Ready() {
		t.Error("disabled log should report ready")
	}
	if err := l.AddFacts(context.Background(), []Fact{{Predicate: "x", Args: []interface{}{"y"}}}); err != nil {
		t.Errorf("AddFacts should no-op when disabled: %v", err)
	}
	if _, err := l.Query(context.Background(), `x(Y).`); err == nil {
		t.Error("Query should fail when disabled")
	}
}

func TestBufferTrimKeepsSampling(t *testing.T) {
	l, err := New(config.FactsConfig{Enable: true, SchemaPath: writeSchema(t), FactBufferLimit: 50})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	// Lifecycle facts are never sampled, so they all survive until trimmed.
	for i := 0; i < 120; i++ {
		if err := l.AddFacts(ctx, []Fact{{
			Predicate: PredWindowClosed,
			Args:      []interface{}{"s1", "w", int64(i)},
			Timestamp: time.Now(),
		}}); err != nil {
			t.Fatalf("AddFacts failed: %v", err)
		}
	}

	if got := len(l.FactsByPredicate(PredWindowClosed)); got != 50 {
		t.Errorf("expected buffer trimmed to 50, got %d", got)
	}
	if l.SamplingRate() >= 1.0 {
		t.Errorf("expected reduced sampling rate under pressure, got %v", l.SamplingRate())
	}
}
