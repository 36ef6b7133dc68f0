package replay

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"lessonlens-server/internal/action"
	"lessonlens-server/internal/config"
	"lessonlens-server/internal/stream"
)

func verifiedWrite(ref, value string) action.VerifiedAction {
	return action.VerifiedAction{
		SessionID:      "s1",
		Status:         action.StatusSuccess,
		Interpretation: `typed "` + value + `" into ` + ref,
		Evidence: action.EvidenceSet{
			State: &action.EvidenceRecord{
				Source:      action.SourceState,
				ChangeFound: true,
				Confidence:  0.95,
				StateChanges: []action.StateChange{
					{Ref: ref, Before: "", After: value},
				},
			},
		},
	}
}

func TestFromActionStateKeys(t *testing.T) {
	va := verifiedWrite("B2", "5")
	keys := FromAction(&va)

	want := map[Key]bool{
		{Type: KeyVerb, Value: "typed"}:     false,
		{Type: KeyRef, Value: "B2"}:         false,
		{Type: KeyValue, Value: "5"}:        false,
		{Type: KeyEffect, Value: "changed"}: false,
	}
	for _, k := range keys {
		if _, ok := want[k]; ok {
			want[k] = true
		}
	}
	for k, found := range want {
		if !found {
			t.Errorf("missing key %+v in %v", k, keys)
		}
	}
}

func TestFromActionTextFallback(t *testing.T) {
	va := action.VerifiedAction{
		Status:         action.StatusUncertain,
		Interpretation: `clicked B2: cell B2 updated`,
	}
	keys := FromAction(&va)

	var hasVerb, hasRef bool
	for _, k := range keys {
		if k.Type == KeyVerb && k.Value == "clicked" {
			hasVerb = true
		}
		if k.Type == KeyRef && k.Value == "B2" {
			hasRef = true
		}
	}
	if !hasVerb || !hasRef {
		t.Errorf("expected verb and ref keys from text, got %v", keys)
	}
}

func testVerifier() *Verifier {
	return NewVerifier(config.VerifyConfig{ActionTimeout: "50ms", PartialThreshold: 0.4})
}

func TestJudgeMatch(t *testing.T) {
	v := testVerifier()
	expected := verifiedWrite("B2", "5")
	live := verifiedWrite("B2", "5")

	j := v.Judge(1, expected, live)
	if j.Verdict != action.VerdictMatch {
		t.Errorf("expected MATCH, got %s (similarity %.2f)", j.Verdict, j.Similarity)
	}
	if !strings.HasPrefix(j.Feedback, "matched") {
		t.Errorf("unexpected feedback %q", j.Feedback)
	}
}

func TestJudgeWrongCell(t *testing.T) {
	v := testVerifier()
	expected := verifiedWrite("A1", "5")
	live := verifiedWrite("B1", "5")

	j := v.Judge(1, expected, live)
	if j.Verdict == action.VerdictMatch {
		t.Errorf("wrong cell should not match, similarity %.2f", j.Similarity)
	}
	if !strings.Contains(j.Feedback, "A1") || !strings.Contains(j.Feedback, "B1") {
		t.Errorf("feedback should name both cells, got %q", j.Feedback)
	}
}

func TestJudgeWrongValueIsMismatch(t *testing.T) {
	v := testVerifier()
	expected := verifiedWrite("A1", "Sales Data")
	live := verifiedWrite("A1", "Sales")

	j := v.Judge(1, expected, live)
	if j.Verdict != action.VerdictMismatch {
		t.Errorf("expected MISMATCH, got %s (similarity %.2f)", j.Verdict, j.Similarity)
	}
	if !strings.Contains(j.Feedback, `"sales data"`) {
		t.Errorf("feedback should name the expected value, got %q", j.Feedback)
	}
}

func TestJudgeWrongGesture(t *testing.T) {
	v := testVerifier()
	expected := verifiedWrite("B2", "5")
	live := action.VerifiedAction{
		SessionID:      "s1",
		Status:         action.StatusSuccess,
		Interpretation: "clicked C7",
	}

	j := v.Judge(2, expected, live)
	if j.Verdict != action.VerdictMismatch {
		t.Errorf("expected MISMATCH, got %s (similarity %.2f)", j.Verdict, j.Similarity)
	}
}

func TestJudgeFailedLiveAction(t *testing.T) {
	v := testVerifier()
	expected := verifiedWrite("B2", "5")
	live := verifiedWrite("B2", "5")
	live.Status = action.StatusFailed

	j := v.Judge(1, expected, live)
	if j.Verdict == action.VerdictMatch {
		t.Error("a failed action should not fully match")
	}
	if !strings.Contains(j.Feedback, "no effect") {
		t.Errorf("feedback should mention the missing effect, got %q", j.Feedback)
	}
}

func TestAwaitActionReceives(t *testing.T) {
	hub := stream.NewHub(8)
	go func() {
		time.Sleep(10 * time.Millisecond)
		hub.Publish(stream.Event{
			Kind:   stream.KindVerifiedAction,
			Action: &action.VerifiedAction{SessionID: "s1", Seq: 4},
		})
	}()

	va, err := AwaitAction(context.Background(), hub, "s1", time.Second)
	if err != nil {
		t.Fatalf("AwaitAction failed: %v", err)
	}
	if va.Seq != 4 {
		t.Errorf("expected seq 4, got %d", va.Seq)
	}
}

func TestAwaitActionTimeout(t *testing.T) {
	hub := stream.NewHub(8)
	if _, err := AwaitAction(context.Background(), hub, "s1", 20*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestAwaitActionSessionClosed(t *testing.T) {
	hub := stream.NewHub(8)
	go func() {
		time.Sleep(10 * time.Millisecond)
		hub.Publish(stream.Event{
			Kind:   stream.KindSessionClosed,
			Closed: &stream.SessionClosed{SessionID: "s1"},
		})
	}()
	if _, err := AwaitAction(context.Background(), hub, "s1", time.Second); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestJudgeNextTimeoutYieldsJudgment(t *testing.T) {
	v := testVerifier()
	hub := stream.NewHub(8)

	j, err := v.JudgeNext(context.Background(), hub, "s1", 3, verifiedWrite("B2", "5"))
	if err != nil {
		t.Fatalf("JudgeNext failed: %v", err)
	}
	if !j.Timeout || j.Verdict != action.VerdictMismatch {
		t.Errorf("expected timeout mismatch judgment, got %+v", j)
	}
}
