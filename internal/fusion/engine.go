// Package fusion turns the evidence gathered for an action window into a
// single verified action. Evidence channels are weighed against each other
// here and nowhere else.
package fusion

import (
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"lessonlens-server/internal/action"
	"lessonlens-server/internal/config"
)

// Engine fuses evidence sets into verified actions using configured weights.
type Engine struct {
	cfg config.FusionConfig
}

func NewEngine(cfg config.FusionConfig) *Engine {
	return &Engine{cfg: cfg}
}

// Fuse produces exactly one verified action for a closed window, whatever
// evidence did or did not arrive.
func (e *Engine) Fuse(w *action.ActionWindow, set action.EvidenceSet) *action.VerifiedAction {
	va := &action.VerifiedAction{
		ID:        uuid.NewString(),
		WindowID:  w.ID,
		SessionID: w.SessionID,
		Seq:       w.Seq,
		Timestamp: w.ClosedAt,
		Evidence:  set,
	}

	present := set.Present()
	if len(present) == 0 {
		// An action we cannot corroborate from any channel is reported as
		// failed; the gesture itself is still described for the coach.
		va.Status = action.StatusFailed
		va.Confidence = 0
		va.Interpretation = "no corroborating evidence"
		log.Printf("[session:%s] window %s fused without evidence (%s)", w.SessionID, w.ID, gestureSummary(w))
		return va
	}

	va.Confidence = e.weighted(present)
	conflict := conflicting(present)
	if conflict {
		va.Confidence *= e.cfg.ConflictPenalty
	}

	anyChange := false
	for _, rec := range present {
		if rec.ChangeFound {
			anyChange = true
			break
		}
	}

	va.Interpretation = e.interpret(w, present, anyChange)

	switch {
	case va.Confidence >= e.cfg.SuccessThreshold && anyChange:
		va.Status = action.StatusSuccess
	case va.Confidence >= e.cfg.SuccessThreshold && !anyChange:
		va.Status = action.StatusFailed
	default:
		va.Status = action.StatusUncertain
	}

	log.Printf("[session:%s] window %s fused: %s conf=%.2f conflict=%v sources=%d",
		w.SessionID, w.ID, va.Status, va.Confidence, conflict, len(present))
	return va
}

// weighted computes the confidence as a weighted mean over the channels that
// actually reported, renormalizing so absent channels cost nothing.
func (e *Engine) weighted(present []*action.EvidenceRecord) float64 {
	var sum, totalWeight float64
	for _, rec := range present {
		w := e.weightFor(rec.Source)
		sum += w * rec.Confidence
		totalWeight += w
	}
	if totalWeight == 0 {
		return 0
	}
	return sum / totalWeight
}

func (e *Engine) weightFor(s action.EvidenceSource) float64 {
	switch s {
	case action.SourceState:
		return e.cfg.StateWeight
	case action.SourceStructural:
		return e.cfg.StructuralWeight
	case action.SourceVisual:
		return e.cfg.VisualWeight
	default:
		return 0
	}
}

// conflicting reports whether the channels disagree about whether anything
// happened at all.
func conflicting(present []*action.EvidenceRecord) bool {
	if len(present) < 2 {
		return false
	}
	first := present[0].ChangeFound
	for _, rec := range present[1:] {
		if rec.ChangeFound != first {
			return true
		}
	}
	return false
}

// interpret picks the narrative. Present() orders records state first, then
// structural, then visual, so the first change-reporting record is also the
// most authoritative one.
func (e *Engine) interpret(w *action.ActionWindow, present []*action.EvidenceRecord, anyChange bool) string {
	gesture := gestureSummary(w)
	if !anyChange {
		return gesture + " with no observed effect"
	}
	for _, rec := range present {
		if rec.ChangeFound {
			return gesture + ": " + rec.Description
		}
	}
	return gesture
}

// gestureSummary renders the raw input side of the story: what the user did,
// independent of whether it worked.
func gestureSummary(w *action.ActionWindow) string {
	target := targetLabel(w)
	switch w.Kind() {
	case "type":
		if text := typedText(w); text != "" {
			if target != "" {
				return fmt.Sprintf("typed %q into %s", text, target)
			}
			return fmt.Sprintf("typed %q", text)
		}
		if target != "" {
			return "typed into " + target
		}
		return "typed"
	case "click":
		if target != "" {
			return "clicked " + target
		}
		return "clicked"
	default:
		if target != "" {
			return "interacted with " + target
		}
		return "interacted with the page"
	}
}

func targetLabel(w *action.ActionWindow) string {
	// Prefer the accessible label; an element ID is better than nothing.
	for _, ev := range w.RawEvents {
		if ev.AriaLabel != "" {
			return ev.AriaLabel
		}
	}
	for _, ev := range w.RawEvents {
		if ev.TargetID != "" {
			return ev.TargetID
		}
	}
	return ""
}

// typedText reconstructs the entered text from the last value-carrying event,
// falling back to concatenated printable keys.
func typedText(w *action.ActionWindow) string {
	for i := len(w.RawEvents) - 1; i >= 0; i-- {
		if v := w.RawEvents[i].Value; v != "" {
			return v
		}
	}
	var b strings.Builder
	for _, ev := range w.RawEvents {
		if ev.Type == "keydown" && len([]rune(ev.Key)) == 1 {
			b.WriteString(ev.Key)
		}
	}
	return b.String()
}
