package replay

import (
	"fmt"
	"log"
	"strings"
	"time"

	"lessonlens-server/internal/action"
	"lessonlens-server/internal/config"
)

// Similarity weights: the gesture kind dominates, the touched refs and
// values refine, and the live action's own verification outcome contributes
// the remainder.
const (
	weightVerb     = 0.5
	weightParams   = 0.3
	weightOutcome  = 0.2
	matchThreshold = 0.8
)

// Verifier judges live verified actions against recorded lesson steps.
type Verifier struct {
	cfg config.VerifyConfig
}

func NewVerifier(cfg config.VerifyConfig) *Verifier {
	return &Verifier{cfg: cfg}
}

// Judge compares a student's live action with the expected one and produces
// a graded judgment with usable feedback.
func (v *Verifier) Judge(stepNumber int, expected, live action.VerifiedAction) action.ReplayJudgment {
	expectedKeys := FromAction(&expected)
	liveKeys := FromAction(&live)

	verbScore := overlap(expectedKeys, liveKeys, KeyVerb)
	// Both the target and the value must line up; a perfect value in the
	// wrong cell is still the wrong action.
	paramScore := overlap(expectedKeys, liveKeys, KeyRef) * overlap(expectedKeys, liveKeys, KeyValue)

	var outcomeScore float64
	switch live.Status {
	case action.StatusSuccess:
		outcomeScore = 1
	case action.StatusUncertain:
		outcomeScore = 0.5
	default:
		outcomeScore = 0
	}

	similarity := weightVerb*verbScore + weightParams*paramScore + weightOutcome*outcomeScore

	j := action.ReplayJudgment{
		StepNumber: stepNumber,
		Live:       live,
		Expected:   expected,
		Similarity: similarity,
	}

	switch {
	case similarity >= matchThreshold:
		j.Verdict = action.VerdictMatch
	case similarity >= v.partialThreshold():
		j.Verdict = action.VerdictPartial
	default:
		j.Verdict = action.VerdictMismatch
	}
	// Writing the wrong value is the wrong action even when the gesture and
	// target line up; verb and outcome agreement do not rescue it.
	if hasKeys(expectedKeys, KeyValue) && overlap(expectedKeys, liveKeys, KeyValue) == 0 {
		j.Verdict = action.VerdictMismatch
	}
	// An action that verifiably did nothing cannot fully match, however well
	// the gesture lines up.
	if j.Verdict == action.VerdictMatch && live.Status == action.StatusFailed {
		j.Verdict = action.VerdictPartial
	}
	j.Feedback = v.feedback(j, expectedKeys, liveKeys)

	log.Printf("[session:%s] step %d judged %s (similarity %.2f)",
		live.SessionID, stepNumber, j.Verdict, similarity)
	return j
}

// TimedOut builds the judgment for a step the student never performed.
func (v *Verifier) TimedOut(stepNumber int, expected action.VerifiedAction) action.ReplayJudgment {
	return action.ReplayJudgment{
		StepNumber: stepNumber,
		Expected:   expected,
		Verdict:    action.VerdictMismatch,
		Timeout:    true,
		Feedback: fmt.Sprintf("no action detected within %s; the step expected: %s",
			v.cfg.WaitTimeout(), expected.Interpretation),
	}
}

func (v *Verifier) partialThreshold() float64 {
	if v.cfg.PartialThreshold <= 0 {
		return 0.4
	}
	return v.cfg.PartialThreshold
}

func (v *Verifier) feedback(j action.ReplayJudgment, expectedKeys, liveKeys []Key) string {
	switch j.Verdict {
	case action.VerdictMatch:
		return "matched: " + j.Expected.Interpretation
	case action.VerdictPartial:
		return v.discrepancies(j, expectedKeys, liveKeys,
			"close, but not quite")
	default:
		return v.discrepancies(j, expectedKeys, liveKeys,
			"that was a different action")
	}
}

// discrepancies names the concrete differences so the coach can relay them:
// wrong target, wrong value, wrong gesture, or a failed action.
func (v *Verifier) discrepancies(j action.ReplayJudgment, expectedKeys, liveKeys []Key, lead string) string {
	var parts []string

	if missingRefs := missing(expectedKeys, liveKeys, KeyRef); len(missingRefs) > 0 {
		wrong := extra(expectedKeys, liveKeys, KeyRef)
		if len(wrong) > 0 {
			parts = append(parts, fmt.Sprintf("expected a change to %s, but %s was changed",
				strings.Join(missingRefs, ", "), strings.Join(wrong, ", ")))
		} else {
			parts = append(parts, fmt.Sprintf("expected a change to %s", strings.Join(missingRefs, ", ")))
		}
	}
	if missingVals := missing(expectedKeys, liveKeys, KeyValue); len(missingVals) > 0 {
		wrong := extra(expectedKeys, liveKeys, KeyValue)
		if len(wrong) > 0 {
			parts = append(parts, fmt.Sprintf("expected the value %q, but got %q",
				missingVals[0], wrong[0]))
		} else {
			parts = append(parts, fmt.Sprintf("expected the value %q", missingVals[0]))
		}
	}
	if missingVerbs := missing(expectedKeys, liveKeys, KeyVerb); len(missingVerbs) > 0 {
		parts = append(parts, fmt.Sprintf("the step expected you to have %s", missingVerbs[0]))
	}
	if j.Live.Status == action.StatusFailed {
		parts = append(parts, "the action had no effect on the application")
	}

	if len(parts) == 0 {
		return lead
	}
	return lead + ": " + strings.Join(parts, "; ")
}

// StepDeadline returns how long to wait for a student action.
func (v *Verifier) StepDeadline() time.Duration {
	return v.cfg.WaitTimeout()
}
