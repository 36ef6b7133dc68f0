// Package action defines the shared data model for the verification pipeline:
// raw input events, action windows, evidence records, and verified actions.
// Values in this package are treated as immutable once handed off; producers
// build them, hand them over, and never touch them again.
package action

import (
	"encoding/json"
	"fmt"
	"time"
)

// EvidenceSource identifies which observer produced an evidence record.
type EvidenceSource int

const (
	SourceStructural EvidenceSource = iota
	SourceVisual
	SourceState
)

func (s EvidenceSource) String() string {
	switch s {
	case SourceStructural:
		return "structural"
	case SourceVisual:
		return "visual"
	case SourceState:
		return "state"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// MarshalJSON renders the source by name so wire payloads stay readable.
func (s EvidenceSource) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *EvidenceSource) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "structural":
		*s = SourceStructural
	case "visual":
		*s = SourceVisual
	case "state":
		*s = SourceState
	default:
		return fmt.Errorf("unknown evidence source %q", name)
	}
	return nil
}

// EvidenceRecord is one observer's independent report about what changed
// during an action window. Absence of a record (collector timeout or failure)
// is represented by the record simply not being present, never by a
// fabricated record.
type EvidenceRecord struct {
	Source       EvidenceSource `json:"source"`
	WindowID     string         `json:"window_id"`
	Timestamp    time.Time      `json:"timestamp"`
	Description  string         `json:"description"`
	ChangeFound  bool           `json:"change_found"`
	Confidence   float64        `json:"confidence"`
	StateChanges []StateChange  `json:"state_changes,omitempty"`
	Raw          string         `json:"raw,omitempty"`
}

// StateChange is one cell-level (or field-level) change reported by the
// authoritative state observer, e.g. {"A1", "", "Sales Data"}.
type StateChange struct {
	Ref    string `json:"ref"`
	Before string `json:"before"`
	After  string `json:"after"`
}

func (c StateChange) String() string {
	return fmt.Sprintf("%s changed from %q to %q", c.Ref, c.Before, c.After)
}

// RawInputEvent is a single low-level interaction event captured from the
// automated page, before any grouping.
type RawInputEvent struct {
	Type      string    `json:"type"`
	TargetTag string    `json:"target_tag,omitempty"`
	TargetID  string    `json:"target_id,omitempty"`
	AriaLabel string    `json:"aria_label,omitempty"`
	Key       string    `json:"key,omitempty"`
	Value     string    `json:"value,omitempty"`
	X         float64   `json:"x,omitempty"`
	Y         float64   `json:"y,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// GestureFamily buckets event types so the window tracker can decide whether
// a new event plausibly continues the current gesture.
type GestureFamily int

const (
	GesturePointer GestureFamily = iota
	GestureKeyboard
	GestureOther
)

// Family classifies the event into a gesture family.
func (e RawInputEvent) Family() GestureFamily {
	switch e.Type {
	case "mousedown", "mouseup", "click", "dblclick", "contextmenu", "drop", "dragstart", "dragend":
		return GesturePointer
	case "keydown", "keyup", "input", "change", "paste":
		return GestureKeyboard
	default:
		return GestureOther
	}
}

// ActionWindow is a time-bounded grouping of raw input events believed to
// represent one user intent. Seq is assigned by the tracker in close order
// and drives downstream emission ordering.
type ActionWindow struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Seq       uint64          `json:"seq"`
	OpenedAt  time.Time       `json:"opened_at"`
	ClosedAt  time.Time       `json:"closed_at"`
	RawEvents []RawInputEvent `json:"raw_events"`
	ForcedCap bool            `json:"forced_cap,omitempty"`
}

// Kind summarizes the dominant gesture of the window ("type", "click", ...).
// Purely descriptive; fusion never branches on it.
func (w ActionWindow) Kind() string {
	pointer, keyboard := 0, 0
	for _, ev := range w.RawEvents {
		switch ev.Family() {
		case GesturePointer:
			pointer++
		case GestureKeyboard:
			keyboard++
		}
	}
	switch {
	case keyboard > pointer:
		return "type"
	case pointer > 0:
		return "click"
	default:
		return "interaction"
	}
}

// ActionStatus classifies the outcome of fusing evidence for one window.
type ActionStatus int

const (
	StatusSuccess ActionStatus = iota
	StatusFailed
	StatusUncertain
)

func (s ActionStatus) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusFailed:
		return "FAILED"
	case StatusUncertain:
		return "UNCERTAIN"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalJSON renders the status by name so wire payloads stay readable.
func (s ActionStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *ActionStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "SUCCESS":
		*s = StatusSuccess
	case "FAILED":
		*s = StatusFailed
	case "UNCERTAIN":
		*s = StatusUncertain
	default:
		return fmt.Errorf("unknown action status %q", name)
	}
	return nil
}

// EvidenceSet holds whichever of the three records arrived before the
// collection deadline. Any pointer may be nil.
type EvidenceSet struct {
	Structural *EvidenceRecord `json:"structural,omitempty"`
	Visual     *EvidenceRecord `json:"visual,omitempty"`
	State      *EvidenceRecord `json:"state,omitempty"`
}

// Present returns the non-nil records in source order.
func (s EvidenceSet) Present() []*EvidenceRecord {
	out := make([]*EvidenceRecord, 0, 3)
	for _, r := range []*EvidenceRecord{s.State, s.Structural, s.Visual} {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

// VerifiedAction is the fused, confidence-scored outcome of reconciling
// evidence for one action window. Exactly one is produced per closed window.
type VerifiedAction struct {
	ID             string       `json:"id"`
	WindowID       string       `json:"window_id"`
	SessionID      string       `json:"session_id"`
	Seq            uint64       `json:"seq"`
	Timestamp      time.Time    `json:"timestamp"`
	Status         ActionStatus `json:"status"`
	Interpretation string       `json:"interpretation"`
	Confidence     float64      `json:"confidence"`
	Evidence       EvidenceSet  `json:"evidence"`
}

// Verdict classifies a replay comparison.
type Verdict int

const (
	VerdictMatch Verdict = iota
	VerdictPartial
	VerdictMismatch
)

func (v Verdict) String() string {
	switch v {
	case VerdictMatch:
		return "MATCH"
	case VerdictPartial:
		return "PARTIAL"
	case VerdictMismatch:
		return "MISMATCH"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// MarshalJSON renders the verdict by name so wire payloads stay readable.
func (v Verdict) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.String())
}

func (v *Verdict) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "MATCH":
		*v = VerdictMatch
	case "PARTIAL":
		*v = VerdictPartial
	case "MISMATCH":
		*v = VerdictMismatch
	default:
		return fmt.Errorf("unknown verdict %q", name)
	}
	return nil
}

// ReplayJudgment is the outcome of comparing a live verified action against a
// recorded lesson step during student coaching. Judgments are transient; they
// are never persisted with the lesson.
type ReplayJudgment struct {
	StepNumber int            `json:"step_number"`
	Live       VerifiedAction `json:"live"`
	Expected   VerifiedAction `json:"expected"`
	Verdict    Verdict        `json:"verdict"`
	Similarity float64        `json:"similarity"`
	Feedback   string         `json:"feedback"`
	Timeout    bool           `json:"timeout,omitempty"`
}
