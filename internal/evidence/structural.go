package evidence

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"lessonlens-server/internal/action"
)

// Snapshotter captures a serialized summary of the page's DOM, one line per
// notable element. Line-oriented output keeps the diff trivial.
type Snapshotter interface {
	DOMSummary(ctx context.Context) (string, error)
}

// Structural confidence levels. A diff that names the same element the user
// interacted with is strong evidence; an unattributable diff is weaker; no
// diff at all still tells us something (the action likely had no DOM effect).
const (
	structuralAttributed   = 0.8
	structuralUnattributed = 0.6
	structuralNoChange     = 0.2
)

// StructuralCollector diffs DOM summaries captured before and after an
// action window.
type StructuralCollector struct {
	snap Snapshotter

	mu     sync.Mutex
	before map[string]string // window ID -> pre-action summary
}

func NewStructuralCollector(snap Snapshotter) *StructuralCollector {
	return &StructuralCollector{
		snap:   snap,
		before: make(map[string]string),
	}
}

func (c *StructuralCollector) Source() action.EvidenceSource {
	return action.SourceStructural
}

// WindowOpened captures the pre-action DOM baseline.
func (c *StructuralCollector) WindowOpened(ctx context.Context, w *action.ActionWindow) error {
	summary, err := c.snap.DOMSummary(ctx)
	if err != nil {
		return fmt.Errorf("pre-action snapshot for window %s: %w", w.ID, err)
	}
	c.mu.Lock()
	c.before[w.ID] = summary
	c.mu.Unlock()
	return nil
}

func (c *StructuralCollector) Collect(ctx context.Context, w *action.ActionWindow) (*action.EvidenceRecord, error) {
	c.mu.Lock()
	before, ok := c.before[w.ID]
	delete(c.before, w.ID)
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no pre-action snapshot for window %s", w.ID)
	}

	after, err := c.snap.DOMSummary(ctx)
	if err != nil {
		return nil, fmt.Errorf("post-action snapshot for window %s: %w", w.ID, err)
	}

	added, removed := diffLines(before, after)
	rec := &action.EvidenceRecord{
		Source:    action.SourceStructural,
		WindowID:  w.ID,
		Timestamp: w.ClosedAt,
	}

	if len(added) == 0 && len(removed) == 0 {
		rec.ChangeFound = false
		rec.Confidence = structuralNoChange
		rec.Description = "no structural change detected"
		return rec, nil
	}

	rec.ChangeFound = true
	rec.Description = describeDiff(added, removed)
	if diffMentionsTarget(w, added, removed) {
		rec.Confidence = structuralAttributed
	} else {
		rec.Confidence = structuralUnattributed
	}
	return rec, nil
}

// diffLines returns the lines present only in after (added) and only in
// before (removed). Order within each side is preserved.
func diffLines(before, after string) (added, removed []string) {
	beforeSet := lineSet(before)
	afterSet := lineSet(after)
	for _, line := range strings.Split(after, "\n") {
		if line != "" && !beforeSet[line] {
			added = append(added, line)
		}
	}
	for _, line := range strings.Split(before, "\n") {
		if line != "" && !afterSet[line] {
			removed = append(removed, line)
		}
	}
	return added, removed
}

func lineSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, line := range strings.Split(s, "\n") {
		if line != "" {
			set[line] = true
		}
	}
	return set
}

func describeDiff(added, removed []string) string {
	var parts []string
	if n := len(added); n > 0 {
		parts = append(parts, fmt.Sprintf("%d element(s) appeared or changed: %s", n, sample(added)))
	}
	if n := len(removed); n > 0 {
		parts = append(parts, fmt.Sprintf("%d element(s) disappeared or changed: %s", n, sample(removed)))
	}
	return strings.Join(parts, "; ")
}

// sample keeps descriptions readable when a diff touches many elements.
func sample(lines []string) string {
	const max = 3
	if len(lines) <= max {
		return strings.Join(lines, ", ")
	}
	return strings.Join(lines[:max], ", ") + ", ..."
}

// diffMentionsTarget checks whether any changed line names the element the
// user interacted with, by ID or accessible label.
func diffMentionsTarget(w *action.ActionWindow, added, removed []string) bool {
	var needles []string
	for _, ev := range w.RawEvents {
		if ev.TargetID != "" {
			needles = append(needles, ev.TargetID)
		}
		if ev.AriaLabel != "" {
			needles = append(needles, ev.AriaLabel)
		}
	}
	if len(needles) == 0 {
		return false
	}
	for _, line := range append(added, removed...) {
		for _, n := range needles {
			if strings.Contains(line, n) {
				return true
			}
		}
	}
	return false
}
