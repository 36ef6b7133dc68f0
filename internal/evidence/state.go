package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"lessonlens-server/internal/action"
)

// StateReader fetches the application's authoritative state as a flat map of
// addressable refs (cell addresses, field names) to their current values.
type StateReader interface {
	ReadState(ctx context.Context) (map[string]string, error)
}

// State confidence levels. The application's own API is the ground truth: a
// diff there is near-certain, and a clean no-diff is near-certain the other
// way, so the absence of change scores low as change-evidence.
const (
	stateChanged  = 0.95
	stateNoChange = 0.1
)

// StateCollector diffs authoritative application state across an action
// window.
type StateCollector struct {
	reader StateReader

	mu     sync.Mutex
	before map[string]map[string]string // window ID -> pre-action state
}

func NewStateCollector(reader StateReader) *StateCollector {
	return &StateCollector{
		reader: reader,
		before: make(map[string]map[string]string),
	}
}

func (c *StateCollector) Source() action.EvidenceSource {
	return action.SourceState
}

func (c *StateCollector) WindowOpened(ctx context.Context, w *action.ActionWindow) error {
	state, err := c.reader.ReadState(ctx)
	if err != nil {
		return fmt.Errorf("pre-action state for window %s: %w", w.ID, err)
	}
	c.mu.Lock()
	c.before[w.ID] = state
	c.mu.Unlock()
	return nil
}

func (c *StateCollector) Collect(ctx context.Context, w *action.ActionWindow) (*action.EvidenceRecord, error) {
	c.mu.Lock()
	before, ok := c.before[w.ID]
	delete(c.before, w.ID)
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no pre-action state for window %s", w.ID)
	}

	after, err := c.reader.ReadState(ctx)
	if err != nil {
		return nil, fmt.Errorf("post-action state for window %s: %w", w.ID, err)
	}

	changes := diffState(before, after)
	rec := &action.EvidenceRecord{
		Source:       action.SourceState,
		WindowID:     w.ID,
		Timestamp:    w.ClosedAt,
		StateChanges: changes,
	}
	if len(changes) == 0 {
		rec.ChangeFound = false
		rec.Confidence = stateNoChange
		rec.Description = "application state unchanged"
		return rec, nil
	}

	rec.ChangeFound = true
	rec.Confidence = stateChanged
	parts := make([]string, len(changes))
	for i, ch := range changes {
		parts[i] = ch.String()
	}
	rec.Description = strings.Join(parts, "; ")
	return rec, nil
}

// diffState returns changed refs in deterministic (sorted) order, including
// refs that appeared or vanished.
func diffState(before, after map[string]string) []action.StateChange {
	refs := make(map[string]bool, len(before)+len(after))
	for ref := range before {
		refs[ref] = true
	}
	for ref := range after {
		refs[ref] = true
	}

	var changes []action.StateChange
	for ref := range refs {
		b, a := before[ref], after[ref]
		if b != a {
			changes = append(changes, action.StateChange{Ref: ref, Before: b, After: a})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Ref < changes[j].Ref })
	return changes
}

// HTTPStateReader pulls state from the target application's REST endpoint.
// The endpoint returns a flat JSON object of ref -> value.
type HTTPStateReader struct {
	endpoint string
	client   *http.Client
}

func NewHTTPStateReader(endpoint string, timeout time.Duration) *HTTPStateReader {
	return &HTTPStateReader{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (r *HTTPStateReader) ReadState(ctx context.Context) (map[string]string, error) {
	if r.endpoint == "" {
		return nil, fmt.Errorf("state endpoint not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build state request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call state API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("state API returned %s", resp.Status)
	}

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode state response: %w", err)
	}

	state := make(map[string]string, len(raw))
	for ref, val := range raw {
		var s string
		if err := json.Unmarshal(val, &s); err != nil {
			// Non-string values keep their JSON encoding.
			s = string(val)
		}
		state[ref] = s
	}
	return state, nil
}
