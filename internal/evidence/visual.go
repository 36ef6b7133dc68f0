package evidence

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"lessonlens-server/internal/action"
)

// Screenshotter captures the current viewport as a PNG.
type Screenshotter interface {
	Screenshot(ctx context.Context) ([]byte, error)
}

// Describer compares a pair of screenshots and returns a short
// natural-language account of what changed between them, guided by a prompt
// about what to look for. The before image may be nil when no baseline was
// captured.
type Describer interface {
	Describe(ctx context.Context, before, after []byte, prompt string) (string, error)
}

// Visual confidence levels. Descriptions are fuzzy by nature, so even a
// confident-sounding one never beats a state diff.
const (
	visualChangeSeen = 0.7
	visualUncertain  = 0.3
)

// VisualCollector screenshots the page when a window opens and again when it
// closes, then asks the describer what changed between the two.
type VisualCollector struct {
	shots Screenshotter
	desc  Describer

	mu     sync.Mutex
	before map[string][]byte // window ID -> pre-action screenshot
}

func NewVisualCollector(shots Screenshotter, desc Describer) *VisualCollector {
	return &VisualCollector{
		shots:  shots,
		desc:   desc,
		before: make(map[string][]byte),
	}
}

func (c *VisualCollector) Source() action.EvidenceSource {
	return action.SourceVisual
}

// WindowOpened captures the pre-action screenshot.
func (c *VisualCollector) WindowOpened(ctx context.Context, w *action.ActionWindow) error {
	png, err := c.shots.Screenshot(ctx)
	if err != nil {
		return fmt.Errorf("pre-action screenshot for window %s: %w", w.ID, err)
	}
	c.mu.Lock()
	c.before[w.ID] = png
	c.mu.Unlock()
	return nil
}

func (c *VisualCollector) Collect(ctx context.Context, w *action.ActionWindow) (*action.EvidenceRecord, error) {
	c.mu.Lock()
	before := c.before[w.ID]
	delete(c.before, w.ID)
	c.mu.Unlock()

	after, err := c.shots.Screenshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("screenshot for window %s: %w", w.ID, err)
	}

	text, err := c.desc.Describe(ctx, before, after, promptFor(w))
	if err != nil {
		return nil, fmt.Errorf("describe window %s: %w", w.ID, err)
	}

	rec := &action.EvidenceRecord{
		Source:      action.SourceVisual,
		WindowID:    w.ID,
		Timestamp:   w.ClosedAt,
		Description: text,
	}
	switch {
	case descriptionDeniesChange(text):
		rec.ChangeFound = false
		rec.Confidence = visualUncertain
	case descriptionIsGeneric(text):
		rec.ChangeFound = true
		rec.Confidence = visualUncertain
	default:
		rec.ChangeFound = true
		rec.Confidence = visualChangeSeen
	}
	return rec, nil
}

func promptFor(w *action.ActionWindow) string {
	switch w.Kind() {
	case "type":
		return "Compare the two screenshots. The user just typed into the page. Describe any text or value that appeared between them, naming the element it appears in."
	case "click":
		return "Compare the two screenshots. The user just clicked. Describe any visible result: selection, dialog, menu, navigation, or value change, naming the affected element."
	default:
		return "Compare the two screenshots and describe any visible change, naming the affected element."
	}
}

// descriptionDeniesChange spots phrasings the describer uses when it saw
// nothing noteworthy.
func descriptionDeniesChange(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range []string{"no change", "no visible change", "nothing changed", "unchanged", "no new"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// descriptionIsGeneric spots hedged descriptions that report a change without
// naming what changed, like "something changed near the toolbar". Those still
// count as evidence of a change, just weak evidence.
func descriptionIsGeneric(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range []string{"something", "hard to tell", "unclear", "not sure", "possibly", "may have", "might have"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// HTTPDescriber sends screenshots to an external vision endpoint. The request
// and response shapes follow the common chat-completion convention so the
// endpoint can be any OpenAI-compatible vision service.
type HTTPDescriber struct {
	endpoint  string
	apiKeyEnv string
	client    *http.Client
}

func NewHTTPDescriber(endpoint, apiKeyEnv string, timeout time.Duration) *HTTPDescriber {
	return &HTTPDescriber{
		endpoint:  endpoint,
		apiKeyEnv: apiKeyEnv,
		client:    &http.Client{Timeout: timeout},
	}
}

type describeRequest struct {
	Prompt    string `json:"prompt"`
	BeforeB64 string `json:"before_b64,omitempty"`
	AfterB64  string `json:"after_b64"`
}

type describeResponse struct {
	Description string `json:"description"`
	Error       string `json:"error,omitempty"`
}

func (d *HTTPDescriber) Describe(ctx context.Context, before, after []byte, prompt string) (string, error) {
	if d.endpoint == "" {
		return "", fmt.Errorf("vision endpoint not configured")
	}

	payload := describeRequest{
		Prompt:   prompt,
		AfterB64: base64.StdEncoding.EncodeToString(after),
	}
	if len(before) > 0 {
		payload.BeforeB64 = base64.StdEncoding.EncodeToString(before)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode describe request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build describe request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.apiKeyEnv != "" {
		if key := os.Getenv(d.apiKeyEnv); key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call vision service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("vision service returned %s", resp.Status)
	}

	var out describeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode describe response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("vision service error: %s", out.Error)
	}
	if out.Description == "" {
		return "", fmt.Errorf("vision service returned empty description")
	}
	return out.Description, nil
}
