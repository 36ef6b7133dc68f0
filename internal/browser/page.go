package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"

	"lessonlens-server/internal/action"
	"lessonlens-server/internal/config"
)

// HoverEvent reports the element the pointer is resting on; it feeds hover
// annotations rather than action windows.
type HoverEvent struct {
	Label     string    `json:"label"`
	TargetID  string    `json:"target_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Page wraps a Rod page with the capture hooks and evidence accessors. All
// CDP traffic for one page is serialized through the gate mutex so the poll
// loop and the evidence collectors never interleave evaluations.
type Page struct {
	cfg  config.BrowserConfig
	gate sync.Mutex
	page *rod.Page
}

func newPage(page *rod.Page, cfg config.BrowserConfig) *Page {
	return &Page{cfg: cfg, page: page}
}

// installHooks plants event listeners in the page context. Raw input events
// and hovers are buffered in a page global and drained by DrainEvents.
func (p *Page) installHooks(ctx context.Context) error {
	p.gate.Lock()
	defer p.gate.Unlock()

	_, err := p.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS: `
		() => {
			const w = window;
			if (w.__lessonlensHooked) return true;
			w.__lessonlensHooked = true;
			w.__lessonlensEvents = [];
			w.__lessonlensHovers = [];

			const describe = (target) => {
				target = target || {};
				const get = (name) => (target.getAttribute ? (target.getAttribute(name) || '') : '');
				return {
					tag: target.tagName || '',
					id: target.id || target.name || '',
					aria: get('aria-label') || get('data-label'),
				};
			};

			const pointerTypes = ['mousedown', 'mouseup', 'click', 'dblclick', 'contextmenu', 'dragstart', 'dragend', 'drop'];
			pointerTypes.forEach((type) => {
				document.addEventListener(type, (ev) => {
					try {
						const d = describe(ev.target);
						w.__lessonlensEvents.push({
							type, tag: d.tag, id: d.id, aria: d.aria,
							x: ev.clientX || 0, y: ev.clientY || 0, ts: Date.now(),
						});
					} catch (e) {}
				}, true);
			});

			const keyTypes = ['keydown', 'keyup'];
			keyTypes.forEach((type) => {
				document.addEventListener(type, (ev) => {
					try {
						const d = describe(ev.target);
						w.__lessonlensEvents.push({
							type, tag: d.tag, id: d.id, aria: d.aria,
							key: ev.key || '', ts: Date.now(),
						});
					} catch (e) {}
				}, true);
			});

			['input', 'change', 'paste'].forEach((type) => {
				document.addEventListener(type, (ev) => {
					try {
						const d = describe(ev.target);
						const value = (ev.target && ev.target.value !== undefined) ? String(ev.target.value) : '';
						w.__lessonlensEvents.push({
							type: type === 'paste' ? 'paste' : type,
							tag: d.tag, id: d.id, aria: d.aria, value, ts: Date.now(),
						});
					} catch (e) {}
				}, true);
			});

			let lastHoverKey = '';
			document.addEventListener('mouseover', (ev) => {
				try {
					const d = describe(ev.target);
					const label = d.aria || d.id;
					if (!label || label === lastHoverKey) return;
					lastHoverKey = label;
					w.__lessonlensHovers.push({ label, id: d.id, ts: Date.now() });
				} catch (e) {}
			}, true);

			return true;
		}
		`,
		ByValue:      true,
		AwaitPromise: true,
	})
	return err
}

type rawPageEvent struct {
	Type  string  `json:"type"`
	Tag   string  `json:"tag"`
	ID    string  `json:"id"`
	Aria  string  `json:"aria"`
	Key   string  `json:"key"`
	Value string  `json:"value"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	TS    float64 `json:"ts"`
}

type rawHover struct {
	Label string  `json:"label"`
	ID    string  `json:"id"`
	TS    float64 `json:"ts"`
}

// DrainEvents empties the page's buffered input events and hovers. Called by
// the session's poll loop at the configured interval.
func (p *Page) DrainEvents(ctx context.Context) ([]action.RawInputEvent, []HoverEvent, error) {
	p.gate.Lock()
	defer p.gate.Unlock()

	res, err := p.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS: `
		() => {
			const events = Array.isArray(window.__lessonlensEvents) ? window.__lessonlensEvents : [];
			const hovers = Array.isArray(window.__lessonlensHovers) ? window.__lessonlensHovers : [];
			window.__lessonlensEvents = [];
			window.__lessonlensHovers = [];
			return { events, hovers };
		}
		`,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("drain page events: %w", err)
	}
	if res == nil || res.Value.Nil() {
		return nil, nil, nil
	}

	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, nil, fmt.Errorf("marshal drained events: %w", err)
	}

	var payload struct {
		Events []rawPageEvent `json:"events"`
		Hovers []rawHover     `json:"hovers"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, nil, fmt.Errorf("decode drained events: %w", err)
	}

	events := make([]action.RawInputEvent, 0, len(payload.Events))
	for _, ev := range payload.Events {
		events = append(events, action.RawInputEvent{
			Type:      ev.Type,
			TargetTag: ev.Tag,
			TargetID:  ev.ID,
			AriaLabel: ev.Aria,
			Key:       ev.Key,
			Value:     ev.Value,
			X:         ev.X,
			Y:         ev.Y,
			Timestamp: time.UnixMilli(int64(ev.TS)),
		})
	}
	hovers := make([]HoverEvent, 0, len(payload.Hovers))
	for _, h := range payload.Hovers {
		hovers = append(hovers, HoverEvent{
			Label:     h.Label,
			TargetID:  h.ID,
			Timestamp: time.UnixMilli(int64(h.TS)),
		})
	}
	return events, hovers, nil
}

// DOMSummary captures a line-per-element summary of the visible DOM, capped
// to keep diffs cheap. Implements the structural collector's Snapshotter.
func (p *Page) DOMSummary(ctx context.Context) (string, error) {
	p.gate.Lock()
	defer p.gate.Unlock()

	const maxNodes = 400
	res, err := p.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS: fmt.Sprintf(`
		() => {
			const nodes = Array.from(document.querySelectorAll('*')).slice(0, %d);
			const lines = [];
			for (const el of nodes) {
				const rect = el.getBoundingClientRect();
				if (rect.width === 0 && rect.height === 0) continue;
				const id = el.id || el.getAttribute('data-label') || '';
				const aria = el.getAttribute('aria-label') || '';
				const text = (el.innerText || '').trim().slice(0, 80).replace(/\n/g, ' ');
				const value = (el.value !== undefined && el.value !== null) ? String(el.value) : '';
				let line = el.tagName;
				if (id) line += '#' + id;
				if (aria) line += '[' + aria + ']';
				if (value) line += ' value=' + value;
				else if (text && el.children.length === 0) line += ' text=' + text;
				lines.push(line);
			}
			return lines.join('\n');
		}
		`, maxNodes),
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return "", fmt.Errorf("dom summary: %w", err)
	}
	if res == nil || res.Value.Nil() {
		return "", nil
	}
	return res.Value.Str(), nil
}

// Screenshot captures the viewport as PNG. Implements the visual collector's
// Screenshotter.
func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	p.gate.Lock()
	defer p.gate.Unlock()

	png, err := p.page.Context(ctx).Screenshot(false, nil)
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return png, nil
}

// InteractiveElement describes one actionable element on the page: its stable
// reference, what it is, and the gesture it affords.
type InteractiveElement struct {
	Ref    string `json:"ref"`
	Type   string `json:"type"`
	Label  string `json:"label"`
	Action string `json:"action"`
}

// InteractiveElements enumerates the visible buttons, inputs, links, and
// selects on the page, capped at limit.
func (p *Page) InteractiveElements(ctx context.Context, limit int) ([]InteractiveElement, error) {
	if limit <= 0 {
		limit = 50
	}
	p.gate.Lock()
	defer p.gate.Unlock()

	res, err := p.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS: fmt.Sprintf(`
		() => {
			const limit = %d;
			const selector = 'button, input[type="submit"], input[type="button"], [role="button"], ' +
				'input:not([type="hidden"]):not([type="submit"]):not([type="button"]), textarea, ' +
				'a[href], select, [role="combobox"], [role="listbox"]';
			const out = [];
			const seen = new Set();
			document.querySelectorAll(selector).forEach((el, idx) => {
				if (out.length >= limit) return;
				const rect = el.getBoundingClientRect();
				const style = getComputedStyle(el);
				if (rect.width === 0 || rect.height === 0 ||
				    style.display === 'none' || style.visibility === 'hidden') return;

				const aria = el.getAttribute('aria-label') || '';
				let ref = aria || el.id || el.name || '';
				if (!ref) ref = el.tagName.toLowerCase() + '[' + idx + ']';
				if (seen.has(ref)) ref = ref + '_' + idx;
				seen.add(ref);

				const tag = el.tagName.toLowerCase();
				let type, act;
				if (tag === 'button' || el.type === 'submit' || el.type === 'button' || el.getAttribute('role') === 'button') {
					type = 'button'; act = 'click';
				} else if (tag === 'a') {
					type = 'link'; act = 'click';
				} else if (tag === 'select' || el.getAttribute('role') === 'combobox' || el.getAttribute('role') === 'listbox') {
					type = 'select'; act = 'select';
				} else if (el.type === 'checkbox' || el.type === 'radio') {
					type = el.type; act = 'toggle';
				} else {
					type = 'input'; act = 'type';
				}

				const label = aria || (el.innerText || el.value || '').trim().slice(0, 80) || ref;
				out.push({ ref, type, label, action: act });
			});
			return out;
		}
		`, limit),
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return nil, fmt.Errorf("list interactive elements: %w", err)
	}
	if res == nil || res.Value.Nil() {
		return nil, nil
	}

	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal interactive elements: %w", err)
	}
	var elements []InteractiveElement
	if err := json.Unmarshal(raw, &elements); err != nil {
		return nil, fmt.Errorf("decode interactive elements: %w", err)
	}
	return elements, nil
}

// WaitReady polls the page until every configured ready marker appears in the
// document, or the ready timeout expires. With no markers it returns at once.
func (p *Page) WaitReady(ctx context.Context) error {
	if len(p.cfg.ReadyMarkers) == 0 {
		return nil
	}

	deadline := time.Now().Add(p.cfg.ReadyWait())
	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("page not ready after %s (markers: %s)",
				p.cfg.ReadyWait(), strings.Join(p.cfg.ReadyMarkers, ", "))
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		ok, err := p.markersPresent(ctx)
		if err == nil && ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

func (p *Page) markersPresent(ctx context.Context) (bool, error) {
	p.gate.Lock()
	defer p.gate.Unlock()

	html, err := p.page.Context(ctx).HTML()
	if err != nil {
		return false, err
	}
	for _, marker := range p.cfg.ReadyMarkers {
		if !strings.Contains(html, marker) {
			return false, nil
		}
	}
	return true, nil
}

// URL returns the page's current location, best effort.
func (p *Page) URL() string {
	p.gate.Lock()
	defer p.gate.Unlock()

	info, err := p.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

// Close tears the page down.
func (p *Page) Close() error {
	p.gate.Lock()
	defer p.gate.Unlock()
	return p.page.Close()
}
