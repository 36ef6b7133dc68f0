// Package tracker groups raw browser input events into action windows.
//
// A window opens on the first event after quiet, stays open while related
// events keep arriving within the idle threshold, and closes after the quiet
// period elapses or the hard cap is reached. Closed windows are emitted on a
// channel in open order with a monotonic sequence number.
package tracker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"lessonlens-server/internal/action"
)

// Tracker owns the open/extend/close lifecycle of action windows for one
// session. It is safe for concurrent use: Observe may be called from the
// input poll loop while the close timer fires from its own goroutine.
type Tracker struct {
	sessionID string
	idle      time.Duration
	maxWindow time.Duration
	grace     time.Duration

	mu       sync.Mutex
	open     *action.ActionWindow
	inflight []*action.ActionWindow // closed, not yet emitted (grace period)
	emits    sync.WaitGroup
	timer    *time.Timer
	nextSeq  uint64
	closed   bool

	out    chan *action.ActionWindow
	onOpen func(w *action.ActionWindow)

	now func() time.Time
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithOnOpen registers a callback invoked (under the tracker lock) when a new
// window opens. Used to snapshot pre-action page state for structural diffs.
func WithOnOpen(fn func(w *action.ActionWindow)) Option {
	return func(t *Tracker) { t.onOpen = fn }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New creates a tracker for a session. Closed windows arrive on Windows()
// until Close is called.
func New(sessionID string, idle, maxWindow, grace time.Duration, opts ...Option) *Tracker {
	t := &Tracker{
		sessionID: sessionID,
		idle:      idle,
		maxWindow: maxWindow,
		grace:     grace,
		out:       make(chan *action.ActionWindow, 16),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Windows returns the channel of closed action windows. The channel is closed
// after Close flushes any open window.
func (t *Tracker) Windows() <-chan *action.ActionWindow {
	return t.out
}

// Observe feeds one raw input event into the tracker. The event either opens
// a new window, extends the open one, force-closes it (unrelated gesture), or
// attaches to a just-closed window still inside its grace period.
func (t *Tracker) Observe(ev action.RawInputEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = t.now()
	}

	// A late related event lands in the window that just closed rather than
	// opening a spurious new one. Only windows still inside their grace
	// period (not yet emitted) are eligible.
	if t.open == nil && len(t.inflight) > 0 {
		if last := t.inflight[len(t.inflight)-1]; related(last, ev) {
			last.RawEvents = append(last.RawEvents, ev)
			return
		}
	}

	if t.open == nil {
		t.openWindow(ev)
		return
	}

	if related(t.open, ev) {
		if t.now().Sub(t.open.OpenedAt) >= t.maxWindow {
			t.closeOpenLocked(true)
			t.openWindow(ev)
			return
		}
		t.open.RawEvents = append(t.open.RawEvents, ev)
		t.timer.Reset(t.idle)
		return
	}

	// Unrelated gesture: the open window closes immediately and the new
	// event starts its own window.
	t.closeOpenLocked(false)
	t.openWindow(ev)
}

func (t *Tracker) openWindow(ev action.RawInputEvent) {
	w := &action.ActionWindow{
		ID:        uuid.NewString(),
		SessionID: t.sessionID,
		Seq:       t.nextSeq,
		OpenedAt:  t.now(),
		RawEvents: []action.RawInputEvent{ev},
	}
	t.nextSeq++
	t.open = w
	t.timer = time.AfterFunc(t.idle, func() { t.idleExpired(w.ID) })
	if t.onOpen != nil {
		t.onOpen(w)
	}
	log.Printf("[session:%s] window %s opened (seq=%d, %s)", t.sessionID, w.ID, w.Seq, ev.Type)
}

// related reports whether an event belongs to the window's gesture. Events in
// the same family always relate; a pointer event interrupting a keyboard
// gesture (or vice versa) does not, except for the click that commonly
// focuses the element a typing burst then targets.
func related(w *action.ActionWindow, ev action.RawInputEvent) bool {
	last := w.RawEvents[len(w.RawEvents)-1]
	if last.Family() == ev.Family() || ev.Family() == action.GestureOther {
		return true
	}
	// A lone focus click followed by typing is one gesture.
	if len(w.RawEvents) == 1 && last.Family() == action.GesturePointer && ev.Family() == action.GestureKeyboard {
		return true
	}
	return false
}

func (t *Tracker) idleExpired(windowID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.open == nil || t.open.ID != windowID {
		return
	}
	t.closeOpenLocked(false)
}

// closeOpenLocked closes the open window and schedules its emission after the
// grace period. Callers must hold t.mu.
func (t *Tracker) closeOpenLocked(forcedCap bool) {
	w := t.open
	if w == nil {
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	w.ClosedAt = t.now()
	w.ForcedCap = forcedCap
	t.open = nil
	t.inflight = append(t.inflight, w)
	t.emits.Add(1)

	emit := func() {
		defer t.emits.Done()
		t.mu.Lock()
		if t.closed || !t.claimLocked(w) {
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()
		log.Printf("[session:%s] window %s closed (seq=%d, events=%d, cap=%v)",
			t.sessionID, w.ID, w.Seq, len(w.RawEvents), w.ForcedCap)
		t.out <- w
	}
	if t.grace > 0 {
		time.AfterFunc(t.grace, emit)
	} else {
		go emit()
	}
}

// claimLocked removes w from the inflight list, returning false if another
// path already took ownership. Callers must hold t.mu.
func (t *Tracker) claimLocked(w *action.ActionWindow) bool {
	for i, in := range t.inflight {
		if in == w {
			t.inflight = append(t.inflight[:i], t.inflight[i+1:]...)
			return true
		}
	}
	return false
}

// Close flushes any open window and closes the output channel. Safe to call
// once; further Observe calls are ignored.
func (t *Tracker) Close(ctx context.Context) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	w := t.open
	if w != nil {
		if t.timer != nil {
			t.timer.Stop()
		}
		w.ClosedAt = t.now()
		t.open = nil
	}
	stragglers := t.inflight
	t.inflight = nil
	t.closed = true
	t.mu.Unlock()

	// Pending grace timers see t.closed and bail; wait for any emit that
	// passed the check before the channel closes.
	t.emits.Wait()
	for _, s := range stragglers {
		t.emitFinal(ctx, s)
	}
	if w != nil {
		t.emitFinal(ctx, w)
	}
	close(t.out)
}

func (t *Tracker) emitFinal(ctx context.Context, w *action.ActionWindow) {
	select {
	case t.out <- w:
	case <-ctx.Done():
		log.Printf("[session:%s] dropped window %s at shutdown: %v", t.sessionID, w.ID, ctx.Err())
	}
}
