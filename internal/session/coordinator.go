// Package session runs the verification pipeline for one student: browser
// capture feeds the window tracker, closed windows fan out to the evidence
// collectors, fusion produces verified actions, and the stream hub carries
// them to whoever is listening.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"lessonlens-server/internal/action"
	"lessonlens-server/internal/browser"
	"lessonlens-server/internal/config"
	"lessonlens-server/internal/evidence"
	"lessonlens-server/internal/factlog"
	"lessonlens-server/internal/fusion"
	"lessonlens-server/internal/recorder"
	"lessonlens-server/internal/stream"
	"lessonlens-server/internal/tracker"
)

// State is the session lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateActive:
		return "Active"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Surface is the capture side of a browser page.
type Surface interface {
	DrainEvents(ctx context.Context) ([]action.RawInputEvent, []browser.HoverEvent, error)
	WaitReady(ctx context.Context) error
	URL() string
	Close() error
}

// ElementLister is the optional surface capability of enumerating actionable
// page elements; *browser.Page implements it.
type ElementLister interface {
	InteractiveElements(ctx context.Context, limit int) ([]browser.InteractiveElement, error)
}

// Target bundles a page surface with the evidence collectors bound to it.
type Target struct {
	Surface    Surface
	Collectors []evidence.Collector
}

// Deps carries everything a coordinator needs beyond its target.
type Deps struct {
	Engine *fusion.Engine
	Hub    *stream.Hub
	Facts  *factlog.Log // optional

	// Recorder is per session. The registry fills it from TraceDir; callers
	// constructing a Coordinator directly may set it themselves.
	Recorder *recorder.Recorder

	// TraceDir and TraceMaxFiles tell the registry where to write one trace
	// file per session. Empty TraceDir disables tracing.
	TraceDir      string
	TraceMaxFiles int

	Capture   config.CaptureConfig
	Fusion    config.FusionConfig
	PollEvery time.Duration
}

// maxWindowsInFlight bounds concurrent evidence collection: the window being
// collected and at most one more closing behind it.
const maxWindowsInFlight = 2

// maxDrainFailures is how many consecutive poll failures the session tolerates
// before the page is declared unreachable.
const maxDrainFailures = 4

// Coordinator owns one session's pipeline.
type Coordinator struct {
	ID     string
	UserID string

	target Target
	deps   Deps

	mu      sync.Mutex
	state   State
	actions []*action.VerifiedAction

	tracker   *tracker.Tracker
	sequencer *fusion.Sequencer
	emitMu    sync.Mutex // orders sequencer release and publication as one step

	cancel      context.CancelFunc
	pollStop    chan struct{}
	pollDone    chan struct{}
	collectDone chan struct{}
}

// New creates a coordinator in the Idle state.
func New(userID string, target Target, deps Deps) *Coordinator {
	if deps.PollEvery <= 0 {
		deps.PollEvery = 250 * time.Millisecond
	}
	return &Coordinator{
		ID:          uuid.NewString(),
		UserID:      userID,
		target:      target,
		deps:        deps,
		state:       StateIdle,
		sequencer:   fusion.NewSequencer(),
		pollStop:    make(chan struct{}),
		pollDone:    make(chan struct{}),
		collectDone: make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Surface exposes the session's capture surface for read-only inspection.
func (c *Coordinator) Surface() Surface {
	return c.target.Surface
}

// Actions returns the verified actions emitted so far, in emission order.
func (c *Coordinator) Actions() []*action.VerifiedAction {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*action.VerifiedAction, len(c.actions))
	copy(out, c.actions)
	return out
}

// Start connects the session and brings it to Active. It returns once the
// page is ready and the pipeline is running.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.transition(StateIdle, StateConnecting); err != nil {
		return err
	}

	if err := c.target.Surface.WaitReady(ctx); err != nil {
		c.setState(StateClosed)
		return fmt.Errorf("session %s: page never became ready: %w", c.ID, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.tracker = tracker.New(c.ID,
		c.deps.Capture.IdleThreshold(),
		c.deps.Capture.MaxWindow(),
		c.deps.Capture.Grace(),
		tracker.WithOnOpen(c.windowOpened))

	if err := c.transition(StateConnecting, StateActive); err != nil {
		cancel()
		return err
	}

	go c.pollLoop(runCtx, c.pollStop)
	go c.collectLoop(runCtx)

	c.deps.Hub.Publish(stream.Event{
		Kind: stream.KindSessionStarted,
		Started: &stream.SessionStarted{
			SessionID: c.ID,
			UserID:    c.UserID,
			URL:       c.target.Surface.URL(),
		},
	})
	if c.deps.Recorder != nil {
		_ = c.deps.Recorder.Start(c.ID)
	}
	log.Printf("[session:%s] active for user %s", c.ID, c.UserID)
	return nil
}

// Stop drains the session: the open window is flushed, in-flight evidence
// collection gets a bounded grace, and the terminal event is published.
func (c *Coordinator) Stop(ctx context.Context) error {
	if err := c.transition(StateActive, StateClosing); err != nil {
		return err
	}
	return c.shutdown(ctx, "stopped")
}

// markUnreachable tears the session down after the page stopped answering
// the poll loop. Subscribers see a SESSION_ERROR before the terminal event.
func (c *Coordinator) markUnreachable(cause error) {
	if err := c.transition(StateActive, StateClosing); err != nil {
		return
	}
	log.Printf("[session:%s] page unreachable: %v", c.ID, cause)
	c.deps.Hub.Publish(stream.Event{
		Kind: stream.KindSessionError,
		Err:  &stream.SessionError{SessionID: c.ID, Error: fmt.Sprintf("page unreachable: %v", cause)},
	})
	_ = c.shutdown(context.Background(), "unreachable")
}

func (c *Coordinator) shutdown(ctx context.Context, reason string) error {
	log.Printf("[session:%s] closing", c.ID)

	// Stop feeding the tracker, then flush it so the final window enters the
	// collection pipeline.
	<-c.stopPolling()
	c.tracker.Close(ctx)

	drain := time.NewTimer(c.deps.Fusion.DrainTimeout())
	defer drain.Stop()
	select {
	case <-c.collectDone:
	case <-drain.C:
		// Grace exhausted: abort collection. Windows still in flight fuse
		// from whatever evidence arrived before the cut.
		log.Printf("[session:%s] drain grace expired with collection in flight", c.ID)
		c.deps.Hub.Publish(stream.Event{
			Kind: stream.KindSessionError,
			Err:  &stream.SessionError{SessionID: c.ID, Error: "drain grace expired with collection in flight"},
		})
		c.cancel()
		<-c.collectDone
	}
	c.cancel()

	c.deps.Hub.Publish(stream.Event{
		Kind:   stream.KindSessionClosed,
		Closed: &stream.SessionClosed{SessionID: c.ID, Reason: reason},
	})
	c.setState(StateClosed)
	c.recordState(ctx, StateClosing, StateClosed)

	if err := c.target.Surface.Close(); err != nil {
		log.Printf("[session:%s] page close: %v", c.ID, err)
	}
	if c.deps.Recorder != nil {
		_ = c.deps.Recorder.Close()
	}
	log.Printf("[session:%s] closed (%d verified actions)", c.ID, len(c.Actions()))
	return nil
}

func (c *Coordinator) stopPolling() <-chan struct{} {
	// The poll loop watches the run context; cancel only stops collection
	// later, so signal the poll loop separately.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pollStop == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	close(c.pollStop)
	c.pollStop = nil
	return c.pollDone
}

func (c *Coordinator) transition(from, to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return fmt.Errorf("session %s: cannot move %s -> %s", c.ID, c.state, to)
	}
	c.state = to
	c.recordState(context.Background(), from, to)
	return nil
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Coordinator) recordState(ctx context.Context, from, to State) {
	if c.deps.Facts != nil {
		_ = c.deps.Facts.RecordSessionState(ctx, c.ID, from.String(), to.String())
	}
	if c.deps.Recorder != nil {
		c.deps.Recorder.Log(recorder.TypeSessionState, c.ID, map[string]string{
			"from": from.String(), "to": to.String(),
		})
	}
}

// windowOpened gives each diffing collector its pre-action baseline.
func (c *Coordinator) windowOpened(w *action.ActionWindow) {
	for _, col := range c.target.Collectors {
		col := col
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.deps.Fusion.CollectTimeout())
			defer cancel()
			if err := col.WindowOpened(ctx, w); err != nil {
				log.Printf("[session:%s] %s baseline: %v", c.ID, col.Source(), err)
			}
		}()
	}
	if c.deps.Recorder != nil {
		c.deps.Recorder.Log(recorder.TypeWindowOpened, c.ID, w)
	}
}

// pollLoop drains buffered page events at the configured cadence and feeds
// the tracker; hovers bypass the pipeline as annotations.
func (c *Coordinator) pollLoop(ctx context.Context, stop <-chan struct{}) {
	defer close(c.pollDone)

	ticker := time.NewTicker(c.deps.PollEvery)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			events, hovers, err := c.target.Surface.DrainEvents(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				failures++
				log.Printf("[session:%s] drain: %v", c.ID, err)
				if failures >= maxDrainFailures {
					go c.markUnreachable(err)
					return
				}
				continue
			}
			failures = 0
			for _, ev := range events {
				c.tracker.Observe(ev)
				if c.deps.Facts != nil {
					_ = c.deps.Facts.RecordRawInput(ctx, c.ID, ev)
				}
			}
			if len(events) > 0 && c.deps.Recorder != nil {
				c.deps.Recorder.Log(recorder.TypeRawInput, c.ID, events)
			}
			for _, h := range hovers {
				c.publishHover(ctx, h)
			}
		}
	}
}

func (c *Coordinator) publishHover(ctx context.Context, h browser.HoverEvent) {
	c.deps.Hub.Publish(stream.Event{
		Kind: stream.KindHoverAnnotation,
		Hover: &stream.HoverAnnotation{
			SessionID: c.ID,
			Label:     h.Label,
			TargetID:  h.TargetID,
		},
	})
	if c.deps.Facts != nil {
		_ = c.deps.Facts.RecordHover(ctx, c.ID, h.Label)
	}
}

// collectLoop consumes closed windows, runs evidence collection for up to
// two windows concurrently, and emits verified actions strictly in window
// close order.
func (c *Coordinator) collectLoop(ctx context.Context) {
	defer close(c.collectDone)

	sem := make(chan struct{}, maxWindowsInFlight)
	var wg sync.WaitGroup

	for w := range c.tracker.Windows() {
		sem <- struct{}{}
		wg.Add(1)
		go func(w *action.ActionWindow) {
			defer wg.Done()
			defer func() { <-sem }()
			c.collectOne(ctx, w)
		}(w)
	}
	wg.Wait()
}

func (c *Coordinator) collectOne(ctx context.Context, w *action.ActionWindow) {
	if c.deps.Facts != nil {
		_ = c.deps.Facts.RecordWindowClosed(ctx, w)
	}
	if c.deps.Recorder != nil {
		c.deps.Recorder.Log(recorder.TypeWindowClosed, c.ID, w)
	}

	// A window aborted by drain expiry collects nothing and fuses to FAILED
	// with zero confidence, the same as any other evidence blackout.
	set := evidence.CollectAll(ctx, c.target.Collectors, w, c.deps.Fusion.CollectTimeout())
	va := c.deps.Engine.Fuse(w, set)

	for _, rec := range set.Present() {
		if c.deps.Facts != nil {
			_ = c.deps.Facts.RecordEvidence(ctx, c.ID, rec)
		}
		if c.deps.Recorder != nil {
			c.deps.Recorder.Log(recorder.TypeEvidence, c.ID, rec)
		}
	}

	// Two windows can be in flight at once. Without this lock a goroutine
	// holding the batch for seq N could lose the race to publish against the
	// goroutine holding seq N+1.
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	for _, ready := range c.sequencer.Add(va) {
		c.emit(ctx, ready)
	}
}

func (c *Coordinator) emit(ctx context.Context, va *action.VerifiedAction) {
	c.mu.Lock()
	c.actions = append(c.actions, va)
	c.mu.Unlock()

	c.deps.Hub.Publish(stream.Event{Kind: stream.KindVerifiedAction, Action: va})
	if c.deps.Facts != nil {
		_ = c.deps.Facts.RecordVerifiedAction(ctx, va)
	}
	if c.deps.Recorder != nil {
		c.deps.Recorder.Log(recorder.TypeVerifiedAction, c.ID, va)
	}
}
