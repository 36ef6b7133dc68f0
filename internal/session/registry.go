package session

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"lessonlens-server/internal/browser"
	"lessonlens-server/internal/evidence"
	"lessonlens-server/internal/recorder"
)

// Opener produces a capture target for a session. The production opener
// drives a real browser page; tests substitute fakes.
type Opener interface {
	Open(ctx context.Context, url string) (Target, error)
}

// Registry tracks active sessions and enforces one per user.
type Registry struct {
	opener Opener
	deps   Deps

	mu       sync.RWMutex
	sessions map[string]*Coordinator // keyed by session ID
	byUser   map[string]string       // user ID -> session ID
}

// NewRegistry creates an empty registry.
func NewRegistry(opener Opener, deps Deps) *Registry {
	return &Registry{
		opener:   opener,
		deps:     deps,
		sessions: make(map[string]*Coordinator),
		byUser:   make(map[string]string),
	}
}

// StartSession opens a page for the user and runs a new session against it.
// A user with a session already active gets an error, not a second session.
func (r *Registry) StartSession(ctx context.Context, userID, url string) (*Coordinator, error) {
	if userID == "" {
		return nil, fmt.Errorf("start session: user id is required")
	}

	r.mu.Lock()
	if sid, ok := r.byUser[userID]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("user %s already has active session %s", userID, sid)
	}
	// Reserve the slot before the slow open so a concurrent start for the
	// same user fails fast.
	r.byUser[userID] = "pending"
	r.mu.Unlock()

	target, err := r.opener.Open(ctx, url)
	if err != nil {
		r.releaseUser(userID)
		return nil, fmt.Errorf("open capture target: %w", err)
	}

	deps := r.deps
	if deps.TraceDir != "" && deps.Recorder == nil {
		rec, err := recorder.New(deps.TraceDir, deps.TraceMaxFiles)
		if err != nil {
			log.Printf("trace recorder unavailable, continuing without: %v", err)
		} else {
			deps.Recorder = rec
		}
	}

	c := New(userID, target, deps)
	if err := c.Start(ctx); err != nil {
		r.releaseUser(userID)
		_ = target.Surface.Close()
		return nil, err
	}

	r.mu.Lock()
	r.sessions[c.ID] = c
	r.byUser[userID] = c.ID
	r.mu.Unlock()
	return c, nil
}

// StopSession drains and removes the session.
func (r *Registry) StopSession(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	c, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("session %s not found", sessionID)
	}
	delete(r.sessions, sessionID)
	delete(r.byUser, c.UserID)
	r.mu.Unlock()

	if err := c.Stop(ctx); err != nil {
		log.Printf("[session:%s] stop: %v", sessionID, err)
		return err
	}
	r.deps.Hub.Forget(sessionID)
	return nil
}

// Get returns the session by ID.
func (r *Registry) Get(sessionID string) (*Coordinator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.sessions[sessionID]
	return c, ok
}

// List returns active sessions ordered by session ID.
func (r *Registry) List() []*Coordinator {
	r.mu.RLock()
	out := make([]*Coordinator, 0, len(r.sessions))
	for _, c := range r.sessions {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StopAll drains every active session, used at server shutdown.
func (r *Registry) StopAll(ctx context.Context) {
	for _, c := range r.List() {
		if err := r.StopSession(ctx, c.ID); err != nil {
			log.Printf("[session:%s] shutdown stop: %v", c.ID, err)
		}
	}
}

func (r *Registry) releaseUser(userID string) {
	r.mu.Lock()
	delete(r.byUser, userID)
	r.mu.Unlock()
}

// BrowserOpener opens real pages through the shared browser driver and wires
// the three evidence channels to each page.
type BrowserOpener struct {
	Driver    *browser.Driver
	Describer evidence.Describer   // optional, disables visual evidence when nil
	State     evidence.StateReader // optional, disables state evidence when nil
}

func (o *BrowserOpener) Open(ctx context.Context, url string) (Target, error) {
	page, err := o.Driver.OpenPage(ctx, url)
	if err != nil {
		return Target{}, err
	}

	collectors := []evidence.Collector{
		evidence.NewStructuralCollector(page),
	}
	if o.Describer != nil {
		collectors = append(collectors, evidence.NewVisualCollector(page, o.Describer))
	}
	if o.State != nil {
		collectors = append(collectors, evidence.NewStateCollector(o.State))
	}
	return Target{Surface: page, Collectors: collectors}, nil
}
