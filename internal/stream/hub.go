// Package stream fans session events out to subscribers: the HTTP event
// stream, the replay verifier, and any tool waiting on the next verified
// action. Publishing never blocks; a subscriber that stops draining its
// buffer is dropped.
package stream

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"lessonlens-server/internal/action"
)

// EventKind tags the payload carried by an Event.
type EventKind string

const (
	KindSessionStarted  EventKind = "SESSION_STARTED"
	KindHoverAnnotation EventKind = "HOVER_ANNOTATION"
	KindVerifiedAction  EventKind = "VERIFIED_ACTION"
	KindSessionError    EventKind = "SESSION_ERROR"
	KindSessionClosed   EventKind = "SESSION_CLOSED"
)

// SessionStarted announces that a session reached the Active state.
type SessionStarted struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	URL       string `json:"url,omitempty"`
}

// HoverAnnotation names the element the student's pointer is resting on.
type HoverAnnotation struct {
	SessionID string `json:"session_id"`
	Label     string `json:"label"`
	TargetID  string `json:"target_id,omitempty"`
}

// SessionError reports a recoverable session fault: a drain grace that
// expired or a page that stopped answering. The stream stays open; a
// SESSION_CLOSED still follows when the session ends.
type SessionError struct {
	SessionID string `json:"session_id"`
	Error     string `json:"error"`
}

// SessionClosed is the terminal event on a session's stream.
type SessionClosed struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// Event is the tagged union flowing through the hub. Exactly one payload
// field is set, matching Kind.
type Event struct {
	Kind      EventKind              `json:"kind"`
	Timestamp time.Time              `json:"timestamp"`
	Started   *SessionStarted        `json:"started,omitempty"`
	Hover     *HoverAnnotation       `json:"hover,omitempty"`
	Action    *action.VerifiedAction `json:"action,omitempty"`
	Err       *SessionError          `json:"error,omitempty"`
	Closed    *SessionClosed         `json:"closed,omitempty"`
}

// SessionID returns the session the event belongs to.
func (e Event) SessionID() string {
	switch e.Kind {
	case KindSessionStarted:
		return e.Started.SessionID
	case KindHoverAnnotation:
		return e.Hover.SessionID
	case KindVerifiedAction:
		return e.Action.SessionID
	case KindSessionError:
		return e.Err.SessionID
	case KindSessionClosed:
		return e.Closed.SessionID
	}
	return ""
}

// JSON renders the event for the wire; marshal errors cannot occur for these
// payloads so the result is always usable.
func (e Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

type subscriber struct {
	id        int
	sessionID string // empty subscribes to all sessions
	ch        chan Event
}

// Hub is the fan-out point for session events.
type Hub struct {
	buffer int

	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber
	closed map[string]bool // sessions that emitted their terminal event
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		buffer: buffer,
		subs:   make(map[int]*subscriber),
		closed: make(map[string]bool),
	}
}

// Subscribe registers interest in one session's events (or all sessions when
// sessionID is empty). The returned cancel func must be called when done; it
// closes the event channel.
func (h *Hub) Subscribe(sessionID string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &subscriber{
		id:        h.nextID,
		sessionID: sessionID,
		ch:        make(chan Event, h.buffer),
	}
	h.nextID++
	h.subs[sub.id] = sub

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[sub.id]; ok {
			delete(h.subs, sub.id)
			close(sub.ch)
		}
	}
	return sub.ch, cancel
}

// Publish delivers an event to every matching subscriber. A subscriber whose
// buffer is full is dropped rather than stalling the session pipeline. Events
// for a session that already emitted its terminal event are discarded.
func (h *Hub) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	sid := e.SessionID()

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed[sid] {
		log.Printf("[session:%s] discarding %s after terminal event", sid, e.Kind)
		return
	}
	if e.Kind == KindSessionClosed {
		h.closed[sid] = true
	}

	for id, sub := range h.subs {
		if sub.sessionID != "" && sub.sessionID != sid {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			log.Printf("[session:%s] dropping slow subscriber %d (buffer %d full)", sid, id, h.buffer)
			delete(h.subs, id)
			close(sub.ch)
		}
	}
}

// Forget clears the terminal marker for a session ID, allowing reuse of the
// stream map after the session is fully torn down.
func (h *Hub) Forget(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.closed, sessionID)
}

// SubscriberCount reports active subscribers, for introspection and tests.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
