package mcp

import (
	"context"
	"fmt"

	"lessonlens-server/internal/session"
)

// StartSessionTool opens a browser page for a student and begins verifying
// their actions.
type StartSessionTool struct {
	sessions *session.Registry
}

func (t *StartSessionTool) Name() string { return "start-session" }
func (t *StartSessionTool) Description() string {
	return `Start a verification session for a student.

Opens the target application in a hooked browser page and begins grouping the
student's raw input into verified actions. Each user may have at most one
active session; stop the old one first.

Returns the session_id to use with the other tools.`
}
func (t *StartSessionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"user_id": map[string]interface{}{
				"type":        "string",
				"description": "Student identifier",
			},
			"url": map[string]interface{}{
				"type":        "string",
				"description": "Application URL to open",
			},
		},
		"required": []string{"user_id", "url"},
	}
}
func (t *StartSessionTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	userID := getStringArg(args, "user_id")
	url := getStringArg(args, "url")
	if userID == "" || url == "" {
		return map[string]interface{}{"success": false, "error": "user_id and url are required"}, nil
	}

	coord, err := t.sessions.StartSession(ctx, userID, url)
	if err != nil {
		return map[string]interface{}{"success": false, "error": err.Error()}, nil
	}
	return map[string]interface{}{
		"success":    true,
		"session_id": coord.ID,
		"user_id":    coord.UserID,
		"state":      coord.State().String(),
	}, nil
}

// StopSessionTool drains and closes a session.
type StopSessionTool struct {
	sessions *session.Registry
}

func (t *StopSessionTool) Name() string { return "stop-session" }
func (t *StopSessionTool) Description() string {
	return "Stop a verification session. The open action window is flushed and judged before the session closes."
}
func (t *StopSessionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Session to stop",
			},
		},
		"required": []string{"session_id"},
	}
}
func (t *StopSessionTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID := getStringArg(args, "session_id")
	if sessionID == "" {
		return map[string]interface{}{"success": false, "error": "session_id is required"}, nil
	}
	if err := t.sessions.StopSession(ctx, sessionID); err != nil {
		return map[string]interface{}{"success": false, "error": err.Error()}, nil
	}
	return map[string]interface{}{"success": true, "session_id": sessionID}, nil
}

// ListSessionsTool reports the active sessions.
type ListSessionsTool struct {
	sessions *session.Registry
}

func (t *ListSessionsTool) Name() string { return "list-sessions" }
func (t *ListSessionsTool) Description() string {
	return "List active verification sessions with their state and verified action count."
}
func (t *ListSessionsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ListSessionsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	coords := t.sessions.List()
	sessions := make([]map[string]interface{}, 0, len(coords))
	for _, c := range coords {
		sessions = append(sessions, map[string]interface{}{
			"session_id": c.ID,
			"user_id":    c.UserID,
			"state":      c.State().String(),
			"actions":    len(c.Actions()),
		})
	}
	return map[string]interface{}{"success": true, "count": len(sessions), "sessions": sessions}, nil
}

// GetVerifiedActionsTool returns what the student has verifiably done so far.
type GetVerifiedActionsTool struct {
	sessions *session.Registry
}

func (t *GetVerifiedActionsTool) Name() string { return "get-verified-actions" }
func (t *GetVerifiedActionsTool) Description() string {
	return `Get the verified actions of a session in order.

Each action carries an interpretation ("typed \"5\" into B2"), a status
(SUCCESS, FAILED, UNCERTAIN), a confidence, and the evidence behind the call.
Use 'since_seq' to fetch only actions you have not seen yet.`
}
func (t *GetVerifiedActionsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Session to read",
			},
			"since_seq": map[string]interface{}{
				"type":        "integer",
				"description": "Only return actions with seq >= this value (default 0)",
			},
		},
		"required": []string{"session_id"},
	}
}
func (t *GetVerifiedActionsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID := getStringArg(args, "session_id")
	sinceSeq := getIntArg(args, "since_seq", 0)

	coord, ok := t.sessions.Get(sessionID)
	if !ok {
		return map[string]interface{}{"success": false, "error": fmt.Sprintf("session not found: %s", sessionID)}, nil
	}

	all := coord.Actions()
	out := all[:0:0]
	for _, va := range all {
		if va.Seq >= uint64(sinceSeq) {
			out = append(out, va)
		}
	}
	return map[string]interface{}{"success": true, "count": len(out), "actions": out}, nil
}

// GetInteractiveElementsTool lists the actionable elements on a session's
// page, so the coach can name what the student could interact with next.
type GetInteractiveElementsTool struct {
	sessions *session.Registry
}

func (t *GetInteractiveElementsTool) Name() string { return "get-interactive-elements" }
func (t *GetInteractiveElementsTool) Description() string {
	return `List the clickable and typeable elements on the student's page.

Returns for each element a stable ref, its type (button, input, link, select,
checkbox, radio), a human-readable label, and the gesture it affords. Useful
for phrasing hints: "click the button labeled Sum".`
}
func (t *GetInteractiveElementsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Session whose page to inspect",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Max elements to return (default 50)",
			},
		},
		"required": []string{"session_id"},
	}
}
func (t *GetInteractiveElementsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID := getStringArg(args, "session_id")
	if sessionID == "" {
		return map[string]interface{}{"success": false, "error": "session_id is required"}, nil
	}
	limit := getIntArg(args, "limit", 50)

	coord, ok := t.sessions.Get(sessionID)
	if !ok {
		return map[string]interface{}{"success": false, "error": fmt.Sprintf("session not found: %s", sessionID)}, nil
	}
	lister, ok := coord.Surface().(session.ElementLister)
	if !ok {
		return map[string]interface{}{"success": false, "error": "session surface cannot enumerate elements"}, nil
	}

	elements, err := lister.InteractiveElements(ctx, limit)
	if err != nil {
		return map[string]interface{}{"success": false, "error": err.Error()}, nil
	}
	return map[string]interface{}{"success": true, "count": len(elements), "elements": elements}, nil
}
