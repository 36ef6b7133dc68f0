package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lessonlens-server/internal/lesson"
	"lessonlens-server/internal/replay"
	"lessonlens-server/internal/stream"
)

// ListLessonsTool lists the stored lessons.
type ListLessonsTool struct {
	lessons *lesson.Store
}

func (t *ListLessonsTool) Name() string { return "list-lessons" }
func (t *ListLessonsTool) Description() string {
	return "List recorded lessons with their titles and creators."
}
func (t *ListLessonsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ListLessonsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.lessons == nil {
		return map[string]interface{}{"success": false, "error": "lesson store disabled"}, nil
	}
	lessons, err := t.lessons.List(ctx)
	if err != nil {
		return map[string]interface{}{"success": false, "error": err.Error()}, nil
	}
	return map[string]interface{}{"success": true, "count": len(lessons), "lessons": lessons}, nil
}

// GetLessonStepsTool returns a lesson's steps with their expected actions.
type GetLessonStepsTool struct {
	lessons *lesson.Store
}

func (t *GetLessonStepsTool) Name() string { return "get-lesson-steps" }
func (t *GetLessonStepsTool) Description() string {
	return `Get the ordered steps of a lesson.

Each step pairs the teacher's narration with the verified action recorded
when the lesson was authored. Use verify-lesson-step to judge a student's
live action against one of these.`
}
func (t *GetLessonStepsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"lesson_id": map[string]interface{}{
				"type":        "string",
				"description": "Lesson to read",
			},
		},
		"required": []string{"lesson_id"},
	}
}
func (t *GetLessonStepsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.lessons == nil {
		return map[string]interface{}{"success": false, "error": "lesson store disabled"}, nil
	}
	lessonID := getStringArg(args, "lesson_id")
	if lessonID == "" {
		return map[string]interface{}{"success": false, "error": "lesson_id is required"}, nil
	}
	if _, err := t.lessons.Get(ctx, lessonID); errors.Is(err, lesson.ErrNotFound) {
		return map[string]interface{}{"success": false, "error": fmt.Sprintf("lesson not found: %s", lessonID)}, nil
	}
	steps, err := t.lessons.Steps(ctx, lessonID)
	if err != nil {
		return map[string]interface{}{"success": false, "error": err.Error()}, nil
	}
	return map[string]interface{}{"success": true, "count": len(steps), "steps": steps}, nil
}

// AwaitStudentActionTool blocks until the student's next verified action.
type AwaitStudentActionTool struct {
	hub      *stream.Hub
	verifier *replay.Verifier
}

func (t *AwaitStudentActionTool) Name() string { return "await-student-action" }
func (t *AwaitStudentActionTool) Description() string {
	return `Wait for the student's next verified action.

Blocks until the session emits a verified action, the session closes, or the
timeout passes. Use this to pace a lesson: narrate a step, await the action,
then react to what the student actually did.`
}
func (t *AwaitStudentActionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Session to watch",
			},
			"timeout_ms": map[string]interface{}{
				"type":        "integer",
				"description": "How long to wait (default: the configured action timeout)",
			},
		},
		"required": []string{"session_id"},
	}
}
func (t *AwaitStudentActionTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID := getStringArg(args, "session_id")
	if sessionID == "" {
		return map[string]interface{}{"success": false, "error": "session_id is required"}, nil
	}
	timeout := t.verifier.StepDeadline()
	if ms := getIntArg(args, "timeout_ms", 0); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	va, err := replay.AwaitAction(ctx, t.hub, sessionID, timeout)
	if errors.Is(err, replay.ErrTimeout) {
		return map[string]interface{}{"success": false, "timeout": true}, nil
	}
	if errors.Is(err, replay.ErrSessionClosed) {
		return map[string]interface{}{"success": false, "error": "session closed"}, nil
	}
	if err != nil {
		return map[string]interface{}{"success": false, "error": err.Error()}, nil
	}
	return map[string]interface{}{"success": true, "action": va}, nil
}

// VerifyLessonStepTool awaits the student's next action and judges it against
// a lesson step.
type VerifyLessonStepTool struct {
	hub      *stream.Hub
	lessons  *lesson.Store
	verifier *replay.Verifier
}

func (t *VerifyLessonStepTool) Name() string { return "verify-lesson-step" }
func (t *VerifyLessonStepTool) Description() string {
	return `Judge the student's next action against a lesson step.

Waits for the next verified action in the session and compares it with the
step's expected action. The verdict is MATCH, PARTIAL, or MISMATCH, with
feedback describing any discrepancy ("expected a change to A1, but B1 was
changed"). A timeout yields a MISMATCH judgment with timeout=true.`
}
func (t *VerifyLessonStepTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Session producing the live action",
			},
			"lesson_id": map[string]interface{}{
				"type":        "string",
				"description": "Lesson being replayed",
			},
			"step_number": map[string]interface{}{
				"type":        "integer",
				"description": "Step to verify (1-based)",
			},
		},
		"required": []string{"session_id", "lesson_id", "step_number"},
	}
}
func (t *VerifyLessonStepTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.lessons == nil {
		return map[string]interface{}{"success": false, "error": "lesson store disabled"}, nil
	}
	sessionID := getStringArg(args, "session_id")
	lessonID := getStringArg(args, "lesson_id")
	stepNumber := getIntArg(args, "step_number", 0)
	if sessionID == "" || lessonID == "" || stepNumber < 1 {
		return map[string]interface{}{"success": false, "error": "session_id, lesson_id, and step_number are required"}, nil
	}

	steps, err := t.lessons.Steps(ctx, lessonID)
	if err != nil {
		return map[string]interface{}{"success": false, "error": err.Error()}, nil
	}
	var step *lesson.Step
	for i := range steps {
		if steps[i].Number == stepNumber {
			step = &steps[i]
			break
		}
	}
	if step == nil {
		return map[string]interface{}{"success": false, "error": fmt.Sprintf("lesson %s has no step %d", lessonID, stepNumber)}, nil
	}

	j, err := t.verifier.JudgeNext(ctx, t.hub, sessionID, step.Number, step.Expected)
	if errors.Is(err, replay.ErrSessionClosed) {
		return map[string]interface{}{"success": false, "error": "session closed before the step completed"}, nil
	}
	if err != nil {
		return map[string]interface{}{"success": false, "error": err.Error()}, nil
	}
	return map[string]interface{}{"success": true, "judgment": j}, nil
}
