package replay

import (
	"context"
	"errors"
	"time"

	"lessonlens-server/internal/action"
	"lessonlens-server/internal/stream"
)

// ErrSessionClosed is returned when the session ends while waiting for the
// student's next action.
var ErrSessionClosed = errors.New("session closed while awaiting action")

// ErrTimeout is returned when the student did not act before the deadline.
var ErrTimeout = errors.New("timed out awaiting action")

// AwaitAction blocks until the session emits its next verified action, the
// deadline passes, or the session closes.
func AwaitAction(ctx context.Context, hub *stream.Hub, sessionID string, timeout time.Duration) (*action.VerifiedAction, error) {
	events, cancel := hub.Subscribe(sessionID)
	defer cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, ErrTimeout
		case e, ok := <-events:
			if !ok {
				return nil, ErrSessionClosed
			}
			switch e.Kind {
			case stream.KindVerifiedAction:
				return e.Action, nil
			case stream.KindSessionClosed:
				return nil, ErrSessionClosed
			}
		}
	}
}

// JudgeNext waits for the student's next action and judges it against the
// expected step. A timeout yields a mismatch judgment rather than an error.
func (v *Verifier) JudgeNext(ctx context.Context, hub *stream.Hub, sessionID string, stepNumber int, expected action.VerifiedAction) (action.ReplayJudgment, error) {
	live, err := AwaitAction(ctx, hub, sessionID, v.cfg.WaitTimeout())
	if errors.Is(err, ErrTimeout) {
		return v.TimedOut(stepNumber, expected), nil
	}
	if err != nil {
		return action.ReplayJudgment{}, err
	}
	return v.Judge(stepNumber, expected, *live), nil
}
