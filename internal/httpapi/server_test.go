package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"lessonlens-server/internal/action"
	"lessonlens-server/internal/browser"
	"lessonlens-server/internal/config"
	"lessonlens-server/internal/fusion"
	"lessonlens-server/internal/lesson"
	"lessonlens-server/internal/replay"
	"lessonlens-server/internal/session"
	"lessonlens-server/internal/stream"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubSurface struct{}

func (stubSurface) DrainEvents(ctx context.Context) ([]action.RawInputEvent, []browser.HoverEvent, error) {
	return nil, nil, nil
}
func (stubSurface) WaitReady(ctx context.Context) error { return nil }
func (stubSurface) URL() string { return "https://app.example" }
func (stubSurface) Close() error { return nil }

type fakeOpener struct{}

func (fakeOpener) Open(ctx context.Context, url string) (session.Target, error) {
	return session.Target{Surface: stubSurface{}}, nil
}

func newTestServer(t *testing.T, withLessons bool) (*Server, *httptest.Server) {
	t.Helper()

	hub := stream.NewHub(16)
	fcfg := config.FusionConfig{
		StateWeight:      0.5,
		StructuralWeight: 0.3,
		VisualWeight:     0.2,
		SuccessThreshold: 0.6,
		ConflictPenalty:  0.6,
		CollectDeadline:  "200ms",
		DrainGrace:       "1s",
	}
	deps := session.Deps{
		Engine:    fusion.NewEngine(fcfg),
		Hub:       hub,
		Capture:   config.CaptureConfig{IdleThresholdMs: 40, MaxWindowMs: 2000, GraceMs: 10},
		Fusion:    fcfg,
		PollEvery: 10 * time.Millisecond,
	}
	reg := session.NewRegistry(fakeOpener{}, deps)

	srv := &Server{
		Sessions: reg,
		Hub:      hub,
		Verifier: replay.NewVerifier(config.VerifyConfig{ActionTimeout: "2s", PartialThreshold: 0.4}),
	}
	if withLessons {
		store, err := lesson.Open(filepath.Join(t.TempDir(), "lessons.db"))
		if err != nil {
			t.Fatalf("open lesson store: %v", err)
		}
		t.Cleanup(func() { store.Close() })
		srv.Lessons = store
	}

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { reg.StopAll(context.Background()) })
	return srv, ts
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, into interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	_, ts := newTestServer(t, false)

	resp := postJSON(t, ts.URL+"/api/sessions", map[string]string{
		"user_id": "alice", "url": "https://app.example",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start status = %d, want 201", resp.StatusCode)
	}
	var created sessionView
	decode(t, resp, &created)
	if created.UserID != "alice" || created.State != "Active" {
		t.Fatalf("created = %+v", created)
	}

	resp = postJSON(t, ts.URL+"/api/sessions", map[string]string{
		"user_id": "alice", "url": "https://app.example",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate start status = %d, want 409", resp.StatusCode)
	}

	listResp, err := http.Get(ts.URL + "/api/sessions")
	if err != nil {
		t.Fatalf("GET sessions: %v", err)
	}
	var list struct {
		Sessions []sessionView `json:"sessions"`
	}
	decode(t, listResp, &list)
	if len(list.Sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(list.Sessions))
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/sessions/"+created.SessionID, nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE session: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", delResp.StatusCode)
	}

	getResp, err := http.Get(ts.URL + "/api/sessions/" + created.SessionID)
	if err != nil {
		t.Fatalf("GET stopped session: %v", err)
	}
	getResp.Body.Close()
	if getResp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", getResp.StatusCode)
	}
}

func TestLessonCRUDOverHTTP(t *testing.T) {
	_, ts := newTestServer(t, true)

	resp := postJSON(t, ts.URL+"/api/lessons", map[string]string{
		"title": "Budget basics", "creator_id": "teach-1", "description": "sum a column",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create lesson status = %d, want 201", resp.StatusCode)
	}
	var created lesson.Lesson
	decode(t, resp, &created)
	if created.ID == "" || created.Title != "Budget basics" {
		t.Fatalf("created = %+v", created)
	}

	updateData, _ := json.Marshal(map[string]string{
		"title": "Budget basics, revised", "description": "sum a column with the Sum button",
	})
	updReq, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/lessons/"+created.ID, bytes.NewReader(updateData))
	updReq.Header.Set("Content-Type", "application/json")
	updResp, err := http.DefaultClient.Do(updReq)
	if err != nil {
		t.Fatalf("PUT lesson: %v", err)
	}
	var updated lesson.Lesson
	decode(t, updResp, &updated)
	if updated.Title != "Budget basics, revised" {
		t.Fatalf("updated = %+v", updated)
	}

	stepsBody := map[string]interface{}{
		"steps": []map[string]interface{}{
			{
				"narration": "Click cell B2 and type 5",
				"expected": action.VerifiedAction{
					Interpretation: `typed "5" into B2`,
					Status:         action.StatusSuccess,
				},
			},
		},
	}
	data, _ := json.Marshal(stepsBody)
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/lessons/"+created.ID+"/steps", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	stepResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT steps: %v", err)
	}
	stepResp.Body.Close()
	if stepResp.StatusCode != http.StatusOK {
		t.Fatalf("save steps status = %d, want 200", stepResp.StatusCode)
	}

	getResp, err := http.Get(ts.URL + "/api/lessons/" + created.ID + "/steps")
	if err != nil {
		t.Fatalf("GET steps: %v", err)
	}
	var got struct {
		Steps []lesson.Step `json:"steps"`
	}
	decode(t, getResp, &got)
	if len(got.Steps) != 1 || got.Steps[0].Expected.Status != action.StatusSuccess {
		t.Fatalf("steps = %+v", got.Steps)
	}

	delReq, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/lessons/"+created.ID, nil)
	delResp, err := http.DefaultClient.Do(delReq)
	if err != nil {
		t.Fatalf("DELETE lesson: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", delResp.StatusCode)
	}

	missing, err := http.Get(ts.URL + "/api/lessons/" + created.ID)
	if err != nil {
		t.Fatalf("GET deleted lesson: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("get deleted status = %d, want 404", missing.StatusCode)
	}
}

func TestLessonRoutesDisabledWithoutStore(t *testing.T) {
	_, ts := newTestServer(t, false)
	resp, err := http.Get(ts.URL + "/api/lessons")
	if err != nil {
		t.Fatalf("GET lessons: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestEventStreamEndsAtTerminal(t *testing.T) {
	srv, ts := newTestServer(t, false)

	va := &action.VerifiedAction{
		ID:             "a1",
		SessionID:      "s-sse",
		Interpretation: "clicked B2",
		Status:         action.StatusSuccess,
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		srv.Hub.Publish(stream.Event{Kind: stream.KindVerifiedAction, Action: va})
		srv.Hub.Publish(stream.Event{
			Kind:   stream.KindSessionClosed,
			Closed: &stream.SessionClosed{SessionID: "s-sse", Reason: "stopped"},
		})
	}()

	resp, err := http.Get(ts.URL + "/api/sessions/s-sse/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	text := string(body)
	if !strings.Contains(text, "VERIFIED_ACTION") {
		t.Errorf("stream missing verified action event:\n%s", text)
	}
	if !strings.Contains(text, "SESSION_CLOSED") {
		t.Errorf("stream missing terminal event:\n%s", text)
	}
}

func TestVerifyStepMatches(t *testing.T) {
	srv, ts := newTestServer(t, true)

	resp := postJSON(t, ts.URL+"/api/lessons", map[string]string{
		"title": "Typing", "creator_id": "teach-1",
	})
	var created lesson.Lesson
	decode(t, resp, &created)

	expected := action.VerifiedAction{
		Interpretation: `typed "5" into B2`,
		Status:         action.StatusSuccess,
	}
	stepsBody, _ := json.Marshal(map[string]interface{}{
		"steps": []map[string]interface{}{
			{"narration": "Type 5 into B2", "expected": expected},
		},
	})
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/lessons/"+created.ID+"/steps", bytes.NewReader(stepsBody))
	req.Header.Set("Content-Type", "application/json")
	stepResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT steps: %v", err)
	}
	stepResp.Body.Close()

	go func() {
		time.Sleep(100 * time.Millisecond)
		srv.Hub.Publish(stream.Event{Kind: stream.KindVerifiedAction, Action: &action.VerifiedAction{
			ID:             "live-1",
			SessionID:      "s-verify",
			Interpretation: `typed "5" into B2`,
			Status:         action.StatusSuccess,
		}})
	}()

	verifyResp := postJSON(t, fmt.Sprintf("%s/api/lessons/%s/verify", ts.URL, created.ID), map[string]interface{}{
		"session_id": "s-verify", "step_number": 1,
	})
	if verifyResp.StatusCode != http.StatusOK {
		t.Fatalf("verify status = %d, want 200", verifyResp.StatusCode)
	}
	var j action.ReplayJudgment
	decode(t, verifyResp, &j)
	if j.Verdict != action.VerdictMatch {
		t.Fatalf("verdict = %s, want MATCH (judgment %+v)", j.Verdict, j)
	}
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, false)
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d, want 200", resp.StatusCode)
	}
}
