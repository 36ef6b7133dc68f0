// Package httpapi exposes sessions, lessons, and the verified-action stream
// over REST and SSE for the coaching frontend.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"lessonlens-server/internal/action"
	"lessonlens-server/internal/factlog"
	"lessonlens-server/internal/lesson"
	"lessonlens-server/internal/replay"
	"lessonlens-server/internal/session"
	"lessonlens-server/internal/stream"
)

// Server holds the API's collaborators. Lessons, Facts, and Verifier may be
// nil; the matching routes then answer 503.
type Server struct {
	Sessions *session.Registry
	Hub      *stream.Hub
	Lessons  *lesson.Store
	Facts    *factlog.Log
	Verifier *replay.Verifier
}

// Router builds the gin handler. Release mode is the caller's call.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")
	{
		api.POST("/sessions", s.startSession)
		api.GET("/sessions", s.listSessions)
		api.GET("/sessions/:id", s.getSession)
		api.DELETE("/sessions/:id", s.stopSession)
		api.GET("/sessions/:id/actions", s.sessionActions)
		api.GET("/sessions/:id/events", s.sessionEvents)

		api.POST("/lessons", s.createLesson)
		api.GET("/lessons", s.listLessons)
		api.GET("/lessons/:id", s.getLesson)
		api.PUT("/lessons/:id", s.updateLesson)
		api.DELETE("/lessons/:id", s.deleteLesson)
		api.PUT("/lessons/:id/steps", s.saveSteps)
		api.GET("/lessons/:id/steps", s.getSteps)
		api.POST("/lessons/:id/verify", s.verifyStep)

		api.POST("/facts/query", s.queryFacts)
	}
	r.GET("/health", s.health)
	return r
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": len(s.Sessions.List()),
	})
}

type startSessionRequest struct {
	UserID string `json:"user_id" binding:"required"`
	URL    string `json:"url" binding:"required"`
}

type sessionView struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	State     string `json:"state"`
	Actions   int    `json:"actions"`
}

func viewOf(c *session.Coordinator) sessionView {
	return sessionView{
		SessionID: c.ID,
		UserID:    c.UserID,
		State:     c.State().String(),
		Actions:   len(c.Actions()),
	}
}

func (s *Server) startSession(c *gin.Context) {
	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	coord, err := s.Sessions.StartSession(c.Request.Context(), req.UserID, req.URL)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, viewOf(coord))
}

func (s *Server) listSessions(c *gin.Context) {
	coords := s.Sessions.List()
	out := make([]sessionView, 0, len(coords))
	for _, coord := range coords {
		out = append(out, viewOf(coord))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (s *Server) getSession(c *gin.Context) {
	coord, ok := s.Sessions.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, viewOf(coord))
}

func (s *Server) stopSession(c *gin.Context) {
	id := c.Param("id")
	if err := s.Sessions.StopSession(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id, "state": "Closed"})
}

func (s *Server) sessionActions(c *gin.Context) {
	coord, ok := s.Sessions.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"actions": coord.Actions()})
}

// sessionEvents streams the session's events as SSE until the client leaves
// or the session reaches its terminal event.
func (s *Server) sessionEvents(c *gin.Context) {
	id := c.Param("id")
	events, cancel := s.Hub.Subscribe(id)
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Kind), string(ev.JSON()))
			return ev.Kind != stream.KindSessionClosed
		case <-c.Request.Context().Done():
			return false
		}
	})
}

type createLessonRequest struct {
	Title       string `json:"title" binding:"required"`
	CreatorID   string `json:"creator_id" binding:"required"`
	Description string `json:"description"`
}

func (s *Server) createLesson(c *gin.Context) {
	if s.Lessons == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "lesson store disabled"})
		return
	}
	var req createLessonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	l := lesson.Lesson{
		ID:          uuid.NewString(),
		Title:       req.Title,
		CreatorID:   req.CreatorID,
		Description: req.Description,
		CreatedAt:   time.Now(),
	}
	if err := s.Lessons.Create(c.Request.Context(), l); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, l)
}

func (s *Server) listLessons(c *gin.Context) {
	if s.Lessons == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "lesson store disabled"})
		return
	}
	lessons, err := s.Lessons.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"lessons": lessons})
}

func (s *Server) getLesson(c *gin.Context) {
	if s.Lessons == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "lesson store disabled"})
		return
	}
	l, err := s.Lessons.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, lesson.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "lesson not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, l)
}

type updateLessonRequest struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
}

func (s *Server) updateLesson(c *gin.Context) {
	if s.Lessons == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "lesson store disabled"})
		return
	}
	var req updateLessonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := c.Param("id")
	err := s.Lessons.Update(c.Request.Context(), id, req.Title, req.Description)
	if errors.Is(err, lesson.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "lesson not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	l, err := s.Lessons.Get(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, l)
}

func (s *Server) deleteLesson(c *gin.Context) {
	if s.Lessons == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "lesson store disabled"})
		return
	}
	err := s.Lessons.Delete(c.Request.Context(), c.Param("id"))
	if errors.Is(err, lesson.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "lesson not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

type saveStepsRequest struct {
	Steps []struct {
		Narration string                `json:"narration"`
		Expected  action.VerifiedAction `json:"expected"`
	} `json:"steps" binding:"required"`
}

func (s *Server) saveSteps(c *gin.Context) {
	if s.Lessons == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "lesson store disabled"})
		return
	}
	id := c.Param("id")
	if _, err := s.Lessons.Get(c.Request.Context(), id); errors.Is(err, lesson.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "lesson not found"})
		return
	}
	var req saveStepsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	steps := make([]lesson.Step, 0, len(req.Steps))
	for i, st := range req.Steps {
		steps = append(steps, lesson.Step{
			LessonID:  id,
			Number:    i + 1,
			Narration: st.Narration,
			Expected:  st.Expected,
		})
	}
	if err := s.Lessons.SaveSteps(c.Request.Context(), id, steps); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"lesson_id": id, "steps": len(steps)})
}

func (s *Server) getSteps(c *gin.Context) {
	if s.Lessons == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "lesson store disabled"})
		return
	}
	steps, err := s.Lessons.Steps(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"steps": steps})
}

type verifyStepRequest struct {
	SessionID  string `json:"session_id" binding:"required"`
	StepNumber int    `json:"step_number" binding:"required"`
}

// verifyStep blocks until the student's next verified action arrives, then
// judges it against the lesson step.
func (s *Server) verifyStep(c *gin.Context) {
	if s.Lessons == nil || s.Verifier == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "verification disabled"})
		return
	}
	var req verifyStepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	steps, err := s.Lessons.Steps(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	var expected *lesson.Step
	for i := range steps {
		if steps[i].Number == req.StepNumber {
			expected = &steps[i]
			break
		}
	}
	if expected == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("lesson has no step %d", req.StepNumber)})
		return
	}

	j, err := s.Verifier.JudgeNext(c.Request.Context(), s.Hub, req.SessionID, expected.Number, expected.Expected)
	if errors.Is(err, replay.ErrSessionClosed) {
		c.JSON(http.StatusGone, gin.H{"error": "session closed before the step completed"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, j)
}

type queryFactsRequest struct {
	Query string `json:"query" binding:"required"`
}

func (s *Server) queryFacts(c *gin.Context) {
	if s.Facts == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "fact log disabled"})
		return
	}
	var req queryFactsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	results, err := s.Facts.Query(c.Request.Context(), req.Query)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// Run serves the API until the context is cancelled, then shuts down with a
// short grace period.
func (s *Server) Run(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.Router(),
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
