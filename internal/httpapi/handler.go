// Package httpapi exposes the engine over HTTP: routing, task status and
// resume, autonomous sessions, session listing and live task events.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/autonomous"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/collaboration"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/engine"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/session"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/streaming"
)

// Engine is the subset of *engine.Engine the API serves.
type Engine interface {
	ClassifyAndRoute(ctx context.Context, req engine.RouteRequest) (*engine.RouteResult, error)
	GetTaskStatus(ctx context.Context, taskID string) (*autonomous.Status, error)
	ResumeTask(ctx context.Context, taskID, checkpointID string) (*autonomous.Status, error)
	CreateAutonomousSession(ctx context.Context, req engine.AutonomousRequest) (*session.Session, *autonomous.Status, error)
	ListSessions(ctx context.Context, userID string, typ session.Type, activeOnly bool) ([]*session.Session, error)
}

// Handler serves the v1 API.
type Handler struct {
	engine Engine
	events *streaming.Manager
	logger *zap.Logger
}

// NewHandler builds the API handler. events may be nil, in which case the
// streaming routes are not registered.
func NewHandler(eng Engine, events *streaming.Manager, logger *zap.Logger) *Handler {
	return &Handler{engine: eng, events: events, logger: logger}
}

// RegisterRoutes registers the API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/route", h.handleRoute)
	mux.HandleFunc("GET /v1/tasks/{id}", h.handleTaskStatus)
	mux.HandleFunc("POST /v1/tasks/{id}/resume", h.handleResume)
	mux.HandleFunc("POST /v1/autonomous", h.handleAutonomous)
	mux.HandleFunc("GET /v1/sessions", h.handleListSessions)
	if h.events != nil {
		mux.HandleFunc("GET /v1/tasks/{id}/events", h.handleSSE)
		mux.HandleFunc("GET /v1/tasks/{id}/ws", h.handleWS)
	}
}

// envelope is the body of every non-streaming response.
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func (h *Handler) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req engine.RouteRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.engine.ClassifyAndRoute(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, envelope{Success: true, Data: res})
}

func (h *Handler) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.GetTaskStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: st})
}

type resumeRequest struct {
	CheckpointID string `json:"checkpoint_id"`
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	st, err := h.engine.ResumeTask(r.Context(), r.PathValue("id"), req.CheckpointID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: st, Message: "task resumed"})
}

type autonomousRequest struct {
	UserID     string                 `json:"user_id"`
	Request    string                 `json:"request"`
	Context    map[string]interface{} `json:"context,omitempty"`
	MaxRuntime string                 `json:"max_runtime,omitempty"` // Go duration, e.g. "2h"
}

type autonomousResponse struct {
	Session *session.Session   `json:"session"`
	Task    *autonomous.Status `json:"task"`
}

func (h *Handler) handleAutonomous(w http.ResponseWriter, r *http.Request) {
	var req autonomousRequest
	if !h.decode(w, r, &req) {
		return
	}
	var maxRuntime time.Duration
	if req.MaxRuntime != "" {
		d, err := time.ParseDuration(req.MaxRuntime)
		if err != nil || d <= 0 {
			writeJSON(w, http.StatusBadRequest, envelope{Error: "invalid_request", Message: "max_runtime must be a positive duration"})
			return
		}
		maxRuntime = d
	}
	sess, st, err := h.engine.CreateAutonomousSession(r.Context(), engine.AutonomousRequest{
		UserID:     req.UserID,
		Request:    req.Request,
		Context:    req.Context,
		MaxRuntime: maxRuntime,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, envelope{Success: true, Data: autonomousResponse{Session: sess, Task: st}})
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var typ session.Type
	if s := q.Get("type"); s != "" {
		t, ok := session.ParseType(s)
		if !ok {
			writeJSON(w, http.StatusBadRequest, envelope{Error: "invalid_request", Message: "unknown session type " + strconv.Quote(s)})
			return
		}
		typ = t
	}
	activeOnly, _ := strconv.ParseBool(q.Get("active_only"))
	sessions, err := h.engine.ListSessions(r.Context(), q.Get("user_id"), typ, activeOnly)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*session.Session{}
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: sessions})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Error: "invalid_json", Message: sanitizeErr(err.Error())})
		return false
	}
	return true
}

// writeError maps domain errors onto status codes.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.Error(err))
	}
	writeJSON(w, status, envelope{Error: code, Message: sanitizeErr(err.Error())})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, engine.ErrInvalidRequest), errors.Is(err, collaboration.ErrNoAgents):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, autonomous.ErrTaskNotFound), errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrCheckpointNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, autonomous.ErrTaskRunning), errors.Is(err, autonomous.ErrTaskCompleted),
		errors.Is(err, session.ErrInvalidTransition), errors.Is(err, session.ErrSessionCompleted):
		return http.StatusConflict, "conflict"
	case errors.Is(err, autonomous.ErrStopped):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// writeJSON writes a JSON response with status and content-type.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sanitizeErr trims error messages for client output (UTF-8 safe).
func sanitizeErr(s string) string {
	runes := []rune(s)
	if len(runes) > 200 {
		return string(runes[:200])
	}
	return s
}
