package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wardenhq/warden/internal/process"
	"github.com/wardenhq/warden/internal/supervisor"
	"github.com/wardenhq/warden/pkg/types"
)

// defaultBlockingTimeout bounds ?blocking=true sends.
const defaultBlockingTimeout = 60 * time.Second

type createSessionRequest struct {
	ProjectPath    string               `json:"projectPath"`
	Message        string               `json:"message"`
	Attachments    []types.Attachment   `json:"attachments,omitempty"`
	PermissionMode types.PermissionMode `json:"permissionMode,omitempty"`
	Provider       string               `json:"provider,omitempty"`
}

// createSession starts a new session, or returns a queue ticket when the
// project is at its concurrency cap.
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	if req.ProjectPath == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "projectPath is required")
		return
	}

	result, err := s.supervisor.StartSession(supervisor.StartOptions{
		ProjectPath: req.ProjectPath,
		Message:     req.Message,
		Attachments: req.Attachments,
		Mode:        req.PermissionMode,
		Provider:    req.Provider,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if result.Queued {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"queued":   true,
			"queueId":  result.QueueID,
			"position": result.Position,
		})
		return
	}

	p := result.Process
	mode, modeVersion := p.Mode()
	// The initial message dispatches synchronously inside StartSession, so
	// with a message the state read here is already in-turn.
	writeJSON(w, http.StatusOK, map[string]any{
		"processId":      p.ID(),
		"sessionId":      p.SessionID(),
		"projectPath":    p.ProjectPath(),
		"state":          p.State(),
		"permissionMode": mode,
		"modeVersion":    modeVersion,
	})
}

type sendMessageRequest struct {
	Message     string             `json:"message"`
	Attachments []types.Attachment `json:"attachments,omitempty"`

	// ProjectPath lets a send revive a session with no live process.
	ProjectPath string `json:"projectPath,omitempty"`
}

// sendMessage enqueues a message on a session's process, resuming the
// session from disk when no process is live. With ?blocking=true the
// response waits for the turn to finish.
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "message is required")
		return
	}

	p, ok := s.supervisor.GetProcessForSession(sessionID)
	if !ok {
		if req.ProjectPath == "" {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "no live process for session")
			return
		}
		resumed, err := s.supervisor.ResumeSession(sessionID, req.ProjectPath, req.Message, supervisor.StartOptions{})
		if err != nil {
			writeDomainError(w, err)
			return
		}
		s.respondSend(w, r, resumed, types.QueuedMessage{}, 0, true)
		return
	}

	msg, position, err := p.QueueMessage(req.Message, req.Attachments)
	if err != nil {
		if err == process.ErrQueueFull {
			writeErrorWithDetails(w, http.StatusServiceUnavailable, ErrCodeQueueFull, "message queue is full", map[string]any{
				"queueLength": p.QueueLen(),
			})
			return
		}
		writeDomainError(w, err)
		return
	}
	s.respondSend(w, r, p, msg, position, false)
}

func (s *Server) respondSend(w http.ResponseWriter, r *http.Request, p *process.Process, msg types.QueuedMessage, position int, resumed bool) {
	if r.URL.Query().Get("blocking") == "true" {
		timeout := defaultBlockingTimeout
		if ms, err := strconv.Atoi(r.URL.Query().Get("timeoutMs")); err == nil && ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}
		if !s.waitForIdle(r.Context(), p, timeout) {
			writeError(w, http.StatusRequestTimeout, ErrCodeTimeout, "turn did not complete in time")
			return
		}
	}

	resp := map[string]any{
		"sessionId": p.SessionID(),
		"processId": p.ID(),
		"state":     p.State(),
	}
	if msg.ID != "" {
		resp["messageId"] = msg.ID
		resp["position"] = position
	}
	if resumed {
		resp["resumed"] = true
	}
	writeJSON(w, http.StatusOK, resp)
}

// waitForIdle blocks until the process settles (idle or terminal), the
// timeout passes, or the client goes away.
func (s *Server) waitForIdle(ctx context.Context, p *process.Process, timeout time.Duration) bool {
	settled := func(state types.ProcessState) bool {
		return state.Kind == types.StateIdle || state.Terminal()
	}

	done := make(chan struct{}, 1)
	unsub := p.Subscribe(func(ev process.Event) {
		if ev.Kind == process.EventStateChange && ev.State != nil && settled(*ev.State) {
			select {
			case done <- struct{}{}:
			default:
			}
		}
	})
	defer unsub()

	if settled(p.State()) {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-p.Done():
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// deleteSession aborts the session's live process.
func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	p, ok := s.supervisor.GetProcessForSession(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "no live process for session")
		return
	}
	s.supervisor.AbortProcess(p.ID(), "user-request")
	writeSuccess(w)
}

// cancelQueued withdraws a waiting admission ticket.
func (s *Server) cancelQueued(w http.ResponseWriter, r *http.Request) {
	if !s.supervisor.CancelTicket(chi.URLParam(r, "queueID")) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "no waiting ticket with that id")
		return
	}
	writeSuccess(w)
}

// recentSessions lists the latest sessions across all projects.
func (s *Server) recentSessions(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 && n <= 100 {
		limit = n
	}
	sessions, err := s.projects.Recent(r.Context(), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

type setModeRequest struct {
	Mode types.PermissionMode `json:"mode"`
}

// setMode changes a session's permission mode; deferred when a turn is
// running.
func (s *Server) setMode(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	p, ok := s.supervisor.GetProcessForSession(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "no live process for session")
		return
	}

	var req setModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Mode == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "mode is required")
		return
	}

	version, err := p.SetPermissionMode(req.Mode)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"modeVersion": version})
}

type permissionResponse struct {
	Allow   bool   `json:"allow"`
	Message string `json:"message,omitempty"`
}

// respondPermission delivers an approval or denial for a pending control
// request.
func (s *Server) respondPermission(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	requestID := chi.URLParam(r, "requestID")

	p, ok := s.supervisor.GetProcessForSession(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "no live process for session")
		return
	}

	var req permissionResponse
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	if err := p.RespondControl(requestID, req.Allow, req.Message); err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w)
}

// debugProcesses dumps every live process.
func (s *Server) debugProcesses(w http.ResponseWriter, r *http.Request) {
	procs := s.supervisor.AllProcesses()
	out := make([]map[string]any, 0, len(procs))
	for _, p := range procs {
		mode, modeVersion := p.Mode()
		out = append(out, map[string]any{
			"processId":      p.ID(),
			"sessionId":      p.SessionID(),
			"projectPath":    p.ProjectPath(),
			"state":          p.State(),
			"permissionMode": mode,
			"modeVersion":    modeVersion,
			"queueLength":    p.QueueLen(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"processes": out})
}
