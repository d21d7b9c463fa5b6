package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nugget/thane-mesh/internal/delegate"
	"github.com/nugget/thane-mesh/internal/mesh"
)

// ExecuteRequest is the body of POST /v1/tools/{tool}/execute. An empty
// body runs the tool with no arguments.
type ExecuteRequest struct {
	Args              json.RawMessage `json:"args,omitempty"`
	PreferredDeviceID string          `json:"preferred_device_id,omitempty"`
	// TimeoutMs overrides the hub's command timeout when positive.
	TimeoutMs int64 `json:"timeout_ms,omitempty"`
	// Async returns as soon as the command is sent.
	Async bool `json:"async,omitempty"`
}

// ExecuteResponse reports a delegated command.
type ExecuteResponse struct {
	CommandID  string          `json:"command_id"`
	DeviceID   string          `json:"device_id"`
	Tool       string          `json:"tool"`
	State      delegate.State  `json:"state"`
	Result     json.RawMessage `json:"result,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
}

// maxTimeoutMs caps a per-request command timeout at one hour.
const maxTimeoutMs = int64(time.Hour / time.Millisecond)

func (s *Server) handleToolExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TimeoutMs < 0 || req.TimeoutMs > maxTimeoutMs {
		s.errorResponse(w, http.StatusBadRequest,
			fmt.Sprintf("timeout_ms must be between 0 and %d", maxTimeoutMs))
		return
	}

	tool := r.PathValue("tool")
	f, err := s.mesh.Submit(r.Context(), mesh.ToolExecutionRequest{
		Tool:              tool,
		Args:              req.Args,
		PreferredDeviceID: req.PreferredDeviceID,
		Timeout:           time.Duration(req.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		s.executeError(w, tool, err)
		return
	}

	resp := ExecuteResponse{
		CommandID: f.ID(),
		DeviceID:  f.DeviceID(),
		Tool:      tool,
		State:     delegate.StateAwaiting,
	}
	if req.Async {
		s.respond(w, http.StatusAccepted, resp)
		return
	}

	result, err := f.Wait(r.Context())
	if err != nil {
		if r.Context().Err() != nil {
			s.logger.Debug("client went away before result",
				"command_id", f.ID(),
				"tool", tool,
			)
			return
		}
		s.executeError(w, tool, err)
		return
	}

	o, _ := f.Outcome()
	resp.State = o.State
	resp.Result = result
	resp.DurationMs = o.CompletedAt.Sub(f.CreatedAt()).Milliseconds()
	s.respond(w, http.StatusOK, resp)
}

// executeError maps a delegation failure to an HTTP status.
func (s *Server) executeError(w http.ResponseWriter, tool string, err error) {
	code := statusForError(err)
	if code >= http.StatusInternalServerError && code != http.StatusBadGateway && code != http.StatusGatewayTimeout {
		s.logger.Error("tool execution failed", "tool", tool, "error", err)
	} else {
		s.logger.Debug("tool execution failed", "tool", tool, "status", code, "error", err)
	}
	s.errorResponse(w, code, err.Error())
}

func statusForError(err error) int {
	var noDevice *mesh.NoCapableDeviceError
	switch {
	case errors.As(err, &noDevice):
		return http.StatusServiceUnavailable
	case errors.Is(err, delegate.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, delegate.ErrRemote),
		errors.Is(err, delegate.ErrDeviceGone),
		errors.Is(err, delegate.ErrDeviceNotConnected):
		return http.StatusBadGateway
	case errors.Is(err, delegate.ErrCancelled):
		return http.StatusConflict
	case errors.Is(err, delegate.ErrClosed), errors.Is(err, mesh.ErrNotStarted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleDeviceList(w http.ResponseWriter, r *http.Request) {
	devices := s.mesh.Registry().List()
	s.respond(w, http.StatusOK, map[string]any{
		"count":   len(devices),
		"devices": devices,
	})
}

func (s *Server) handleDeviceGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	d, ok := s.mesh.Registry().Get(id)
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "device not connected: "+id)
		return
	}
	s.respond(w, http.StatusOK, d)
}

// handleDeviceDisconnect drops a device. With ?forget=true its pairing
// credential is revoked too, so it must pair again to rejoin.
func (s *Server) handleDeviceDisconnect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	forget := r.URL.Query().Get("forget") == "true"

	d, ok := s.mesh.Registry().Get(id)
	if !ok && !forget {
		s.errorResponse(w, http.StatusNotFound, "device not connected: "+id)
		return
	}
	if forget {
		auth := s.mesh.Pairing()
		if auth == nil {
			s.errorResponse(w, http.StatusServiceUnavailable, "pairing not configured")
			return
		}
		if err := auth.Forget(id); err != nil {
			s.logger.Error("forget device failed", "device_id", id, "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "failed to forget device")
			return
		}
	}
	if ok {
		s.mesh.Registry().Unregister(id)
		if d.Conn != nil {
			//nolint:errcheck // Close errors are not actionable here
			d.Conn.Close()
		}
		s.logger.Info("device disconnected by request", "device_id", id, "forget", forget)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCommandsPending(w http.ResponseWriter, r *http.Request) {
	pending := s.mesh.Delegator().Pending()
	s.respond(w, http.StatusOK, map[string]any{
		"count":    len(pending),
		"commands": pending,
	})
}

func (s *Server) handleCommandsHistory(w http.ResponseWriter, r *http.Request) {
	store := s.mesh.History()
	if store == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "command history disabled")
		return
	}

	limit := queryLimit(r, 50)
	var (
		records []*delegate.CommandRecord
		err     error
	)
	if id := r.URL.Query().Get("device"); id != "" {
		records, err = store.ByDevice(id, limit)
	} else {
		records, err = store.Recent(limit)
	}
	if err != nil {
		s.logger.Error("list command history failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list history")
		return
	}
	if records == nil {
		records = []*delegate.CommandRecord{}
	}
	s.respond(w, http.StatusOK, map[string]any{
		"count":    len(records),
		"commands": records,
	})
}

// handleCommandGet looks a command up among pending commands first,
// then in history.
func (s *Server) handleCommandGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	for _, p := range s.mesh.Delegator().Pending() {
		if p.ID == id {
			s.respond(w, http.StatusOK, map[string]any{
				"id":         p.ID,
				"device_id":  p.DeviceID,
				"tool":       p.Tool,
				"state":      delegate.StateAwaiting,
				"created_at": p.CreatedAt,
				"deadline":   p.Deadline,
			})
			return
		}
	}

	store := s.mesh.History()
	if store == nil {
		s.errorResponse(w, http.StatusNotFound, "command not found: "+id)
		return
	}
	rec, err := store.Get(id)
	switch {
	case errors.Is(err, delegate.ErrRecordNotFound):
		s.errorResponse(w, http.StatusNotFound, "command not found: "+id)
	case err != nil:
		s.logger.Error("get command record failed", "command_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load command")
	default:
		s.respond(w, http.StatusOK, rec)
	}
}

func (s *Server) handleCommandCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.mesh.Delegator().Cancel(id) {
		s.errorResponse(w, http.StatusNotFound, "command not pending: "+id)
		return
	}
	s.logger.Info("command cancelled by request", "command_id", id)
	s.respond(w, http.StatusOK, map[string]any{
		"id":    id,
		"state": delegate.StateCancelled,
	})
}
