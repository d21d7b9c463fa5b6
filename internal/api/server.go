// Package api implements the hub's HTTP API: tool execution, device and
// command introspection, pairing, and the device WebSocket endpoint.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/thane-mesh/internal/buildinfo"
	"github.com/nugget/thane-mesh/internal/capability"
	"github.com/nugget/thane-mesh/internal/connwatch"
	"github.com/nugget/thane-mesh/internal/mesh"
)

// DevicePath is where devices open their WebSocket.
const DevicePath = "/v1/devices/ws"

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address   string
	port      int
	mesh      *mesh.Service
	devices   http.Handler
	links     *connwatch.Manager
	publicURL string
	logger    *slog.Logger
	server    *http.Server
}

// NewServer creates a new API server for svc.
func NewServer(address string, port int, svc *mesh.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		mesh:    svc,
		logger:  logger,
	}
}

// SetDeviceHandler mounts the device WebSocket handler at [DevicePath].
func (s *Server) SetDeviceHandler(h http.Handler) {
	s.devices = h
}

// SetConnWatcher reports the watched links in /health.
func (s *Server) SetConnWatcher(m *connwatch.Manager) {
	s.links = m
}

// SetPublicURL sets the hub address embedded in pairing payloads. When
// empty it is derived from the request.
func (s *Server) SetPublicURL(u string) {
	s.publicURL = u
}

// Handler builds the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Delegation
	mux.HandleFunc("POST /v1/tools/{tool}/execute", s.handleToolExecute)
	mux.HandleFunc("GET /v1/capabilities", s.handleCapabilities)
	mux.HandleFunc("GET /v1/capabilities/{tool}", s.handleCapabilityGet)

	// Devices
	if s.devices != nil {
		mux.Handle("GET "+DevicePath, s.devices)
	}
	mux.HandleFunc("GET /v1/devices", s.handleDeviceList)
	mux.HandleFunc("GET /v1/devices/{id}", s.handleDeviceGet)
	mux.HandleFunc("DELETE /v1/devices/{id}", s.handleDeviceDisconnect)

	// Commands
	mux.HandleFunc("GET /v1/commands/pending", s.handleCommandsPending)
	mux.HandleFunc("GET /v1/commands/history", s.handleCommandsHistory)
	mux.HandleFunc("GET /v1/commands/{id}", s.handleCommandGet)
	mux.HandleFunc("POST /v1/commands/{id}/cancel", s.handleCommandCancel)

	// Pairing
	mux.HandleFunc("POST /v1/pairing/tokens", s.handlePairingIssue)
	mux.HandleFunc("GET /v1/pairing/tokens/{token}/qr.png", s.handlePairingQR)
	mux.HandleFunc("GET /v1/pairing/devices", s.handlePairedList)
	mux.HandleFunc("DELETE /v1/pairing/devices/{id}", s.handlePairedForget)

	// Router introspection
	mux.HandleFunc("GET /v1/router/stats", s.handleRouterStats)
	mux.HandleFunc("GET /v1/router/audit", s.handleRouterAudit)
	mux.HandleFunc("GET /v1/router/explain/{requestId}", s.handleRouterExplain)

	// Health
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It blocks until the server stops.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// Tool execution waits for a device; device sockets are hijacked
		// and not subject to this limit.
		WriteTimeout: 5 * time.Minute,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errorType(code),
			"code":    code,
		},
	}, s.logger)
}

func errorType(code int) string {
	switch code {
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusBadGateway:
		return "device_error"
	case http.StatusGatewayTimeout:
		return "timeout"
	default:
		return "internal_error"
	}
}

func (s *Server) respond(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	writeJSON(w, v, s.logger)
}

// queryLimit parses ?limit=, falling back to def for missing or invalid
// values.
func queryLimit(r *http.Request, def int) int {
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			return parsed
		}
	}
	return def
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{
		"name":    "Thane Mesh",
		"version": buildinfo.Version,
		"status":  "ok",
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, buildinfo.Info())
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status          string                             `json:"status"`
	Uptime          string                             `json:"uptime"`
	Devices         int                                `json:"devices"`
	PendingCommands int                                `json:"pending_commands"`
	Links           map[string]connwatch.ServiceStatus `json:"links,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:          "healthy",
		Uptime:          buildinfo.Uptime().Truncate(time.Second).String(),
		Devices:         s.mesh.Registry().Len(),
		PendingCommands: s.mesh.Delegator().Len(),
	}
	if s.links != nil {
		resp.Links = s.links.Status()
		for _, st := range resp.Links {
			if !st.Ready {
				resp.Status = "degraded"
			}
		}
	}
	s.respond(w, http.StatusOK, resp)
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.mesh.Router().Capabilities().Table())
}

// CapabilityResponse describes where a tool can run.
type CapabilityResponse struct {
	Tool        string                  `json:"tool"`
	Known       bool                    `json:"known"`
	DeviceTypes []capability.DeviceType `json:"device_types"`
	// CapableDevices lists connected devices the tool could route to.
	CapableDevices []string `json:"capable_devices"`
}

func (s *Server) handleCapabilityGet(w http.ResponseWriter, r *http.Request) {
	tool := r.PathValue("tool")
	caps := s.mesh.Router().Capabilities()

	resp := CapabilityResponse{
		Tool:           tool,
		Known:          caps.Known(tool),
		DeviceTypes:    caps.DeviceTypes(tool),
		CapableDevices: []string{},
	}
	if resp.DeviceTypes == nil {
		resp.DeviceTypes = []capability.DeviceType{}
	}
	for _, d := range s.mesh.Registry().List() {
		if !resp.Known || caps.CanRun(d.Type, tool) {
			resp.CapableDevices = append(resp.CapableDevices, d.ID)
		}
	}
	s.respond(w, http.StatusOK, resp)
}

func (s *Server) handleRouterStats(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.mesh.Router().GetStats())
}

func (s *Server) handleRouterAudit(w http.ResponseWriter, r *http.Request) {
	decisions := s.mesh.Router().GetAuditLog(queryLimit(r, 20))
	s.respond(w, http.StatusOK, map[string]any{
		"count":     len(decisions),
		"decisions": decisions,
	})
}

func (s *Server) handleRouterExplain(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("requestId")
	d := s.mesh.Router().Explain(requestID)
	if d == nil {
		s.errorResponse(w, http.StatusNotFound, "decision not found: "+requestID)
		return
	}
	s.respond(w, http.StatusOK, d)
}
