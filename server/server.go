// Package server is the HTTP facade of the bridge: it translates REST
// calls into tool invocations on the managed MCP server process.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/toolgate/history"
	"github.com/petal-labs/toolgate/manager"
	"github.com/petal-labs/toolgate/mcp"
)

// ToolService is the manager-side contract the facade depends on.
type ToolService interface {
	CallTool(ctx context.Context, params mcp.ToolsCallParams) (mcp.ToolsCallResult, error)
	ListTools(ctx context.Context) (mcp.ToolsListResult, error)
	Snapshot() manager.Snapshot
}

// CallRecorder persists the facade's call audit trail.
type CallRecorder interface {
	Append(ctx context.Context, record history.Record) (history.Record, error)
	Recent(ctx context.Context, limit int) ([]history.Record, error)
}

// ChildSummary describes the wrapped server process for /health.
type ChildSummary struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// Config configures a Server instance.
type Config struct {
	Service     ToolService
	History     CallRecorder
	ServiceName string
	Child       ChildSummary
	CORSOrigin  string
	MaxBody     int64
	Logger      *slog.Logger
}

// Server is the toolgate HTTP API server.
type Server struct {
	service     ToolService
	history     CallRecorder
	serviceName string
	child       ChildSummary
	corsOrigin  string
	maxBody     int64
	logger      *slog.Logger
	startedAt   time.Time
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "toolgate"
	}
	return &Server{
		service:     cfg.Service,
		history:     cfg.History,
		serviceName: serviceName,
		child:       cfg.Child,
		corsOrigin:  corsOrigin,
		maxBody:     maxBody,
		logger:      logger,
		startedAt:   time.Now().UTC(),
	}
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)

	return handler
}

// RegisterRoutes mounts bridge API routes onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /mcp/call_tool", s.handleCallTool)
	mux.HandleFunc("GET /mcp/list_tools", s.handleListTools)
	mux.HandleFunc("POST /mcp/list_tools", s.handleListTools)
	mux.HandleFunc("GET /mcp/calls", s.handleRecentCalls)
}

type callToolRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type callToolResult struct {
	Content           []mcp.ContentBlock `json:"content"`
	StructuredContent map[string]any     `json:"structuredContent,omitempty"`
}

type callToolResponse struct {
	Result  callToolResult `json:"result"`
	IsError bool           `json:"isError"`
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	callID := uuid.NewString()

	var req callToolRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, manager.CodeInvalidRequest, "request body must be a JSON object with a name and object arguments")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, manager.CodeInvalidRequest, "tool name is required")
		return
	}

	started := time.Now()
	result, err := s.service.CallTool(r.Context(), mcp.ToolsCallParams{
		Name:      req.Name,
		Arguments: req.Arguments,
	})
	duration := time.Since(started)

	if err != nil {
		status, code := s.writeServiceError(w, err)
		s.record(r.Context(), callID, req.Name, "tools/call", history.StatusError, code, duration)
		s.logger.Warn("tool call failed",
			"call_id", callID,
			"tool", req.Name,
			"code", code,
			"http_status", status,
			"duration_ms", duration.Milliseconds())
		return
	}

	s.record(r.Context(), callID, req.Name, "tools/call", history.StatusOK, "", duration)
	s.logger.Info("tool call",
		"call_id", callID,
		"tool", req.Name,
		"is_error", result.IsError,
		"duration_ms", duration.Milliseconds())

	content := result.Content
	if content == nil {
		content = []mcp.ContentBlock{}
	}
	writeJSON(w, http.StatusOK, callToolResponse{
		Result: callToolResult{
			Content:           content,
			StructuredContent: result.StructuredContent,
		},
		IsError: result.IsError,
	})
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	result, err := s.service.ListTools(r.Context())
	duration := time.Since(started)

	if err != nil {
		status, code := s.writeServiceError(w, err)
		s.logger.Warn("list tools failed",
			"code", code,
			"http_status", status,
			"duration_ms", duration.Milliseconds())
		return
	}

	tools := result.Tools
	if tools == nil {
		tools = []mcp.Tool{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tools": tools,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.service.Snapshot()

	status := "healthy"
	if snap.State != manager.StateReady {
		status = string(snap.State)
	}

	payload := map[string]any{
		"status":  status,
		"service": s.serviceName + "-http-bridge",
		"state":   snap.State,
		"mcp_server": map[string]any{
			"command": s.child.Command,
			"args":    s.child.Args,
			"name":    snap.ServerInfo.Name,
			"version": snap.ServerInfo.Version,
		},
		"restarts": snap.Restarts,
		"uptime_s": int64(time.Since(s.startedAt).Seconds()),
	}
	if snap.LastError != "" {
		payload["last_error"] = snap.LastError
	}
	if snap.LastHealth != nil {
		payload["last_health"] = snap.LastHealth
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleRecentCalls(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "HISTORY_DISABLED", "call history is not enabled")
		return
	}

	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "INVALID_QUERY", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	records, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("reading call history failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "reading call history failed")
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"calls": records,
	})
}

// writeServiceError maps bridge errors to HTTP statuses. Internal process
// output never reaches the response body.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) (int, string) {
	code := manager.ErrorCode(err)
	switch code {
	case manager.CodeInvalidRequest:
		writeError(w, http.StatusBadRequest, code, err.Error())
		return http.StatusBadRequest, code
	case manager.CodeUnavailable:
		writeError(w, http.StatusServiceUnavailable, code, "tool server process is unavailable")
		return http.StatusServiceUnavailable, code
	case manager.CodeTimeout:
		writeError(w, http.StatusGatewayTimeout, code, "tool call timed out")
		return http.StatusGatewayTimeout, code
	case manager.CodeProtocol:
		writeError(w, http.StatusInternalServerError, code, "tool invocation failed")
		return http.StatusInternalServerError, code
	default:
		if code == "" {
			code = "INTERNAL"
		}
		writeError(w, http.StatusInternalServerError, code, "tool invocation failed")
		return http.StatusInternalServerError, code
	}
}

func (s *Server) record(ctx context.Context, callID, tool, method, status, code string, duration time.Duration) {
	if s.history == nil {
		return
	}
	_, err := s.history.Append(ctx, history.Record{
		ID:         callID,
		Tool:       tool,
		Method:     method,
		Status:     status,
		ErrorCode:  code,
		DurationMS: duration.Milliseconds(),
	})
	if err != nil {
		s.logger.Error("recording call history failed", "call_id", callID, "error", err)
	}
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

func decodeJSONBody(r *http.Request, target any) error {
	if target == nil {
		return errors.New("decode target is nil")
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return err
	}
	if decoder.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
		},
	})
}
