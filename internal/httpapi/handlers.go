package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/tripwire/envtap/internal/inject"
)

// PeekFunc is the orchestrator entry point the HTTP handler calls. It is
// satisfied by inject.Peek directly; tests substitute a stub.
type PeekFunc func(ctx context.Context, pid int, variable string, opts inject.Options) (value string, ok bool, err error)

// Server holds the dependencies needed by the control-plane handlers.
type Server struct {
	peek PeekFunc
	opts inject.Options
}

// NewServer builds a Server that serves every /api/v1/peek request through
// peek, using opts as the base Options for every call (Recorder and Logger
// in particular are shared across requests; LibrarySubstring and
// TraceScopePath are copied from opts into each call unchanged).
func NewServer(peek PeekFunc, opts inject.Options) *Server {
	return &Server{peek: peek, opts: opts}
}

// handleHealthz responds to GET /healthz. It does not require
// authentication and always returns HTTP 200, so load balancers and
// orchestrators can verify liveness without a token.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// peekRequest is the body of POST /api/v1/peek.
type peekRequest struct {
	PID int    `json:"pid"`
	Var string `json:"var"`
}

// peekResponse is the success body of POST /api/v1/peek.
type peekResponse struct {
	Value string `json:"value,omitempty"`
	Set   bool   `json:"set"`
}

// handlePeek responds to POST /api/v1/peek. It runs exactly one injector
// session against the requested pid and variable, using the same
// orchestrator entry point as the CLI, and is subject to the same
// audit-on-every-call rule (the configured audit.Store records the session
// regardless of the HTTP outcome).
func (s *Server) handlePeek(w http.ResponseWriter, r *http.Request) {
	var req peekRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, inject.KindBadArgs, "malformed request body: "+err.Error())
		return
	}
	if req.PID <= 0 {
		writeError(w, http.StatusBadRequest, inject.KindBadArgs, "'pid' must be a positive integer")
		return
	}
	if req.Var == "" {
		writeError(w, http.StatusBadRequest, inject.KindBadArgs, "'var' is required")
		return
	}

	value, ok, err := s.peek(r.Context(), req.PID, req.Var, s.opts)
	if err != nil {
		status, kind, msg := statusForError(err)
		writeError(w, status, kind, msg)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(peekResponse{Value: value, Set: ok})
}

// statusForError maps an injector error kind to the HTTP status the control
// plane contract requires: 400 for bad arguments, 403 for a permission-denied
// attach, 422 for a displacement that overflowed 32 bits, and 500 for every
// other kernel or pivot failure. The kind is returned alongside the status
// so the caller can put it in the response body verbatim.
func statusForError(err error) (int, inject.Kind, string) {
	ie, ok := err.(*inject.Error)
	if !ok {
		return http.StatusInternalServerError, inject.KindKernelRefused, err.Error()
	}
	switch ie.Kind {
	case inject.KindBadArgs:
		return http.StatusBadRequest, ie.Kind, ie.Error()
	case inject.KindPermissionDenied:
		return http.StatusForbidden, ie.Kind, ie.Error()
	case inject.KindRangeOverflow:
		return http.StatusUnprocessableEntity, ie.Kind, ie.Error()
	default:
		return http.StatusInternalServerError, ie.Kind, ie.Error()
	}
}
