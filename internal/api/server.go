// Package api wires the HTTP surface of spec §6: the Auth Gate and
// Rate Limiter middleware, and the five route handlers (streaming
// query, non-streaming query, confirm, MCP proxy, health).
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaygate/relaygate/internal/apierr"
	"github.com/relaygate/relaygate/internal/auth"
	"github.com/relaygate/relaygate/internal/confirmation"
	"github.com/relaygate/relaygate/internal/observability"
	"github.com/relaygate/relaygate/internal/orchestrator"
	"github.com/relaygate/relaygate/internal/ratelimit"
	"github.com/relaygate/relaygate/internal/router"
	"github.com/relaygate/relaygate/internal/toolclient"
)

// requestIDFromHeader returns the caller-supplied X-Request-ID when
// present, so a correlation id set by an upstream proxy survives
// end-to-end (spec §6), otherwise mints a fresh one.
func requestIDFromHeader(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	return uuid.NewString()
}

// Server owns the mux and every collaborator a request handler needs.
type Server struct {
	gate            *auth.Gate
	limiter         *ratelimit.GatewayLimiter
	orchestrator    *orchestrator.Orchestrator
	confirmEndpoint *confirmation.Endpoint
	router          *router.Router
	tools           *toolclient.Client
	metrics         *observability.Metrics
	heartbeat       time.Duration
	logger          *slog.Logger
	startTime       time.Time
}

// Deps bundles Server's collaborators.
type Deps struct {
	Gate            *auth.Gate
	Limiter         *ratelimit.GatewayLimiter
	Orchestrator    *orchestrator.Orchestrator
	ConfirmEndpoint *confirmation.Endpoint
	Router          *router.Router
	Tools           *toolclient.Client
	Metrics         *observability.Metrics
	Heartbeat       time.Duration
	Logger          *slog.Logger
}

// New builds a Server.
func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Server{
		gate:            d.Gate,
		limiter:         d.Limiter,
		orchestrator:    d.Orchestrator,
		confirmEndpoint: d.ConfirmEndpoint,
		router:          d.Router,
		tools:           d.Tools,
		metrics:         d.Metrics,
		heartbeat:       d.Heartbeat,
		logger:          d.Logger,
		startTime:       time.Now(),
	}
}

// Mux builds the full route table under /api, with the Auth Gate and
// general rate-limit bucket applied to every authenticated route.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)

	authed := func(h http.HandlerFunc) http.Handler {
		return s.gate.Middleware(s.rateLimitGeneral(h))
	}

	mux.Handle("/api/query", authed(s.handleQuery))
	mux.Handle("/api/ai/query", authed(s.handleAIQuery))
	mux.Handle("/api/confirm/", authed(s.handleConfirm))
	mux.Handle("/api/mcp/", authed(s.handleMCPProxy))

	return mux
}

// rateLimitGeneral enforces the broad per-caller bucket of spec §4.M on
// every route it wraps.
func (s *Server) rateLimitGeneral(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := callerKey(r)
		if !s.limiter.AllowGeneral(key) {
			if s.metrics != nil {
				s.metrics.RateLimitRejections.WithLabelValues(ratelimit.General).Inc()
			}
			writeError(w, apierr.New(apierr.ValidationError, "rate limit exceeded"))
			return
		}
		next(w, r)
	}
}

func callerKey(r *http.Request) string {
	if caller, ok := auth.CallerFromContext(r.Context()); ok && caller.UserID != "" {
		return caller.UserID
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return host
}

type queryRequestBody struct {
	Query  string `json:"query"`
	Cursor string `json:"cursor,omitempty"`
}

// handleQuery implements both POST /query (JSON body) and GET /query
// (query-string form, deprecated token-in-URL path) over the SSE event
// stream described in spec §6.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.CallerFromContext(r.Context())

	var text, cursor string
	if r.Method == http.MethodGet {
		text = r.URL.Query().Get("q")
		cursor = r.URL.Query().Get("cursor")
	} else {
		var body queryRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, apierr.New(apierr.ValidationError, "malformed request body"))
			return
		}
		text, cursor = body.Query, body.Cursor
	}

	if !s.limiter.AllowQuery(callerKey(r)) {
		if s.metrics != nil {
			s.metrics.RateLimitRejections.WithLabelValues(ratelimit.Query).Inc()
		}
		writeError(w, apierr.New(apierr.ValidationError, "query rate limit exceeded"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apierr.New(apierr.Internal, "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if s.metrics != nil {
		s.metrics.ActiveStreams.Inc()
		defer s.metrics.ActiveStreams.Dec()
	}

	ctx := r.Context()
	events := s.orchestrator.Stream(ctx, orchestrator.Request{
		Query:     text,
		Cursor:    cursor,
		SessionID: r.Header.Get("X-Session-ID"),
		Caller:    caller,
	})

	var heartbeatC <-chan time.Time
	if s.heartbeat > 0 {
		ticker := time.NewTicker(s.heartbeat)
		defer ticker.Stop()
		heartbeatC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeatC:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				fmt.Fprint(w, "data: [DONE]\n\n")
				flusher.Flush()
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

// handleAIQuery implements POST /ai/query: the non-streaming variant.
func (s *Server) handleAIQuery(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.CallerFromContext(r.Context())

	var body queryRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apierr.New(apierr.ValidationError, "malformed request body"))
		return
	}

	if !s.limiter.AllowQuery(callerKey(r)) {
		if s.metrics != nil {
			s.metrics.RateLimitRejections.WithLabelValues(ratelimit.Query).Inc()
		}
		writeError(w, apierr.New(apierr.ValidationError, "query rate limit exceeded"))
		return
	}

	resp, apiErr, pending := s.orchestrator.Query(r.Context(), orchestrator.Request{
		Query:  body.Query,
		Caller: caller,
	})
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}
	if pending != nil {
		writeJSON(w, http.StatusOK, pending.Envelope)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type confirmRequestBody struct {
	Approved bool `json:"approved"`
}

// handleConfirm implements POST /confirm/{confirmationId} (spec §4.K).
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.CallerFromContext(r.Context())

	confirmationID := strings.TrimPrefix(r.URL.Path, "/api/confirm/")
	if confirmationID == "" || strings.Contains(confirmationID, "/") {
		writeError(w, apierr.New(apierr.ValidationError, "missing confirmation id"))
		return
	}

	var body confirmRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apierr.New(apierr.ValidationError, "malformed request body"))
		return
	}

	result, apiErr := s.confirmEndpoint.Confirm(r.Context(), confirmationID, body.Approved, caller, requestIDFromHeader(r))
	if apiErr != nil {
		if s.metrics != nil {
			s.metrics.ConfirmationOutcomes.WithLabelValues(confirmOutcomeLabel(apiErr)).Inc()
		}
		writeError(w, apiErr)
		return
	}
	if s.metrics != nil {
		outcome := "approved"
		if result.Cancelled {
			outcome = "cancelled"
		}
		s.metrics.ConfirmationOutcomes.WithLabelValues(outcome).Inc()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Body)
}

func confirmOutcomeLabel(err *apierr.Error) string {
	switch err.Kind {
	case apierr.ConfirmationExpired:
		return "expired"
	case apierr.ConfirmationOwnerMismatch:
		return "forbidden"
	default:
		return "error"
	}
}

// toolNamePattern is the SSRF/path-traversal guard of spec §6: "Proxy
// routes reject tool names not matching ^[A-Za-z][A-Za-z0-9_-]*$".
var toolNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// handleMCPProxy implements GET/POST /mcp/{serverName}/{toolName}.
func (s *Server) handleMCPProxy(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.CallerFromContext(r.Context())

	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/api/mcp/"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		writeError(w, apierr.New(apierr.ValidationError, "expected /mcp/{serverName}/{toolName}"))
		return
	}
	serverName, toolName := parts[0], parts[1]
	if !toolNamePattern.MatchString(toolName) {
		writeError(w, apierr.New(apierr.ValidationError, "invalid tool name"))
		return
	}

	server, ok := s.router.Lookup(serverName)
	if !ok {
		writeError(w, apierr.New(apierr.ValidationError, "unknown tool server"))
		return
	}
	if !caller.HasAnyRole(server.RequiredRoles) {
		writeError(w, apierr.New(apierr.Unauthorised, "caller lacks a required role for this server"))
		return
	}

	var query string
	if r.Method == http.MethodGet {
		query = r.URL.Query().Get("query")
	} else {
		var body queryRequestBody
		_ = json.NewDecoder(r.Body).Decode(&body)
		query = body.Query
	}

	// The proxy route is a direct pass-through query (single page, no
	// prompt assembly) for callers that want raw tool data.
	result := s.tools.Query(r.Context(), server, query, caller, requestIDFromHeader(r), "", false, false)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err *apierr.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Status())
	_ = json.NewEncoder(w).Encode(err.ClientBody())
}
