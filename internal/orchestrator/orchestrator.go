// Package orchestrator implements the Query Orchestrator (spec §4.J):
// the conductor that runs the D→E fan-out, detects pending
// confirmations, routes to the Prompt Builder and LLM Client, and
// streams (or accumulates) the result.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaygate/relaygate/internal/apierr"
	"github.com/relaygate/relaygate/internal/auth"
	"github.com/relaygate/relaygate/internal/confirmation"
	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/llm"
	"github.com/relaygate/relaygate/internal/promptbuilder"
	"github.com/relaygate/relaygate/internal/promptdefense"
	"github.com/relaygate/relaygate/internal/router"
	"github.com/relaygate/relaygate/internal/toolclient"
)

// Event is one unit of the streaming response, serialised verbatim as
// the "data: <JSON>\n\n" body of an SSE frame (spec §6).
type Event struct {
	Type string `json:"type,omitempty"`

	// "text"
	Text string `json:"text,omitempty"`

	// "service_unavailable"
	Warnings          []ServerWarning `json:"warnings,omitempty"`
	SuccessfulServers []string        `json:"successfulServers,omitempty"`
	FailedServers     []string        `json:"failedServers,omitempty"`

	// "pagination"
	HasMore bool             `json:"hasMore,omitempty"`
	Cursors []ServerCursor   `json:"cursors,omitempty"`
	Hint    string           `json:"hint,omitempty"`

	// "error"
	Message string `json:"message,omitempty"`

	// pending-confirmation passthrough (note: distinct "status" field,
	// not "type", per spec §6's verbatim-passthrough shape).
	Status         string          `json:"status,omitempty"`
	ConfirmationID string          `json:"confirmationId,omitempty"`
	Action         string          `json:"action,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// ServerWarning names one failed server and why (spec §6).
type ServerWarning struct {
	Server  string `json:"server"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ServerCursor pairs a server with its next opaque pagination cursor.
type ServerCursor struct {
	Server string `json:"server"`
	Cursor string `json:"cursor"`
}

// AuditRecord is the one record emitted per request (spec §4.J).
type AuditRecord struct {
	Timestamp             time.Time `json:"timestamp"`
	RequestID             string    `json:"requestId"`
	UserID                string    `json:"userId"`
	Username              string    `json:"username"`
	Roles                 []string  `json:"roles"`
	QueryRedactedToFirst100 string  `json:"queryRedactedToFirst100"`
	ServersConsulted       []string `json:"serversConsulted"`
	ServersDenied          []string `json:"serversDenied"`
	Success                bool     `json:"success"`
	DurationMs             int64    `json:"durationMs"`
	Warnings               []string `json:"warnings,omitempty"`
}

// Auditor records one AuditRecord per completed request. Persistence is
// delegated (spec §1: "a durable audit sink ... is deferred").
type Auditor interface {
	Record(rec AuditRecord)
}

// StreamRegistry tracks in-flight streams so the Lifecycle Manager can
// drain them on shutdown (spec §4.J, §4.L).
type StreamRegistry interface {
	Register(requestID string, cancel context.CancelFunc) (unregister func())
}

// Orchestrator wires together the Role Router, Tool Client, Prompt
// Defense, Prompt Builder, LLM Client, Confirmation Store, and Auditor
// into the 7-stage pipeline of spec §4.J.
type Orchestrator struct {
	router       *router.Router
	tools        *toolclient.Client
	confirmation confirmation.Store
	llmClient    *llm.Client
	prompt       config.PromptConfig
	delimiters   *promptdefense.DelimiterCache
	streams      StreamRegistry
	auditor      Auditor
	logger       *slog.Logger
}

// Deps bundles the Orchestrator's collaborators for construction.
type Deps struct {
	Router       *router.Router
	Tools        *toolclient.Client
	Confirmation confirmation.Store
	LLMClient    *llm.Client
	Prompt       config.PromptConfig
	Delimiters   *promptdefense.DelimiterCache
	Streams      StreamRegistry
	Auditor      Auditor
	Logger       *slog.Logger
}

// New builds an Orchestrator.
func New(d Deps) *Orchestrator {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Orchestrator{
		router:       d.Router,
		tools:        d.Tools,
		confirmation: d.Confirmation,
		llmClient:    d.LLMClient,
		prompt:       d.Prompt,
		delimiters:   d.Delimiters,
		streams:      d.Streams,
		auditor:      d.Auditor,
		logger:       d.Logger,
	}
}

// Request is the input to both orchestrator entry points.
type Request struct {
	Query     string
	Cursor    string
	SessionID string
	Caller    auth.CallerContext
}

// pendingConfirmation, when non-nil, means Stage 4 short-circuited:
// the caller must be shown the confirmation envelope and nothing else.
type stageResult struct {
	results             []toolclient.ToolResult
	successfulServers   []string
	failedWarnings      []ServerWarning
	failedServers       []string
	pendingConfirmation *Event
}

// runFanOut executes Stages 1-5: sanitise, authorise, fan out, classify,
// and build the partial-failure notice. A non-nil *apierr.Error means
// the caller gets a typed error and nothing else (Stage 1 violation).
func (o *Orchestrator) runFanOut(ctx context.Context, req Request, requestID string) (*stageResult, []string, *apierr.Error) {
	// Stage 1 — Sanitise (F Layers 1-2).
	if err := promptdefense.ValidateInput(req.Query, o.prompt.MaxInputLength, o.prompt.MaxSpecialCharRatio); err != nil {
		return nil, nil, apierr.Wrap(apierr.PromptRejected, "query rejected by input validation", err)
	}

	// Stage 2 — Authorise for data.
	accessible := o.router.Accessible(req.Caller.Roles)
	denied := o.router.Denied(req.Caller.Roles)
	deniedNames := make([]string, 0, len(denied))
	for _, s := range denied {
		deniedNames = append(deniedNames, s.Name)
	}

	// Stage 3 — Fan out, in declaration order, joined before continuing.
	results := make([]toolclient.ToolResult, len(accessible))
	var wg sync.WaitGroup
	for i, server := range accessible {
		wg.Add(1)
		go func(i int, server config.ToolServerConfig) {
			defer wg.Done()
			results[i] = o.tools.Query(ctx, server, req.Query, req.Caller, requestID, req.Cursor, true, false)
		}(i, server)
	}
	wg.Wait()

	// Stage 4 — Classify.
	var successful, failed []toolclient.ToolResult
	var successfulServers, failedServers []string
	var warnings []ServerWarning

	for _, r := range results {
		switch r.Status {
		case toolclient.StatusOK:
			if r.Payload != nil && r.Payload.Status == toolclient.ResponsePendingConfirmation {
				data, _ := json.Marshal(r.Payload.Data)
				if o.confirmation != nil {
					err := o.confirmation.Put(ctx, confirmation.Envelope{
						ConfirmationID: r.Payload.ConfirmationID,
						MCPServer:      r.Server,
						Action:         r.Payload.Action,
						Data:           data,
						OwnerUserID:    req.Caller.UserID,
					}, 0)
					if err != nil {
						o.logger.Error("failed to persist confirmation envelope", "confirmationId", r.Payload.ConfirmationID, "error", err)
					}
				}
				return &stageResult{
					pendingConfirmation: &Event{
						Status:         "pending_confirmation",
						ConfirmationID: r.Payload.ConfirmationID,
						Message:        r.Payload.Message,
						Action:         r.Payload.Action,
						Data:           data,
					},
				}, deniedNames, nil
			}
			successful = append(successful, r)
			successfulServers = append(successfulServers, r.Server)
		case toolclient.StatusTimeout:
			failed = append(failed, r)
			failedServers = append(failedServers, r.Server)
			warnings = append(warnings, ServerWarning{Server: r.Server, Code: "TIMEOUT", Message: r.Error})
		case toolclient.StatusError:
			failed = append(failed, r)
			failedServers = append(failedServers, r.Server)
			warnings = append(warnings, ServerWarning{Server: r.Server, Code: "ERROR", Message: r.Error})
		}
	}

	return &stageResult{
		results:           successful,
		successfulServers: successfulServers,
		failedWarnings:    warnings,
		failedServers:     failedServers,
	}, deniedNames, nil
}

// Stream runs the streaming entry point (POST/GET /query), emitting
// Events on the returned channel. The channel is closed once the
// terminal "[DONE]" marker condition is reached; the caller is
// responsible for writing the literal "data: [DONE]\n\n" sentinel after
// the channel closes (spec §6).
func (o *Orchestrator) Stream(ctx context.Context, req Request) <-chan Event {
	out := make(chan Event)
	go o.runStream(ctx, req, out)
	return out
}

func (o *Orchestrator) runStream(ctx context.Context, req Request, out chan<- Event) {
	defer close(out)

	requestID := uuid.NewString()
	start := time.Now()

	if o.streams != nil {
		streamCtx, cancel := context.WithCancel(ctx)
		unregister := o.streams.Register(requestID, cancel)
		defer unregister()
		ctx = streamCtx
	}

	stage, deniedNames, apiErr := o.runFanOut(ctx, req, requestID)
	if apiErr != nil {
		select {
		case out <- Event{Type: "error", Message: apiErr.Message}:
		case <-ctx.Done():
		}
		o.audit(requestID, req, nil, deniedNames, false, start, nil)
		return
	}

	if stage.pendingConfirmation != nil {
		select {
		case out <- *stage.pendingConfirmation:
		case <-ctx.Done():
		}
		o.audit(requestID, req, nil, deniedNames, true, start, nil)
		return
	}

	// Stage 5 — partial-failure notice precedes the first text chunk.
	if len(stage.failedWarnings) > 0 {
		select {
		case out <- Event{
			Type:              "service_unavailable",
			Warnings:          stage.failedWarnings,
			SuccessfulServers: stage.successfulServers,
			FailedServers:     stage.failedServers,
		}:
		case <-ctx.Done():
			return
		}
	}

	// Stage 6 — prompt + stream.
	prompt := promptbuilder.Build(req.Caller, stage.results)
	delimiters := o.delimiters.For(req.SessionID)
	userMessage := fmt.Sprintf("%s%s%s\n\n%s", delimiters.Open, req.Query, delimiters.Close, prompt.DataBlock)

	chunks := o.llmClient.Stream(ctx, prompt.Instructions, userMessage, 0)
	var warningStrs []string
	for _, w := range stage.failedWarnings {
		warningStrs = append(warningStrs, fmt.Sprintf("%s:%s", w.Server, w.Code))
	}

streamLoop:
	for {
		select {
		case <-ctx.Done():
			break streamLoop
		case chunk, ok := <-chunks:
			if !ok {
				break streamLoop
			}
			switch chunk.Kind {
			case llm.ChunkText:
				text, err := promptdefense.ScanOutput(chunk.Text, o.prompt.StrictOutputPolicy)
				if err != nil {
					select {
					case out <- Event{Type: "error", Message: "response withheld by output policy"}:
					case <-ctx.Done():
					}
					break streamLoop
				}
				select {
				case out <- Event{Type: "text", Text: text}:
				case <-ctx.Done():
					break streamLoop
				}
			case llm.ChunkError:
				select {
				case out <- Event{Type: "error", Message: "the model provider returned an error"}:
				case <-ctx.Done():
				}
				break streamLoop
			}
		}
	}

	// Stage 7 — trailing pagination metadata follows the last text chunk.
	if cursors := paginationCursors(stage.results); len(cursors) > 0 {
		select {
		case out <- Event{
			Type:    "pagination",
			HasMore: true,
			Cursors: cursors,
			Hint:    "More results are available; ask a follow-up to continue.",
		}:
		case <-ctx.Done():
		}
	}

	o.audit(requestID, req, stage, deniedNames, len(stage.failedWarnings) == 0, start, warningStrs)
}

// Response is the single JSON body the non-streaming entry point
// returns (spec §4.J "Non-streaming variant").
type Response struct {
	RequestID string         `json:"requestId"`
	Response  string         `json:"response"`
	Status    string         `json:"status"`
	Metadata  ResponseMeta   `json:"metadata"`
	Warnings  []ServerWarning `json:"warnings,omitempty"`
}

// ResponseMeta is the metadata block of the non-streaming Response.
type ResponseMeta struct {
	DataSourcesQueried []string `json:"dataSourcesQueried"`
	DataSourcesFailed  []string `json:"dataSourcesFailed"`
	ProcessingTimeMs   int64    `json:"processingTimeMs"`
}

// PendingConfirmationError is returned by Query when Stage 4
// short-circuits; the caller (HTTP handler) forwards Envelope verbatim.
type PendingConfirmationError struct {
	Envelope Event
}

func (e *PendingConfirmationError) Error() string { return "pending confirmation" }

// Query runs the non-streaming entry point (POST /ai/query).
func (o *Orchestrator) Query(ctx context.Context, req Request) (*Response, *apierr.Error, *PendingConfirmationError) {
	requestID := uuid.NewString()
	start := time.Now()

	stage, deniedNames, apiErr := o.runFanOut(ctx, req, requestID)
	if apiErr != nil {
		o.audit(requestID, req, nil, deniedNames, false, start, nil)
		return nil, apiErr, nil
	}
	if stage.pendingConfirmation != nil {
		o.audit(requestID, req, nil, deniedNames, true, start, nil)
		return nil, nil, &PendingConfirmationError{Envelope: *stage.pendingConfirmation}
	}

	prompt := promptbuilder.Build(req.Caller, stage.results)
	delimiters := o.delimiters.For(req.SessionID)
	userMessage := fmt.Sprintf("%s%s%s\n\n%s", delimiters.Open, req.Query, delimiters.Close, prompt.DataBlock)

	chunks := o.llmClient.Stream(ctx, prompt.Instructions, userMessage, 0)
	var text string
	var streamErr error
	for chunk := range chunks {
		switch chunk.Kind {
		case llm.ChunkText:
			sanitized, err := promptdefense.ScanOutput(chunk.Text, o.prompt.StrictOutputPolicy)
			if err != nil {
				streamErr = err
				continue
			}
			text += sanitized
		case llm.ChunkError:
			streamErr = chunk.Err
		}
	}

	var warningStrs []string
	for _, w := range stage.failedWarnings {
		warningStrs = append(warningStrs, fmt.Sprintf("%s:%s", w.Server, w.Code))
	}

	status := "success"
	if len(stage.failedWarnings) > 0 {
		status = "partial"
	}
	if streamErr != nil {
		o.audit(requestID, req, stage, deniedNames, false, start, warningStrs)
		return nil, apierr.Wrap(apierr.ProviderError, "the model provider returned an error", streamErr), nil
	}

	o.audit(requestID, req, stage, deniedNames, status == "success", start, warningStrs)

	return &Response{
		RequestID: requestID,
		Response:  text,
		Status:    status,
		Metadata: ResponseMeta{
			DataSourcesQueried: stage.successfulServers,
			DataSourcesFailed:  stage.failedServers,
			ProcessingTimeMs:   time.Since(start).Milliseconds(),
		},
		Warnings: stage.failedWarnings,
	}, nil, nil
}

func paginationCursors(results []toolclient.ToolResult) []ServerCursor {
	var cursors []ServerCursor
	for _, r := range results {
		if r.Payload != nil && r.Payload.Metadata != nil && r.Payload.Metadata.HasMore && r.Payload.Metadata.NextCursor != "" {
			cursors = append(cursors, ServerCursor{Server: r.Server, Cursor: r.Payload.Metadata.NextCursor})
		}
	}
	return cursors
}

func (o *Orchestrator) audit(requestID string, req Request, stage *stageResult, denied []string, success bool, start time.Time, warnings []string) {
	if o.auditor == nil {
		return
	}
	redactedQuery := req.Query
	if len(redactedQuery) > 100 {
		redactedQuery = redactedQuery[:100]
	}
	redactedQuery, _ = promptdefense.RedactPII(redactedQuery, o.prompt.AllowedEmailDomains)

	var consulted []string
	if stage != nil {
		consulted = stage.successfulServers
	}

	o.auditor.Record(AuditRecord{
		Timestamp:               time.Now(),
		RequestID:                requestID,
		UserID:                   req.Caller.UserID,
		Username:                 req.Caller.Username,
		Roles:                    req.Caller.Roles,
		QueryRedactedToFirst100:  redactedQuery,
		ServersConsulted:         consulted,
		ServersDenied:            denied,
		Success:                  success,
		DurationMs:               time.Since(start).Milliseconds(),
		Warnings:                 warnings,
	})
}
