package toolclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/relaygate/relaygate/internal/auth"
	"github.com/relaygate/relaygate/internal/config"
)

// Client issues queries to tool servers, following the POST-with-
// deadline-and-headers idiom of haasonsaas-nexus's HTTPTransport.Call.
type Client struct {
	httpClient *http.Client
}

// New creates a Tool Client. Its http.Client has no Timeout of its own;
// per-call deadlines are applied via context instead so read and write
// budgets can differ per call.
func New() *Client {
	return &Client{httpClient: &http.Client{}}
}

// Query implements spec §4.E's public contract: issue a query to one
// tool server, honoring read/write timeouts, and auto-paginating via
// opaque cursors up to the server's configured cap.
func (c *Client) Query(ctx context.Context, server config.ToolServerConfig, text string, caller auth.CallerContext, requestID, cursor string, autoPaginate, isWrite bool) ToolResult {
	start := time.Now()
	timeout := server.ToolServerReadTimeout()
	if isWrite {
		timeout = server.ToolServerWriteTimeout()
	}

	var accumulated []json.RawMessage
	var last *ToolResponse
	pages := 0
	maxPages := server.ToolServerMaxPages()

	for {
		resp, result, ok := c.call(ctx, server, text, caller, requestID, cursor, timeout, start)
		if !ok {
			return *result
		}
		pages++
		last = resp

		if resp.Status != ResponseOK {
			break // tool-level error/pending-confirmation: never aggregated.
		}

		var seq []json.RawMessage
		isSequence := len(resp.Data) > 0 && json.Unmarshal(resp.Data, &seq) == nil && looksLikeArray(resp.Data)
		if !isSequence {
			break
		}
		accumulated = append(accumulated, seq...)

		if !autoPaginate || resp.Metadata == nil || !resp.Metadata.HasMore || resp.Metadata.NextCursor == "" || pages >= maxPages {
			break
		}
		cursor = resp.Metadata.NextCursor
	}

	payload := finalizePayload(last, accumulated, pages)
	return ToolResult{
		Server:     server.Name,
		Status:     StatusOK,
		Payload:    payload,
		DurationMs: elapsedMs(start),
	}
}

// finalizePayload implements spec §4.E: "Final envelope's payload.data is
// the concatenation, and payload.metadata is replaced with
// {returnedCount, totalCount=returnedCount, pagesRetrieved}." For a
// non-sequence response, the single response is returned verbatim.
func finalizePayload(last *ToolResponse, accumulated []json.RawMessage, pages int) *ToolResponse {
	if last == nil {
		return nil
	}
	if last.Status != ResponseOK || accumulated == nil {
		return last
	}
	data, _ := json.Marshal(accumulated)
	return &ToolResponse{
		Status: ResponseOK,
		Data:   data,
		Metadata: &Metadata{
			ReturnedCount:  len(accumulated),
			TotalCount:     len(accumulated),
			PagesRetrieved: pages,
		},
	}
}

// call performs a single POST {endpoint}/query round trip. The bool
// return is false when the caller should return *result immediately
// (transport failure); true means resp is a valid ToolResponse.
func (c *Client) call(ctx context.Context, server config.ToolServerConfig, text string, caller auth.CallerContext, requestID, cursor string, timeout time.Duration, start time.Time) (*ToolResponse, *ToolResult, bool) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(queryRequest{
		Query: text,
		UserContext: userContext{
			UserID:   caller.UserID,
			Username: caller.Username,
			Email:    caller.Email,
			Roles:    caller.Roles,
		},
		Cursor: cursor,
	})
	if err != nil {
		return nil, &ToolResult{Server: server.Name, Status: StatusError, Error: err.Error(), DurationMs: elapsedMs(start)}, false
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, strings.TrimRight(server.Endpoint, "/")+"/query", bytes.NewReader(body))
	if err != nil {
		return nil, &ToolResult{Server: server.Name, Status: StatusError, Error: err.Error(), DurationMs: elapsedMs(start)}, false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", caller.UserID)
	req.Header.Set("X-User-Roles", strings.Join(caller.Roles, ","))
	req.Header.Set("X-Request-ID", requestID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if callCtx.Err() != nil {
			return nil, &ToolResult{
				Server:     server.Name,
				Status:     StatusTimeout,
				Error:      fmt.Sprintf("Service did not respond within %dms", timeout.Milliseconds()),
				DurationMs: elapsedMs(start),
			}, false
		}
		return nil, &ToolResult{Server: server.Name, Status: StatusError, Error: err.Error(), DurationMs: elapsedMs(start)}, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &ToolResult{
			Server:     server.Name,
			Status:     StatusError,
			Error:      fmt.Sprintf("tool server returned status %d", resp.StatusCode),
			DurationMs: elapsedMs(start),
		}, false
	}

	var parsed ToolResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &ToolResult{Server: server.Name, Status: StatusError, Error: err.Error(), DurationMs: elapsedMs(start)}, false
	}

	return &parsed, nil, true
}

// Execute dispatches a confirmed write to {server.endpoint}/execute
// (spec §4.K) and returns the tool server's response body verbatim, for
// the Confirmation Endpoint to forward to the client unchanged.
func (c *Client) Execute(ctx context.Context, server config.ToolServerConfig, action string, data json.RawMessage, caller auth.CallerContext, requestID string) (json.RawMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, server.ToolServerWriteTimeout())
	defer cancel()

	body, err := json.Marshal(executeRequest{
		Action: action,
		Data:   data,
		UserContext: userContext{
			UserID:   caller.UserID,
			Username: caller.Username,
			Email:    caller.Email,
			Roles:    caller.Roles,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal execute request: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, strings.TrimRight(server.Endpoint, "/")+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build execute request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", caller.UserID)
	req.Header.Set("X-User-Roles", strings.Join(caller.Roles, ","))
	req.Header.Set("X-Request-ID", requestID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute call: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read execute response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tool server returned status %d", resp.StatusCode)
	}
	return raw, nil
}

func looksLikeArray(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && trimmed[0] == '['
}

func elapsedMs(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
