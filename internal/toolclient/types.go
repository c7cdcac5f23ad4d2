// Package toolclient implements the Tool Client (spec §4.E): issuing a
// query to one tool server with read/write timeouts, auto-paginating
// via opaque cursors, and returning a tagged result envelope.
package toolclient

import "encoding/json"

// Status is the outcome tag of a ToolResult (spec §3).
type Status string

const (
	StatusOK      Status = "ok"
	StatusTimeout Status = "timeout"
	StatusError   Status = "error"
)

// ResponseStatus discriminates the ToolResponse payload a tool server
// returns from its /query or /tools/{toolName} endpoint (spec §3).
type ResponseStatus string

const (
	ResponseOK                  ResponseStatus = "ok"
	ResponseError               ResponseStatus = "error"
	ResponsePendingConfirmation ResponseStatus = "pendingConfirmation"
)

// Metadata carries pagination and truncation hints attached to a
// ToolResponse's "ok" variant.
type Metadata struct {
	HasMore       bool   `json:"hasMore,omitempty"`
	NextCursor    string `json:"nextCursor,omitempty"`
	Hint          string `json:"hint,omitempty"`
	Truncated     bool   `json:"truncated,omitempty"`
	ReturnedCount int    `json:"returnedCount,omitempty"`
	TotalCount    int    `json:"totalCount,omitempty"`
	PagesRetrieved int   `json:"pagesRetrieved,omitempty"`
}

// ToolResponse is the discriminated payload shape a tool server returns
// (spec §3). Status selects which variant's fields apply; the
// "pendingConfirmation" variant also uses the shared Data and Message
// fields declared under the "ok" and "error" variants.
type ToolResponse struct {
	Status ResponseStatus `json:"status"`

	// "ok" variant.
	Data     json.RawMessage `json:"data,omitempty"`
	Metadata *Metadata       `json:"metadata,omitempty"`

	// "error" variant.
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
	SuggestedAction string `json:"suggestedAction,omitempty"`

	// "pendingConfirmation" variant. Its wire "data" field is the same
	// key as the "ok" variant's above — Status discriminates which one
	// applies, so Data is shared rather than re-declared (encoding/json
	// silently drops both fields, on marshal and unmarshal, if two
	// struct fields claim the same JSON tag).
	ConfirmationID string `json:"confirmationId,omitempty"`
	Action         string `json:"action,omitempty"`
}

// ToolResult is the per-server envelope the Tool Client returns to the
// orchestrator (spec §3).
type ToolResult struct {
	Server     string        `json:"server"`
	Status     Status        `json:"status"`
	Payload    *ToolResponse `json:"payload,omitempty"`
	Error      string        `json:"error,omitempty"`
	DurationMs int64         `json:"durationMs"`
}

// userContext is the wire shape of CallerContext sent with every tool
// request (spec §4.E).
type userContext struct {
	UserID   string   `json:"userId"`
	Username string   `json:"username"`
	Email    string   `json:"email"`
	Roles    []string `json:"roles"`
}

type queryRequest struct {
	Query       string      `json:"query"`
	UserContext userContext `json:"userContext"`
	Cursor      string      `json:"cursor,omitempty"`
}

type executeRequest struct {
	Action      string          `json:"action"`
	Data        json.RawMessage `json:"data"`
	UserContext userContext     `json:"userContext"`
}
