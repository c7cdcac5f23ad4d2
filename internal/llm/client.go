// Package llm implements the LLM Client (spec §4.H): a thin streaming
// wrapper over Anthropic's Messages API with a deterministic mock mode
// for credential-less test and demo environments.
package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// ChunkKind discriminates the three shapes of StreamChunk emitted to a
// caller (spec §4.H).
type ChunkKind string

const (
	ChunkText       ChunkKind = "text"
	ChunkPagination ChunkKind = "pagination"
	ChunkError      ChunkKind = "error"
)

// StreamChunk is one unit of a streamed completion. The trailing
// "[DONE]" sentinel of spec §6 is written by the HTTP query handler once
// the Query Orchestrator's event channel closes, not by the client itself.
type StreamChunk struct {
	Kind ChunkKind
	Text string
	Err  error
}

// Config configures a Client (spec §4.N LLMConfig).
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxRetries  int
	RetryDelay  time.Duration
	MockPrefix  string
}

// Client wraps the Anthropic SDK with retry and a mock mode.
type Client struct {
	client     anthropic.Client
	model      string
	maxRetries int
	retryDelay time.Duration
	mock       bool
	mockPrefix string
}

const defaultModel = "claude-sonnet-4-20250514"

// New constructs a Client. When cfg.APIKey has the configured mock
// prefix (default "sk-ant-api03-test-"), the client operates in mock
// mode: it never contacts the real provider and instead synthesises a
// deterministic response (spec §4.H, §9).
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MockPrefix == "" {
		cfg.MockPrefix = "sk-ant-api03-test-"
	}

	c := &Client{
		model:      cfg.Model,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		mockPrefix: cfg.MockPrefix,
	}

	if strings.HasPrefix(cfg.APIKey, cfg.MockPrefix) {
		c.mock = true
		return c, nil
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	c.client = anthropic.NewClient(options...)
	return c, nil
}

// IsMock reports whether the client is operating in mock mode.
func (c *Client) IsMock() bool {
	return c.mock
}

// Stream issues a streaming completion for the given system prompt and
// user message and returns a channel of StreamChunk. The channel is
// closed once the stream ends, errors terminally, or ctx is done.
func (c *Client) Stream(ctx context.Context, system, userMessage string, maxTokens int) <-chan StreamChunk {
	out := make(chan StreamChunk)

	if c.mock {
		go c.streamMock(ctx, system, userMessage, out)
		return out
	}

	go c.streamLive(ctx, system, userMessage, maxTokens, out)
	return out
}

func (c *Client) streamMock(ctx context.Context, system, userMessage string, out chan<- StreamChunk) {
	defer close(out)

	response := mockResponse(system, userMessage)
	words := strings.Fields(response)
	for i, w := range words {
		if err := ctx.Err(); err != nil {
			out <- StreamChunk{Kind: ChunkError, Err: err}
			return
		}
		text := w
		if i < len(words)-1 {
			text += " "
		}
		select {
		case <-ctx.Done():
			out <- StreamChunk{Kind: ChunkError, Err: ctx.Err()}
			return
		case out <- StreamChunk{Kind: ChunkText, Text: text}:
		}
	}
}

// mockCallerPattern matches promptbuilder.buildInstructions's leading
// "You are assisting <username> (roles: <roles>)." line.
var mockCallerPattern = regexp.MustCompile(`You are assisting (\S+) \(roles: ([^)]*)\)\.`)

// mockServerPattern matches promptbuilder.buildDataBlock's
// "[Data from <server>]:" markers.
var mockServerPattern = regexp.MustCompile(`\[Data from (\S+)\]:`)

// mockResponse synthesises a deterministic response that never touches
// the real provider, echoing the caller's username, roles, the list of
// consulted servers, and the retrieved data verbatim (spec §4.H: "mock
// mode ... synthesise a deterministic response echoing the caller
// username, roles, and the list of consulted servers").
func mockResponse(system, userMessage string) string {
	username, roles := "unknown", ""
	if m := mockCallerPattern.FindStringSubmatch(system); m != nil {
		username, roles = m[1], m[2]
	}

	var servers []string
	for _, m := range mockServerPattern.FindAllStringSubmatch(userMessage, -1) {
		servers = append(servers, m[1])
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[mock response] Hello %s (roles: %s). ", username, roles)
	if len(servers) > 0 {
		fmt.Fprintf(&b, "Consulted servers: %s. ", strings.Join(servers, ", "))
	} else {
		b.WriteString("No servers were consulted. ")
	}
	b.WriteString("No live model was called. Retrieved data:\n")
	b.WriteString(userMessage)
	return b.String()
}

func (c *Client) streamLive(ctx context.Context, system, userMessage string, maxTokens int, out chan<- StreamChunk) {
	defer close(out)

	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userMessage)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}

	var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
	var err error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		stream = c.client.Messages.NewStreaming(ctx, params)
		err = stream.Err()
		if err == nil {
			break
		}
		if !isRetryableError(err) {
			out <- StreamChunk{Kind: ChunkError, Err: fmt.Errorf("llm: %w", err)}
			return
		}
		if attempt < c.maxRetries {
			backoff := c.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				out <- StreamChunk{Kind: ChunkError, Err: ctx.Err()}
				return
			case <-time.After(backoff):
			}
		}
	}
	if err != nil {
		out <- StreamChunk{Kind: ChunkError, Err: fmt.Errorf("llm: max retries exceeded: %w", err)}
		return
	}

	for stream.Next() {
		event := stream.Current()
		if event.Type == "content_block_delta" {
			delta := event.AsContentBlockDelta().Delta
			if delta.Type == "text_delta" && delta.Text != "" {
				select {
				case <-ctx.Done():
					out <- StreamChunk{Kind: ChunkError, Err: ctx.Err()}
					return
				case out <- StreamChunk{Kind: ChunkText, Text: delta.Text}:
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		out <- StreamChunk{Kind: ChunkError, Err: fmt.Errorf("llm: stream error: %w", err)}
	}
}

// isRetryableError classifies transient provider failures (rate limits,
// 5xx, timeouts, connection resets) as retryable, mirroring the
// classification the rest of the gateway's HTTP clients use.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, substr := range []string{
		"rate_limit", "429", "too many requests",
		"500", "502", "503", "504",
		"internal server error", "bad gateway", "service unavailable", "gateway timeout",
		"timeout", "deadline exceeded",
		"connection reset", "connection refused", "no such host",
	} {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}
