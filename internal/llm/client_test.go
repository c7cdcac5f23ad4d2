package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("New() error = nil, want an error for an empty API key")
	}
}

func TestNewDetectsMockPrefix(t *testing.T) {
	c, err := New(Config{APIKey: "sk-ant-api03-test-abc123"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if !c.IsMock() {
		t.Fatalf("IsMock() = false, want true for a key matching the mock prefix")
	}
}

func TestNewHonoursCustomMockPrefix(t *testing.T) {
	c, err := New(Config{APIKey: "demo-only-key", MockPrefix: "demo-"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if !c.IsMock() {
		t.Fatalf("IsMock() = false, want true for a key matching the custom mock prefix")
	}
}

func TestNewLiveModeForNonMockKey(t *testing.T) {
	c, err := New(Config{APIKey: "sk-ant-api03-real-key"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if c.IsMock() {
		t.Fatalf("IsMock() = true, want false for a key that does not match the mock prefix")
	}
}

func TestStreamMockEmitsTextChunksAndCloses(t *testing.T) {
	c, err := New(Config{APIKey: "sk-ant-api03-test-abc123"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ch := c.Stream(context.Background(), "system prompt", "hello there", 1024)

	var gotText string
	for chunk := range ch {
		if chunk.Kind == ChunkError {
			t.Fatalf("unexpected error chunk: %v", chunk.Err)
		}
		gotText += chunk.Text
	}
	if gotText == "" {
		t.Fatalf("mock stream produced no text")
	}
}

func TestStreamMockEchoesCallerRolesServersAndData(t *testing.T) {
	c, err := New(Config{APIKey: "sk-ant-api03-test-abc123"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	system := "You are assisting alice (roles: hr-read, admin).\nPolicy: only use the data provided below.\n"
	userMessage := "<<<List employees>>>\n\n[Data from hr]:\n[{\"id\":1,\"name\":\"Alice\"}]\n\nAvailable data context:"

	ch := c.Stream(context.Background(), system, userMessage, 1024)

	var gotText string
	for chunk := range ch {
		if chunk.Kind == ChunkError {
			t.Fatalf("unexpected error chunk: %v", chunk.Err)
		}
		gotText += chunk.Text
	}

	for _, want := range []string{"alice", "hr-read", "admin", "hr", "Alice"} {
		if !strings.Contains(gotText, want) {
			t.Fatalf("mock response %q does not contain %q", gotText, want)
		}
	}
}

func TestStreamMockStopsOnContextCancellation(t *testing.T) {
	c, err := New(Config{APIKey: "sk-ant-api03-test-abc123"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ch := c.Stream(ctx, "", "a request long enough to have several words in it", 1024)

	chunk, ok := <-ch
	if !ok {
		t.Fatalf("channel closed with no chunk, want an error chunk for a cancelled context")
	}
	if chunk.Kind != ChunkError {
		t.Fatalf("first chunk kind = %q, want %q", chunk.Kind, ChunkError)
	}
	if !errors.Is(chunk.Err, context.Canceled) {
		t.Fatalf("chunk.Err = %v, want context.Canceled", chunk.Err)
	}
}

func TestIsRetryableError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{errors.New("rate_limit exceeded"), true},
		{errors.New("503 service unavailable"), true},
		{errors.New("connection reset by peer"), true},
		{errors.New("context deadline exceeded"), true},
		{errors.New("invalid api key"), false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := isRetryableError(tc.err); got != tc.want {
			t.Fatalf("isRetryableError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	c, err := New(Config{APIKey: "sk-ant-api03-test-abc123"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if c.model != defaultModel {
		t.Fatalf("model = %q, want default %q", c.model, defaultModel)
	}
	if c.maxRetries != 3 {
		t.Fatalf("maxRetries = %d, want default 3", c.maxRetries)
	}
	if c.retryDelay != time.Second {
		t.Fatalf("retryDelay = %v, want default 1s", c.retryDelay)
	}
}
