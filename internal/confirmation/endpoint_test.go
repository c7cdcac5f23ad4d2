package confirmation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/relaygate/internal/apierr"
	"github.com/relaygate/relaygate/internal/auth"
	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/toolclient"
)

type staticLookup struct {
	servers map[string]config.ToolServerConfig
}

func (l staticLookup) Lookup(name string) (config.ToolServerConfig, bool) {
	s, ok := l.servers[name]
	return s, ok
}

func TestEndpointApprovedDispatchesToExecute(t *testing.T) {
	var executedAction, gotRequestID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.Unmarshal(body["action"], &executedAction)
		gotRequestID = r.Header.Get("X-Request-ID")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	store := NewMemoryStore(context.Background(), time.Hour)
	env := Envelope{ConfirmationID: "c1", MCPServer: "hr-tool", Action: "delete_record", OwnerUserID: "u1"}
	require.NoError(t, store.Put(context.Background(), env, time.Minute))

	lookup := staticLookup{servers: map[string]config.ToolServerConfig{"hr-tool": {Name: "hr-tool", Endpoint: srv.URL}}}
	ep := NewEndpoint(store, lookup, toolclient.New())

	caller := auth.CallerContext{UserID: "u1"}
	result, apiErr := ep.Confirm(context.Background(), "c1", true, caller, "req-1")

	require.Nil(t, apiErr)
	require.NotNil(t, result)
	assert.False(t, result.Cancelled)
	assert.Equal(t, "delete_record", executedAction)
	assert.Equal(t, "req-1", gotRequestID)
}

func TestEndpointDeniedApprovalReturnsCancelled(t *testing.T) {
	store := NewMemoryStore(context.Background(), time.Hour)
	env := Envelope{ConfirmationID: "c2", MCPServer: "hr-tool", Action: "delete_record", OwnerUserID: "u1"}
	require.NoError(t, store.Put(context.Background(), env, time.Minute))

	ep := NewEndpoint(store, staticLookup{servers: map[string]config.ToolServerConfig{}}, toolclient.New())
	caller := auth.CallerContext{UserID: "u1"}

	result, apiErr := ep.Confirm(context.Background(), "c2", false, caller, "req-2")
	require.Nil(t, apiErr)
	require.NotNil(t, result)
	assert.True(t, result.Cancelled)
}

func TestEndpointOwnerMismatchForbidden(t *testing.T) {
	store := NewMemoryStore(context.Background(), time.Hour)
	env := Envelope{ConfirmationID: "c3", MCPServer: "hr-tool", Action: "delete_record", OwnerUserID: "u1"}
	require.NoError(t, store.Put(context.Background(), env, time.Minute))

	ep := NewEndpoint(store, staticLookup{servers: map[string]config.ToolServerConfig{}}, toolclient.New())
	caller := auth.CallerContext{UserID: "u2"}

	_, apiErr := ep.Confirm(context.Background(), "c3", true, caller, "req-3")
	require.NotNil(t, apiErr)
	assert.Equal(t, apierr.ConfirmationOwnerMismatch, apiErr.Kind)
}

func TestEndpointUnknownConfirmationExpired(t *testing.T) {
	store := NewMemoryStore(context.Background(), time.Hour)
	ep := NewEndpoint(store, staticLookup{servers: map[string]config.ToolServerConfig{}}, toolclient.New())
	caller := auth.CallerContext{UserID: "u1"}

	_, apiErr := ep.Confirm(context.Background(), "missing", true, caller, "req-4")
	require.NotNil(t, apiErr)
	assert.Equal(t, apierr.ConfirmationExpired, apiErr.Kind)
}

func TestEndpointUnknownServerIsInternalError(t *testing.T) {
	store := NewMemoryStore(context.Background(), time.Hour)
	env := Envelope{ConfirmationID: "c4", MCPServer: "tampered-server", OwnerUserID: "u1"}
	require.NoError(t, store.Put(context.Background(), env, time.Minute))

	ep := NewEndpoint(store, staticLookup{servers: map[string]config.ToolServerConfig{}}, toolclient.New())
	caller := auth.CallerContext{UserID: "u1"}

	_, apiErr := ep.Confirm(context.Background(), "c4", true, caller, "req-5")
	require.NotNil(t, apiErr)
	assert.Equal(t, apierr.Internal, apiErr.Kind)
}
