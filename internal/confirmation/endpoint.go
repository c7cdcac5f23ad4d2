package confirmation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/relaygate/relaygate/internal/apierr"
	"github.com/relaygate/relaygate/internal/auth"
	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/toolclient"
)

// ServerLookup resolves a tool-server name against the static,
// startup-loaded configuration (spec §4.K step 4: "validate env.mcpServer
// against the static server list to prevent server-name injection").
type ServerLookup interface {
	Lookup(name string) (config.ToolServerConfig, bool)
}

// Endpoint implements the Confirmation Endpoint (spec §4.K): the second
// phase of the write flow.
type Endpoint struct {
	store  Store
	lookup ServerLookup
	tools  *toolclient.Client
}

// NewEndpoint builds a Confirmation Endpoint.
func NewEndpoint(store Store, lookup ServerLookup, tools *toolclient.Client) *Endpoint {
	return &Endpoint{store: store, lookup: lookup, tools: tools}
}

// Result is the body returned to the client, either the "cancelled"
// short-circuit response or the tool server's /execute response
// forwarded verbatim (spec §4.K step 3/4).
type Result struct {
	Cancelled bool
	Body      json.RawMessage
}

// Confirm runs the four steps of spec §4.K against confirmationID.
func (e *Endpoint) Confirm(ctx context.Context, confirmationID string, approved bool, caller auth.CallerContext, requestID string) (*Result, *apierr.Error) {
	env, err := e.store.TakeOnce(ctx, confirmationID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apierr.New(apierr.ConfirmationExpired, "confirmation not found or has expired")
		}
		return nil, apierr.Wrap(apierr.Internal, "internal error", err)
	}

	if env.OwnerUserID != caller.UserID {
		return nil, apierr.New(apierr.ConfirmationOwnerMismatch, "this confirmation belongs to a different caller")
	}

	if !approved {
		body, _ := json.Marshal(map[string]string{"status": "cancelled"})
		return &Result{Cancelled: true, Body: body}, nil
	}

	server, ok := e.lookup.Lookup(env.MCPServer)
	if !ok {
		return nil, apierr.New(apierr.Internal, "internal error")
	}

	envJSON, err := json.Marshal(env)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "internal error", err)
	}

	body, err := e.tools.Execute(ctx, server, env.Action, envJSON, caller, requestID)
	if err != nil {
		return nil, apierr.Wrap(apierr.ProviderError, fmt.Sprintf("execute against %s failed", server.Name), err)
	}

	return &Result{Body: body}, nil
}
