// Package router implements the Role Router (spec §4.D): a pure
// function over the static tool-server list that computes which
// servers a caller's roles make accessible, and which are denied.
package router

import "github.com/relaygate/relaygate/internal/config"

// Router holds the static, read-only tool-server configuration loaded
// at startup (spec §3: ToolServer "lifecycle: loaded at startup, treated
// as read-only").
type Router struct {
	servers []config.ToolServerConfig
}

// New builds a Router from the configured tool-server list, preserving
// declaration order.
func New(servers []config.ToolServerConfig) *Router {
	return &Router{servers: servers}
}

// Servers returns the full configured list, in declaration order.
func (rt *Router) Servers() []config.ToolServerConfig {
	return rt.servers
}

// Accessible returns the servers whose requiredRoles intersect roles,
// in declaration order (spec §4.D, §5 ordering guarantee).
func (rt *Router) Accessible(roles []string) []config.ToolServerConfig {
	want := roleSet(roles)
	accessible := make([]config.ToolServerConfig, 0, len(rt.servers))
	for _, s := range rt.servers {
		if intersects(s.RequiredRoles, want) {
			accessible = append(accessible, s)
		}
	}
	return accessible
}

// Denied returns servers \ Accessible(roles), in declaration order.
func (rt *Router) Denied(roles []string) []config.ToolServerConfig {
	want := roleSet(roles)
	denied := make([]config.ToolServerConfig, 0, len(rt.servers))
	for _, s := range rt.servers {
		if !intersects(s.RequiredRoles, want) {
			denied = append(denied, s)
		}
	}
	return denied
}

// Lookup finds a configured server by name, for validating untrusted
// server-name references (e.g. ConfirmationEnvelope.mcpServer, spec §9).
func (rt *Router) Lookup(name string) (config.ToolServerConfig, bool) {
	for _, s := range rt.servers {
		if s.Name == name {
			return s, true
		}
	}
	return config.ToolServerConfig{}, false
}

func roleSet(roles []string) map[string]struct{} {
	set := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		set[r] = struct{}{}
	}
	return set
}

func intersects(required []string, have map[string]struct{}) bool {
	for _, r := range required {
		if _, ok := have[r]; ok {
			return true
		}
	}
	return false
}
