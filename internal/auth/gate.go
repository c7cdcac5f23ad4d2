package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/relaygate/relaygate/internal/apierr"
)

// Gate is the Auth Gate middleware of spec §4.C: it extracts the bearer
// token, verifies it, checks revocation, and attaches a CallerContext to
// the request — or rejects the request before it reaches a handler.
type Gate struct {
	verifier   *Verifier
	revocation RevocationStore
	logger     *slog.Logger
}

// NewGate builds an Auth Gate.
func NewGate(verifier *Verifier, revocation RevocationStore, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{verifier: verifier, revocation: revocation, logger: logger}
}

// Middleware wraps next, enforcing authentication on every request.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, fromQuery := extractToken(r)
		if token == "" {
			writeAuthError(w, apierr.New(apierr.Unauthenticated, "missing bearer token"))
			return
		}
		if fromQuery {
			g.logger.Warn("deprecated: token supplied via query parameter", "path", r.URL.Path)
		}

		caller, err := g.verifier.Verify(token)
		if err != nil {
			g.logger.Warn("token verification failed", "error", err)
			writeAuthError(w, apierr.New(apierr.Unauthenticated, "invalid token"))
			return
		}

		tokenID := tokenIdentifier(r, caller)
		if tokenID != "" {
			revoked, err := g.revocation.IsRevoked(r.Context(), tokenID)
			if err != nil {
				g.logger.Error("revocation check failed", "error", err)
				writeAuthError(w, apierr.New(apierr.Internal, "internal error"))
				return
			}
			if revoked {
				writeAuthError(w, apierr.New(apierr.RevokedToken, "token has been revoked"))
				return
			}
		}

		ctx := WithCaller(r.Context(), caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractToken implements spec §4.C's first-present rule: Authorization
// header bearer token, else the "token" query parameter.
func extractToken(r *http.Request) (token string, fromQuery bool) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		const prefix = "Bearer "
		if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
			return strings.TrimSpace(auth[len(prefix):]), false
		}
	}
	if q := r.URL.Query().Get("token"); q != "" {
		return q, true
	}
	return "", false
}

// tokenIdentifier resolves the identifier the Revocation Store indexes
// on: the token's jti claim, so revoking one compromised token doesn't
// also sign out every other concurrent session for the same user.
// Tokens without a jti skip the revocation check entirely, a documented
// trade-off (spec §4.B).
func tokenIdentifier(_ *http.Request, caller CallerContext) string {
	return caller.TokenID
}

func writeAuthError(w http.ResponseWriter, apiErr *apierr.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status())
	_, _ = w.Write(mustJSON(apiErr.ClientBody()))
}
