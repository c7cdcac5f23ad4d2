package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type stubRevocationStore struct {
	revoked bool
	err     error
}

func (s *stubRevocationStore) IsRevoked(context.Context, string) (bool, error) { return s.revoked, s.err }
func (s *stubRevocationStore) Revoke(context.Context, string, time.Duration) error { return nil }

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestGateWithRevocation(t *testing.T, revocation RevocationStore) *Gate {
	t.Helper()
	v, _ := newTestVerifier(t)
	return NewGate(v, revocation, slog.New(slog.NewTextHandler(discardWriter{}, nil)))
}

func TestGateMiddlewareMissingToken(t *testing.T) {
	gate := newTestGateWithRevocation(t, &stubRevocationStore{})
	var nextCalled bool
	handler := gate.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { nextCalled = true }))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/query", nil)
	handler.ServeHTTP(rec, req)

	if nextCalled {
		t.Fatalf("next handler was called for a request with no token")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestGateMiddlewareInvalidToken(t *testing.T) {
	gate := newTestGateWithRevocation(t, &stubRevocationStore{})
	handler := gate.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("next handler must not be called for an invalid token")
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/query", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestGateMiddlewareRevokedToken(t *testing.T) {
	v, priv := newTestVerifier(t)
	gate := NewGate(v, &stubRevocationStore{revoked: true}, slog.New(slog.NewTextHandler(discardWriter{}, nil)))
	token := signToken(t, priv, "kid-1", withJTI("jti-1"))

	handler := gate.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("next handler must not be called for a revoked token")
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/query", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
	if body["error"] != "token has been revoked" {
		t.Fatalf("error body = %q, want %q", body["error"], "token has been revoked")
	}
}

func TestGateMiddlewareRevocationCheckFailureIsInternalError(t *testing.T) {
	v, priv := newTestVerifier(t)
	gate := NewGate(v, &stubRevocationStore{err: context.DeadlineExceeded}, slog.New(slog.NewTextHandler(discardWriter{}, nil)))
	token := signToken(t, priv, "kid-1", withJTI("jti-2"))

	handler := gate.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("next handler must not be called when the revocation check errors")
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/query", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}

func TestGateMiddlewareSkipsRevocationCheckWithoutTokenID(t *testing.T) {
	v, priv := newTestVerifier(t)
	gate := NewGate(v, &stubRevocationStore{revoked: true}, slog.New(slog.NewTextHandler(discardWriter{}, nil)))
	token := signToken(t, priv, "kid-1") // no jti

	var nextCalled bool
	handler := gate.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/query", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)

	if !nextCalled {
		t.Fatalf("next handler was not called for a jti-less token even though the store reports revoked=true")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestGateMiddlewareValidTokenAttachesCaller(t *testing.T) {
	v, priv := newTestVerifier(t)
	gate := NewGate(v, &stubRevocationStore{}, slog.New(slog.NewTextHandler(discardWriter{}, nil)))
	token := signToken(t, priv, "kid-1", withRoles("hr"))

	var gotCaller CallerContext
	var ok bool
	handler := gate.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCaller, ok = CallerFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/query", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !ok {
		t.Fatalf("CallerFromContext() ok = false inside next handler")
	}
	if gotCaller.UserID != "user-1" {
		t.Fatalf("CallerFromContext().UserID = %q, want %q", gotCaller.UserID, "user-1")
	}
}

func TestGateMiddlewareAcceptsQueryParamToken(t *testing.T) {
	v, priv := newTestVerifier(t)
	gate := NewGate(v, &stubRevocationStore{}, slog.New(slog.NewTextHandler(discardWriter{}, nil)))
	token := signToken(t, priv, "kid-1")

	var nextCalled bool
	handler := gate.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/query?token="+token, nil)
	handler.ServeHTTP(rec, req)

	if !nextCalled {
		t.Fatalf("next handler was not called for a request with a valid query-param token")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}
