package apierr

import (
	"errors"
	"net/http"
	"testing"
)

func TestErrorStatusByKind(t *testing.T) {
	cases := map[Kind]int{
		Unauthenticated:           http.StatusUnauthorized,
		Unauthorised:              http.StatusForbidden,
		RevokedToken:              http.StatusUnauthorized,
		PromptRejected:            http.StatusBadRequest,
		ValidationError:           http.StatusBadRequest,
		ConfirmationExpired:       http.StatusNotFound,
		ConfirmationOwnerMismatch: http.StatusForbidden,
		ProviderError:             http.StatusBadGateway,
		OutputPolicy:              http.StatusBadGateway,
		Internal:                  http.StatusInternalServerError,
	}
	for kind, want := range cases {
		got := New(kind, "message").Status()
		if got != want {
			t.Fatalf("Status() for kind %q = %d, want %d", kind, got, want)
		}
	}
}

func TestErrorStatusDefaultsToInternalServerError(t *testing.T) {
	got := New(Kind("NotARealKind"), "message").Status()
	if got != http.StatusInternalServerError {
		t.Fatalf("Status() for unknown kind = %d, want %d", got, http.StatusInternalServerError)
	}
}

func TestErrorMessageHidesCauseFromClientBody(t *testing.T) {
	cause := errors.New("upstream body: sensitive detail")
	err := Wrap(Internal, "internal error", cause)

	body := err.ClientBody()
	if body["error"] != "internal error" {
		t.Fatalf("ClientBody()[\"error\"] = %q, want %q", body["error"], "internal error")
	}
	if err.Error() != "internal error: upstream body: sensitive detail" {
		t.Fatalf("Error() = %q, want the cause folded in for logs", err.Error())
	}
}

func TestErrorUnwrapExposesCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(Internal, "internal error", cause)

	if !errors.Is(err, cause) {
		t.Fatalf("errors.Is(err, cause) = false, want true")
	}
}

func TestNewLeavesCauseNil(t *testing.T) {
	err := New(ValidationError, "bad input")
	if err.Unwrap() != nil {
		t.Fatalf("Unwrap() = %v, want nil for an error built with New", err.Unwrap())
	}
	if err.Error() != "bad input" {
		t.Fatalf("Error() = %q, want %q", err.Error(), "bad input")
	}
}
