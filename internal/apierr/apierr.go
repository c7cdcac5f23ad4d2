// Package apierr defines the typed error kinds of spec §7 and the
// transport-facing shape the outermost HTTP handler converts them into.
// No stack trace or upstream message body ever crosses the client
// boundary; callers get a short, pre-approved message and a status code.
package apierr

import "net/http"

// Kind identifies one of the error kinds named in spec §7.
type Kind string

const (
	Unauthenticated          Kind = "Unauthenticated"
	Unauthorised             Kind = "Unauthorised"
	RevokedToken             Kind = "RevokedToken"
	PromptRejected           Kind = "PromptRejected"
	ValidationError          Kind = "ValidationError"
	ConfirmationExpired      Kind = "ConfirmationExpired"
	ConfirmationOwnerMismatch Kind = "ConfirmationOwnerMismatch"
	ProviderError            Kind = "ProviderError"
	OutputPolicy             Kind = "OutputPolicy"
	Internal                 Kind = "Internal"
)

var statusByKind = map[Kind]int{
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

// Error is a typed, client-safe error. Message is what the client sees;
// it must never embed an upstream body or a Go error's full detail.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

// Unwrap exposes the wrapped cause for errors.Is/As, without leaking it
// to clients — only Status/ClientBody do that.
func (e *Error) Unwrap() error { return e.cause }

// Status returns the HTTP status code for this error kind.
func (e *Error) Status() int {
	if status, ok := statusByKind[e.Kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// ClientBody returns the JSON-safe body to send to the client.
func (e *Error) ClientBody() map[string]string {
	return map[string]string{"error": e.Message}
}

// New constructs an Error of the given kind with a client-facing message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind, keeping cause for logs only.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}
