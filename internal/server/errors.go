package server

import "fmt"

// Kind classifies a pipeline failure so the HTTP facade can map every
// kind to a status code in one place.
type Kind int

const (
	// KindValidation covers malformed requests: a tool call with no
	// target server after auto-detection, or a bad dynamic-add payload.
	KindValidation Kind = iota
	// KindAccessDenied is raised by the access policy engine or the
	// admin-only gate.
	KindAccessDenied
	// KindUnknownProvider names a provider the registry does not hold.
	KindUnknownProvider
	// KindUnavailable targets a provider that exists but is not running.
	KindUnavailable
	// KindExchangeFailed is an on-behalf-of exchange the IdP rejected.
	KindExchangeFailed
	// KindTimeout is an outbound dependency call past its deadline.
	KindTimeout
	// KindInternal is everything else.
	KindInternal
)

// Error is a kind-tagged pipeline failure. Message is safe to return to
// the caller verbatim.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.cause }

func errOf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapErr(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}
