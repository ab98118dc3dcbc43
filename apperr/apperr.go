package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for the caller. Handlers map a Kind to a status
// code; services only ever decide the Kind.
type Kind int

const (
	KindInternal Kind = iota
	KindUnauthenticated
	KindInvalidInput
	KindNotFound
	KindConflict
	KindForbidden
	KindStoreUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindInvalidInput:
		return "invalid_input"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindForbidden:
		return "forbidden"
	case KindStoreUnavailable:
		return "store_unavailable"
	default:
		return "internal"
	}
}

// Error is an application error carrying a Kind, a message safe to show to
// clients, and optionally the underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same Kind and Message, so wrapped
// sentinels still compare equal under errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Message == t.Message
}

// New creates a new error
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap returns a copy of e with err attached as the cause.
func (e *Error) Wrap(err error) *Error {
	return &Error{Kind: e.Kind, Message: e.Message, Err: err}
}

// Unavailable wraps a store or transport failure.
func Unavailable(err error) *Error {
	return ErrStoreUnavailable.Wrap(err)
}

// KindOf reports the Kind of err, KindInternal when err is not an *Error.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Is reports whether err has the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps err to a response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindInvalidInput, KindConflict:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the message that may be shown to a client. Store and
// internal failures never expose their cause.
func PublicMessage(err error) string {
	var appErr *Error
	if !errors.As(err, &appErr) {
		return "Internal server error"
	}
	switch appErr.Kind {
	case KindStoreUnavailable:
		return "Service temporarily unavailable"
	case KindInternal:
		return "Internal server error"
	}
	return appErr.Message
}

var (
	ErrUnauthenticated  = New(KindUnauthenticated, "Unauthorized")
	ErrStoreUnavailable = New(KindStoreUnavailable, "store unavailable")
	ErrInternal         = New(KindInternal, "internal error")

	ErrUserNotFound    = New(KindNotFound, "User not found")
	ErrUsernameTaken   = New(KindConflict, "Username already taken")
	ErrIdentifierTaken = New(KindConflict, "User already exists")

	ErrSelfRequest      = New(KindConflict, "Cannot send request to yourself")
	ErrAlreadyFriends   = New(KindConflict, "Already friends")
	ErrRequestExists    = New(KindConflict, "Request already sent/pending")
	ErrRequestNotFound  = New(KindNotFound, "Friend request not found")
	ErrNoPendingRequest = New(KindConflict, "No pending request found")
	ErrNotAddressee     = New(KindForbidden, "Not authorized")
)
