// Package autherr defines the failure taxonomy shared by the session,
// transport, and storage layers.
package autherr

import (
	"errors"
	"fmt"
)

// Kind classifies an authentication or transport failure.
type Kind string

const (
	KindInvalidCredentials Kind = "invalid_credentials"
	KindNetwork            Kind = "network_error"
	KindServer             Kind = "server_error"
	KindSessionExpired     Kind = "session_expired"
	KindForbidden          Kind = "forbidden"
	KindStorageUnavailable Kind = "storage_unavailable"
	// KindRequestRejected is a non-auth 4xx returned by a business endpoint.
	KindRequestRejected Kind = "request_rejected"
)

// Sentinels for errors.Is matching by kind.
var (
	ErrInvalidCredentials = &Error{Kind: KindInvalidCredentials, Message: "invalid credentials"}
	ErrNetwork            = &Error{Kind: KindNetwork, Message: "network error"}
	ErrServer             = &Error{Kind: KindServer, Message: "server error"}
	ErrSessionExpired     = &Error{Kind: KindSessionExpired, Message: "session expired"}
	ErrForbidden          = &Error{Kind: KindForbidden, Message: "forbidden"}
	ErrStorageUnavailable = &Error{Kind: KindStorageUnavailable, Message: "storage unavailable"}
)

// Error is a classified failure with a human-readable message.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error of the given kind wrapping err.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status=%d)", msg, e.Status)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// MessageOf returns a message suitable for display to the user.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}
