package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/voxpair/voxpair/internal/broker"
	"github.com/voxpair/voxpair/internal/dial"
	"github.com/voxpair/voxpair/internal/media"
	"github.com/voxpair/voxpair/internal/rendezvous"
	"github.com/voxpair/voxpair/internal/session"
)

// ErrorKind classifies terminal failures for the presenter. Transient
// failures (lost name races, per-slot timeouts) are retried inside the
// protocol and never reach this type.
type ErrorKind string

const (
	KindNoPartner         ErrorKind = "no-partner"
	KindPermissionDenied  ErrorKind = "permission-denied"
	KindRemoteBusy        ErrorKind = "remote-busy"
	KindRemoteRejected    ErrorKind = "remote-rejected"
	KindTargetUnavailable ErrorKind = "target-unavailable"
	KindBrokerFatal       ErrorKind = "broker-fatal"
	KindInternal          ErrorKind = "internal"
)

// Error is a terminal failure with a human-readable cause and a hint on
// whether retrying the same intent can succeed.
type Error struct {
	Kind      ErrorKind
	Cause     error
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.message(), e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Message is the presenter-facing description.
func (e *Error) Message() string { return e.message() }

func (e *Error) message() string {
	switch e.Kind {
	case KindNoPartner:
		return "no partner found, try again"
	case KindPermissionDenied:
		return "microphone or camera access was denied"
	case KindRemoteBusy:
		return "the other side is already in a chat"
	case KindRemoteRejected:
		return "the other side declined the call"
	case KindTargetUnavailable:
		return "that person is not reachable right now"
	case KindBrokerFatal:
		return "broker refused the connection"
	default:
		return "something went wrong"
	}
}

// classify maps protocol-level errors onto the presenter taxonomy.
func classify(err error) *Error {
	switch {
	case errors.Is(err, rendezvous.ErrNoPartner):
		return &Error{Kind: KindNoPartner, Cause: err, Retryable: true}
	case errors.Is(err, media.ErrPermissionDenied):
		return &Error{Kind: KindPermissionDenied, Cause: err, Retryable: false}
	case errors.Is(err, session.ErrRemoteBusy):
		return &Error{Kind: KindRemoteBusy, Cause: err, Retryable: true}
	case errors.Is(err, session.ErrRemoteRejected):
		return &Error{Kind: KindRemoteRejected, Cause: err, Retryable: false}
	case errors.Is(err, dial.ErrTargetUnavailable):
		return &Error{Kind: KindTargetUnavailable, Cause: err, Retryable: false}
	case errors.Is(err, broker.ErrIdentityTaken):
		return &Error{Kind: KindBrokerFatal, Cause: err, Retryable: false}
	case errors.Is(err, context.Canceled):
		return nil // user-driven cancellation is not an error
	default:
		return &Error{Kind: KindInternal, Cause: err, Retryable: true}
	}
}
