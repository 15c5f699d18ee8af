package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidParticipant is returned when the sender or receiver does not resolve to an existing user.
	ErrInvalidParticipant = errors.New("invalid participant")

	// ErrEmptyMessage is returned when neither text nor an attachment is supplied.
	ErrEmptyMessage = errors.New("empty message")

	// ErrMessageTooLong is returned when the text exceeds maxMessageChars.
	ErrMessageTooLong = errors.New("message too long")

	// ErrNotFound is returned when a message id is unknown.
	ErrNotFound = errors.New("message not found")

	// ErrForbidden is returned when the requester is not the message sender.
	ErrForbidden = errors.New("forbidden")

	// ErrPersistence wraps any failure of the storage collaborator.
	ErrPersistence = errors.New("persistence failure")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Kind is one of the sentinel errors above; Err carries the underlying cause when there is one.
type OpError struct {
	Op   string
	Kind error
	Err  error
}

func (e OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opErr(op string, kind, cause error) error {
	return OpError{Op: op, Kind: kind, Err: cause}
}

// ErrorCode maps an error to the stable code used in error envelopes and REST bodies.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidParticipant):
		return "invalid_participant"
	case errors.Is(err, ErrEmptyMessage):
		return "empty_message"
	case errors.Is(err, ErrMessageTooLong):
		return "message_too_long"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrPersistence):
		return "persistence_failure"
	default:
		return "internal"
	}
}
