package protocol

import (
	"errors"
	"fmt"
)

// Error kinds returned to tool callers and rendered as error chunks.
const (
	ErrTransientTransport = "TransientTransport"
	ErrPermanentTransport = "PermanentTransport"
	ErrBridgeUnavailable  = "BridgeUnavailable"
	ErrNotFound           = "NotFound"
	ErrPermissionDenied   = "PermissionDenied"
	ErrConflict           = "Conflict"
	ErrTruncated          = "Truncated"
	ErrInternalInvariant  = "InternalInvariant"
)

// Error is an expected failure carried across component and wire boundaries.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError builds an Error with a formatted message.
func NewError(kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ErrorKind extracts the kind from an error, or InternalInvariant when the
// error is not a protocol error.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrInternalInvariant
}

// IsKind reports whether err is a protocol error of the given kind.
func IsKind(err error, kind string) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == kind
}
