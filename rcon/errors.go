package rcon

import "errors"

// Sentinel errors forming the RCON error taxonomy. Errors surfaced by
// Connect or Execute match exactly one of these via errors.Is, with two
// exceptions: a Config without a host fails Connect with ErrMissingHost,
// and a cancelled or expired caller context surfaces as the context's
// error.
var (
	// ErrConnectionFailed indicates the transport was refused, reset, or
	// closed before or during use.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrAuthFailed indicates the server rejected the authentication
	// handshake (Source: response id -1; BattlEye: login result != 0x01).
	ErrAuthFailed = errors.New("authentication failed")

	// ErrTimeout indicates a configured timer elapsed (connect, io, or
	// command).
	ErrTimeout = errors.New("timeout")

	// ErrSocketError indicates the underlying transport surfaced an error
	// after the session became active.
	ErrSocketError = errors.New("socket error")

	// ErrInvalidPacket indicates an outbound or inbound packet violates
	// the size or shape invariants of its wire format.
	ErrInvalidPacket = errors.New("invalid packet")

	// ErrNotAuthenticated indicates Execute was called outside
	// StateAuthenticated. The transport is never touched in that case.
	ErrNotAuthenticated = errors.New("not authenticated")
)

// CommandError wraps a failure that surfaced from within Execute,
// preserving the underlying error for errors.Is / errors.As inspection.
type CommandError struct {
	// Err is the underlying failure (timeout, socket error, ...).
	Err error
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	return "command failed: " + e.Err.Error()
}

// Unwrap exposes the underlying error to the errors package.
func (e *CommandError) Unwrap() error {
	return e.Err
}

// WrapCommand wraps err in a CommandError. A nil err passes through
// unchanged.
func WrapCommand(err error) error {
	if err == nil {
		return nil
	}
	return &CommandError{Err: err}
}
