package sip

import (
	"github.com/ghettovoice/sipengine/header"
	"github.com/ghettovoice/sipengine/internal/errorutil"
)

// Common errors.
const (
	ErrInvalidArgument = errorutil.ErrInvalidArgument
	// ErrEngineClosed is returned when the engine is not running.
	ErrEngineClosed Error = "engine closed"
	// ErrHandlerPanic is reported when an application handler panics while processing a request.
	ErrHandlerPanic Error = "request handler panic"
)

// Message errors.
const (
	// ErrMalformedStartLine is returned when the start line is neither a request nor a status line.
	ErrMalformedStartLine Error = "malformed start line"
	// ErrMalformedHeader is returned when a header value can not be parsed.
	ErrMalformedHeader = header.ErrMalformedHeader
	// ErrMalformedMessage is returned when message framing is broken.
	ErrMalformedMessage Error = "malformed message"
	// ErrMissingHeaders is returned when mandatory headers are absent.
	ErrMissingHeaders Error = "missing mandatory headers"
	// ErrFlood is returned when a stream peer exceeds the header or body size limits.
	ErrFlood Error = "message size limit exceeded"
)

// Transport errors.
const (
	// ErrTransportClosed is returned when attempting to use a closed transport.
	ErrTransportClosed Error = "transport closed"
	// ErrNoTarget is returned when no target for the message is resolved.
	ErrNoTarget Error = "no target resolved"
	// ErrNoTransport is returned when no transport serves the requested protocol.
	ErrNoTransport Error = "no transport for protocol"
)

// Transaction errors.
const (
	// ErrTransactionNotFound is returned when a response has no matching server transaction.
	ErrTransactionNotFound Error = "transaction not found"
	// ErrTransactionTimedOut is used as the cause of a synthesized timeout response.
	ErrTransactionTimedOut Error = "transaction timed out"
)

// Error represents a SIP error.
// See [errorutil.Error].
type Error = errorutil.Error

// NewInvalidArgumentError creates a new error with [ErrInvalidArgument] or
// wraps provided error with [ErrInvalidArgument].
func NewInvalidArgumentError(args ...any) error {
	return errorutil.NewInvalidArgumentError(args...) //errtrace:skip
}
