package swerrors

import (
	"context"
	"errors"
)

// Retryable reports whether the connection manager may schedule a reconnect
// after err. Unknown errors default to retryable: a transport that died for
// an unclassified reason is worth one more attempt, and the attempt cap
// bounds the damage.
func Retryable(err error) bool {
	if err == nil {
		return true
	}
	var e *Error
	if !errors.As(err, &e) {
		return !errors.Is(err, context.Canceled)
	}
	switch e.Code {
	case CodeAuthRequired, CodeForbidden, CodeUnknownIdentity,
		CodeMissingConfig, CodeInvalidProof, CodeCanceled:
		return false
	}
	return true
}

// CodeOf extracts the stable code from err, or "" when err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// StatusOf extracts the tunneled HTTP status from err, or 0.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// FromCloseCode maps a websocket close code the peer sent to a Code. Codes
// outside the protocol's range classify as a plain transport close.
func FromCloseCode(code int) Code {
	switch code {
	case 1011:
		return CodeSendFailed
	case 4001:
		return CodeAuthRequired
	case 4002:
		return CodeFrameMalformed
	case 4003:
		return CodeForbidden
	case 4004:
		return CodeDecryptFailed
	case 4005:
		return CodeEncryptionRequired
	case 4008:
		return CodeAuthTimeout
	}
	return CodeTransportClosed
}
