// Package swerrors defines the stable error taxonomy of the session
// transport. Codes are programmatic identifiers carried across process
// boundaries; the client connection manager keys its retry decision on them.
package swerrors

import "fmt"

// Stage identifies which step of the transport stack failed.
type Stage string

const (
	StageValidate  Stage = "validate"
	StageConnect   Stage = "connect"
	StageHandshake Stage = "handshake"
	StageResume    Stage = "resume"
	StageRoute     Stage = "route"
	StageRequest   Stage = "request"
	StageSubscribe Stage = "subscribe"
	StageUpload    Stage = "upload"
	StageClose     Stage = "close"
)

// Code is a stable, programmatic error identifier.
type Code string

const (
	// Retryable transport failures.
	CodeTransportClosed        Code = "transport_closed"
	CodeConnectionClosed       Code = "connection_closed"
	CodeSendFailed             Code = "send_failed"
	CodeRelayReconnectRequired Code = "relay_reconnect_required"
	CodeStale                  Code = "stale"

	// Non-retryable admission failures.
	CodeAuthRequired    Code = "auth_required"
	CodeForbidden       Code = "forbidden"
	CodeUnknownIdentity Code = "unknown_identity"
	CodeMissingConfig   Code = "missing_config"
	CodeInvalidProof    Code = "invalid_proof"

	// Fatal per-connection protocol failures.
	CodeDecryptFailed      Code = "decrypt_failed"
	CodeFrameMalformed     Code = "frame_malformed"
	CodeSequenceViolation  Code = "sequence_violation"
	CodeEncryptionRequired Code = "encryption_required"
	CodeRateLimited        Code = "rate_limited"
	CodeAuthTimeout        Code = "auth_timeout"

	// Failures local to one pending operation.
	CodeRequestTimeout     Code = "request_timeout"
	CodeSubscriptionFailed Code = "subscription_failed"
	CodeUploadFailed       Code = "upload_failed"
	CodeCanceled           Code = "canceled"
	CodeInvalidInput       Code = "invalid_input"
)

// Error is a structured, programmatically identifiable transport error.
type Error struct {
	Stage         Stage // Which step failed.
	Code          Code  // Stable identifier.
	Status        int   // HTTP-ish status for tunneled operations, 0 otherwise.
	SetupRequired bool  // Mirrors the host's setup-required response header.
	Err           error // Underlying cause, may be nil.
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Stage, e.Code, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Stage, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap builds a structured error around a cause.
func Wrap(stage Stage, code Code, err error) error {
	return &Error{Stage: stage, Code: code, Err: err}
}

// New builds a structured error without a cause.
func New(stage Stage, code Code) error {
	return &Error{Stage: stage, Code: code}
}
