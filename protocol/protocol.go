// Package protocol defines the JSON message vocabulary of the session
// transport: application messages (request tunnel, subscriptions, uploads,
// liveness) and the SRP handshake messages, each discriminated by a "type"
// field.
//
// Decoding is two-phase: Sniff reads only the discriminator, then the caller
// unmarshals into the matching struct. Decode bundles both phases for callers
// that want a typed value.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type discriminates a protocol message.
type Type string

// Application message types.
const (
	TypeRequest        Type = "request"
	TypeResponse       Type = "response"
	TypeSubscribe      Type = "subscribe"
	TypeUnsubscribe    Type = "unsubscribe"
	TypeEvent          Type = "event"
	TypeUploadStart    Type = "upload-start"
	TypeUploadChunk    Type = "upload-chunk"
	TypeUploadEnd      Type = "upload-end"
	TypeUploadProgress Type = "upload-progress"
	TypeUploadComplete Type = "upload-complete"
	TypeUploadError    Type = "upload-error"
	TypePing           Type = "ping"
	TypePong           Type = "pong"
	TypeCapabilities   Type = "capabilities"
)

// Handshake message types.
const (
	TypeSRPHello           Type = "srp_hello"
	TypeSRPChallenge       Type = "srp_challenge"
	TypeSRPProof           Type = "srp_proof"
	TypeSRPVerify          Type = "srp_verify"
	TypeSRPResumeInit      Type = "srp_resume_init"
	TypeSRPResumeChallenge Type = "srp_resume_challenge"
	TypeSRPResume          Type = "srp_resume"
	TypeSRPResumed         Type = "srp_resumed"
	TypeSRPInvalid         Type = "srp_invalid"
	TypeSRPError           Type = "srp_error"
)

// TypeEncrypted marks the legacy JSON encrypted envelope. It is not a
// protocol message of its own; the wire package handles it.
const TypeEncrypted Type = "encrypted"

var (
	ErrInvalidJSON = errors.New("protocol: invalid json")
	ErrMissingType = errors.New("protocol: missing type")
	ErrUnknownType = errors.New("protocol: unknown type")
)

// Subscription channel names.
const (
	ChannelSession      = "session"
	ChannelActivity     = "activity"
	ChannelSessionWatch = "session-watch"
)

// Request tunnels an HTTP-style request from the client to the host
// application. Binary bodies use the BinaryBody marker shape.
type Request struct {
	Type    Type              `json:"type"`
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// Response completes a tunneled request. Headers carry the x-* subset plus
// content-type and etag.
type Response struct {
	Type    Type              `json:"type"`
	ID      string            `json:"id"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// BinaryBody is the base64 marker shape for binary request/response bodies.
type BinaryBody struct {
	Binary      bool   `json:"_binary"`
	Data        string `json:"data"`
	ContentType string `json:"contentType,omitempty"`
}

// Subscribe opens a named event stream. The subscription ID is client-chosen
// and must be unused on the connection.
type Subscribe struct {
	Type        Type   `json:"type"`
	ID          string `json:"id"`
	Channel     string `json:"channel"`
	SessionID   string `json:"sessionId,omitempty"`
	ProjectID   string `json:"projectId,omitempty"`
	Provider    string `json:"provider,omitempty"`
	LastEventID uint64 `json:"lastEventId,omitempty"`
}

// Unsubscribe closes a subscription by ID.
type Unsubscribe struct {
	Type Type   `json:"type"`
	ID   string `json:"id"`
}

// Event carries one producer event on a subscription. EventID is monotonic
// per subscription.
type Event struct {
	Type           Type            `json:"type"`
	SubscriptionID string          `json:"subscriptionId"`
	EventID        uint64          `json:"eventId"`
	Event          json.RawMessage `json:"event"`
}

// UploadStart opens a resumable upload. The server allocates staging and
// answers with an UploadProgress at offset zero.
type UploadStart struct {
	Type      Type   `json:"type"`
	UploadID  string `json:"uploadId"`
	ProjectID string `json:"projectId"`
	SessionID string `json:"sessionId,omitempty"`
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mimeType,omitempty"`
}

// UploadChunk carries one base64 chunk. Offset must equal the bytes the
// server has already received. Binary-capable peers send wire upload frames
// instead.
type UploadChunk struct {
	Type     Type   `json:"type"`
	UploadID string `json:"uploadId"`
	Offset   int64  `json:"offset"`
	Data     string `json:"data"`
}

// UploadEnd asks the server to drain pending writes and finalize.
type UploadEnd struct {
	Type     Type   `json:"type"`
	UploadID string `json:"uploadId"`
}

// UploadProgress reports received bytes, at most once per 64 KiB.
type UploadProgress struct {
	Type          Type   `json:"type"`
	UploadID      string `json:"uploadId"`
	BytesReceived int64  `json:"bytesReceived"`
}

// UploadComplete finalizes an upload with the staged file descriptor.
type UploadComplete struct {
	Type     Type            `json:"type"`
	UploadID string          `json:"uploadId"`
	File     json.RawMessage `json:"file,omitempty"`
}

// UploadError aborts an upload with a reason.
type UploadError struct {
	Type     Type   `json:"type"`
	UploadID string `json:"uploadId"`
	Error    string `json:"error"`
}

// Ping is answered in place with a Pong carrying the same ID.
type Ping struct {
	Type Type   `json:"type"`
	ID   string `json:"id"`
}

// Pong answers a Ping.
type Pong struct {
	Type Type   `json:"type"`
	ID   string `json:"id"`
}

// Capabilities declares the format tags the sender accepts (numeric, so they
// survive JSON). Sending it also signals that the peer understands binary
// encrypted envelopes.
type Capabilities struct {
	Type    Type  `json:"type"`
	Formats []int `json:"formats"`
}

// SRPHello opens a password handshake for an identity.
type SRPHello struct {
	Type     Type   `json:"type"`
	Identity string `json:"identity"`
}

// SRPChallenge carries the server salt and public value B (base64).
type SRPChallenge struct {
	Type Type   `json:"type"`
	Salt string `json:"salt"`
	B    string `json:"b"`
}

// SRPProof carries the client public value A and proof M1 (base64).
type SRPProof struct {
	Type Type   `json:"type"`
	A    string `json:"a"`
	M1   string `json:"m1"`
}

// SRPVerify carries the server proof M2 and the new session ID.
type SRPVerify struct {
	Type      Type   `json:"type"`
	M2        string `json:"m2"`
	SessionID string `json:"sessionId"`
}

// SRPResumeInit asks for a resume challenge for a stored session.
type SRPResumeInit struct {
	Type      Type   `json:"type"`
	SessionID string `json:"sessionId"`
	Username  string `json:"username"`
}

// SRPResumeChallenge carries the single-use resume nonce (base64).
type SRPResumeChallenge struct {
	Type  Type   `json:"type"`
	Nonce string `json:"nonce"`
}

// SRPResume presents the resume proof: the challenge nonce and a timestamp
// sealed under the stored session key. Nonce is the secretbox nonce of the
// proof itself; Proof is the ciphertext. Both base64.
type SRPResume struct {
	Type      Type   `json:"type"`
	SessionID string `json:"sessionId"`
	Nonce     string `json:"nonce"`
	Proof     string `json:"proof"`
}

// SRPResumed admits a resumed connection.
type SRPResumed struct {
	Type      Type   `json:"type"`
	SessionID string `json:"sessionId"`
}

// SRPInvalid rejects a resume attempt. The client falls back to a full
// handshake when it holds a password, and aborts otherwise.
type SRPInvalid struct {
	Type   Type   `json:"type"`
	Reason string `json:"reason"`
}

// SRPError rejects a handshake. Code is a stable token such as
// "invalid_proof" or "rate_limited".
type SRPError struct {
	Type    Type   `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type header struct {
	Type Type `json:"type"`
}

// Sniff reads the type discriminator without decoding the full message.
func Sniff(b []byte) (Type, error) {
	var h header
	if err := json.Unmarshal(b, &h); err != nil {
		return "", ErrInvalidJSON
	}
	if h.Type == "" {
		return "", ErrMissingType
	}
	return h.Type, nil
}

// IsHandshake reports whether t belongs to the SRP handshake vocabulary.
func IsHandshake(t Type) bool {
	switch t {
	case TypeSRPHello, TypeSRPChallenge, TypeSRPProof, TypeSRPVerify,
		TypeSRPResumeInit, TypeSRPResumeChallenge, TypeSRPResume,
		TypeSRPResumed, TypeSRPInvalid, TypeSRPError:
		return true
	}
	return false
}

// Decode parses a message into its typed struct. Unknown discriminators
// return ErrUnknownType so the router can log and ignore them.
func Decode(b []byte) (Type, any, error) {
	t, err := Sniff(b)
	if err != nil {
		return "", nil, err
	}
	var v any
	switch t {
	case TypeRequest:
		v = new(Request)
	case TypeResponse:
		v = new(Response)
	case TypeSubscribe:
		v = new(Subscribe)
	case TypeUnsubscribe:
		v = new(Unsubscribe)
	case TypeEvent:
		v = new(Event)
	case TypeUploadStart:
		v = new(UploadStart)
	case TypeUploadChunk:
		v = new(UploadChunk)
	case TypeUploadEnd:
		v = new(UploadEnd)
	case TypeUploadProgress:
		v = new(UploadProgress)
	case TypeUploadComplete:
		v = new(UploadComplete)
	case TypeUploadError:
		v = new(UploadError)
	case TypePing:
		v = new(Ping)
	case TypePong:
		v = new(Pong)
	case TypeCapabilities:
		v = new(Capabilities)
	case TypeSRPHello:
		v = new(SRPHello)
	case TypeSRPChallenge:
		v = new(SRPChallenge)
	case TypeSRPProof:
		v = new(SRPProof)
	case TypeSRPVerify:
		v = new(SRPVerify)
	case TypeSRPResumeInit:
		v = new(SRPResumeInit)
	case TypeSRPResumeChallenge:
		v = new(SRPResumeChallenge)
	case TypeSRPResume:
		v = new(SRPResume)
	case TypeSRPResumed:
		v = new(SRPResumed)
	case TypeSRPInvalid:
		v = new(SRPInvalid)
	case TypeSRPError:
		v = new(SRPError)
	default:
		return t, nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return t, nil, ErrInvalidJSON
	}
	return t, v, nil
}

// Marshal encodes a message. The caller is responsible for setting the Type
// field; MarshalAs asserts it for callers that want the check.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// MarshalAs encodes a message and verifies its discriminator round-trips to
// the expected type. Useful in tests and at trust boundaries.
func MarshalAs(t Type, v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	got, err := Sniff(b)
	if err != nil {
		return nil, err
	}
	if got != t {
		return nil, fmt.Errorf("protocol: encoded type %q, want %q", got, t)
	}
	return b, nil
}
