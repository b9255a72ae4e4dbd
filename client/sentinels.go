package client

import (
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("client: closed")
	// ErrNotConnected is returned when no transport is live.
	ErrNotConnected = errors.New("client: not connected")
	// ErrNoCredentials is returned when the server demands SRP but neither
	// a password nor a stored session was configured.
	ErrNoCredentials = errors.New("client: no credentials configured")
)

func newID() string { return uuid.NewString() }
