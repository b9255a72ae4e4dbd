// Package srp implements the SRP-6a password-authenticated key exchange used
// by the session transport: RFC 5054 2048-bit group, SHA-256 hashing, and a
// labeled HKDF step that turns the shared secret into a 32-byte secretbox key.
//
// Both peers run the same math; Client and Server only differ in which half of
// the exchange they hold. The server stores (salt, verifier) and never sees
// the password.
package srp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
)

var (
	ErrInvalidPublicKey = errors.New("srp: peer public value is zero mod N")
	ErrInvalidScrambler = errors.New("srp: scrambling parameter is zero")
	ErrProofMismatch    = errors.New("srp: proof mismatch")
	ErrNotReady         = errors.New("srp: exchange not complete")
)

// privateKeyBytes is the size of the random ephemeral exponents a and b.
const privateKeyBytes = 32

// hashParts hashes the concatenation of its arguments with SHA-256.
func hashParts(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// multiplierK computes k = H(N | PAD(g)).
func multiplierK(p *Params) *big.Int {
	return new(big.Int).SetBytes(hashParts(p.pad(p.N), p.pad(p.G)))
}

// privateX computes x = H(salt | H(identity ":" password)).
func privateX(identity, password string, salt []byte) *big.Int {
	inner := hashParts([]byte(identity + ":" + password))
	return new(big.Int).SetBytes(hashParts(salt, inner))
}

// scramblerU computes u = H(PAD(A) | PAD(B)).
func scramblerU(p *Params, A, B *big.Int) *big.Int {
	return new(big.Int).SetBytes(hashParts(p.pad(A), p.pad(B)))
}

// NewSalt draws a random 16-byte salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("srp: salt: %w", err)
	}
	return salt, nil
}

// ComputeVerifier derives the password verifier v = g^x the server stores
// alongside the salt.
func ComputeVerifier(p *Params, identity, password string, salt []byte) []byte {
	x := privateX(identity, password, salt)
	v := new(big.Int).Exp(p.G, x, p.N)
	return p.pad(v)
}

func randomExponent() (*big.Int, error) {
	b := make([]byte, privateKeyBytes)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("srp: ephemeral key: %w", err)
	}
	return new(big.Int).SetBytes(b), nil
}

// Client is the password-holding side of an SRP exchange.
type Client struct {
	params   *Params
	identity string
	password string

	a *big.Int // Ephemeral private value.
	A *big.Int // Ephemeral public value g^a.

	secret []byte // PAD(S) once the exchange reaches the proof step.
	m1     []byte // Client proof, kept for verifying M2.
}

// NewClient starts a client exchange and generates the ephemeral key pair.
func NewClient(p *Params, identity, password string) (*Client, error) {
	a, err := randomExponent()
	if err != nil {
		return nil, err
	}
	return &Client{
		params:   p,
		identity: identity,
		password: password,
		a:        a,
		A:        new(big.Int).Exp(p.G, a, p.N),
	}, nil
}

// PublicKey returns the client public value A, padded to the group width.
func (c *Client) PublicKey() []byte {
	return c.params.pad(c.A)
}

// ProveIdentity consumes the server challenge (salt, B) and produces the
// client proof M1. It computes the shared secret as a side effect.
func (c *Client) ProveIdentity(salt, serverB []byte) (m1 []byte, err error) {
	p := c.params
	B := new(big.Int).SetBytes(serverB)
	if new(big.Int).Mod(B, p.N).Sign() == 0 {
		return nil, ErrInvalidPublicKey
	}
	u := scramblerU(p, c.A, B)
	if u.Sign() == 0 {
		return nil, ErrInvalidScrambler
	}
	x := privateX(c.identity, c.password, salt)
	k := multiplierK(p)

	// S = (B - k*g^x) ^ (a + u*x) mod N
	gx := new(big.Int).Exp(p.G, x, p.N)
	base := new(big.Int).Sub(B, new(big.Int).Mul(k, gx))
	base.Mod(base, p.N)
	exp := new(big.Int).Add(c.a, new(big.Int).Mul(u, x))
	S := new(big.Int).Exp(base, exp, p.N)

	c.secret = p.pad(S)
	c.m1 = hashParts(p.pad(c.A), p.pad(B), c.secret)
	return c.m1, nil
}

// VerifyServer checks the server proof M2 against the shared secret.
func (c *Client) VerifyServer(m2 []byte) error {
	if c.secret == nil {
		return ErrNotReady
	}
	want := hashParts(c.params.pad(c.A), c.m1, c.secret)
	if !hmac.Equal(want, m2) {
		return ErrProofMismatch
	}
	return nil
}

// SessionKey derives the 32-byte transport key from the shared secret.
func (c *Client) SessionKey() ([]byte, error) {
	if c.secret == nil {
		return nil, ErrNotReady
	}
	return deriveSessionKey(c.secret)
}

// Server is the verifier-holding side of an SRP exchange.
type Server struct {
	params   *Params
	salt     []byte
	verifier *big.Int

	b *big.Int // Ephemeral private value.
	B *big.Int // Ephemeral public value k*v + g^b.

	secret []byte // PAD(S) once the client proof has been verified.
}

// NewServer starts a server exchange from stored credentials and generates
// the challenge value B.
func NewServer(p *Params, salt, verifier []byte) (*Server, error) {
	b, err := randomExponent()
	if err != nil {
		return nil, err
	}
	v := new(big.Int).SetBytes(verifier)
	k := multiplierK(p)
	B := new(big.Int).Add(new(big.Int).Mul(k, v), new(big.Int).Exp(p.G, b, p.N))
	B.Mod(B, p.N)
	return &Server{
		params:   p,
		salt:     salt,
		verifier: v,
		b:        b,
		B:        B,
	}, nil
}

// Challenge returns the (salt, B) pair the server sends to the client.
func (s *Server) Challenge() (salt, B []byte) {
	return s.salt, s.params.pad(s.B)
}

// VerifyClient checks the client proof M1 against (A, stored verifier) and,
// on success, returns the server proof M2.
func (s *Server) VerifyClient(clientA, m1 []byte) (m2 []byte, err error) {
	p := s.params
	A := new(big.Int).SetBytes(clientA)
	if new(big.Int).Mod(A, p.N).Sign() == 0 {
		return nil, ErrInvalidPublicKey
	}
	u := scramblerU(p, A, s.B)
	if u.Sign() == 0 {
		return nil, ErrInvalidScrambler
	}

	// S = (A * v^u) ^ b mod N
	vu := new(big.Int).Exp(s.verifier, u, p.N)
	base := new(big.Int).Mul(A, vu)
	base.Mod(base, p.N)
	S := new(big.Int).Exp(base, s.b, p.N)

	secret := p.pad(S)
	want := hashParts(p.pad(A), p.pad(s.B), secret)
	if !hmac.Equal(want, m1) {
		return nil, ErrProofMismatch
	}
	s.secret = secret
	return hashParts(p.pad(A), m1, secret), nil
}

// SessionKey derives the 32-byte transport key from the shared secret.
// It fails until VerifyClient has accepted a proof.
func (s *Server) SessionKey() ([]byte, error) {
	if s.secret == nil {
		return nil, ErrNotReady
	}
	return deriveSessionKey(s.secret)
}
