// Package auth answers the device's AUTH challenges. Authenticators are
// tried in order; each one may answer several tokens before giving up.
package auth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"iter"

	"github.com/1ureka/adblink/internal/protocol"
)

// Type is the arg0 of an AUTH packet.
type Type uint32

const (
	TypeToken        Type = 1
	TypeSignature    Type = 2
	TypeRSAPublicKey Type = 3
)

var (
	// ErrExhausted is returned by Session.Next when it has nothing left to
	// offer for this connection.
	ErrExhausted = errors.New("authenticator exhausted")

	// ErrAuthExhausted means every authenticator was exhausted and the
	// device still wants more.
	ErrAuthExhausted = errors.New("authentication failed: no credentials left to try")

	// ErrUnsupportedAuthType is returned for AUTH packets other than TOKEN.
	ErrUnsupportedAuthType = errors.New("unsupported auth type")
)

// CredentialError wraps a failure to load, create or use a key.
type CredentialError struct {
	Op  string
	Err error
}

func (e *CredentialError) Error() string { return "credential " + e.Op + ": " + e.Err.Error() }
func (e *CredentialError) Unwrap() error { return e.Err }

// Session answers tokens for one connection.
type Session interface {
	// Next returns the reply to token, or ErrExhausted.
	Next(token []byte) (*protocol.Packet, error)
	Close()
}

// Authenticator starts a Session per connection.
type Authenticator interface {
	Name() string
	Begin(store CredentialStore) Session
}

// DefaultAuthenticators signs with every stored key, then offers a new
// public key.
func DefaultAuthenticators() []Authenticator {
	return []Authenticator{SignatureAuthenticator{}, PublicKeyAuthenticator{}}
}

// SignatureAuthenticator signs each token with the next stored key.
type SignatureAuthenticator struct{}

func (SignatureAuthenticator) Name() string { return "signature" }

func (SignatureAuthenticator) Begin(store CredentialStore) Session {
	return &signatureSession{store: store}
}

type signatureSession struct {
	store CredentialStore
	next  func() (*rsa.PrivateKey, error, bool)
	stop  func()
}

func (s *signatureSession) Next(token []byte) (*protocol.Packet, error) {
	if s.next == nil {
		s.next, s.stop = iter.Pull2(s.store.Keys())
	}
	key, err, ok := s.next()
	if !ok {
		return nil, ErrExhausted
	}
	if err != nil {
		return nil, &CredentialError{Op: "load", Err: err}
	}

	// The token is signed as if it were already a SHA-1 digest.
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA1, token)
	if err != nil {
		return nil, &CredentialError{Op: "sign", Err: err}
	}
	return &protocol.Packet{Command: protocol.CmdAuth, Arg0: uint32(TypeSignature), Payload: sig}, nil
}

func (s *signatureSession) Close() {
	if s.stop != nil {
		s.stop()
	}
}

// PublicKeyAuthenticator generates one new key and sends its public half,
// which makes the device prompt the user. It answers at most one token.
type PublicKeyAuthenticator struct{}

func (PublicKeyAuthenticator) Name() string { return "public key" }

func (PublicKeyAuthenticator) Begin(store CredentialStore) Session {
	return &publicKeySession{store: store}
}

type publicKeySession struct {
	store CredentialStore
	used  bool
}

func (s *publicKeySession) Next([]byte) (*protocol.Packet, error) {
	if s.used {
		return nil, ErrExhausted
	}
	s.used = true

	key, err := s.store.GenerateKey()
	if err != nil {
		return nil, &CredentialError{Op: "generate", Err: err}
	}
	pub, err := PublicKeyString(&key.PublicKey)
	if err != nil {
		return nil, &CredentialError{Op: "encode", Err: err}
	}
	return &protocol.Packet{
		Command: protocol.CmdAuth,
		Arg0:    uint32(TypeRSAPublicKey),
		Payload: append([]byte(pub), 0),
	}, nil
}

func (s *publicKeySession) Close() {}

// Handler drives the authenticator chain for one connection.
type Handler struct {
	store CredentialStore
	auths []Authenticator
	idx   int
	cur   Session
}

// NewHandler returns a handler trying auths in order. A nil or empty auths
// uses DefaultAuthenticators.
func NewHandler(store CredentialStore, auths []Authenticator) *Handler {
	if len(auths) == 0 {
		auths = DefaultAuthenticators()
	}
	return &Handler{store: store, auths: auths}
}

// Handle returns the reply to an AUTH packet from the device.
func (h *Handler) Handle(pkt *protocol.Packet) (*protocol.Packet, error) {
	if pkt.Command != protocol.CmdAuth || Type(pkt.Arg0) != TypeToken {
		return nil, fmt.Errorf("%w: %s type %d", ErrUnsupportedAuthType, pkt.Command, pkt.Arg0)
	}

	for h.idx < len(h.auths) {
		if h.cur == nil {
			h.cur = h.auths[h.idx].Begin(h.store)
		}
		reply, err := h.cur.Next(pkt.Payload)
		if errors.Is(err, ErrExhausted) {
			h.cur.Close()
			h.cur = nil
			h.idx++
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", h.auths[h.idx].Name(), err)
		}
		return reply, nil
	}
	return nil, ErrAuthExhausted
}

// Close releases the active session. It is safe to call more than once.
func (h *Handler) Close() {
	if h.cur != nil {
		h.cur.Close()
		h.cur = nil
	}
}
