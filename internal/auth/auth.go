// Package auth implements the per-client HMAC-SHA1 nonce handshake
// spec.md §4.M describes: a request addressed to UID 1 asks the daemon for
// a nonce, then proves knowledge of the shared secret by hashing both
// nonces together. No third-party HMAC/crypto library appears anywhere in
// the retrieved example pack, and crypto/hmac plus crypto/sha1 are the
// exact primitives the protocol calls for, so this package uses the
// standard library directly rather than reaching past it for a generic
// crypto toolkit; see DESIGN.md.
package auth

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
)

// State is one client connection's position in the handshake.
type State uint8

const (
	// Disabled means no secret is configured; every non-UID-1 request
	// forwards unconditionally.
	Disabled State = iota
	// Enabled means a secret is configured and the client has not yet
	// completed the handshake.
	Enabled
	// NonceSent means the daemon handed out a server nonce and is waiting
	// for AUTHENTICATE.
	NonceSent
	// Done means the handshake succeeded; non-UID-1 requests forward.
	Done
)

// CanForward reports whether requests addressed to devices (not UID 1)
// should be forwarded to hardware in this state (spec.md §4.M forwarding
// policy).
func (s State) CanForward() bool { return s == Disabled || s == Done }

// Handshake tracks one client's authentication progress and the secret it
// is validated against. The zero value, with an empty Secret, behaves as
// Disabled.
type Handshake struct {
	Secret      []byte
	state       State
	serverNonce uint32
}

// NewHandshake builds a Handshake starting in Disabled (no secret) or
// Enabled (secret configured), per spec.md §4.M's Start transition.
func NewHandshake(secret []byte) *Handshake {
	h := &Handshake{Secret: secret}
	if len(secret) > 0 {
		h.state = Enabled
	} else {
		h.state = Disabled
	}
	return h
}

// State returns the current handshake state.
func (h *Handshake) State() State { return h.state }

// NonceResult is returned by GetAuthenticationNonce.
type NonceResult struct {
	ServerNonce uint32
	Disconnect  bool
}

// GetAuthenticationNonce implements the GET_AUTH_NONCE transition. serverNonce
// is supplied by the caller (the daemon's nonce counter/RNG) rather than
// generated here, keeping this package deterministic and easy to test.
func (h *Handshake) GetAuthenticationNonce(serverNonce uint32) NonceResult {
	switch h.state {
	case Done:
		// Transparently fall back to Enabled, then behave identically
		// (spec.md §4.M: "allow re-auth").
		h.state = Enabled
		fallthrough
	case Enabled:
		h.serverNonce = serverNonce
		h.state = NonceSent
		return NonceResult{ServerNonce: serverNonce}
	default:
		return NonceResult{Disconnect: true}
	}
}

// AuthenticateResult is returned by Authenticate.
type AuthenticateResult struct {
	Success    bool
	Disconnect bool
}

// Authenticate implements the AUTHENTICATE transition: clientNonce and
// digest arrive from the request payload; digest must equal
// HMAC-SHA1(secret, server_nonce_le || client_nonce_le).
func (h *Handshake) Authenticate(clientNonce uint32, digest []byte) AuthenticateResult {
	if h.state != NonceSent {
		return AuthenticateResult{Disconnect: true}
	}

	expected := h.computeDigest(clientNonce)
	if hmac.Equal(expected, digest) {
		h.state = Done
		return AuthenticateResult{Success: true}
	}
	h.state = Enabled
	return AuthenticateResult{Disconnect: true}
}

func (h *Handshake) computeDigest(clientNonce uint32) []byte {
	var msg [8]byte
	binary.LittleEndian.PutUint32(msg[0:4], h.serverNonce)
	binary.LittleEndian.PutUint32(msg[4:8], clientNonce)

	mac := hmac.New(sha1.New, h.Secret)
	mac.Write(msg[:])
	return mac.Sum(nil)
}
