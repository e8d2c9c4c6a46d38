// Package relay implements the websocket endpoint that tunnels HTTP requests
// and SSE streams over a single authenticated channel. Remote connections
// establish an SRP-derived traffic key first; local trusted connections may
// tunnel in plaintext.
package relay

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Close codes used by the relay endpoint.
const (
	CloseAuthRequired = 4001 // plaintext or encrypted frame out of policy
	CloseReplay       = 4004 // replayed sequence or failed decryption
	ClosePlaintext    = 4005 // plaintext after SRP, or handshake re-entry
	CloseRateLimited  = 4008 // rate limit or handshake timeout
)

// envelopeVersion prefixes every binary encrypted frame.
const envelopeVersion = 0x01

// minEnvelopeLen is version + nonce + AEAD overhead.
const minEnvelopeLen = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// SRP control frame types. Control frames are always plaintext text frames.
const (
	msgSRPHello           = "srp_hello"
	msgSRPChallenge       = "srp_challenge"
	msgSRPProof           = "srp_proof"
	msgSRPVerify          = "srp_verify"
	msgSRPResumeInit      = "srp_resume_init"
	msgSRPResumeChallenge = "srp_resume_challenge"
	msgSRPResume          = "srp_resume"
	msgSRPResumed         = "srp_resumed"
	msgSRPInvalid         = "srp_invalid"
	msgSRPError           = "srp_error"
)

// Application frame types carried inside the tunnel.
const (
	msgRequest       = "request"
	msgResponse      = "response"
	msgStreamRequest = "stream_request"
	msgStreamEvent   = "stream_event"
	msgStreamEnd     = "stream_end"
	msgPing          = "ping"
	msgPong          = "pong"
	msgEncrypted     = "encrypted" // legacy JSON envelope
)

// controlMessage is the union of all SRP handshake frames. Byte fields are
// base64.
type controlMessage struct {
	Type             string `json:"type"`
	Identity         string `json:"identity,omitempty"`
	BrowserProfileID string `json:"browserProfileId,omitempty"`
	Salt             string `json:"salt,omitempty"`
	A                string `json:"A,omitempty"`
	B                string `json:"B,omitempty"`
	M1               string `json:"M1,omitempty"`
	M2               string `json:"M2,omitempty"`
	Nonce            string `json:"nonce,omitempty"`
	SessionID        string `json:"sessionId,omitempty"`
	Proof            string `json:"proof,omitempty"`
	Error            string `json:"error,omitempty"`
}

// appMessage is the union of tunneled application frames, including the
// legacy JSON encrypted envelope.
type appMessage struct {
	Type string  `json:"type"`
	Seq  *uint64 `json:"seq,omitempty"`
	ID   string  `json:"id,omitempty"`

	// request / response
	Method  string            `json:"method,omitempty"`
	Path    string            `json:"path,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	Status  int               `json:"status,omitempty"`

	// stream_event
	Event string `json:"event,omitempty"`
	Data  string `json:"data,omitempty"`

	// legacy encrypted envelope (base64)
	Nonce      string `json:"nonce,omitempty"`
	Ciphertext string `json:"ciphertext,omitempty"`
}

var errEnvelope = errors.New("malformed envelope")

// sealBinary encrypts an application frame into the binary envelope
// version || nonce || ciphertext.
func sealBinary(aead cipher.AEAD, msg *appMessage) ([]byte, error) {
	plaintext, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+chacha20poly1305.Overhead)
	out = append(out, envelopeVersion)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

// openBinary decrypts a binary envelope.
func openBinary(aead cipher.AEAD, frame []byte) (*appMessage, error) {
	if len(frame) < minEnvelopeLen || frame[0] != envelopeVersion {
		return nil, errEnvelope
	}
	nonce := frame[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, frame[1+chacha20poly1305.NonceSizeX:], nil)
	if err != nil {
		return nil, err
	}
	var msg appMessage
	if err := json.Unmarshal(plaintext, &msg); err != nil {
		return nil, fmt.Errorf("decrypted frame: %w", err)
	}
	return &msg, nil
}

// openLegacy decrypts the legacy JSON envelope {type:"encrypted", nonce,
// ciphertext}.
func openLegacy(aead cipher.AEAD, env *appMessage) (*appMessage, error) {
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil || len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, errEnvelope
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, errEnvelope
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, err
	}
	var msg appMessage
	if err := json.Unmarshal(plaintext, &msg); err != nil {
		return nil, fmt.Errorf("decrypted frame: %w", err)
	}
	return &msg, nil
}

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func unb64(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }
