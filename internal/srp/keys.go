package srp

import (
	"crypto/cipher"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// trafficKeyInfo is the HKDF info string for the base traffic key.
const trafficKeyInfo = "warden/relay/traffic/v1"

// KeySize is the symmetric traffic key length.
const KeySize = chacha20poly1305.KeySize

// TrafficKey derives the 32-byte symmetric traffic key from the raw SRP
// session key K.
func TrafficKey(sessionKey []byte) ([]byte, error) {
	return deriveKey(sessionKey, nil)
}

// TransportKey mixes the server-verify nonce into the traffic key to get the
// per-connection transport key. The un-mixed traffic key is retained by the
// connection as its baseSessionKey for the legacy fallback.
func TransportKey(trafficKey, verifyNonce []byte) ([]byte, error) {
	return deriveKey(trafficKey, verifyNonce)
}

func deriveKey(secret, salt []byte) ([]byte, error) {
	kdf := hkdf.New(sha256.New, secret, salt, []byte(trafficKeyInfo))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return key, nil
}

// NewAEAD builds the XChaCha20-Poly1305 cipher for a traffic key.
func NewAEAD(key []byte) (cipher.AEAD, error) {
	return chacha20poly1305.NewX(key)
}
