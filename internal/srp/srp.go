// Package srp implements the SRP-6a password-authenticated key exchange used
// by the relay handshake, plus the derived-key schedule, resume session store,
// and handshake rate limiting.
//
// Group parameters are the 2048-bit group from RFC 5054 appendix A with g=2;
// the hash is SHA-256 throughout.
package srp

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
)

const rfc5054Group2048 = "AC6BDB41324A9A9BF166DE5E1389582FAF72B6651987EE07FC3192943DB56050" +
	"A37329CBB4A099ED8193E0757767A13DD52312AB4B03310DCD7F48A9DA04FD50" +
	"E8083969EDB767B0CF6095179A163AB3661A05FBD5FAAAE82918A9962F0B93B8" +
	"55F97993EC975EEAA80D740ADBF4FF747359D041D5C33EA71D281E446B14773B" +
	"CA97B43A23FB801676BD207A436C6481F1D2B9078717461A5B9D32E688F87748" +
	"544523B524B0D57D5EA77A2775D2ECFA032CFBDBF52FB3786160279004E57AE6" +
	"AF874E7303CE53299CCC041C7BC308D82A5698F3A8D0C38271AE35F8E9DBFBB6" +
	"94B5C803D89F7AE435DE236D525F54759B65E372FCD68EF20FA7111F9E4AFF73"

var (
	groupN *big.Int
	groupG = big.NewInt(2)
	// k = H(N || PAD(g)), fixed for the group.
	multiplierK *big.Int
)

func init() {
	n, ok := new(big.Int).SetString(rfc5054Group2048, 16)
	if !ok {
		panic("srp: bad group prime")
	}
	groupN = n
	multiplierK = hashToInt(pad(groupN), pad(groupG))
}

var (
	// ErrUnknownIdentity is returned when no verifier exists for an
	// identity. Callers translate it into a generic failure.
	ErrUnknownIdentity = errors.New("unknown identity")

	// ErrBadProof is returned when the client's M1 does not verify.
	ErrBadProof = errors.New("client proof mismatch")

	// ErrInvalidPublicKey rejects A or B values that are ≡ 0 mod N.
	ErrInvalidPublicKey = errors.New("invalid ephemeral public key")
)

// padLen is the byte width of the group prime; values are left-padded to it
// before hashing, per RFC 5054.
var padLen = 2048 / 8

func pad(v *big.Int) []byte {
	b := v.Bytes()
	if len(b) >= padLen {
		return b
	}
	out := make([]byte, padLen)
	copy(out[padLen-len(b):], b)
	return out
}

func hashBytes(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func hashToInt(parts ...[]byte) *big.Int {
	return new(big.Int).SetBytes(hashBytes(parts...))
}

// privateX derives the SRP private exponent x = H(salt || H(identity ":" password)).
func privateX(identity, password string, salt []byte) *big.Int {
	inner := hashBytes([]byte(identity + ":" + password))
	return hashToInt(salt, inner)
}

// ComputeVerifier derives a fresh random salt and the verifier v = g^x mod N
// for an identity/password pair. Used at account setup.
func ComputeVerifier(identity, password string) (salt, verifier []byte, err error) {
	salt = make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, err
	}
	x := privateX(identity, password, salt)
	v := new(big.Int).Exp(groupG, x, groupN)
	return salt, v.Bytes(), nil
}

// ServerExchange is the server half of one SRP handshake. It lives from
// client_hello to client_proof.
type ServerExchange struct {
	identity string
	salt     []byte
	verifier *big.Int
	b        *big.Int
	public   *big.Int // B
}

// NewServerExchange generates the server ephemeral B = k*v + g^b for a
// looked-up verifier.
func NewServerExchange(identity string, salt, verifier []byte) (*ServerExchange, error) {
	v := new(big.Int).SetBytes(verifier)

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	b := new(big.Int).SetBytes(raw)

	// B = (k*v + g^b) mod N
	B := new(big.Int).Exp(groupG, b, groupN)
	B.Add(B, new(big.Int).Mul(multiplierK, v))
	B.Mod(B, groupN)

	return &ServerExchange{
		identity: identity,
		salt:     salt,
		verifier: v,
		b:        b,
		public:   B,
	}, nil
}

// Salt returns the stored salt for the server_challenge message.
func (e *ServerExchange) Salt() []byte { return e.salt }

// PublicB returns the server ephemeral for the server_challenge message.
func (e *ServerExchange) PublicB() []byte { return pad(e.public) }

// VerifyProof checks the client's (A, M1) pair. On success it returns the
// server proof M2 and the raw session key K.
func (e *ServerExchange) VerifyProof(clientA, clientM1 []byte) (m2, key []byte, err error) {
	A := new(big.Int).SetBytes(clientA)
	if new(big.Int).Mod(A, groupN).Sign() == 0 {
		return nil, nil, ErrInvalidPublicKey
	}

	// u = H(PAD(A) || PAD(B))
	u := hashToInt(pad(A), pad(e.public))

	// S = (A * v^u)^b mod N
	S := new(big.Int).Exp(e.verifier, u, groupN)
	S.Mul(S, A)
	S.Mod(S, groupN)
	S.Exp(S, e.b, groupN)

	key = hashBytes(pad(S))
	expected := clientProof(e.identity, e.salt, A, e.public, key)
	if subtle.ConstantTimeCompare(expected, clientM1) != 1 {
		return nil, nil, ErrBadProof
	}
	m2 = hashBytes(pad(A), expected, key)
	return m2, key, nil
}

// ClientExchange is the client half of the handshake. The server never uses
// it; it exists for the CLI client and the handshake tests.
type ClientExchange struct {
	identity string
	password string
	a        *big.Int
	public   *big.Int // A
}

// NewClientExchange generates the client ephemeral A = g^a.
func NewClientExchange(identity, password string) (*ClientExchange, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	a := new(big.Int).SetBytes(raw)
	return &ClientExchange{
		identity: identity,
		password: password,
		a:        a,
		public:   new(big.Int).Exp(groupG, a, groupN),
	}, nil
}

// PublicA returns the client ephemeral for the client_proof message.
func (e *ClientExchange) PublicA() []byte { return pad(e.public) }

// ComputeProof processes the server_challenge and returns M1 and the raw
// session key K.
func (e *ClientExchange) ComputeProof(salt, serverB []byte) (m1, key []byte, err error) {
	B := new(big.Int).SetBytes(serverB)
	if new(big.Int).Mod(B, groupN).Sign() == 0 {
		return nil, nil, ErrInvalidPublicKey
	}

	u := hashToInt(pad(e.public), pad(B))
	x := privateX(e.identity, e.password, salt)

	// S = (B - k*g^x)^(a + u*x) mod N
	gx := new(big.Int).Exp(groupG, x, groupN)
	base := new(big.Int).Sub(B, new(big.Int).Mul(multiplierK, gx))
	base.Mod(base, groupN)
	exp := new(big.Int).Add(e.a, new(big.Int).Mul(u, x))
	S := new(big.Int).Exp(base, exp, groupN)

	key = hashBytes(pad(S))
	m1 = clientProof(e.identity, salt, e.public, B, key)
	return m1, key, nil
}

// VerifyServerProof checks the server's M2 against the client's view.
func (e *ClientExchange) VerifyServerProof(serverM2, m1, key []byte) error {
	expected := hashBytes(pad(e.public), m1, key)
	if subtle.ConstantTimeCompare(expected, serverM2) != 1 {
		return fmt.Errorf("server proof mismatch")
	}
	return nil
}

// clientProof computes M1 = H(H(N) xor H(g) || H(I) || salt || PAD(A) || PAD(B) || K).
func clientProof(identity string, salt []byte, A, B *big.Int, key []byte) []byte {
	hN := hashBytes(pad(groupN))
	hg := hashBytes(groupG.Bytes())
	xor := make([]byte, len(hN))
	for i := range hN {
		xor[i] = hN[i] ^ hg[i]
	}
	return hashBytes(xor, hashBytes([]byte(identity)), salt, pad(A), pad(B), key)
}
