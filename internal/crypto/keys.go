package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	// RoomKeySize is the AES-256 key length.
	RoomKeySize = 32
	coordSize   = 32
)

var (
	ErrInvalidJWK  = errors.New("invalid P-256 public key")
	ErrInvalidSize = errors.New("invalid key size")
)

// JWK is the exported public half of an identity key.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// IsZero reports whether no key was supplied.
func (k JWK) IsZero() bool {
	return k == JWK{}
}

// GenerateIdentity creates a fresh ECDH P-256 keypair.
func GenerateIdentity() (*ecdh.PrivateKey, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	return priv, nil
}

// ExportPublicJWK encodes pub as {"kty":"EC","crv":"P-256","x","y"}.
func ExportPublicJWK(pub *ecdh.PublicKey) JWK {
	raw := pub.Bytes() // 0x04 || X || Y
	return JWK{
		Kty: "EC",
		Crv: "P-256",
		X:   base64.RawURLEncoding.EncodeToString(raw[1 : 1+coordSize]),
		Y:   base64.RawURLEncoding.EncodeToString(raw[1+coordSize:]),
	}
}

// ImportPublicJWK decodes and validates a P-256 public key. Points not on
// the curve are rejected.
func ImportPublicJWK(k JWK) (*ecdh.PublicKey, error) {
	if k.Kty != "EC" || k.Crv != "P-256" {
		return nil, fmt.Errorf("%w: kty=%q crv=%q", ErrInvalidJWK, k.Kty, k.Crv)
	}
	x, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil || len(x) != coordSize {
		return nil, fmt.Errorf("%w: bad x coordinate", ErrInvalidJWK)
	}
	y, err := base64.RawURLEncoding.DecodeString(k.Y)
	if err != nil || len(y) != coordSize {
		return nil, fmt.Errorf("%w: bad y coordinate", ErrInvalidJWK)
	}

	raw := make([]byte, 0, 1+2*coordSize)
	raw = append(raw, 0x04)
	raw = append(raw, x...)
	raw = append(raw, y...)

	pub, err := ecdh.P256().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJWK, err)
	}
	return pub, nil
}

// DeriveSharedKey returns the raw ECDH x-coordinate, used directly as an
// AES-256 key.
func DeriveSharedKey(priv *ecdh.PrivateKey, peer *ecdh.PublicKey) ([]byte, error) {
	secret, err := priv.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}
	return secret, nil
}

// DeriveSharedKeyJWK imports peer and derives the shared key.
func DeriveSharedKeyJWK(priv *ecdh.PrivateKey, peer JWK) ([]byte, error) {
	pub, err := ImportPublicJWK(peer)
	if err != nil {
		return nil, err
	}
	return DeriveSharedKey(priv, pub)
}

// GenerateRoomKey returns 32 random bytes.
func GenerateRoomKey() ([]byte, error) {
	return RandomBytes(RoomKeySize)
}

// RandomBytes reads n bytes from crypto/rand.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("random: %w", err)
	}
	return b, nil
}

// ImportPrivate restores a private key from its scalar bytes.
func ImportPrivate(raw []byte) (*ecdh.PrivateKey, error) {
	priv, err := ecdh.P256().NewPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSize, err)
	}
	return priv, nil
}
