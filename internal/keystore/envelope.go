package keystore

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

const formatVersion = 1

var (
	// ErrWrongPassphrase covers both a bad passphrase and a tampered file.
	ErrWrongPassphrase = errors.New("wrong passphrase or corrupted keystore entry")
	// ErrCostTooHigh rejects an entry whose scrypt settings exceed MaxParams.
	ErrCostTooHigh = errors.New("keystore entry asks for too much scrypt work")
)

// Params are the scrypt cost parameters.
type Params struct {
	N, R, P int
}

// DefaultParams are sized for an interactive unlock.
var DefaultParams = Params{N: 1 << 15, R: 8, P: 1}

// MaxParams bounds what a file on disk may ask Load to spend.
var MaxParams = Params{N: 1 << 18, R: 16, P: 4}

func (p Params) within(limit Params) bool {
	return p.N > 1 && p.N <= limit.N && p.R > 0 && p.R <= limit.R && p.P > 0 && p.P <= limit.P
}

// blob is the on-disk form of one sealed entry.
type blob struct {
	V      int    `json:"v"`
	Salt   []byte `json:"salt"`
	N      int    `json:"scrypt_N"`
	R      int    `json:"scrypt_r"`
	P      int    `json:"scrypt_p"`
	Cipher []byte `json:"cipher"`
}

// seal derives a fresh key per salt, so a zero nonce is never reused.
func seal(passphrase string, raw, aad []byte, p Params) ([]byte, error) {
	var salt [16]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, err
	}
	aead, err := deriveAEAD(passphrase, salt[:], p)
	if err != nil {
		return nil, err
	}
	var nonce [chacha20poly1305.NonceSize]byte
	ct := aead.Seal(nil, nonce[:], raw, bind(salt[:], aad))

	return json.Marshal(blob{V: formatVersion, Salt: salt[:], N: p.N, R: p.R, P: p.P, Cipher: ct})
}

func open(passphrase string, b, aad []byte) ([]byte, error) {
	var bl blob
	if err := json.Unmarshal(b, &bl); err != nil {
		return nil, fmt.Errorf("decode keystore entry: %w", err)
	}
	if bl.V > formatVersion {
		return nil, fmt.Errorf("unsupported keystore version %d", bl.V)
	}
	// settings come from the file, check them before doing the work
	p := Params{N: bl.N, R: bl.R, P: bl.P}
	if !p.within(MaxParams) {
		return nil, fmt.Errorf("%w: N=%d r=%d p=%d", ErrCostTooHigh, bl.N, bl.R, bl.P)
	}

	aead, err := deriveAEAD(passphrase, bl.Salt, p)
	if err != nil {
		return nil, err
	}
	var nonce [chacha20poly1305.NonceSize]byte
	pt, err := aead.Open(nil, nonce[:], bl.Cipher, bind(bl.Salt, aad))
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return pt, nil
}

func deriveAEAD(passphrase string, salt []byte, p Params) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(passphrase), salt, p.N, p.R, p.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive keystore key: %w", err)
	}
	return chacha20poly1305.New(key)
}

// bind is the associated data: the salt plus the entry's room id, so a file
// renamed onto another room fails to open.
func bind(salt, aad []byte) []byte {
	out := make([]byte, 0, len(salt)+len(aad))
	return append(append(out, salt...), aad...)
}
