package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"

	"securechat/internal/apperror"
)

// NonceSize is the AES-GCM nonce length used on the wire.
const NonceSize = 12

var ErrDecrypt = errors.New("message authentication failed")

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != RoomKeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidSize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext under key with a fresh random nonce.
func Encrypt(key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce, err = RandomBytes(NonceSize)
	if err != nil {
		return nil, nil, err
	}
	return aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Decrypt opens ciphertext. Any tampering or wrong key yields ErrDecrypt.
func Decrypt(key, ciphertext, nonce []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: nonce must be %d bytes", ErrDecrypt, NonceSize)
	}
	pt, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}

// WrapKey encrypts the raw room key under a shared key.
func WrapKey(sharedKey, roomKey []byte) (wrapped, nonce []byte, err error) {
	if len(roomKey) != RoomKeySize {
		return nil, nil, fmt.Errorf("%w: room key is %d bytes", ErrInvalidSize, len(roomKey))
	}
	return Encrypt(sharedKey, roomKey)
}

// UnwrapKey recovers a room key. Failures are reported as KeyExchangeFailed.
func UnwrapKey(sharedKey, wrapped, nonce []byte) ([]byte, error) {
	roomKey, err := Decrypt(sharedKey, wrapped, nonce)
	if err != nil {
		return nil, apperror.KeyExchangeFailed("unable to unwrap room key", err)
	}
	if len(roomKey) != RoomKeySize {
		return nil, apperror.KeyExchangeFailed("unwrapped room key has wrong size", ErrInvalidSize)
	}
	return roomKey, nil
}
