package room

import (
	"crypto/rand"
	"fmt"
)

// 32 symbols without 0/O or 1/I so a byte masked to 5 bits stays uniform.
const (
	passkeyAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	passkeyLength   = 8
)

func generatePasskey() (string, error) {
	buf := make([]byte, passkeyLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate passkey: %w", err)
	}
	for i, b := range buf {
		buf[i] = passkeyAlphabet[b&31]
	}
	return string(buf), nil
}
