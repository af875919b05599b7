package security

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"securechat/internal/apperror"
	"securechat/internal/config"
	"securechat/internal/crypto"
)

var (
	nicknamePattern = regexp.MustCompile(`^[\p{L}\p{N}_\-. ]+$`)
	roomIDPattern   = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
)

// InputValidator checks everything a client sends before it reaches the registry
type InputValidator struct {
	config *config.ServerConfig
}

// NewInputValidator creates a new input validator
func NewInputValidator(config *config.ServerConfig) *InputValidator {
	return &InputValidator{
		config: config,
	}
}

// ValidateNickname trims and checks a display name
func (v *InputValidator) ValidateNickname(nickname string) (string, error) {
	nickname = strings.TrimSpace(nickname)

	if nickname == "" {
		return "", apperror.InvalidInput("nickname cannot be empty")
	}
	if utf8.RuneCountInString(nickname) > v.config.MaxNicknameLength {
		return "", apperror.InvalidInput(fmt.Sprintf("nickname too long (max %d characters)", v.config.MaxNicknameLength))
	}
	if !nicknamePattern.MatchString(nickname) {
		return "", apperror.InvalidInput("nickname contains invalid characters (only letters, numbers, space, _, -, . allowed)")
	}

	return nickname, nil
}

// ValidateRoomName trims, checks and HTML-escapes a room name
func (v *InputValidator) ValidateRoomName(roomName string) (string, error) {
	roomName = strings.TrimSpace(roomName)

	if roomName == "" {
		return "", apperror.InvalidInput("room name cannot be empty")
	}
	if utf8.RuneCountInString(roomName) > v.config.MaxRoomNameLength {
		return "", apperror.InvalidInput(fmt.Sprintf("room name too long (max %d characters)", v.config.MaxRoomNameLength))
	}
	for _, r := range roomName {
		if unicode.IsControl(r) {
			return "", apperror.InvalidInput("room name contains control characters")
		}
	}

	// ชื่อห้องถูกแสดงใน UI ของ client
	return html.EscapeString(roomName), nil
}

// ValidateRoomID checks the shape of a room id
func (v *InputValidator) ValidateRoomID(roomID string) error {
	if !roomIDPattern.MatchString(roomID) {
		return apperror.InvalidInput("malformed room id")
	}
	return nil
}

// ValidatePublicKey rejects anything that is not a point on P-256
func (v *InputValidator) ValidatePublicKey(key crypto.JWK) error {
	if key.IsZero() {
		return apperror.InvalidInput("public key is required")
	}
	if _, err := crypto.ImportPublicJWK(key); err != nil {
		return apperror.Wrap(apperror.CodeInvalidInput, "public key is not a valid P-256 JWK", err)
	}
	return nil
}

// ValidateCiphertext bounds the opaque payload of a message
func (v *InputValidator) ValidateCiphertext(ciphertext, nonce []byte) error {
	if len(ciphertext) == 0 {
		return apperror.InvalidInput("ciphertext cannot be empty")
	}
	if len(ciphertext) > v.config.MaxCiphertextBytes {
		return apperror.InvalidInput(fmt.Sprintf("ciphertext too large (max %d bytes)", v.config.MaxCiphertextBytes))
	}
	if len(nonce) != crypto.NonceSize {
		return apperror.InvalidInput(fmt.Sprintf("nonce must be %d bytes", crypto.NonceSize))
	}
	return nil
}
