package protocol

import (
	"errors"

	"securechat/internal/crypto"
)

// ClientFrame is implemented by every payload a client may send.
type ClientFrame interface {
	Kind() Kind
	validate() error
}

// ServerFrame is implemented by every payload the relay may send.
type ServerFrame interface {
	Kind() Kind
}

type RequestJoin struct {
	RoomID    string     `json:"roomId"`
	PublicKey crypto.JWK `json:"publicKey"`
	Nickname  string     `json:"nickname"`
}

// ApproveJoin carries the room key wrapped for the candidate. ApproverPublicKey
// lets the candidate derive against whoever approved, not only the creator.
type ApproveJoin struct {
	RoomID             string      `json:"roomId"`
	TargetConnectionID string      `json:"targetConnectionId"`
	WrappedKey         []byte      `json:"wrappedKey"`
	Nonce              []byte      `json:"nonce"`
	ApproverPublicKey  *crypto.JWK `json:"approverPublicKey,omitempty"`
}

type RejectJoin struct {
	RoomID             string `json:"roomId"`
	TargetConnectionID string `json:"targetConnectionId"`
	Reason             string `json:"reason,omitempty"`
}

type JoinRoom struct {
	RoomID    string     `json:"roomId"`
	Nickname  string     `json:"nickname"`
	PublicKey crypto.JWK `json:"publicKey"`
}

type LeaveRoom struct {
	RoomID string `json:"roomId"`
}

type SendMessage struct {
	RoomID     string `json:"roomId"`
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
	TTL        *int64 `json:"ttl,omitempty"`
}

type Typing struct {
	RoomID string `json:"roomId"`
}

type StopTyping struct {
	RoomID string `json:"roomId"`
}

func (RequestJoin) Kind() Kind { return KindRequestJoin }
func (ApproveJoin) Kind() Kind { return KindApproveJoin }
func (RejectJoin) Kind() Kind  { return KindRejectJoin }
func (JoinRoom) Kind() Kind    { return KindJoinRoom }
func (LeaveRoom) Kind() Kind   { return KindLeaveRoom }
func (SendMessage) Kind() Kind { return KindSendMessage }
func (Typing) Kind() Kind      { return KindTyping }
func (StopTyping) Kind() Kind  { return KindStopTyping }

var (
	errMissingRoom   = errors.New("roomId is required")
	errMissingTarget = errors.New("targetConnectionId is required")
	errMissingKey    = errors.New("publicKey is required")
)

func (p RequestJoin) validate() error {
	switch {
	case p.RoomID == "":
		return errMissingRoom
	case p.PublicKey.IsZero():
		return errMissingKey
	}
	return nil
}

func (p ApproveJoin) validate() error {
	switch {
	case p.RoomID == "":
		return errMissingRoom
	case p.TargetConnectionID == "":
		return errMissingTarget
	case len(p.WrappedKey) == 0:
		return errors.New("wrappedKey is required")
	case len(p.Nonce) != crypto.NonceSize:
		return errors.New("nonce must be 12 bytes")
	}
	return nil
}

func (p RejectJoin) validate() error {
	switch {
	case p.RoomID == "":
		return errMissingRoom
	case p.TargetConnectionID == "":
		return errMissingTarget
	}
	return nil
}

func (p JoinRoom) validate() error {
	switch {
	case p.RoomID == "":
		return errMissingRoom
	case p.PublicKey.IsZero():
		return errMissingKey
	}
	return nil
}

func (p LeaveRoom) validate() error {
	if p.RoomID == "" {
		return errMissingRoom
	}
	return nil
}

func (p SendMessage) validate() error {
	switch {
	case p.RoomID == "":
		return errMissingRoom
	case len(p.Ciphertext) == 0:
		return errors.New("ciphertext is required")
	case len(p.Nonce) != crypto.NonceSize:
		return errors.New("nonce must be 12 bytes")
	case p.TTL != nil && *p.TTL <= 0:
		return errors.New("ttl must be a positive number of seconds")
	}
	return nil
}

func (p Typing) validate() error {
	if p.RoomID == "" {
		return errMissingRoom
	}
	return nil
}

func (p StopTyping) validate() error {
	if p.RoomID == "" {
		return errMissingRoom
	}
	return nil
}

// Relay payloads

type Welcome struct {
	ConnectionID string `json:"connectionId"`
}

type RequestSent struct {
	RoomID string `json:"roomId"`
}

type NewUserRequest struct {
	RoomID       string     `json:"roomId"`
	ConnectionID string     `json:"connectionId"`
	PublicKey    crypto.JWK `json:"publicKey"`
	Nickname     string     `json:"nickname"`
}

type JoinApproved struct {
	RoomID            string      `json:"roomId"`
	WrappedKey        []byte      `json:"wrappedKey"`
	Nonce             []byte      `json:"nonce"`
	ApproverPublicKey *crypto.JWK `json:"approverPublicKey,omitempty"`
	ApproverName      string      `json:"approverName,omitempty"`
}

type JoinRejected struct {
	RoomID string `json:"roomId"`
	Reason string `json:"reason,omitempty"`
}

type MemberInfo struct {
	ConnectionID string     `json:"connectionId"`
	Nickname     string     `json:"nickname"`
	PublicKey    crypto.JWK `json:"publicKey"`
}

type RoomJoined struct {
	RoomID   string       `json:"roomId"`
	RoomName string       `json:"roomName"`
	Members  []MemberInfo `json:"members"`
}

// Message is the stored ciphertext as delivered to clients. Timestamps are
// unix milliseconds.
type Message struct {
	ID         string `json:"id"`
	RoomID     string `json:"roomId"`
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
	Sender     string `json:"sender"`
	SenderName string `json:"senderName"`
	Timestamp  int64  `json:"timestamp"`
	TTL        *int64 `json:"ttl,omitempty"`
	ExpiresAt  *int64 `json:"expiresAt,omitempty"`
}

type MessageHistory struct {
	RoomID   string    `json:"roomId"`
	Messages []Message `json:"messages"`
}

// ReceiveMessage wraps one live message.
type ReceiveMessage struct {
	Message
}

// Presence is used for user_joined, user_left, typing and stop_typing.
type Presence struct {
	Event        Kind   `json:"-"`
	RoomID       string `json:"roomId"`
	ConnectionID string `json:"connectionId"`
	Nickname     string `json:"nickname"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Ref     Kind   `json:"ref,omitempty"`
}

func (Welcome) Kind() Kind        { return KindWelcome }
func (RequestSent) Kind() Kind    { return KindRequestSent }
func (NewUserRequest) Kind() Kind { return KindNewUserRequest }
func (JoinApproved) Kind() Kind   { return KindJoinApproved }
func (JoinRejected) Kind() Kind   { return KindJoinRejected }
func (RoomJoined) Kind() Kind     { return KindRoomJoined }
func (MessageHistory) Kind() Kind { return KindMessageHistory }
func (ReceiveMessage) Kind() Kind { return KindReceiveMessage }
func (p Presence) Kind() Kind     { return p.Event }
func (Error) Kind() Kind          { return KindError }
