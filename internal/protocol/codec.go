package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"securechat/internal/apperror"
)

// Envelope is the outer shape of every frame.
type Envelope struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Framer is any payload that knows its own kind.
type Framer interface {
	Kind() Kind
}

// Encode wraps f in an envelope.
func Encode(f Framer) ([]byte, error) {
	payload, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", f.Kind(), err)
	}
	return json.Marshal(Envelope{Type: f.Kind(), Payload: payload})
}

// ErrorFrame builds an error frame from any error. Non-AppErrors are
// reported as internal without leaking their text.
func ErrorFrame(err error, ref Kind) Error {
	code := apperror.CodeOf(err)
	if code == apperror.CodeUnknown {
		code = apperror.CodeInternal
	}
	return Error{Code: string(code), Message: apperror.MessageOf(err), Ref: ref}
}

// DecodeClient parses a frame sent by a client. Unknown kinds, unknown
// fields and missing required fields are all InvalidInput.
func DecodeClient(raw []byte) (ClientFrame, error) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		return nil, err
	}

	var frame ClientFrame
	switch env.Type {
	case KindRequestJoin:
		frame, err = decodePayload[RequestJoin](env)
	case KindApproveJoin:
		frame, err = decodePayload[ApproveJoin](env)
	case KindRejectJoin:
		frame, err = decodePayload[RejectJoin](env)
	case KindJoinRoom:
		frame, err = decodePayload[JoinRoom](env)
	case KindLeaveRoom:
		frame, err = decodePayload[LeaveRoom](env)
	case KindSendMessage:
		frame, err = decodePayload[SendMessage](env)
	case KindTyping:
		frame, err = decodePayload[Typing](env)
	case KindStopTyping:
		frame, err = decodePayload[StopTyping](env)
	default:
		return nil, apperror.InvalidInput(fmt.Sprintf("unknown frame type %q", env.Type))
	}
	if err != nil {
		return nil, err
	}
	if err := frame.validate(); err != nil {
		return nil, apperror.Wrap(apperror.CodeInvalidInput, fmt.Sprintf("invalid %s frame", env.Type), err)
	}
	return frame, nil
}

// DecodeServer parses a frame sent by the relay.
func DecodeServer(raw []byte) (ServerFrame, error) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case KindWelcome:
		return decodePayload[Welcome](env)
	case KindRequestSent:
		return decodePayload[RequestSent](env)
	case KindNewUserRequest:
		return decodePayload[NewUserRequest](env)
	case KindJoinApproved:
		return decodePayload[JoinApproved](env)
	case KindJoinRejected:
		return decodePayload[JoinRejected](env)
	case KindRoomJoined:
		return decodePayload[RoomJoined](env)
	case KindMessageHistory:
		return decodePayload[MessageHistory](env)
	case KindReceiveMessage:
		return decodePayload[ReceiveMessage](env)
	case KindUserJoined, KindUserLeft, KindTyping, KindStopTyping:
		p, err := decodePayload[Presence](env)
		if err != nil {
			return nil, err
		}
		p.Event = env.Type
		return p, nil
	case KindError:
		return decodePayload[Error](env)
	default:
		return nil, apperror.InvalidInput(fmt.Sprintf("unknown frame type %q", env.Type))
	}
}

func decodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := decodeStrict(raw, &env); err != nil {
		return env, apperror.Wrap(apperror.CodeInvalidInput, "malformed frame", err)
	}
	if env.Type == "" {
		return env, apperror.InvalidInput("frame type is required")
	}
	return env, nil
}

func decodePayload[T any](env Envelope) (T, error) {
	var v T
	if len(env.Payload) == 0 {
		return v, nil
	}
	if err := decodeStrict(env.Payload, &v); err != nil {
		return v, apperror.Wrap(apperror.CodeInvalidInput, fmt.Sprintf("malformed %s payload", env.Type), err)
	}
	return v, nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}
