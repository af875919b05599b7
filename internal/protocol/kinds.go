// Package protocol defines the websocket frames exchanged between clients
// and the relay. Every frame is an envelope {"type", "payload"} whose
// payload shape is fixed by its type; anything else is rejected on decode.
package protocol

type Kind string

// Client to relay
const (
	KindRequestJoin Kind = "request_join"
	KindApproveJoin Kind = "approve_join"
	KindRejectJoin  Kind = "reject_join"
	KindJoinRoom    Kind = "join_room"
	KindLeaveRoom   Kind = "leave_room"
	KindSendMessage Kind = "send_message"
	KindTyping      Kind = "typing"
	KindStopTyping  Kind = "stop_typing"
)

// Relay to client
const (
	KindWelcome        Kind = "welcome"
	KindRequestSent    Kind = "request_sent"
	KindNewUserRequest Kind = "new_user_request"
	KindJoinApproved   Kind = "join_approved"
	KindJoinRejected   Kind = "join_rejected"
	KindRoomJoined     Kind = "room_joined"
	KindMessageHistory Kind = "message_history"
	KindReceiveMessage Kind = "receive_message"
	KindUserJoined     Kind = "user_joined"
	KindUserLeft       Kind = "user_left"
	KindError          Kind = "error"
)

// KindTyping and KindStopTyping travel in both directions; the relay
// rebroadcasts them as Presence payloads.
