package apperror

// Domain errors shared by the relay and the client.
var (
	ErrRoomNotFound   = NotFound("room not found or expired")
	ErrInvalidPasskey = Unauthorized("invalid passkey")
	ErrNotMember      = Unauthorized("connection is not a member of this room")
	ErrRoomLimit      = InvalidInput("server room limit reached")
	ErrPeerGone       = TransportUnavailable("target connection is no longer connected")
)
