package admission

import (
	"go.uber.org/zap"

	"securechat/internal/apperror"
	"securechat/internal/config"
	"securechat/internal/logger"
	"securechat/internal/message"
	"securechat/internal/protocol"
	"securechat/internal/room"
	"securechat/internal/security"
)

// Transport is the delivery surface the coordinator needs from the
// connection manager.
type Transport interface {
	message.Transport
	JoinGroup(roomID, connID string)
	LeaveGroup(roomID, connID string)
}

// Coordinator is the relay side of admission. It routes join requests to
// room members and wrapped keys back to candidates, and never stores a
// pending request.
type Coordinator struct {
	rooms     room.Repository
	transport Transport
	relay     *message.Relay
	validator *security.InputValidator
	metrics   *config.ServerMetrics
	limiter   *config.RateLimiter
	log       *zap.Logger
}

// NewCoordinator wires the coordinator. limiter may be nil.
func NewCoordinator(rooms room.Repository, transport Transport, relay *message.Relay, cfg *config.ServerConfig, metrics *config.ServerMetrics, limiter *config.RateLimiter, log *zap.Logger) *Coordinator {
	if metrics == nil {
		metrics = config.NewServerMetrics()
	}
	return &Coordinator{
		rooms:     rooms,
		transport: transport,
		relay:     relay,
		validator: security.NewInputValidator(cfg),
		metrics:   metrics,
		limiter:   limiter,
		log:       logger.OrNop(log).Named("admission"),
	}
}

// RequestAdmission announces a candidate to every member of the room and
// acknowledges the candidate.
func (c *Coordinator) RequestAdmission(connID string, req protocol.RequestJoin) error {
	nickname, err := c.validator.ValidateNickname(req.Nickname)
	if err != nil {
		return err
	}
	if err := c.validator.ValidatePublicKey(req.PublicKey); err != nil {
		return err
	}
	if !c.rooms.Exists(req.RoomID) {
		return apperror.ErrRoomNotFound
	}

	announce, err := protocol.Encode(protocol.NewUserRequest{
		RoomID:       req.RoomID,
		ConnectionID: connID,
		PublicKey:    req.PublicKey,
		Nickname:     nickname,
	})
	if err != nil {
		return apperror.Internal("encode join request", err)
	}
	c.transport.BroadcastToRoom(req.RoomID, announce, connID)

	ack, err := protocol.Encode(protocol.RequestSent{RoomID: req.RoomID})
	if err != nil {
		return apperror.Internal("encode request ack", err)
	}
	if err := c.transport.SendTo(connID, ack); err != nil {
		c.log.Debug("candidate left before ack", zap.String("conn", connID), zap.Error(err))
	}

	c.metrics.IncrementJoinRequests()
	c.log.Info("join requested",
		zap.String("room", req.RoomID),
		zap.String("conn", connID),
		zap.String("nickname", nickname),
	)
	return nil
}

// ApproveAdmission forwards a wrapped room key to the candidate. The relay
// cannot check the wrapped key; it only checks that the approver is a
// member. A vanished candidate is logged and otherwise ignored.
func (c *Coordinator) ApproveAdmission(approverID string, req protocol.ApproveJoin) error {
	approver, err := c.member(req.RoomID, approverID)
	if err != nil {
		return err
	}

	approverKey := req.ApproverPublicKey
	if approverKey == nil {
		// clients ที่ไม่ส่ง key มา ใช้ key ที่ลงทะเบียนไว้ตอน join_room
		key := approver.PublicKey
		approverKey = &key
	} else if err := c.validator.ValidatePublicKey(*approverKey); err != nil {
		return err
	}

	frame, err := protocol.Encode(protocol.JoinApproved{
		RoomID:            req.RoomID,
		WrappedKey:        req.WrappedKey,
		Nonce:             req.Nonce,
		ApproverPublicKey: approverKey,
		ApproverName:      approver.Nickname,
	})
	if err != nil {
		return apperror.Internal("encode approval", err)
	}

	if err := c.transport.SendTo(req.TargetConnectionID, frame); err != nil {
		c.log.Info("approval target is gone",
			zap.String("room", req.RoomID),
			zap.String("target", req.TargetConnectionID),
			zap.Error(err),
		)
		return nil
	}

	c.metrics.IncrementJoinApprovals()
	c.log.Info("join approved",
		zap.String("room", req.RoomID),
		zap.String("approver", approverID),
		zap.String("target", req.TargetConnectionID),
	)
	return nil
}

// RejectAdmission tells a candidate it was turned down.
func (c *Coordinator) RejectAdmission(approverID string, req protocol.RejectJoin) error {
	if _, err := c.member(req.RoomID, approverID); err != nil {
		return err
	}

	frame, err := protocol.Encode(protocol.JoinRejected{RoomID: req.RoomID, Reason: req.Reason})
	if err != nil {
		return apperror.Internal("encode rejection", err)
	}
	if err := c.transport.SendTo(req.TargetConnectionID, frame); err != nil {
		c.log.Info("rejection target is gone", zap.String("target", req.TargetConnectionID), zap.Error(err))
		return nil
	}

	c.metrics.IncrementJoinRejections()
	c.log.Info("join rejected", zap.String("room", req.RoomID), zap.String("target", req.TargetConnectionID))
	return nil
}

// Subscribe registers an admitted candidate: membership, broadcast group,
// room description, history replay and a user_joined notice for the rest.
func (c *Coordinator) Subscribe(connID string, req protocol.JoinRoom) error {
	nickname, err := c.validator.ValidateNickname(req.Nickname)
	if err != nil {
		return err
	}
	if err := c.validator.ValidatePublicKey(req.PublicKey); err != nil {
		return err
	}
	stats, ok := c.rooms.Snapshot(req.RoomID)
	if !ok {
		return apperror.ErrRoomNotFound
	}

	if err := c.rooms.AddMember(req.RoomID, room.Member{
		ConnectionID: connID,
		Nickname:     nickname,
		PublicKey:    req.PublicKey,
	}); err != nil {
		return err
	}
	c.transport.JoinGroup(req.RoomID, connID)

	members := c.rooms.Members(req.RoomID)
	infos := make([]protocol.MemberInfo, 0, len(members))
	for _, m := range members {
		infos = append(infos, protocol.MemberInfo{
			ConnectionID: m.ConnectionID,
			Nickname:     m.Nickname,
			PublicKey:    m.PublicKey,
		})
	}
	joined, err := protocol.Encode(protocol.RoomJoined{RoomID: req.RoomID, RoomName: stats.Name, Members: infos})
	if err != nil {
		return apperror.Internal("encode room_joined", err)
	}
	if err := c.transport.SendTo(connID, joined); err != nil {
		return err
	}
	if err := c.relay.ReplayHistory(req.RoomID, connID); err != nil {
		return err
	}
	if err := c.relay.RelayPresence(req.RoomID, connID, protocol.KindUserJoined); err != nil {
		return err
	}

	c.log.Info("member joined",
		zap.String("room", req.RoomID),
		zap.String("conn", connID),
		zap.Int("members", len(members)),
	)
	return nil
}

// Leave removes connID from one room and tells the others.
func (c *Coordinator) Leave(connID, roomID string) {
	member, ok := c.rooms.RemoveMember(roomID, connID)
	c.transport.LeaveGroup(roomID, connID)
	if !ok {
		return
	}
	c.relay.AnnounceLeave(roomID, connID, member.Nickname)
	c.log.Info("member left", zap.String("room", roomID), zap.String("conn", connID))
}

// Disconnect removes a closed connection from every room it was in.
func (c *Coordinator) Disconnect(connID string) {
	for _, roomID := range c.rooms.RoomsOf(connID) {
		c.Leave(connID, roomID)
	}
	if c.limiter != nil {
		c.limiter.Forget(connID)
	}
}

func (c *Coordinator) member(roomID, connID string) (room.Member, error) {
	if !c.rooms.Exists(roomID) {
		return room.Member{}, apperror.ErrRoomNotFound
	}
	for _, m := range c.rooms.Members(roomID) {
		if m.ConnectionID == connID {
			return m, nil
		}
	}
	return room.Member{}, apperror.ErrNotMember
}
