package message

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"securechat/internal/apperror"
	"securechat/internal/clock"
	"securechat/internal/config"
	"securechat/internal/logger"
	"securechat/internal/protocol"
)

// Store is the part of the room registry the relay needs.
type Store interface {
	Exists(roomID string) bool
	IsMember(roomID, connID string) bool
	ResolveName(roomID, connID string) string
	AppendMessage(roomID string, msg *Message, commit func()) bool
	ListMessages(roomID string) []*Message
}

// Transport delivers encoded frames.
type Transport interface {
	SendTo(connID string, frame []byte) error
	BroadcastToRoom(roomID string, frame []byte, excludeID string)
}

// Relay fans ciphertext and presence out to room members.
type Relay struct {
	store     Store
	transport Transport
	clock     clock.Clock
	maxTTL    time.Duration
	limiter   *config.RateLimiter
	metrics   *config.ServerMetrics
	log       *zap.Logger
}

// RelayOptions configures optional collaborators.
type RelayOptions struct {
	Clock       clock.Clock
	MaxTTL      time.Duration
	RateLimiter *config.RateLimiter
	Metrics     *config.ServerMetrics
}

// NewRelay creates a message relay.
func NewRelay(store Store, transport Transport, log *zap.Logger, opts RelayOptions) *Relay {
	r := &Relay{
		store:     store,
		transport: transport,
		clock:     opts.Clock,
		maxTTL:    opts.MaxTTL,
		limiter:   opts.RateLimiter,
		metrics:   opts.Metrics,
		log:       logger.OrNop(log).Named("relay"),
	}
	if r.clock == nil {
		r.clock = clock.Real()
	}
	if r.maxTTL <= 0 {
		r.maxTTL = 24 * time.Hour
	}
	if r.metrics == nil {
		r.metrics = config.NewServerMetrics()
	}
	return r
}

// Publish stores a message and broadcasts it to every member, sender
// included. A room that vanished in the meantime drops the message silently.
func (r *Relay) Publish(roomID, senderConnID string, ciphertext, nonce []byte, ttl *int64) error {
	if !r.store.Exists(roomID) {
		r.log.Debug("dropping message for missing room", zap.String("room", roomID))
		return nil
	}
	if !r.store.IsMember(roomID, senderConnID) {
		return apperror.ErrNotMember
	}
	if ttl != nil {
		// compared in seconds; multiplying a client value can overflow
		maxSeconds := int64(r.maxTTL / time.Second)
		if *ttl <= 0 || *ttl > maxSeconds {
			return apperror.InvalidInput(fmt.Sprintf("ttl must be between 1 and %d seconds", maxSeconds))
		}
	}
	if r.limiter != nil && !r.limiter.Allow(senderConnID) {
		return apperror.RateLimited("too many messages, slow down")
	}

	msg := New(roomID, senderConnID, r.store.ResolveName(roomID, senderConnID), ciphertext, nonce, ttl, r.clock.Now())
	frame, err := protocol.Encode(protocol.ReceiveMessage{Message: msg.Wire()})
	if err != nil {
		return apperror.Internal("encode message", err)
	}

	// broadcast ภายใต้ room lock เพื่อให้ลำดับการส่งตรงกับลำดับใน history
	stored := r.store.AppendMessage(roomID, msg, func() {
		r.transport.BroadcastToRoom(roomID, frame, "")
	})
	if !stored {
		r.log.Debug("room expired before append", zap.String("room", roomID))
		return nil
	}

	r.metrics.IncrementMessages()
	r.log.Debug("message relayed",
		zap.String("room", roomID),
		zap.String("sender", senderConnID),
		zap.Int("bytes", len(ciphertext)),
	)
	return nil
}

// ReplayHistory sends the unexpired history to one connection only.
func (r *Relay) ReplayHistory(roomID, connID string) error {
	frame, err := protocol.Encode(protocol.MessageHistory{
		RoomID:   roomID,
		Messages: WireAll(r.store.ListMessages(roomID)),
	})
	if err != nil {
		return apperror.Internal("encode history", err)
	}
	return r.transport.SendTo(connID, frame)
}

// RelayPresence broadcasts typing, stop_typing or user_joined for a member
// to the rest of the room. Non-members are ignored.
func (r *Relay) RelayPresence(roomID, connID string, event protocol.Kind) error {
	switch event {
	case protocol.KindTyping, protocol.KindStopTyping, protocol.KindUserJoined:
	default:
		return apperror.InvalidInput(fmt.Sprintf("%s is not a presence event", event))
	}
	if !r.store.IsMember(roomID, connID) {
		return nil
	}
	r.broadcastPresence(roomID, connID, r.store.ResolveName(roomID, connID), event)
	return nil
}

// AnnounceLeave tells the remaining members that connID left. The caller
// resolves the nickname before removing the membership.
func (r *Relay) AnnounceLeave(roomID, connID, nickname string) {
	r.broadcastPresence(roomID, connID, nickname, protocol.KindUserLeft)
}

func (r *Relay) broadcastPresence(roomID, connID, nickname string, event protocol.Kind) {
	frame, err := protocol.Encode(protocol.Presence{
		Event:        event,
		RoomID:       roomID,
		ConnectionID: connID,
		Nickname:     nickname,
	})
	if err != nil {
		r.log.Warn("encode presence", zap.Error(err))
		return
	}
	r.transport.BroadcastToRoom(roomID, frame, connID)
}
