package admission

import (
	"context"
	"crypto/ecdh"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"securechat/internal/apperror"
	"securechat/internal/crypto"
	"securechat/internal/logger"
	"securechat/internal/protocol"
	"securechat/internal/room"
)

// DefaultApprovalTimeout bounds how long a candidate waits for a decision.
const DefaultApprovalTimeout = 2 * time.Minute

var (
	ErrInvalidState    = errors.New("admission: operation not allowed in current state")
	ErrRejected        = apperror.New(apperror.CodeUnauthorized, "join request was rejected")
	ErrApprovalTimeout = apperror.New(apperror.CodeTransportUnavailable, "no decision arrived in time")
)

// Directory validates a passkey and describes the room.
type Directory interface {
	ValidateJoin(ctx context.Context, roomID, passkey string) (*room.Description, error)
}

// Channel is a connection to the relay.
type Channel interface {
	Send(ctx context.Context, frame protocol.Framer) error
	Next(ctx context.Context) (protocol.ServerFrame, error)
}

// CandidateOptions configures a Candidate.
type CandidateOptions struct {
	ApprovalTimeout time.Duration
	Logger          *zap.Logger
}

// Candidate drives one admission attempt from the joining side. Methods are
// called in order: Verify, Request, Await, Complete.
type Candidate struct {
	mu    sync.Mutex
	state State
	err   error

	roomID     string
	roomName   string
	creatorKey crypto.JWK
	nickname   string
	identity   *ecdh.PrivateKey
	roomKey    []byte
	approvedBy string
	backlog    []protocol.ServerFrame

	timeout time.Duration
	log     *zap.Logger
}

// NewCandidate returns a candidate in StatePasskeyUnverified.
func NewCandidate(opts CandidateOptions) *Candidate {
	if opts.ApprovalTimeout <= 0 {
		opts.ApprovalTimeout = DefaultApprovalTimeout
	}
	return &Candidate{
		state:   StatePasskeyUnverified,
		timeout: opts.ApprovalTimeout,
		log:     logger.OrNop(opts.Logger).Named("candidate"),
	}
}

// Verify checks the passkey with the directory and remembers the creator key.
func (c *Candidate) Verify(ctx context.Context, dir Directory, roomID, passkey string) error {
	if err := c.require(StatePasskeyUnverified); err != nil {
		return err
	}

	desc, err := dir.ValidateJoin(ctx, roomID, passkey)
	if err != nil {
		c.abort(err)
		return err
	}

	c.mu.Lock()
	c.roomID = roomID
	c.roomName = desc.RoomName
	c.creatorKey = desc.CreatorPublicKey
	c.mu.Unlock()
	return c.transition(StatePasskeyVerified)
}

// Request generates a fresh identity and asks the room for admission.
func (c *Candidate) Request(ctx context.Context, ch Channel, nickname string) error {
	if err := c.require(StatePasskeyVerified); err != nil {
		return err
	}

	identity, err := crypto.GenerateIdentity()
	if err != nil {
		err = apperror.KeyExchangeFailed("generate identity", err)
		c.abort(err)
		return err
	}

	c.mu.Lock()
	c.identity = identity
	c.nickname = nickname
	roomID := c.roomID
	c.mu.Unlock()

	req := protocol.RequestJoin{
		RoomID:    roomID,
		PublicKey: crypto.ExportPublicJWK(identity.PublicKey()),
		Nickname:  nickname,
	}
	if err := ch.Send(ctx, req); err != nil {
		c.abort(err)
		return err
	}
	return c.transition(StateRequestSent)
}

// Await blocks until the request is approved, rejected, times out or the
// channel fails. On approval the room key is unwrapped.
func (c *Candidate) Await(ctx context.Context, ch Channel) error {
	state := c.State()
	if state != StateRequestSent && state != StateAwaitingApproval {
		return fmt.Errorf("%w: await in %s", ErrInvalidState, state)
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	for {
		frame, err := ch.Next(waitCtx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				c.abort(ctx.Err())
				return ctx.Err()
			case waitCtx.Err() != nil:
				c.finish(StateTimedOut, ErrApprovalTimeout)
				return ErrApprovalTimeout
			default:
				c.abort(err)
				return err
			}
		}

		switch f := frame.(type) {
		case protocol.RequestSent:
			if f.RoomID == c.RoomID() && c.State() == StateRequestSent {
				if err := c.transition(StateAwaitingApproval); err != nil {
					return err
				}
			}

		case protocol.JoinApproved:
			if f.RoomID != c.RoomID() {
				continue
			}
			return c.accept(f)

		case protocol.JoinRejected:
			if f.RoomID != c.RoomID() {
				continue
			}
			c.log.Info("join rejected", zap.String("room", f.RoomID), zap.String("reason", f.Reason))
			c.finish(StateRejected, ErrRejected)
			return ErrRejected

		case protocol.Error:
			if f.Ref != protocol.KindRequestJoin {
				continue
			}
			err := apperror.New(apperror.Code(f.Code), f.Message)
			c.abort(err)
			return err
		}
	}
}

// Complete subscribes the admitted candidate to the room. Frames that
// arrive before room_joined are kept in Backlog.
func (c *Candidate) Complete(ctx context.Context, ch Channel) (*protocol.RoomJoined, error) {
	if err := c.require(StateKeyReceived); err != nil {
		return nil, err
	}

	c.mu.Lock()
	join := protocol.JoinRoom{
		RoomID:    c.roomID,
		Nickname:  c.nickname,
		PublicKey: crypto.ExportPublicJWK(c.identity.PublicKey()),
	}
	c.mu.Unlock()

	if err := ch.Send(ctx, join); err != nil {
		c.abort(err)
		return nil, err
	}

	for {
		frame, err := ch.Next(ctx)
		if err != nil {
			c.abort(err)
			return nil, err
		}
		switch f := frame.(type) {
		case protocol.RoomJoined:
			if f.RoomID == join.RoomID {
				if err := c.transition(StateAdmitted); err != nil {
					return nil, err
				}
				return &f, nil
			}
		case protocol.Error:
			if f.Ref == protocol.KindJoinRoom {
				err := apperror.New(apperror.Code(f.Code), f.Message)
				c.abort(err)
				return nil, err
			}
		}
		c.mu.Lock()
		c.backlog = append(c.backlog, frame)
		c.mu.Unlock()
	}
}

func (c *Candidate) accept(f protocol.JoinApproved) error {
	c.mu.Lock()
	peer := c.creatorKey
	if f.ApproverPublicKey != nil {
		peer = *f.ApproverPublicKey
	}
	identity := c.identity
	c.mu.Unlock()

	shared, err := crypto.DeriveSharedKeyJWK(identity, peer)
	if err != nil {
		err = apperror.KeyExchangeFailed("derive shared key", err)
		c.abort(err)
		return err
	}
	roomKey, err := crypto.UnwrapKey(shared, f.WrappedKey, f.Nonce)
	if err != nil {
		c.abort(err)
		return err
	}

	c.mu.Lock()
	c.roomKey = roomKey
	c.approvedBy = f.ApproverName
	c.mu.Unlock()
	c.log.Info("room key received", zap.String("room", f.RoomID), zap.String("approver", f.ApproverName))
	return c.transition(StateKeyReceived)
}

// State returns the current state.
func (c *Candidate) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err is the error that ended the attempt, if any.
func (c *Candidate) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Candidate) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *Candidate) RoomName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomName
}

func (c *Candidate) ApprovedBy() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.approvedBy
}

// RoomKey is available from StateKeyReceived on.
func (c *Candidate) RoomKey() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.roomKey == nil {
		return nil, false
	}
	return c.roomKey, true
}

// Identity is the keypair generated by Request.
func (c *Candidate) Identity() *ecdh.PrivateKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Backlog returns and clears frames skipped while waiting for room_joined.
func (c *Candidate) Backlog() []protocol.ServerFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.backlog
	c.backlog = nil
	return out
}

func (c *Candidate) require(s State) error {
	if current := c.State(); current != s {
		return fmt.Errorf("%w: expected %s, in %s", ErrInvalidState, s, current)
	}
	return nil
}

func (c *Candidate) transition(to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !canTransition(c.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, c.state, to)
	}
	c.log.Debug("transition", zap.Stringer("from", c.state), zap.Stringer("to", to))
	c.state = to
	return nil
}

func (c *Candidate) finish(to State, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !canTransition(c.state, to) {
		return
	}
	c.state = to
	c.err = err
	c.roomKey = nil
}

func (c *Candidate) abort(err error) {
	c.finish(StateAborted, err)
}
