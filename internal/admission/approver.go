package admission

import (
	"crypto/ecdh"
	"sort"
	"sync"
	"time"

	"securechat/internal/apperror"
	"securechat/internal/clock"
	"securechat/internal/crypto"
	"securechat/internal/protocol"
)

// DefaultPendingTTL is how long an unanswered join request is kept.
const DefaultPendingTTL = 5 * time.Minute

var ErrNoSuchRequest = apperror.NotFound("no pending join request from that connection")

// PendingRequest is a join request waiting for a human decision. Only the
// approving member holds it; the relay keeps nothing.
type PendingRequest struct {
	ConnectionID string
	Nickname     string
	PublicKey    crypto.JWK
	ReceivedAt   time.Time
}

// ApproverOptions configures an Approver.
type ApproverOptions struct {
	PendingTTL time.Duration
	Clock      clock.Clock
}

// Approver is a member holding the room key. It wraps that key for
// candidates it approves.
type Approver struct {
	roomID   string
	roomKey  []byte
	identity *ecdh.PrivateKey
	ttl      time.Duration
	clock    clock.Clock

	mu      sync.Mutex
	pending map[string]PendingRequest
}

// NewApprover creates an approver for roomID.
func NewApprover(roomID string, roomKey []byte, identity *ecdh.PrivateKey, opts ApproverOptions) (*Approver, error) {
	if len(roomKey) != crypto.RoomKeySize {
		return nil, apperror.InvalidInput("room key must be 32 bytes")
	}
	if identity == nil {
		return nil, apperror.InvalidInput("approver identity is required")
	}
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = DefaultPendingTTL
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Approver{
		roomID:   roomID,
		roomKey:  roomKey,
		identity: identity,
		ttl:      opts.PendingTTL,
		clock:    opts.Clock,
		pending:  make(map[string]PendingRequest),
	}, nil
}

// Add records a request announced by the relay. Requests for other rooms
// are ignored. A repeated request from the same connection replaces the
// earlier one.
func (a *Approver) Add(req protocol.NewUserRequest) bool {
	if req.RoomID != a.roomID {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending[req.ConnectionID] = PendingRequest{
		ConnectionID: req.ConnectionID,
		Nickname:     req.Nickname,
		PublicKey:    req.PublicKey,
		ReceivedAt:   a.clock.Now(),
	}
	return true
}

// List returns live requests, oldest first.
func (a *Approver) List() []PendingRequest {
	a.Expire(a.clock.Now())

	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]PendingRequest, 0, len(a.pending))
	for _, p := range a.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	return out
}

// Dismiss drops a request without answering it.
func (a *Approver) Dismiss(connID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.pending[connID]
	delete(a.pending, connID)
	return ok
}

// Expire drops requests older than the pending TTL and returns how many.
func (a *Approver) Expire(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for id, p := range a.pending {
		if !now.Before(p.ReceivedAt.Add(a.ttl)) {
			delete(a.pending, id)
			n++
		}
	}
	return n
}

// Approve wraps the room key for the candidate and returns the frame to
// send. The request is consumed either way.
func (a *Approver) Approve(connID string) (protocol.ApproveJoin, error) {
	req, err := a.take(connID)
	if err != nil {
		return protocol.ApproveJoin{}, err
	}

	shared, err := crypto.DeriveSharedKeyJWK(a.identity, req.PublicKey)
	if err != nil {
		return protocol.ApproveJoin{}, apperror.KeyExchangeFailed("derive shared key for candidate", err)
	}
	wrapped, nonce, err := crypto.WrapKey(shared, a.roomKey)
	if err != nil {
		return protocol.ApproveJoin{}, apperror.KeyExchangeFailed("wrap room key", err)
	}

	own := crypto.ExportPublicJWK(a.identity.PublicKey())
	return protocol.ApproveJoin{
		RoomID:             a.roomID,
		TargetConnectionID: connID,
		WrappedKey:         wrapped,
		Nonce:              nonce,
		ApproverPublicKey:  &own,
	}, nil
}

// Reject consumes the request and returns the reject frame.
func (a *Approver) Reject(connID, reason string) (protocol.RejectJoin, error) {
	if _, err := a.take(connID); err != nil {
		return protocol.RejectJoin{}, err
	}
	return protocol.RejectJoin{RoomID: a.roomID, TargetConnectionID: connID, Reason: reason}, nil
}

func (a *Approver) take(connID string) (PendingRequest, error) {
	now := a.clock.Now()

	a.mu.Lock()
	defer a.mu.Unlock()
	req, ok := a.pending[connID]
	if !ok {
		return PendingRequest{}, ErrNoSuchRequest
	}
	delete(a.pending, connID)
	if !now.Before(req.ReceivedAt.Add(a.ttl)) {
		return PendingRequest{}, ErrNoSuchRequest
	}
	return req, nil
}
