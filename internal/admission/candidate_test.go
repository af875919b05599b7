package admission

import (
	"context"
	"crypto/ecdh"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securechat/internal/apperror"
	"securechat/internal/crypto"
	"securechat/internal/protocol"
	"securechat/internal/room"
)

type stubDirectory struct {
	desc *room.Description
	err  error
}

func (d stubDirectory) ValidateJoin(context.Context, string, string) (*room.Description, error) {
	return d.desc, d.err
}

// scripted is a Channel whose inbound frames are pushed by the test.
type scripted struct {
	sent    []protocol.Framer
	frames  chan protocol.ServerFrame
	sendErr error
}

func newScripted(frames ...protocol.ServerFrame) *scripted {
	s := &scripted{frames: make(chan protocol.ServerFrame, 16)}
	for _, f := range frames {
		s.frames <- f
	}
	return s
}

func (s *scripted) Send(_ context.Context, frame protocol.Framer) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, frame)
	return nil
}

func (s *scripted) Next(ctx context.Context) (protocol.ServerFrame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

const testRoom = "room-1"

// requested returns a candidate in StateRequestSent plus the creator's
// identity it verified against.
func requested(t *testing.T, opts CandidateOptions) (*Candidate, *ecdh.PrivateKey, *scripted) {
	t.Helper()
	creator, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	c := NewCandidate(opts)
	dir := stubDirectory{desc: &room.Description{
		RoomName:         "Test",
		CreatorPublicKey: crypto.ExportPublicJWK(creator.PublicKey()),
	}}
	require.NoError(t, c.Verify(context.Background(), dir, testRoom, "PASSKEY1"))

	ch := newScripted()
	require.NoError(t, c.Request(context.Background(), ch, "Bob"))
	require.Len(t, ch.sent, 1)
	req := ch.sent[0].(protocol.RequestJoin)
	assert.Equal(t, testRoom, req.RoomID)
	assert.Equal(t, crypto.ExportPublicJWK(c.Identity().PublicKey()), req.PublicKey)
	return c, creator, ch
}

func wrapFor(t *testing.T, approver *ecdh.PrivateKey, candidate *Candidate, roomKey []byte) protocol.JoinApproved {
	t.Helper()
	shared, err := crypto.DeriveSharedKey(approver, candidate.Identity().PublicKey())
	require.NoError(t, err)
	wrapped, nonce, err := crypto.WrapKey(shared, roomKey)
	require.NoError(t, err)
	return protocol.JoinApproved{RoomID: testRoom, WrappedKey: wrapped, Nonce: nonce}
}

func TestCandidate_OutOfOrder(t *testing.T) {
	c := NewCandidate(CandidateOptions{})

	err := c.Request(context.Background(), newScripted(), "Bob")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, StatePasskeyUnverified, c.State())

	err = c.Await(context.Background(), newScripted())
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = c.Complete(context.Background(), newScripted())
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, StatePasskeyUnverified, c.State())
}

func TestCandidate_VerifyFailure(t *testing.T) {
	c := NewCandidate(CandidateOptions{})
	err := c.Verify(context.Background(), stubDirectory{err: apperror.ErrInvalidPasskey}, testRoom, "WRONG")
	assert.ErrorIs(t, err, apperror.ErrInvalidPasskey)
	assert.Equal(t, StateAborted, c.State())
	assert.True(t, c.State().Terminal())
	assert.ErrorIs(t, c.Err(), apperror.ErrInvalidPasskey)
}

func TestCandidate_FallsBackToCreatorKey(t *testing.T) {
	c, creator, ch := requested(t, CandidateOptions{})
	roomKey, err := crypto.GenerateRoomKey()
	require.NoError(t, err)

	ch.frames <- protocol.RequestSent{RoomID: testRoom}
	ch.frames <- protocol.JoinApproved{RoomID: "other-room"}
	ch.frames <- wrapFor(t, creator, c, roomKey)

	require.NoError(t, c.Await(context.Background(), ch))
	got, ok := c.RoomKey()
	require.True(t, ok)
	assert.Equal(t, roomKey, got)
}

func TestCandidate_UsesApproverKey(t *testing.T) {
	c, _, ch := requested(t, CandidateOptions{})
	member, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	roomKey, err := crypto.GenerateRoomKey()
	require.NoError(t, err)

	approval := wrapFor(t, member, c, roomKey)
	memberKey := crypto.ExportPublicJWK(member.PublicKey())
	approval.ApproverPublicKey = &memberKey
	ch.frames <- approval

	require.NoError(t, c.Await(context.Background(), ch))
	assert.Equal(t, StateKeyReceived, c.State(), "approval may overtake request_sent")
}

func TestCandidate_NonCreatorWithoutKeyFails(t *testing.T) {
	c, _, ch := requested(t, CandidateOptions{})
	member, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	roomKey, err := crypto.GenerateRoomKey()
	require.NoError(t, err)

	ch.frames <- wrapFor(t, member, c, roomKey)

	err = c.Await(context.Background(), ch)
	assert.True(t, apperror.Is(err, apperror.CodeKeyExchangeFailed))
	assert.Equal(t, StateAborted, c.State())
	_, ok := c.RoomKey()
	assert.False(t, ok)
}

func TestCandidate_TamperedKey(t *testing.T) {
	c, creator, ch := requested(t, CandidateOptions{})
	roomKey, err := crypto.GenerateRoomKey()
	require.NoError(t, err)

	approval := wrapFor(t, creator, c, roomKey)
	approval.WrappedKey[0] ^= 0xff
	ch.frames <- approval

	err = c.Await(context.Background(), ch)
	assert.True(t, apperror.Is(err, apperror.CodeKeyExchangeFailed))
	assert.Equal(t, StateAborted, c.State())
}

func TestCandidate_Timeout(t *testing.T) {
	c, _, ch := requested(t, CandidateOptions{ApprovalTimeout: 20 * time.Millisecond})
	ch.frames <- protocol.RequestSent{RoomID: testRoom}

	err := c.Await(context.Background(), ch)
	assert.ErrorIs(t, err, ErrApprovalTimeout)
	assert.Equal(t, StateTimedOut, c.State())
}

func TestCandidate_Cancelled(t *testing.T) {
	c, _, ch := requested(t, CandidateOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Await(ctx, ch)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateAborted, c.State())
}

func TestCandidate_RelayError(t *testing.T) {
	c, _, ch := requested(t, CandidateOptions{})
	ch.frames <- protocol.Error{Code: "TYPING", Ref: protocol.KindTyping}
	ch.frames <- protocol.Error{Code: string(apperror.CodeNotFound), Message: "room not found or expired", Ref: protocol.KindRequestJoin}

	err := c.Await(context.Background(), ch)
	assert.True(t, apperror.Is(err, apperror.CodeNotFound))
	assert.Equal(t, StateAborted, c.State())
}

func TestCandidate_Complete(t *testing.T) {
	c, creator, ch := requested(t, CandidateOptions{})
	roomKey, err := crypto.GenerateRoomKey()
	require.NoError(t, err)
	ch.frames <- wrapFor(t, creator, c, roomKey)
	require.NoError(t, c.Await(context.Background(), ch))

	early := protocol.ReceiveMessage{Message: protocol.Message{ID: "m1", RoomID: testRoom}}
	ch.frames <- early
	ch.frames <- protocol.RoomJoined{RoomID: testRoom, RoomName: "Test"}

	joined, err := c.Complete(context.Background(), ch)
	require.NoError(t, err)
	assert.Equal(t, "Test", joined.RoomName)
	assert.Equal(t, StateAdmitted, c.State())
	assert.Equal(t, []protocol.ServerFrame{early}, c.Backlog())
	assert.Empty(t, c.Backlog())

	join := ch.sent[len(ch.sent)-1].(protocol.JoinRoom)
	assert.Equal(t, "Bob", join.Nickname)
	assert.Equal(t, crypto.ExportPublicJWK(c.Identity().PublicKey()), join.PublicKey)
}

func TestCandidate_SendFailure(t *testing.T) {
	c := NewCandidate(CandidateOptions{})
	creator, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	dir := stubDirectory{desc: &room.Description{CreatorPublicKey: crypto.ExportPublicJWK(creator.PublicKey())}}
	require.NoError(t, c.Verify(context.Background(), dir, testRoom, "PASSKEY1"))

	ch := newScripted()
	ch.sendErr = errors.New("socket closed")
	assert.Error(t, c.Request(context.Background(), ch, "Bob"))
	assert.Equal(t, StateAborted, c.State())
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "awaiting_approval", StateAwaitingApproval.String())
	assert.Equal(t, "state(42)", State(42).String())
	for _, s := range []State{StateAdmitted, StateRejected, StateTimedOut, StateAborted} {
		assert.True(t, s.Terminal(), s.String())
	}
	assert.False(t, StateKeyReceived.Terminal())
}
