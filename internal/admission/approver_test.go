package admission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securechat/internal/apperror"
	"securechat/internal/clock"
	"securechat/internal/crypto"
	"securechat/internal/protocol"
)

func newTestApprover(t *testing.T) (*Approver, *clock.FakeClock, []byte) {
	t.Helper()
	identity, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	roomKey, err := crypto.GenerateRoomKey()
	require.NoError(t, err)
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	a, err := NewApprover(testRoom, roomKey, identity, ApproverOptions{Clock: clk})
	require.NoError(t, err)
	return a, clk, roomKey
}

func joinRequest(t *testing.T, connID string) (protocol.NewUserRequest, *crypto.JWK) {
	t.Helper()
	priv, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	pub := crypto.ExportPublicJWK(priv.PublicKey())
	return protocol.NewUserRequest{RoomID: testRoom, ConnectionID: connID, PublicKey: pub, Nickname: connID}, &pub
}

func TestApprover_Pending(t *testing.T) {
	a, clk, _ := newTestApprover(t)

	first, _ := joinRequest(t, "c1")
	second, _ := joinRequest(t, "c2")
	assert.True(t, a.Add(first))
	clk.Advance(time.Minute)
	assert.True(t, a.Add(second))

	foreign := first
	foreign.RoomID = "other"
	assert.False(t, a.Add(foreign))

	list := a.List()
	require.Len(t, list, 2)
	assert.Equal(t, "c1", list[0].ConnectionID)
	assert.Equal(t, "c2", list[1].ConnectionID)

	assert.True(t, a.Dismiss("c2"))
	assert.False(t, a.Dismiss("c2"))

	clk.Advance(DefaultPendingTTL)
	assert.Empty(t, a.List(), "requests expire after the pending TTL")
}

func TestApprover_Expire(t *testing.T) {
	a, clk, _ := newTestApprover(t)
	req, _ := joinRequest(t, "c1")
	a.Add(req)

	assert.Zero(t, a.Expire(clk.Now().Add(DefaultPendingTTL-time.Second)))
	assert.Equal(t, 1, a.Expire(clk.Now().Add(DefaultPendingTTL)))

	a.Add(req)
	clk.Advance(DefaultPendingTTL)
	_, err := a.Approve("c1")
	assert.ErrorIs(t, err, ErrNoSuchRequest, "a stale request cannot be approved")
}

func TestApprover_Approve(t *testing.T) {
	a, _, roomKey := newTestApprover(t)
	req, _ := joinRequest(t, "c1")
	a.Add(req)

	frame, err := a.Approve("c1")
	require.NoError(t, err)
	assert.Equal(t, testRoom, frame.RoomID)
	assert.Equal(t, "c1", frame.TargetConnectionID)
	assert.Len(t, frame.Nonce, crypto.NonceSize)
	require.NotNil(t, frame.ApproverPublicKey)
	assert.NotContains(t, string(frame.WrappedKey), string(roomKey))

	_, err = a.Approve("c1")
	assert.ErrorIs(t, err, ErrNoSuchRequest, "a request is consumed by its decision")
}

func TestApprover_Reject(t *testing.T) {
	a, _, _ := newTestApprover(t)
	req, _ := joinRequest(t, "c1")
	a.Add(req)

	frame, err := a.Reject("c1", "no")
	require.NoError(t, err)
	assert.Equal(t, protocol.RejectJoin{RoomID: testRoom, TargetConnectionID: "c1", Reason: "no"}, frame)
	assert.Empty(t, a.List())

	_, err = a.Reject("c1", "")
	assert.True(t, apperror.Is(err, apperror.CodeNotFound))
}

func TestApprover_BadCandidateKey(t *testing.T) {
	a, _, _ := newTestApprover(t)
	a.Add(protocol.NewUserRequest{
		RoomID:       testRoom,
		ConnectionID: "c1",
		PublicKey:    crypto.JWK{Kty: "EC", Crv: "P-256", X: "AA", Y: "AA"},
	})

	_, err := a.Approve("c1")
	assert.True(t, apperror.Is(err, apperror.CodeKeyExchangeFailed))
}

func TestNewApprover_Validation(t *testing.T) {
	identity, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	_, err = NewApprover(testRoom, []byte("short"), identity, ApproverOptions{})
	assert.True(t, apperror.Is(err, apperror.CodeInvalidInput))

	_, err = NewApprover(testRoom, make([]byte, crypto.RoomKeySize), nil, ApproverOptions{})
	assert.True(t, apperror.Is(err, apperror.CodeInvalidInput))
}
