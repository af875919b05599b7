package message

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"securechat/internal/apperror"
	"securechat/internal/clock"
	"securechat/internal/config"
	"securechat/internal/protocol"
)

type memStore struct {
	mu       sync.Mutex
	rooms    map[string]map[string]string // room -> conn -> nickname
	messages map[string][]*Message
}

func newMemStore() *memStore {
	return &memStore{
		rooms:    map[string]map[string]string{"r1": {"alice": "Alice", "bob": "Bob"}},
		messages: map[string][]*Message{},
	}
}

func (s *memStore) Exists(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[roomID]
	return ok
}

func (s *memStore) IsMember(roomID, connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[roomID][connID]
	return ok
}

func (s *memStore) ResolveName(roomID, connID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.rooms[roomID][connID]; ok {
		return n
	}
	return "Unknown"
}

func (s *memStore) AppendMessage(roomID string, msg *Message, commit func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; !ok {
		return false
	}
	s.messages[roomID] = append(s.messages[roomID], msg)
	commit()
	return true
}

func (s *memStore) ListMessages(roomID string) []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Message(nil), s.messages[roomID]...)
}

type sent struct {
	to, room, exclude string
	frame             protocol.ServerFrame
}

type recorder struct {
	mu  sync.Mutex
	out []sent
}

func (r *recorder) SendTo(connID string, raw []byte) error {
	return r.record(sent{to: connID}, raw)
}

func (r *recorder) BroadcastToRoom(roomID string, raw []byte, excludeID string) {
	_ = r.record(sent{room: roomID, exclude: excludeID}, raw)
}

func (r *recorder) record(s sent, raw []byte) error {
	f, err := protocol.DecodeServer(raw)
	if err != nil {
		return err
	}
	s.frame = f
	r.mu.Lock()
	r.out = append(r.out, s)
	r.mu.Unlock()
	return nil
}

var start = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newRelay(t *testing.T, mutate func(*RelayOptions)) (*Relay, *memStore, *recorder, *clock.FakeClock) {
	t.Helper()
	store, transport, clk := newMemStore(), &recorder{}, clock.Fake(start)
	opts := RelayOptions{Clock: clk, MaxTTL: time.Hour}
	if mutate != nil {
		mutate(&opts)
	}
	return NewRelay(store, transport, zaptest.NewLogger(t), opts), store, transport, clk
}

func ttl(s int64) *int64 { return &s }

func TestPublish(t *testing.T) {
	relay, store, transport, _ := newRelay(t, nil)
	nonce := make([]byte, 12)

	require.NoError(t, relay.Publish("r1", "bob", []byte{1, 2, 3}, nonce, ttl(60)))

	require.Len(t, transport.out, 1)
	b := transport.out[0]
	assert.Equal(t, "r1", b.room)
	assert.Empty(t, b.exclude, "the sender gets its own message back")

	msg := b.frame.(protocol.ReceiveMessage)
	assert.Equal(t, "Bob", msg.SenderName)
	assert.Equal(t, start.UnixMilli(), msg.Timestamp)
	require.NotNil(t, msg.ExpiresAt)
	assert.Equal(t, start.UnixMilli()+60_000, *msg.ExpiresAt)
	assert.Len(t, store.ListMessages("r1"), 1)
}

func TestPublishRejections(t *testing.T) {
	relay, store, transport, _ := newRelay(t, nil)
	nonce := make([]byte, 12)

	err := relay.Publish("r1", "mallory", []byte{1}, nonce, nil)
	assert.ErrorIs(t, err, apperror.ErrNotMember)

	assert.NoError(t, relay.Publish("gone", "bob", []byte{1}, nonce, nil), "missing room drops silently")

	for _, bad := range []int64{0, -5, 3601, 9223372037, 18446744074, math.MaxInt64} {
		err := relay.Publish("r1", "bob", []byte{1}, nonce, ttl(bad))
		assert.True(t, apperror.Is(err, apperror.CodeInvalidInput), "ttl %d", bad)
	}

	assert.Empty(t, transport.out)
	assert.Empty(t, store.ListMessages("r1"))
}

func TestPublishRateLimited(t *testing.T) {
	cfg := config.DefaultServerConfig()
	cfg.RateLimitMessages = 2
	cfg.RateLimitWindow = time.Minute
	relay, _, _, _ := newRelay(t, func(o *RelayOptions) { o.RateLimiter = config.NewRateLimiter(cfg) })
	nonce := make([]byte, 12)

	require.NoError(t, relay.Publish("r1", "bob", []byte{1}, nonce, nil))
	require.NoError(t, relay.Publish("r1", "bob", []byte{1}, nonce, nil))
	err := relay.Publish("r1", "bob", []byte{1}, nonce, nil)
	assert.True(t, apperror.Is(err, apperror.CodeRateLimited))
	assert.NoError(t, relay.Publish("r1", "alice", []byte{1}, nonce, nil), "limits are per connection")
}

func TestReplayHistory(t *testing.T) {
	relay, _, transport, _ := newRelay(t, nil)
	nonce := make([]byte, 12)
	require.NoError(t, relay.Publish("r1", "alice", []byte{1}, nonce, nil))
	require.NoError(t, relay.Publish("r1", "bob", []byte{2}, nonce, nil))

	require.NoError(t, relay.ReplayHistory("r1", "carol"))
	last := transport.out[len(transport.out)-1]
	assert.Equal(t, "carol", last.to)
	history := last.frame.(protocol.MessageHistory)
	require.Len(t, history.Messages, 2)
	assert.Equal(t, []byte{1}, history.Messages[0].Ciphertext)
	assert.Equal(t, []byte{2}, history.Messages[1].Ciphertext)
}

func TestPresence(t *testing.T) {
	relay, _, transport, _ := newRelay(t, nil)

	require.NoError(t, relay.RelayPresence("r1", "bob", protocol.KindTyping))
	require.NoError(t, relay.RelayPresence("r1", "mallory", protocol.KindTyping))
	err := relay.RelayPresence("r1", "bob", protocol.KindSendMessage)
	assert.True(t, apperror.Is(err, apperror.CodeInvalidInput))

	relay.AnnounceLeave("r1", "bob", "Bob")

	require.Len(t, transport.out, 2, "non-members are ignored")
	typing := transport.out[0]
	assert.Equal(t, "bob", typing.exclude)
	assert.Equal(t, protocol.KindTyping, typing.frame.Kind())

	left := transport.out[1].frame.(protocol.Presence)
	assert.Equal(t, protocol.KindUserLeft, left.Event)
	assert.Equal(t, "Bob", left.Nickname)
}

func TestMessageExpiryBoundary(t *testing.T) {
	m := New("r1", "bob", "Bob", []byte{1}, make([]byte, 12), ttl(10), start)

	assert.False(t, m.IsExpired(start.Add(10*time.Second-time.Millisecond)))
	assert.True(t, m.IsExpired(start.Add(10*time.Second)), "expired exactly at timestamp + ttl")
	assert.False(t, New("r1", "bob", "Bob", nil, nil, nil, start).IsExpired(start.Add(24*time.Hour)))
}
