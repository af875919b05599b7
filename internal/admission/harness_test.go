package admission

import (
	"context"
	"crypto/ecdh"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"securechat/internal/apperror"
	"securechat/internal/clock"
	"securechat/internal/config"
	"securechat/internal/crypto"
	"securechat/internal/message"
	"securechat/internal/protocol"
	"securechat/internal/room"
)

// loopback is an in-process transport delivering decoded frames to
// per-connection inboxes.
type loopback struct {
	mu     sync.Mutex
	inbox  map[string]chan protocol.ServerFrame
	groups map[string]map[string]bool
}

func newLoopback() *loopback {
	return &loopback{
		inbox:  make(map[string]chan protocol.ServerFrame),
		groups: make(map[string]map[string]bool),
	}
}

func (l *loopback) deliver(connID string, raw []byte) error {
	ch, ok := l.inbox[connID]
	if !ok {
		return apperror.ErrPeerGone
	}
	frame, err := protocol.DecodeServer(raw)
	if err != nil {
		return err
	}
	ch <- frame
	return nil
}

func (l *loopback) SendTo(connID string, raw []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deliver(connID, raw)
}

func (l *loopback) BroadcastToRoom(roomID string, raw []byte, excludeID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id := range l.groups[roomID] {
		if id != excludeID {
			l.deliver(id, raw)
		}
	}
}

func (l *loopback) JoinGroup(roomID, connID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.groups[roomID] == nil {
		l.groups[roomID] = make(map[string]bool)
	}
	l.groups[roomID][connID] = true
}

func (l *loopback) LeaveGroup(roomID, connID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.groups[roomID], connID)
}

func (l *loopback) drop(connID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inbox, connID)
	for _, g := range l.groups {
		delete(g, connID)
	}
}

type fixture struct {
	t       *testing.T
	clock   *clock.FakeClock
	rooms   *room.InMemoryRepository
	service room.Service
	bus     *loopback
	relay   *message.Relay
	coord   *Coordinator
	metrics *config.ServerMetrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	cfg := config.DefaultServerConfig()
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	metrics := config.NewServerMetrics()

	rooms := room.NewInMemoryRepository(room.Options{Clock: clk, Logger: log})
	bus := newLoopback()
	relay := message.NewRelay(rooms, bus, log, message.RelayOptions{Clock: clk, Metrics: metrics})

	return &fixture{
		t:       t,
		clock:   clk,
		rooms:   rooms,
		service: room.NewService(rooms, cfg, metrics, nil, log),
		bus:     bus,
		relay:   relay,
		coord:   NewCoordinator(rooms, bus, relay, cfg, metrics, nil, log),
		metrics: metrics,
	}
}

// ValidateJoin makes the fixture a Directory.
func (f *fixture) ValidateJoin(_ context.Context, roomID, passkey string) (*room.Description, error) {
	return f.service.ValidateJoin(roomID, passkey)
}

// peer is a Channel bound to one connection of the fixture.
type peer struct {
	id    string
	f     *fixture
	inbox chan protocol.ServerFrame
}

func (f *fixture) connect(id string) *peer {
	ch := make(chan protocol.ServerFrame, 64)
	f.bus.mu.Lock()
	f.bus.inbox[id] = ch
	f.bus.mu.Unlock()
	return &peer{id: id, f: f, inbox: ch}
}

func (p *peer) Send(_ context.Context, frame protocol.Framer) error {
	raw, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	decoded, err := protocol.DecodeClient(raw)
	if err != nil {
		return err
	}

	var herr error
	switch v := decoded.(type) {
	case protocol.RequestJoin:
		herr = p.f.coord.RequestAdmission(p.id, v)
	case protocol.ApproveJoin:
		herr = p.f.coord.ApproveAdmission(p.id, v)
	case protocol.RejectJoin:
		herr = p.f.coord.RejectAdmission(p.id, v)
	case protocol.JoinRoom:
		herr = p.f.coord.Subscribe(p.id, v)
	case protocol.LeaveRoom:
		p.f.coord.Leave(p.id, v.RoomID)
	case protocol.SendMessage:
		herr = p.f.relay.Publish(v.RoomID, p.id, v.Ciphertext, v.Nonce, v.TTL)
	}
	if herr != nil {
		errFrame, _ := protocol.Encode(protocol.ErrorFrame(herr, decoded.Kind()))
		p.f.bus.SendTo(p.id, errFrame)
	}
	return nil
}

func (p *peer) Next(ctx context.Context) (protocol.ServerFrame, error) {
	select {
	case frame := <-p.inbox:
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// expect returns the next frame of type T, skipping others.
func expect[T protocol.ServerFrame](t *testing.T, p *peer) T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for {
		frame, err := p.Next(ctx)
		require.NoError(t, err, "waiting for frame on %s", p.id)
		if v, ok := frame.(T); ok {
			return v
		}
	}
}

type creatorSide struct {
	peer     *peer
	identity *ecdh.PrivateKey
	roomKey  []byte
	created  *room.Created
	approver *Approver
}

// createRoom creates a room and subscribes its creator, as a client would.
func (f *fixture) createRoom(name, connID, nickname string) *creatorSide {
	t := f.t
	t.Helper()
	identity, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	roomKey, err := crypto.GenerateRoomKey()
	require.NoError(t, err)

	created, err := f.service.CreateRoom(name, crypto.ExportPublicJWK(identity.PublicKey()))
	require.NoError(t, err)

	p := f.connect(connID)
	require.NoError(t, p.Send(context.Background(), protocol.JoinRoom{
		RoomID:    created.RoomID,
		Nickname:  nickname,
		PublicKey: crypto.ExportPublicJWK(identity.PublicKey()),
	}))
	expect[protocol.RoomJoined](t, p)

	approver, err := NewApprover(created.RoomID, roomKey, identity, ApproverOptions{Clock: f.clock})
	require.NoError(t, err)
	return &creatorSide{peer: p, identity: identity, roomKey: roomKey, created: created, approver: approver}
}
