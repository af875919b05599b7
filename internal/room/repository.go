package room

import (
	"container/heap"
	"context"
	"crypto/subtle"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"securechat/internal/apperror"
	"securechat/internal/clock"
	"securechat/internal/crypto"
	"securechat/internal/logger"
	"securechat/internal/message"
)

// Repository is the room registry: the only shared mutable state of the relay.
type Repository interface {
	Create(name string, creatorPublicKey crypto.JWK) (*Created, error)
	ValidateAndDescribe(roomID, passkey string) (*Description, error)
	AddMember(roomID string, member Member) error
	RemoveMember(roomID, connID string) (Member, bool)
	ResolveName(roomID, connID string) string
	AppendMessage(roomID string, msg *message.Message, commit func()) bool
	ListMessages(roomID string) []*message.Message
	Members(roomID string) []Member
	IsMember(roomID, connID string) bool
	RoomsOf(connID string) []string
	Exists(roomID string) bool
	Snapshot(roomID string) (Stats, bool)
	Count() int
}

// Options configures an InMemoryRepository.
type Options struct {
	TTL           time.Duration
	HistoryLimit  int
	SweepInterval time.Duration
	MaxMembers    int
	MaxRooms      int
	Clock         clock.Clock
	Logger        *zap.Logger
}

// InMemoryRepository implements Repository. Rooms expire through a single
// priority queue drained by Run; reads also check expiry so a room past its
// deadline is never served.
type InMemoryRepository struct {
	rooms map[string]*Room
	queue expiryQueue
	mutex sync.RWMutex

	ttl           time.Duration
	historyLimit  int
	sweepInterval time.Duration
	maxMembers    int
	maxRooms      int
	clock         clock.Clock
	log           *zap.Logger

	wake     chan struct{}
	onExpire []func(Stats)
}

// NewInMemoryRepository creates an empty registry.
func NewInMemoryRepository(opts Options) *InMemoryRepository {
	repo := &InMemoryRepository{
		rooms:         make(map[string]*Room),
		ttl:           opts.TTL,
		historyLimit:  opts.HistoryLimit,
		sweepInterval: opts.SweepInterval,
		maxMembers:    opts.MaxMembers,
		maxRooms:      opts.MaxRooms,
		clock:         opts.Clock,
		log:           logger.OrNop(opts.Logger).Named("registry"),
		wake:          make(chan struct{}, 1),
	}
	if repo.ttl <= 0 {
		repo.ttl = time.Hour
	}
	if repo.historyLimit <= 0 {
		repo.historyLimit = 100
	}
	if repo.sweepInterval <= 0 {
		repo.sweepInterval = 10 * time.Second
	}
	if repo.clock == nil {
		repo.clock = clock.Real()
	}
	return repo
}

// OnExpire registers a hook called after a room is deleted. Hooks run on
// the expiry goroutine outside the registry lock.
func (r *InMemoryRepository) OnExpire(fn func(Stats)) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.onExpire = append(r.onExpire, fn)
}

// Create allocates a room with a fresh id and passkey. The room limit is
// checked under the same lock that inserts the room.
func (r *InMemoryRepository) Create(name string, creatorPublicKey crypto.JWK) (*Created, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperror.InvalidInput("room name is required")
	}
	if creatorPublicKey.IsZero() {
		return nil, apperror.InvalidInput("creator public key is required")
	}

	passkey, err := generatePasskey()
	if err != nil {
		return nil, apperror.Internal("create room", err)
	}

	now := r.clock.Now()
	room := &Room{
		ID:               uuid.NewString(),
		Name:             name,
		Passkey:          passkey,
		CreatorPublicKey: creatorPublicKey,
		CreatedAt:        now,
		ExpiresAt:        now.Add(r.ttl),
		members:          make(map[string]*Member),
	}

	r.mutex.Lock()
	if r.maxRooms > 0 && r.liveCount(now) >= r.maxRooms {
		r.mutex.Unlock()
		return nil, apperror.ErrRoomLimit
	}
	r.rooms[room.ID] = room
	heap.Push(&r.queue, room)
	r.mutex.Unlock()

	r.signal()
	return &Created{RoomID: room.ID, Passkey: passkey, ExpiresAt: room.ExpiresAt}, nil
}

// ValidateAndDescribe checks a passkey without touching any state.
func (r *InMemoryRepository) ValidateAndDescribe(roomID, passkey string) (*Description, error) {
	room, ok := r.lookup(roomID)
	if !ok {
		return nil, apperror.ErrRoomNotFound
	}

	candidate := strings.ToUpper(strings.TrimSpace(passkey))
	if subtle.ConstantTimeCompare([]byte(candidate), []byte(room.Passkey)) != 1 {
		return nil, apperror.ErrInvalidPasskey
	}
	return &Description{RoomName: room.Name, CreatorPublicKey: room.CreatorPublicKey}, nil
}

// AddMember registers or refreshes a membership. State is untouched if the
// room is gone or full.
func (r *InMemoryRepository) AddMember(roomID string, member Member) error {
	room, ok := r.lookup(roomID)
	if !ok {
		return apperror.ErrRoomNotFound
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.deleted {
		return apperror.ErrRoomNotFound
	}
	if _, exists := room.members[member.ConnectionID]; !exists && r.maxMembers > 0 && len(room.members) >= r.maxMembers {
		return apperror.InvalidInput(fmt.Sprintf("room is full (%d members)", r.maxMembers))
	}
	if member.JoinedAt.IsZero() {
		member.JoinedAt = r.clock.Now()
	}
	room.members[member.ConnectionID] = &member
	return nil
}

// RemoveMember drops connID from the room and returns what was removed.
func (r *InMemoryRepository) RemoveMember(roomID, connID string) (Member, bool) {
	room, ok := r.get(roomID)
	if !ok {
		return Member{}, false
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	member, exists := room.members[connID]
	if !exists {
		return Member{}, false
	}
	delete(room.members, connID)
	return *member, true
}

// ResolveName never fails; unresolvable connections are "Unknown".
func (r *InMemoryRepository) ResolveName(roomID, connID string) string {
	room, ok := r.lookup(roomID)
	if !ok {
		return UnknownName
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if member, exists := room.members[connID]; exists && member.Nickname != "" {
		return member.Nickname
	}
	return UnknownName
}

// AppendMessage pushes msg, evicts the oldest entries past the history
// limit and then calls commit while still holding the room lock, so work
// done in commit is ordered exactly like the history. Returns false if the
// room is gone.
func (r *InMemoryRepository) AppendMessage(roomID string, msg *message.Message, commit func()) bool {
	room, ok := r.lookup(roomID)
	if !ok {
		return false
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.deleted {
		return false
	}

	room.messages = append(room.messages, msg)
	if overflow := len(room.messages) - r.historyLimit; overflow > 0 {
		n := copy(room.messages, room.messages[overflow:])
		for i := n; i < len(room.messages); i++ {
			room.messages[i] = nil
		}
		room.messages = room.messages[:n]
	}

	if commit != nil {
		commit()
	}
	return true
}

// ListMessages returns the unexpired history, oldest first. Expired entries
// are dropped from the room on the way.
func (r *InMemoryRepository) ListMessages(roomID string) []*message.Message {
	room, ok := r.lookup(roomID)
	if !ok {
		return []*message.Message{}
	}

	now := r.clock.Now()
	room.mu.Lock()
	defer room.mu.Unlock()

	room.messages = pruneExpired(room.messages, now)
	out := make([]*message.Message, len(room.messages))
	copy(out, room.messages)
	return out
}

// Members returns the current members ordered by join time.
func (r *InMemoryRepository) Members(roomID string) []Member {
	room, ok := r.lookup(roomID)
	if !ok {
		return []Member{}
	}

	room.mu.Lock()
	members := make([]Member, 0, len(room.members))
	for _, m := range room.members {
		members = append(members, *m)
	}
	room.mu.Unlock()

	sort.Slice(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].ConnectionID < members[j].ConnectionID
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
	return members
}

func (r *InMemoryRepository) IsMember(roomID, connID string) bool {
	room, ok := r.lookup(roomID)
	if !ok {
		return false
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	_, exists := room.members[connID]
	return exists
}

// RoomsOf lists every live room connID belongs to.
func (r *InMemoryRepository) RoomsOf(connID string) []string {
	r.mutex.RLock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mutex.RUnlock()

	ids := make([]string, 0)
	for _, room := range rooms {
		room.mu.Lock()
		if _, exists := room.members[connID]; exists {
			ids = append(ids, room.ID)
		}
		room.mu.Unlock()
	}
	sort.Strings(ids)
	return ids
}

func (r *InMemoryRepository) Exists(roomID string) bool {
	_, ok := r.lookup(roomID)
	return ok
}

// Snapshot returns the lifecycle summary of a live room.
func (r *InMemoryRepository) Snapshot(roomID string) (Stats, bool) {
	room, ok := r.lookup(roomID)
	if !ok {
		return Stats{}, false
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	return room.stats(), true
}

// Count returns the number of live rooms.
func (r *InMemoryRepository) Count() int {
	now := r.clock.Now()
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.liveCount(now)
}

// liveCount expects r.mutex to be held.
func (r *InMemoryRepository) liveCount(now time.Time) int {
	count := 0
	for _, room := range r.rooms {
		if !room.expired(now) {
			count++
		}
	}
	return count
}

// Run drains the expiry queue and sweeps expired messages until ctx is done.
func (r *InMemoryRepository) Run(ctx context.Context) {
	sweep := time.NewTicker(r.sweepInterval)
	defer sweep.Stop()
	timer := time.NewTimer(r.untilNextExpiry())
	defer timer.Stop()

	r.log.Info("room expiry loop started",
		zap.Duration("room_ttl", r.ttl),
		zap.Duration("sweep_interval", r.sweepInterval),
	)

	for {
		select {
		case <-ctx.Done():
			r.log.Info("room expiry loop stopped")
			return
		case <-timer.C:
			r.expireDue()
		case <-r.wake:
		case <-sweep.C:
			r.expireDue()
			if removed := r.sweepMessages(); removed > 0 {
				r.log.Debug("swept expired messages", zap.Int("removed", removed))
			}
		}
		timer.Reset(r.untilNextExpiry())
	}
}

// expireDue deletes every room whose deadline has passed and returns their
// final stats.
func (r *InMemoryRepository) expireDue() []Stats {
	now := r.clock.Now()

	r.mutex.Lock()
	var due []*Room
	for {
		next := r.queue.peek()
		if next == nil || !next.expired(now) {
			break
		}
		heap.Pop(&r.queue)
		delete(r.rooms, next.ID)
		due = append(due, next)
	}
	hooks := append([]func(Stats){}, r.onExpire...)
	r.mutex.Unlock()

	expired := make([]Stats, 0, len(due))
	for _, room := range due {
		room.mu.Lock()
		stats := room.stats()
		room.deleted = true
		room.members = make(map[string]*Member)
		room.messages = nil
		room.mu.Unlock()

		expired = append(expired, stats)
		r.log.Info("room expired",
			zap.String("room", stats.RoomID),
			zap.Int("members", stats.MemberCount),
			zap.Int("messages", stats.MessageCount),
		)
		for _, hook := range hooks {
			hook(stats)
		}
	}
	return expired
}

// sweepMessages drops expired messages from every room, read or not.
func (r *InMemoryRepository) sweepMessages() int {
	now := r.clock.Now()

	r.mutex.RLock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mutex.RUnlock()

	removed := 0
	for _, room := range rooms {
		room.mu.Lock()
		before := len(room.messages)
		room.messages = pruneExpired(room.messages, now)
		removed += before - len(room.messages)
		room.mu.Unlock()
	}
	return removed
}

func (r *InMemoryRepository) untilNextExpiry() time.Duration {
	r.mutex.RLock()
	next := r.queue.peek()
	var deadline time.Time
	if next != nil {
		deadline = next.ExpiresAt
	}
	r.mutex.RUnlock()

	if next == nil {
		return r.ttl
	}
	if d := deadline.Sub(r.clock.Now()); d > 0 {
		return d
	}
	return 0
}

func (r *InMemoryRepository) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// get returns the room even if it has expired but not yet been collected.
func (r *InMemoryRepository) get(roomID string) (*Room, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	room, exists := r.rooms[roomID]
	return room, exists
}

// lookup returns the room only while it is live.
func (r *InMemoryRepository) lookup(roomID string) (*Room, bool) {
	room, exists := r.get(roomID)
	if !exists || room.expired(r.clock.Now()) {
		return nil, false
	}
	return room, true
}

func pruneExpired(msgs []*message.Message, now time.Time) []*message.Message {
	kept := msgs[:0]
	for _, m := range msgs {
		if !m.IsExpired(now) {
			kept = append(kept, m)
		}
	}
	for i := len(kept); i < len(msgs); i++ {
		msgs[i] = nil
	}
	return kept
}
