package room

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securechat/internal/apperror"
	"securechat/internal/clock"
	"securechat/internal/crypto"
	"securechat/internal/message"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRepo(t *testing.T) (*InMemoryRepository, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(epoch)
	repo := NewInMemoryRepository(Options{
		TTL:           time.Hour,
		HistoryLimit:  100,
		SweepInterval: 10 * time.Second,
		Clock:         clk,
	})
	return repo, clk
}

func creatorKey(t *testing.T) crypto.JWK {
	t.Helper()
	priv, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	return crypto.ExportPublicJWK(priv.PublicKey())
}

func publishAt(repo *InMemoryRepository, roomID string, ttl *int64, now time.Time, body string) *message.Message {
	msg := message.New(roomID, "c1", "Ann", []byte(body), make([]byte, 12), ttl, now)
	repo.AppendMessage(roomID, msg, nil)
	return msg
}

func TestCreate(t *testing.T) {
	repo, _ := newTestRepo(t)
	key := creatorKey(t)

	created, err := repo.Create("Test", key)
	require.NoError(t, err)
	assert.NotEmpty(t, created.RoomID)
	assert.Len(t, created.Passkey, passkeyLength)
	assert.Equal(t, epoch.Add(time.Hour), created.ExpiresAt)
	for _, c := range created.Passkey {
		assert.Contains(t, passkeyAlphabet, string(c))
	}

	other, err := repo.Create("Test", key)
	require.NoError(t, err)
	assert.NotEqual(t, created.RoomID, other.RoomID)
	assert.Equal(t, 2, repo.Count())

	t.Run("requires a name", func(t *testing.T) {
		_, err := repo.Create("  ", key)
		assert.True(t, apperror.Is(err, apperror.CodeInvalidInput))
	})

	t.Run("requires a creator key", func(t *testing.T) {
		_, err := repo.Create("Test", crypto.JWK{})
		assert.True(t, apperror.Is(err, apperror.CodeInvalidInput))
	})
}

func TestCreate_RoomLimitUnderContention(t *testing.T) {
	clk := clock.Fake(epoch)
	repo := NewInMemoryRepository(Options{TTL: time.Hour, MaxRooms: 5, Clock: clk})
	key := creatorKey(t)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		limited int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Create("Test", key)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if assert.ErrorIs(t, err, apperror.ErrRoomLimit) {
				limited++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, ok)
	assert.Equal(t, 45, limited)
	assert.Equal(t, 5, repo.Count())

	// expired rooms free their slots before the expiry loop collects them
	clk.Advance(2 * time.Hour)
	_, err := repo.Create("Test", key)
	assert.NoError(t, err)
}

func TestValidateAndDescribe(t *testing.T) {
	repo, _ := newTestRepo(t)
	key := creatorKey(t)
	created, err := repo.Create("Test", key)
	require.NoError(t, err)

	t.Run("wrong passkey is unauthorized and discloses nothing", func(t *testing.T) {
		for _, wrong := range []string{"", "AAAAAAAA", created.Passkey + "X", created.Passkey[:6]} {
			desc, err := repo.ValidateAndDescribe(created.RoomID, wrong)
			assert.Nil(t, desc)
			assert.ErrorIs(t, err, apperror.ErrInvalidPasskey)
		}
	})

	t.Run("unknown room is not found", func(t *testing.T) {
		_, err := repo.ValidateAndDescribe("missing", created.Passkey)
		assert.ErrorIs(t, err, apperror.ErrRoomNotFound)
	})

	t.Run("idempotent and side-effect free", func(t *testing.T) {
		first, err := repo.ValidateAndDescribe(created.RoomID, created.Passkey)
		require.NoError(t, err)
		second, err := repo.ValidateAndDescribe(created.RoomID, created.Passkey)
		require.NoError(t, err)

		assert.Equal(t, first, second)
		assert.Equal(t, key, first.CreatorPublicKey)
		assert.Equal(t, "Test", first.RoomName)
		assert.Empty(t, repo.Members(created.RoomID))
		assert.Empty(t, repo.ListMessages(created.RoomID))
	})

	t.Run("passkey is case and space tolerant", func(t *testing.T) {
		_, err := repo.ValidateAndDescribe(created.RoomID, " "+lower(created.Passkey)+" ")
		assert.NoError(t, err)
	})
}

func lower(s string) string {
	out := []rune(s)
	for i, r := range out {
		if r >= 'A' && r <= 'Z' {
			out[i] = r + ('a' - 'A')
		}
	}
	return string(out)
}

func TestExpiredRoomBehavesAsAbsent(t *testing.T) {
	repo, clk := newTestRepo(t)
	created, err := repo.Create("Test", creatorKey(t))
	require.NoError(t, err)

	require.NoError(t, repo.AddMember(created.RoomID, Member{ConnectionID: "c1", Nickname: "Ann"}))
	publishAt(repo, created.RoomID, nil, clk.Now(), "hello")

	clk.Advance(time.Hour)

	// the background loop has not run yet; reads must still hide the room
	_, err = repo.ValidateAndDescribe(created.RoomID, created.Passkey)
	assert.ErrorIs(t, err, apperror.ErrRoomNotFound)
	assert.Empty(t, repo.ListMessages(created.RoomID))
	assert.ErrorIs(t, repo.AddMember(created.RoomID, Member{ConnectionID: "c2"}), apperror.ErrRoomNotFound)
	assert.False(t, repo.IsMember(created.RoomID, "c1"))
	assert.Equal(t, UnknownName, repo.ResolveName(created.RoomID, "c1"))
	assert.False(t, repo.AppendMessage(created.RoomID, message.New(created.RoomID, "c1", "Ann", []byte("x"), nil, nil, clk.Now()), nil))
	assert.False(t, repo.Exists(created.RoomID))
	assert.Equal(t, 0, repo.Count())
}

func TestExpireDue(t *testing.T) {
	repo, clk := newTestRepo(t)

	var hooked []Stats
	repo.OnExpire(func(s Stats) { hooked = append(hooked, s) })

	first, err := repo.Create("first", creatorKey(t))
	require.NoError(t, err)
	clk.Advance(10 * time.Minute)
	second, err := repo.Create("second", creatorKey(t))
	require.NoError(t, err)
	require.NoError(t, repo.AddMember(first.RoomID, Member{ConnectionID: "c1", Nickname: "Ann"}))

	clk.Advance(50 * time.Minute)
	expired := repo.expireDue()
	require.Len(t, expired, 1)
	assert.Equal(t, first.RoomID, expired[0].RoomID)
	assert.Equal(t, 1, expired[0].MemberCount)
	assert.Equal(t, expired, hooked)
	assert.Empty(t, repo.RoomsOf("c1"))

	_, stillThere := repo.get(second.RoomID)
	assert.True(t, stillThere)

	clk.Advance(10 * time.Minute)
	expired = repo.expireDue()
	require.Len(t, expired, 1)
	assert.Equal(t, second.RoomID, expired[0].RoomID)
	assert.Zero(t, repo.queue.Len())
}

func TestMessageTTLBoundary(t *testing.T) {
	repo, clk := newTestRepo(t)
	created, err := repo.Create("Test", creatorKey(t))
	require.NoError(t, err)

	ttl := int64(30)
	msg := publishAt(repo, created.RoomID, &ttl, clk.Now(), "ephemeral")
	publishAt(repo, created.RoomID, nil, clk.Now(), "durable")
	require.NotNil(t, msg.ExpiresAt)
	assert.Equal(t, msg.Timestamp+30_000, *msg.ExpiresAt)

	clk.Set(time.UnixMilli(*msg.ExpiresAt - 1))
	assert.Len(t, repo.ListMessages(created.RoomID), 2, "still served one millisecond before expiry")

	clk.Set(time.UnixMilli(*msg.ExpiresAt))
	msgs := repo.ListMessages(created.RoomID)
	require.Len(t, msgs, 1, "gone exactly at expiry")
	assert.Equal(t, []byte("durable"), msgs[0].Ciphertext)
}

func TestSweepMessages(t *testing.T) {
	repo, clk := newTestRepo(t)
	created, err := repo.Create("Test", creatorKey(t))
	require.NoError(t, err)

	ttl := int64(5)
	for i := 0; i < 3; i++ {
		publishAt(repo, created.RoomID, &ttl, clk.Now(), fmt.Sprint(i))
	}
	publishAt(repo, created.RoomID, nil, clk.Now(), "keep")

	clk.Advance(6 * time.Second)
	assert.Equal(t, 3, repo.sweepMessages())

	room, _ := repo.get(created.RoomID)
	assert.Len(t, room.messages, 1, "memory reclaimed without a read")
}

func TestHistoryCap(t *testing.T) {
	repo, clk := newTestRepo(t)
	created, err := repo.Create("Test", creatorKey(t))
	require.NoError(t, err)

	for i := 0; i < 105; i++ {
		publishAt(repo, created.RoomID, nil, clk.Now(), fmt.Sprintf("m%03d", i))
		clk.Advance(time.Millisecond)
	}

	msgs := repo.ListMessages(created.RoomID)
	require.Len(t, msgs, 100)
	assert.Equal(t, []byte("m005"), msgs[0].Ciphertext)
	assert.Equal(t, []byte("m104"), msgs[99].Ciphertext)
}

func TestMembership(t *testing.T) {
	repo, _ := newTestRepo(t)
	repo.maxMembers = 2
	created, err := repo.Create("Test", creatorKey(t))
	require.NoError(t, err)
	other, err := repo.Create("Other", creatorKey(t))
	require.NoError(t, err)

	require.NoError(t, repo.AddMember(created.RoomID, Member{ConnectionID: "c1", Nickname: "Ann"}))
	require.NoError(t, repo.AddMember(created.RoomID, Member{ConnectionID: "c2", Nickname: "Bob"}))
	require.NoError(t, repo.AddMember(other.RoomID, Member{ConnectionID: "c1", Nickname: "Ann"}))

	err = repo.AddMember(created.RoomID, Member{ConnectionID: "c3", Nickname: "Cid"})
	assert.True(t, apperror.Is(err, apperror.CodeInvalidInput), "room full")
	assert.NoError(t, repo.AddMember(created.RoomID, Member{ConnectionID: "c2", Nickname: "Bobby"}), "rejoin refreshes")

	assert.Equal(t, "Bobby", repo.ResolveName(created.RoomID, "c2"))
	assert.Equal(t, UnknownName, repo.ResolveName(created.RoomID, "c9"))
	assert.ElementsMatch(t, []string{created.RoomID, other.RoomID}, repo.RoomsOf("c1"))

	removed, ok := repo.RemoveMember(created.RoomID, "c1")
	require.True(t, ok)
	assert.Equal(t, "Ann", removed.Nickname)
	_, ok = repo.RemoveMember(created.RoomID, "c1")
	assert.False(t, ok)

	_, ok = repo.RemoveMember("missing", "c1")
	assert.False(t, ok, "no-op when room is gone")

	members := repo.Members(created.RoomID)
	require.Len(t, members, 1)
	assert.Equal(t, "c2", members[0].ConnectionID)
}

func TestAppendMessage_CommitOrder(t *testing.T) {
	repo, clk := newTestRepo(t)
	created, err := repo.Create("Test", creatorKey(t))
	require.NoError(t, err)

	var (
		mu        sync.Mutex
		delivered []string
		wg        sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := message.New(created.RoomID, "c1", "Ann", []byte(fmt.Sprint(i)), nil, nil, clk.Now())
			repo.AppendMessage(created.RoomID, msg, func() {
				mu.Lock()
				delivered = append(delivered, msg.ID)
				mu.Unlock()
			})
		}(i)
	}
	wg.Wait()

	history := repo.ListMessages(created.RoomID)
	require.Len(t, history, 50)
	for i, msg := range history {
		assert.Equal(t, msg.ID, delivered[i], "broadcast order matches history order")
	}
}

func TestRun_ExpiresInBackground(t *testing.T) {
	repo := NewInMemoryRepository(Options{TTL: 30 * time.Millisecond, SweepInterval: 10 * time.Millisecond})

	expired := make(chan Stats, 1)
	repo.OnExpire(func(s Stats) { expired <- s })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go repo.Run(ctx)

	created, err := repo.Create("Test", creatorKey(t))
	require.NoError(t, err)

	select {
	case s := <-expired:
		assert.Equal(t, created.RoomID, s.RoomID)
	case <-time.After(2 * time.Second):
		t.Fatal("room was not expired by the background loop")
	}

	_, exists := repo.get(created.RoomID)
	assert.False(t, exists)
}
