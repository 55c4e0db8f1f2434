package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Deepak-Melkani/soulara-realtime/internal/chat"
)

// Requires Redis on localhost:6379.
const testRedisAddr = "localhost:6379"

func setupTestStore(t *testing.T) *ChatListStore {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: testRedisAddr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("Redis not available at %s: %v", testRedisAddr, err)
	}

	store := New(client, "soulara:test:", time.Minute)
	t.Cleanup(func() {
		client.Del(ctx, store.key("me"))
		client.Close()
	})
	return store
}

func TestNewDefaults(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: testRedisAddr})
	defer client.Close()

	s := New(client, "", 0)
	assert.Equal(t, DefaultPrefix, s.prefix)
	assert.Equal(t, DefaultTTL, s.ttl)
	assert.Equal(t, DefaultPrefix+"u1", s.key("u1"))
}

func TestSaveLoad(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	list, err := store.Load(ctx, "me")
	require.NoError(t, err)
	assert.Nil(t, list)

	updated := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	want := []chat.Conversation{{
		ID:          "c1",
		RoomID:      "me-u2",
		Me:          chat.Participant{ID: "me", FirstName: "You"},
		Other:       chat.Participant{ID: "u2", FirstName: "Ann", LastName: "Lee"},
		LastMessage: &chat.Preview{Body: "hi", Kind: chat.KindText, SenderID: "u2", At: updated},
		UnreadCount: 2,
		UpdatedAt:   updated,
	}}
	require.NoError(t, store.Save(ctx, "me", want))

	got, err := store.Load(ctx, "me")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	ttl, err := store.client.TTL(ctx, store.key("me")).Result()
	require.NoError(t, err)
	assert.True(t, ttl > 0 && ttl <= time.Minute, "ttl = %v", ttl)

	require.NoError(t, store.Delete(ctx, "me"))
	got, err = store.Load(ctx, "me")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDialUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Dial(ctx, Config{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}
