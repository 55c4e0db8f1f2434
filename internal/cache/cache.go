// Package cache stores chat list snapshots in Redis.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/Deepak-Melkani/soulara-realtime/internal/chat"
)

const (
	DefaultPrefix = "soulara:chatlist:"
	DefaultTTL    = 24 * time.Hour
)

// Config holds the Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// ChatListStore keeps the last fetched chat list of each user as JSON.
type ChatListStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// New creates a store on client. Empty prefix and zero ttl take the
// defaults.
func New(client redis.UniversalClient, prefix string, ttl time.Duration) *ChatListStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ChatListStore{client: client, prefix: prefix, ttl: ttl}
}

// Dial connects to the Redis server of cfg and checks it answers.
func Dial(ctx context.Context, cfg Config) (*ChatListStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "ping redis %s", cfg.Addr)
	}
	return New(client, cfg.Prefix, cfg.TTL), nil
}

func (s *ChatListStore) key(userID string) string {
	return s.prefix + userID
}

// Load returns the stored list of userID, or nil when there is none.
func (s *ChatListStore) Load(ctx context.Context, userID string) ([]chat.Conversation, error) {
	data, err := s.client.Get(ctx, s.key(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "cache get")
	}

	var list []chat.Conversation
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, errors.Wrap(err, "cache unmarshal")
	}
	return list, nil
}

// Save stores list for userID with the store's TTL.
func (s *ChatListStore) Save(ctx context.Context, userID string, list []chat.Conversation) error {
	data, err := json.Marshal(list)
	if err != nil {
		return errors.Wrap(err, "cache marshal")
	}
	if err := s.client.Set(ctx, s.key(userID), data, s.ttl).Err(); err != nil {
		return errors.Wrap(err, "cache set")
	}
	return nil
}

// Delete removes the list of userID.
func (s *ChatListStore) Delete(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.key(userID)).Err(); err != nil {
		return errors.Wrap(err, "cache delete")
	}
	return nil
}

// Close closes the Redis client.
func (s *ChatListStore) Close() error {
	return s.client.Close()
}
