package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"kindled/pkg/engagement"
)

// State lives in Redis: it is small, hot, and fine to age out if a pair
// goes quiet for long enough.
const stateTTL = 30 * 24 * time.Hour

// RedisStateStore holds engagement, rate, and sweep state.
type RedisStateStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStateStore(url string, prefix string) (*RedisStateStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStateStore{client: client, prefix: prefix}, nil
}

func (s *RedisStateStore) Close() error {
	return s.client.Close()
}

func (s *RedisStateStore) key(parts ...string) string {
	if s.prefix == "" {
		return strings.Join(parts, ":")
	}
	return s.prefix + ":" + strings.Join(parts, ":")
}

// getJSON loads key into dest. A missing key leaves dest untouched and
// returns nil; callers start from the zero value.
func (s *RedisStateStore) getJSON(ctx context.Context, key string, dest any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

func (s *RedisStateStore) setJSON(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return s.client.Set(ctx, key, data, stateTTL).Err()
}

func (s *RedisStateStore) SweepState(ctx context.Context, userID string) (*SweepState, error) {
	st := &SweepState{}
	if err := s.getJSON(ctx, s.key("sweep", userID), st); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *RedisStateStore) SaveSweepState(ctx context.Context, userID string, st *SweepState) error {
	return s.setJSON(ctx, s.key("sweep", userID), st)
}

func (s *RedisStateStore) RateState(ctx context.Context, userID, personaID string) (*RateState, error) {
	st := &RateState{}
	if err := s.getJSON(ctx, s.key("rate", userID, personaID), st); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *RedisStateStore) SaveRateState(ctx context.Context, userID, personaID string, st *RateState) error {
	return s.setJSON(ctx, s.key("rate", userID, personaID), st)
}

func (s *RedisStateStore) PairState(ctx context.Context, userID, personaID string) (*engagement.PairState, error) {
	st := engagement.NewPairState()
	if err := s.getJSON(ctx, s.key("engage", userID, personaID), st); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *RedisStateStore) SavePairState(ctx context.Context, userID, personaID string, st *engagement.PairState) error {
	return s.setJSON(ctx, s.key("engage", userID, personaID), st)
}

// DeletePairState drops every state key for the pair. Used on unmatch so
// a later rematch starts clean.
func (s *RedisStateStore) DeletePairState(ctx context.Context, userID, personaID string) error {
	return s.client.Del(ctx,
		s.key("engage", userID, personaID),
		s.key("rate", userID, personaID),
	).Err()
}
