package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tosin2013/openshift-coordination-engine/engine/observability"
)

// RedisStore implements the Store interface using Redis. It keeps one JSON
// record per action key and the conflict log in a single list.
//
// Domain-level races (two submissions for one target) are serialized by the
// resolver's lock arena before the store is touched; the local mutex here
// only protects the read-modify-write of a single record against the
// background sweepers.
type RedisStore struct {
	client *redis.Client
	mu     sync.Mutex
}

// NewRedisStore connects and verifies the Redis backend.
func NewRedisStore(addr string, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) observe(start time.Time) {
	observability.StoreLatency.WithLabelValues("redis").Observe(time.Since(start).Seconds())
}

func (s *RedisStore) getAction(ctx context.Context, id string) (*Action, error) {
	val, err := s.client.Get(ctx, ActionKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var a Action
	if err := json.Unmarshal([]byte(val), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *RedisStore) putAction(ctx context.Context, a *Action) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, ActionKey(a.ID), data, 0).Err()
}

func (s *RedisStore) RegisterAction(ctx context.Context, a *Action) error {
	start := time.Now()
	defer s.observe(start)

	if err := a.Validate(); err != nil {
		return err
	}
	a.Target = NormalizeTarget(a.Target)
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	if a.Status == "" {
		a.Status = StatusPending
	}
	return s.putAction(ctx, a)
}

func (s *RedisStore) GetAction(ctx context.Context, id string) (*Action, error) {
	start := time.Now()
	defer s.observe(start)
	return s.getAction(ctx, id)
}

func (s *RedisStore) scanActions(ctx context.Context, keep func(*Action) bool) ([]*Action, error) {
	var result []*Action
	iter := s.client.Scan(ctx, 0, ActionKeyPattern(), 0).Iterator()
	for iter.Next(ctx) {
		val, err := s.client.Get(ctx, iter.Val()).Result()
		if errors.Is(err, redis.Nil) {
			continue // purged between scan and get
		}
		if err != nil {
			return nil, err
		}
		var a Action
		if err := json.Unmarshal([]byte(val), &a); err != nil {
			return nil, err
		}
		if keep(&a) {
			result = append(result, &a)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *RedisStore) ListActions(ctx context.Context, f Filter) ([]*Action, error) {
	start := time.Now()
	defer s.observe(start)
	return s.scanActions(ctx, f.Matches)
}

func (s *RedisStore) UpdateActionStatus(ctx context.Context, id string, status ActionStatus, reason string, winnerID string) error {
	start := time.Now()
	defer s.observe(start)

	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.getAction(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(a.Status, status) {
		return ErrInvalidTransition
	}

	now := time.Now()
	a.Status = status
	if reason != "" {
		a.Reason = reason
	}
	if winnerID != "" {
		a.WinnerID = winnerID
	}
	switch {
	case status == StatusRunning:
		a.StartedAt = &now
	case status.IsTerminal():
		a.CompletedAt = &now
	}
	return s.putAction(ctx, a)
}

func (s *RedisStore) ListActive(ctx context.Context) ([]*Action, error) {
	start := time.Now()
	defer s.observe(start)
	return s.scanActions(ctx, func(a *Action) bool {
		return a.Status == StatusPending || a.Status == StatusRunning
	})
}

func (s *RedisStore) FindActiveDuplicate(ctx context.Context, t ActionType, target string, src ActionSource) (*Action, error) {
	start := time.Now()
	defer s.observe(start)

	target = NormalizeTarget(target)
	matches, err := s.scanActions(ctx, func(a *Action) bool {
		return (a.Status == StatusPending || a.Status == StatusRunning) &&
			a.Type == t && a.Target == target && a.Source == src
	})
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return matches[0], nil
}

func (s *RedisStore) IncrementDuplicateCount(ctx context.Context, id string) (int, error) {
	start := time.Now()
	defer s.observe(start)

	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.getAction(ctx, id)
	if err != nil {
		return 0, err
	}
	a.DuplicateCount++
	if err := s.putAction(ctx, a); err != nil {
		return 0, err
	}
	return a.DuplicateCount, nil
}

func (s *RedisStore) CountActionsByStatus(ctx context.Context, status ActionStatus) (int, error) {
	start := time.Now()
	defer s.observe(start)

	matches, err := s.scanActions(ctx, func(a *Action) bool { return a.Status == status })
	if err != nil {
		return 0, err
	}
	return len(matches), nil
}

func (s *RedisStore) AppendConflict(ctx context.Context, rec *ConflictRecord) error {
	start := time.Now()
	defer s.observe(start)

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, conflictListKey, data).Err()
}

func (s *RedisStore) ConflictsSince(ctx context.Context, since time.Time) ([]*ConflictRecord, error) {
	start := time.Now()
	defer s.observe(start)

	vals, err := s.client.LRange(ctx, conflictListKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	result := make([]*ConflictRecord, 0)
	for _, val := range vals {
		var rec ConflictRecord
		if err := json.Unmarshal([]byte(val), &rec); err != nil {
			return nil, err
		}
		if !rec.Timestamp.Before(since) {
			result = append(result, &rec)
		}
	}
	return result, nil
}

func (s *RedisStore) CountConflictsSince(ctx context.Context, since time.Time) (int, error) {
	recs, err := s.ConflictsSince(ctx, since)
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

func (s *RedisStore) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	start := time.Now()
	defer s.observe(start)

	expired, err := s.scanActions(ctx, func(a *Action) bool {
		return a.Status.IsTerminal() && a.CompletedAt != nil && a.CompletedAt.Before(cutoff)
	})
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, a := range expired {
		if err := s.client.Del(ctx, ActionKey(a.ID)).Err(); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

func (s *RedisStore) Close() {
	s.client.Close()
}
