package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore holds the registry and conflict log in process memory.
// It implements the Store interface and is the default backend.
type MemoryStore struct {
	mu        sync.RWMutex
	actions   map[string]*Action
	conflicts []*ConflictRecord
}

// NewMemoryStore initializes an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		actions: make(map[string]*Action),
	}
}

func (s *MemoryStore) RegisterAction(ctx context.Context, a *Action) error {
	if err := a.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	a.Target = NormalizeTarget(a.Target)
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	if a.Status == "" {
		a.Status = StatusPending
	}
	stored := *a
	s.actions[a.ID] = &stored
	return nil
}

func (s *MemoryStore) GetAction(ctx context.Context, id string) (*Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.actions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListActions(ctx context.Context, f Filter) ([]*Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Action, 0)
	for _, a := range s.actions {
		if f.Matches(a) {
			cp := *a
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) UpdateActionStatus(ctx context.Context, id string, status ActionStatus, reason string, winnerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.actions[id]
	if !ok {
		return ErrNotFound
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
	return nil
}

func (s *MemoryStore) ListActive(ctx context.Context) ([]*Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Action, 0)
	for _, a := range s.actions {
		if a.Status == StatusPending || a.Status == StatusRunning {
			cp := *a
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) FindActiveDuplicate(ctx context.Context, t ActionType, target string, src ActionSource) (*Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	target = NormalizeTarget(target)
	for _, a := range s.actions {
		if a.Status != StatusPending && a.Status != StatusRunning {
			continue
		}
		if a.Type == t && a.Target == target && a.Source == src {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) IncrementDuplicateCount(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.actions[id]
	if !ok {
		return 0, ErrNotFound
	}
	a.DuplicateCount++
	return a.DuplicateCount, nil
}

func (s *MemoryStore) CountActionsByStatus(ctx context.Context, status ActionStatus) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, a := range s.actions {
		if a.Status == status {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) AppendConflict(ctx context.Context, rec *ConflictRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now()
	}
	s.conflicts = append(s.conflicts, &cp)
	return nil
}

func (s *MemoryStore) ConflictsSince(ctx context.Context, since time.Time) ([]*ConflictRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*ConflictRecord, 0)
	for _, rec := range s.conflicts {
		if !rec.Timestamp.Before(since) {
			cp := *rec
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) CountConflictsSince(ctx context.Context, since time.Time) (int, error) {
	recs, err := s.ConflictsSince(ctx, since)
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

func (s *MemoryStore) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, a := range s.actions {
		if a.Status.IsTerminal() && a.CompletedAt != nil && a.CompletedAt.Before(cutoff) {
			delete(s.actions, id)
			purged++
		}
	}
	return purged, nil
}

func (s *MemoryStore) Close() {}
