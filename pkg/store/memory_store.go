package store

import (
	"context"
	"sort"
	"sync"

	"avatarlora/pkg/domain"
)

// MemoryStore is a process-local RunStore used when no database is configured.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]domain.TrainingRun
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: map[string]domain.TrainingRun{}}
}

func (s *MemoryStore) SaveRun(_ context.Context, run domain.TrainingRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (domain.TrainingRun, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	return run, ok, nil
}

func (s *MemoryStore) ListRuns(_ context.Context, userID, avatarID string, limit int) ([]domain.TrainingRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := []domain.TrainingRun{}
	for _, run := range s.runs {
		if run.UserID == userID && run.AvatarID == avatarID {
			res = append(res, run)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}
