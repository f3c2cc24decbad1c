package store

import (
	"context"

	"avatarlora/pkg/domain"
)

// RunStore keeps the history of orchestrated training runs.
type RunStore interface {
	SaveRun(ctx context.Context, run domain.TrainingRun) error
	GetRun(ctx context.Context, id string) (domain.TrainingRun, bool, error)
	// ListRuns returns the newest runs first. limit <= 0 means no limit.
	ListRuns(ctx context.Context, userID, avatarID string, limit int) ([]domain.TrainingRun, error)
}
