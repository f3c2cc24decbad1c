package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"avatarlora/pkg/domain"
	"avatarlora/pkg/persistence"
	"avatarlora/pkg/queue"
	"avatarlora/pkg/storage"
	"avatarlora/pkg/store"
	"avatarlora/pkg/training"
)

// Config holds runtime configuration for the core application.
type Config struct {
	Objects          storage.ObjectStore
	StorageRoot      string
	PresignExpiry    time.Duration
	ProbeConcurrency int
	// FixedUserID replaces the per-request user id when set.
	FixedUserID string
	// DataDir confines local backup/restore paths.
	DataDir          string
	Runs             store.RunStore
	Queue            *queue.RedisJobQueue
	Procedure        training.Procedure
	PrepareDocuments bool
	Logger           *slog.Logger
}

// App wires the persistence manager, orchestrator, job queue and run registry.
type App struct {
	objects     storage.ObjectStore
	persistCfg  persistence.Config
	fixedUserID string
	dataDir     string
	runs        store.RunStore
	queue       *queue.RedisJobQueue
	trainer     *training.Orchestrator
	log         *slog.Logger
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Objects == nil {
		return nil, errors.New("object store required")
	}
	if cfg.Procedure == nil {
		return nil, errors.New("training procedure required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runs := cfg.Runs
	if runs == nil {
		runs = store.NewMemoryStore()
	}
	dataDir := strings.TrimSpace(cfg.DataDir)
	if dataDir == "" {
		dataDir = "data"
	}
	absData, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}
	if err := os.MkdirAll(absData, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &App{
		objects: cfg.Objects,
		persistCfg: persistence.Config{
			Objects:          cfg.Objects,
			Root:             cfg.StorageRoot,
			PresignExpiry:    cfg.PresignExpiry,
			ProbeConcurrency: cfg.ProbeConcurrency,
			Logger:           logger,
		},
		fixedUserID: strings.TrimSpace(cfg.FixedUserID),
		dataDir:     absData,
		runs:        runs,
		queue:       cfg.Queue,
		trainer: training.NewOrchestrator(training.OrchestratorConfig{
			Procedure:        cfg.Procedure,
			Runs:             runs,
			PrepareDocuments: cfg.PrepareDocuments,
			Logger:           logger,
		}),
		log: logger,
	}, nil
}

// ResolveUser applies the process-wide user id, if one is configured.
func (a *App) ResolveUser(userID string) string {
	if a.fixedUserID != "" {
		return a.fixedUserID
	}
	return strings.TrimSpace(userID)
}

// Manager returns a persistence manager scoped to (userID, avatarID).
// Invalid identities surface as persistence.ErrValidation.
func (a *App) Manager(userID, avatarID string) (*persistence.Manager, error) {
	return persistence.NewManager(a.persistCfg, a.ResolveUser(userID), strings.TrimSpace(avatarID))
}

// Bucket reports the configured bucket name.
func (a *App) Bucket() string {
	return a.objects.Bucket()
}

// Train runs one training attempt synchronously.
func (a *App) Train(ctx context.Context, userID, avatarID string, params training.Params) (training.Outcome, error) {
	m, err := a.Manager(userID, avatarID)
	if err != nil {
		return training.Outcome{}, err
	}
	// a started run finishes even if the requester disconnects
	return a.trainer.Train(context.WithoutCancel(ctx), m, params)
}

// EnqueueTraining schedules an asynchronous training attempt.
func (a *App) EnqueueTraining(ctx context.Context, userID, avatarID string, params training.Params) (queue.TrainingJob, error) {
	if a.queue == nil {
		return queue.TrainingJob{}, ErrQueueDisabled
	}
	m, err := a.Manager(userID, avatarID)
	if err != nil {
		return queue.TrainingJob{}, err
	}
	return a.queue.Enqueue(ctx, queue.JobRequest{UserID: m.UserID(), AvatarID: m.AvatarID(), Params: params})
}

// GetJob returns a queued job if it belongs to (userID, avatarID).
func (a *App) GetJob(ctx context.Context, userID, avatarID, jobID string) (queue.TrainingJob, error) {
	if a.queue == nil {
		return queue.TrainingJob{}, ErrQueueDisabled
	}
	job, ok, err := a.queue.GetJob(ctx, jobID)
	if err != nil {
		return queue.TrainingJob{}, err
	}
	if !ok || job.UserID != a.ResolveUser(userID) || job.AvatarID != avatarID {
		return queue.TrainingJob{}, ErrJobNotFound
	}
	return job, nil
}

// StartWorkers consumes queued training jobs until ctx is done.
func (a *App) StartWorkers(ctx context.Context, concurrency int) {
	if a.queue == nil {
		return
	}
	a.queue.Start(ctx, concurrency, a.handleJob)
}

func (a *App) handleJob(ctx context.Context, job queue.TrainingJob) (queue.JobResult, error) {
	m, err := persistence.NewManager(a.persistCfg, job.UserID, job.AvatarID)
	if err != nil {
		return queue.JobResult{}, err
	}
	outcome, err := a.trainer.Train(ctx, m, job.Params)
	if err != nil {
		return queue.JobResult{}, err
	}
	return queue.JobResult{RunID: outcome.RunID, Success: outcome.Success, Message: outcome.Message}, nil
}

// ListRuns returns recorded training runs, newest first.
func (a *App) ListRuns(ctx context.Context, userID, avatarID string, limit int) ([]domain.TrainingRun, error) {
	return a.runs.ListRuns(ctx, a.ResolveUser(userID), avatarID, limit)
}

// ValidateTrainingData reports on the flagged training files.
func (a *App) ValidateTrainingData(ctx context.Context, userID, avatarID string) (training.ValidationReport, error) {
	m, err := a.Manager(userID, avatarID)
	if err != nil {
		return training.ValidationReport{}, err
	}
	return training.ValidateTrainingData(ctx, m)
}

// RecommendParameters sizes training parameters to the flagged data.
func (a *App) RecommendParameters(ctx context.Context, userID, avatarID string) (training.Recommendation, error) {
	m, err := a.Manager(userID, avatarID)
	if err != nil {
		return training.Recommendation{}, err
	}
	return training.RecommendParameters(ctx, m)
}

// LocalPath resolves rel inside the data directory.
func (a *App) LocalPath(rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if rel == "" {
		return "", fmt.Errorf("%w: local path required", persistence.ErrValidation)
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: local path must be relative to the data directory", persistence.ErrValidation)
	}
	clean := filepath.Clean(rel)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: local path escapes the data directory", persistence.ErrValidation)
	}
	return filepath.Join(a.dataDir, clean), nil
}

// Ping checks the object store.
func (a *App) Ping(ctx context.Context) error {
	return a.objects.Ping(ctx)
}

// Close releases the queue connection and the run registry.
func (a *App) Close() error {
	var errs []error
	if a.queue != nil {
		errs = append(errs, a.queue.Close())
	}
	if c, ok := a.runs.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
