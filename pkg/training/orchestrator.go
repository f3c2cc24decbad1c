// Package training runs training attempts against an avatar's stored adapter.
package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"avatarlora/pkg/domain"
	"avatarlora/pkg/persistence"
)

// Persistence is the subset of the persistence manager the orchestrator relies on.
type Persistence interface {
	UserID() string
	AvatarID() string
	TrainingFilesForTraining(ctx context.Context) []string
	ListTrainingFiles(ctx context.Context, trainingOnly *bool) ([]domain.TrainingFile, error)
	RestoreAdapters(ctx context.Context, dir string) error
	CreateAdapter(ctx context.Context, name string) (persistence.CreateResult, error)
	DownloadTrainingFile(ctx context.Context, filename, dir string) (string, error)
	BackupAdapters(ctx context.Context, dir string) (domain.BackupMetadata, error)
}

// RunRecorder stores a record of each attempt.
type RunRecorder interface {
	SaveRun(ctx context.Context, run domain.TrainingRun) error
}

// persistTimeout bounds storing a finished attempt once it is detached from the caller.
const persistTimeout = 5 * time.Minute

const (
	MessageNoTrainingData = "no training data: no files are flagged for training"
	MessageNoFilesFetched = "no training files could be downloaded"
)

type OrchestratorConfig struct {
	Procedure Procedure
	Runs      RunRecorder
	Defaults  Params
	// PrepareDocuments converts PDF/HTML/EPUB inputs to text before training.
	PrepareDocuments bool
	Logger           *slog.Logger
	Now              func() time.Time
}

type Orchestrator struct {
	procedure Procedure
	runs      RunRecorder
	defaults  Params
	prepare   bool
	log       *slog.Logger
	now       func() time.Time
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	defaults := cfg.Defaults
	if defaults == nil {
		defaults = DefaultParams()
	}
	return &Orchestrator{
		procedure: cfg.Procedure,
		runs:      cfg.Runs,
		defaults:  defaults,
		prepare:   cfg.PrepareDocuments,
		log:       logger,
		now:       now,
	}
}

// Outcome aggregates one training attempt.
type Outcome struct {
	RunID           string                 `json:"run_id"`
	Success         bool                   `json:"success"`
	Message         string                 `json:"message"`
	FilesUsed       []string               `json:"files_used"`
	SkippedFiles    []string               `json:"skipped_files,omitempty"`
	Parameters      Params                 `json:"parameters,omitempty"`
	DurationSeconds float64                `json:"duration_seconds"`
	Metrics         *Result                `json:"metrics,omitempty"`
	AdapterStatus   domain.AdapterStatus   `json:"adapter_status,omitempty"`
	BackupMetadata  *domain.BackupMetadata `json:"backup_metadata,omitempty"`
}

// Train performs a single attempt: restore or create the adapter, fetch the flagged
// files, run the procedure, record the result in the adapter config and back it up.
// Expected failures come back as an Outcome with Success=false; an error means the
// attempt could not be carried out or its result could not be stored.
func (o *Orchestrator) Train(ctx context.Context, p Persistence, overrides Params) (Outcome, error) {
	log := o.log.With("user_id", p.UserID(), "avatar_id", p.AvatarID())
	outcome := Outcome{RunID: uuid.NewString(), FilesUsed: []string{}}

	files := p.TrainingFilesForTraining(ctx)
	if len(files) == 0 {
		outcome.Message = MessageNoTrainingData
		o.record(ctx, p, outcome, domain.RunNoData)
		return outcome, nil
	}

	scratch, err := os.MkdirTemp("", "avatarlora-train-*")
	if err != nil {
		return Outcome{}, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)
	adapterDir := filepath.Join(scratch, "adapter")
	dataDir := filepath.Join(scratch, "training_data")

	if err := o.restoreOrCreate(ctx, p, adapterDir); err != nil {
		return Outcome{}, err
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return Outcome{}, fmt.Errorf("create data dir: %w", err)
	}
	for _, name := range files {
		if _, err := p.DownloadTrainingFile(ctx, name, dataDir); err != nil {
			log.Warn("skipping training file", "filename", name, "err", err)
			outcome.SkippedFiles = append(outcome.SkippedFiles, name)
			continue
		}
		outcome.FilesUsed = append(outcome.FilesUsed, name)
	}
	if len(outcome.FilesUsed) == 0 {
		outcome.Message = MessageNoFilesFetched
		o.record(ctx, p, outcome, domain.RunFailed)
		return outcome, nil
	}
	if o.prepare {
		if converted := PrepareDocuments(dataDir, log); len(converted) > 0 {
			log.Info("training documents converted", "count", len(converted))
		}
	}

	cfg := o.loadConfig(p, adapterDir, log)
	if err := cfg.SetStatus(domain.AdapterTraining); err != nil {
		log.Warn("resetting adapter status", "status", cfg.Status, "err", err)
		cfg.Status = domain.AdapterUntrained
		_ = cfg.SetStatus(domain.AdapterTraining)
	}

	params := MergeParams(o.defaults, overrides)
	outcome.Parameters = params
	log.Info("training started", "files", len(outcome.FilesUsed), "run_id", outcome.RunID)
	start := o.now()
	res := runProcedure(ctx, o.procedure, adapterDir, dataDir, params)
	duration := o.now().Sub(start).Seconds()
	if res.DurationSeconds > 0 {
		duration = res.DurationSeconds
	}
	res.DurationSeconds = duration

	finished := o.now().UTC()
	final := domain.AdapterTrainingFailed
	if res.Success {
		final = domain.AdapterTrained
		cfg.LastTrained = &finished
		cfg.LastError = ""
	} else {
		cfg.LastError = res.Message
	}
	if err := cfg.SetStatus(final); err != nil {
		return Outcome{}, err
	}
	cfg.LastUpdated = &finished
	cfg.LastTrainingDurationSeconds = duration
	cfg.TrainingHistory = append(cfg.TrainingHistory, domain.TrainingAttempt{
		Timestamp:       finished,
		FilesUsed:       outcome.FilesUsed,
		Parameters:      params,
		Success:         res.Success,
		FinalLoss:       res.FinalLoss,
		Steps:           res.Steps,
		Message:         res.Message,
		DurationSeconds: duration,
	})
	if err := persistence.WriteAdapterConfig(adapterDir, cfg); err != nil {
		return Outcome{}, err
	}

	// the outcome is stored even when the caller has gone away; failed runs are backed up too
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	meta, err := p.BackupAdapters(persistCtx, adapterDir)
	if err != nil {
		return Outcome{}, fmt.Errorf("backup adapter after training: %w", err)
	}

	outcome.Success = res.Success
	outcome.Message = res.Message
	if outcome.Message == "" {
		outcome.Message = "training completed"
		if !res.Success {
			outcome.Message = "training failed"
		}
	}
	outcome.DurationSeconds = duration
	outcome.Metrics = &res
	outcome.AdapterStatus = final
	outcome.BackupMetadata = &meta
	status := domain.RunSucceeded
	if !res.Success {
		status = domain.RunFailed
	}
	o.record(persistCtx, p, outcome, status)
	log.Info("training finished", "success", res.Success, "status", final, "duration_seconds", duration)
	return outcome, nil
}

func (o *Orchestrator) restoreOrCreate(ctx context.Context, p Persistence, dir string) error {
	err := p.RestoreAdapters(ctx, dir)
	if errors.Is(err, persistence.ErrNotFound) {
		if _, err := p.CreateAdapter(ctx, ""); err != nil {
			return fmt.Errorf("create adapter: %w", err)
		}
		err = p.RestoreAdapters(ctx, dir)
	}
	if err != nil {
		return fmt.Errorf("restore adapter: %w", err)
	}
	return nil
}

// loadConfig reads the bundle's config, starting a fresh one when it is missing or unreadable.
func (o *Orchestrator) loadConfig(p Persistence, dir string, log *slog.Logger) domain.AdapterConfig {
	cfg, err := persistence.ReadAdapterConfig(dir)
	if err == nil {
		if _, perr := domain.ParseAdapterStatus(string(cfg.Status)); perr == nil {
			if cfg.Status == "" {
				cfg.Status = domain.AdapterUntrained
			}
			return cfg
		}
		log.Warn("adapter config has unknown status", "status", cfg.Status)
		cfg.Status = domain.AdapterUntrained
		return cfg
	}
	log.Warn("adapter config unreadable, starting a new one", "err", err)
	return domain.AdapterConfig{
		AdapterName: persistence.DefaultAdapterName,
		UserID:      p.UserID(),
		AvatarID:    p.AvatarID(),
		CreatedAt:   o.now().UTC(),
		Version:     persistence.AdapterVersion,
		Status:      domain.AdapterUntrained,
		LoRAConfig:  domain.DefaultLoRAConfig(),
	}
}

func (o *Orchestrator) record(ctx context.Context, p Persistence, outcome Outcome, status domain.RunStatus) {
	if o.runs == nil {
		return
	}
	run := domain.TrainingRun{
		ID:              outcome.RunID,
		UserID:          p.UserID(),
		AvatarID:        p.AvatarID(),
		Status:          status,
		Message:         outcome.Message,
		FilesUsed:       outcome.FilesUsed,
		Parameters:      outcome.Parameters,
		DurationSeconds: outcome.DurationSeconds,
		CreatedAt:       o.now().UTC(),
	}
	if outcome.Metrics != nil {
		run.FinalLoss = outcome.Metrics.FinalLoss
		run.Steps = outcome.Metrics.Steps
	}
	if err := o.runs.SaveRun(ctx, run); err != nil {
		o.log.Warn("save training run failed", "run_id", run.ID, "err", err)
	}
}
