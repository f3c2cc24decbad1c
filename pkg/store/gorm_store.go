package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"avatarlora/pkg/domain"
)

const migrateLockID int64 = 51820417

// GormStore implements RunStore using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&TrainingRunModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// withMigrationLock serialises migrations across replicas with a Postgres advisory lock.
func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveRun inserts or replaces a run record.
func (s *GormStore) SaveRun(ctx context.Context, run domain.TrainingRun) error {
	model, err := runToModel(run)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "message", "files_used", "parameters", "final_loss", "steps", "duration_seconds"}),
	}).Create(&model).Error
}

// GetRun retrieves a run by id.
func (s *GormStore) GetRun(ctx context.Context, id string) (domain.TrainingRun, bool, error) {
	var model TrainingRunModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.TrainingRun{}, false, nil
		}
		return domain.TrainingRun{}, false, err
	}
	return runFromModel(model), true, nil
}

// ListRuns returns an avatar's runs, newest first.
func (s *GormStore) ListRuns(ctx context.Context, userID, avatarID string, limit int) ([]domain.TrainingRun, error) {
	var models []TrainingRunModel
	tx := s.db.WithContext(ctx).
		Where("user_id = ? AND avatar_id = ?", userID, avatarID).
		Order("created_at DESC")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.TrainingRun, 0, len(models))
	for _, m := range models {
		res = append(res, runFromModel(m))
	}
	return res, nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func runToModel(run domain.TrainingRun) (TrainingRunModel, error) {
	files, err := json.Marshal(run.FilesUsed)
	if err != nil {
		return TrainingRunModel{}, fmt.Errorf("encode files: %w", err)
	}
	params, err := json.Marshal(run.Parameters)
	if err != nil {
		return TrainingRunModel{}, fmt.Errorf("encode parameters: %w", err)
	}
	return TrainingRunModel{
		ID:              run.ID,
		UserID:          run.UserID,
		AvatarID:        run.AvatarID,
		Status:          string(run.Status),
		Message:         run.Message,
		FilesUsed:       datatypes.JSON(files),
		Parameters:      datatypes.JSON(params),
		FinalLoss:       run.FinalLoss,
		Steps:           run.Steps,
		DurationSeconds: run.DurationSeconds,
		CreatedAt:       run.CreatedAt,
	}, nil
}

func runFromModel(m TrainingRunModel) domain.TrainingRun {
	run := domain.TrainingRun{
		ID:              m.ID,
		UserID:          m.UserID,
		AvatarID:        m.AvatarID,
		Status:          domain.RunStatus(m.Status),
		Message:         m.Message,
		FinalLoss:       m.FinalLoss,
		Steps:           m.Steps,
		DurationSeconds: m.DurationSeconds,
		CreatedAt:       m.CreatedAt,
	}
	if len(m.FilesUsed) > 0 {
		_ = json.Unmarshal(m.FilesUsed, &run.FilesUsed)
	}
	if len(m.Parameters) > 0 {
		_ = json.Unmarshal(m.Parameters, &run.Parameters)
	}
	return run
}
