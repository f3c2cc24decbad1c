package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type TrainingRunModel struct {
	ID              string         `gorm:"primaryKey"`
	UserID          string         `gorm:"not null;index:idx_run_owner"`
	AvatarID        string         `gorm:"not null;index:idx_run_owner"`
	Status          string         `gorm:"not null"`
	Message         string         `gorm:"type:text"`
	FilesUsed       datatypes.JSON `gorm:"type:jsonb"`
	Parameters      datatypes.JSON `gorm:"type:jsonb"`
	FinalLoss       *float64
	Steps           int
	DurationSeconds float64
	CreatedAt       time.Time `gorm:"not null;index"`
}
