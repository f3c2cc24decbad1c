package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type AdapterStatus string

const (
	AdapterUntrained      AdapterStatus = "untrained"
	AdapterCreated        AdapterStatus = "created"
	AdapterExisting       AdapterStatus = "existing"
	AdapterTraining       AdapterStatus = "training"
	AdapterTrained        AdapterStatus = "trained"
	AdapterTrainingFailed AdapterStatus = "training_failed"
)

// ErrInvalidTransition is returned when a status change is not in the transition table.
var ErrInvalidTransition = errors.New("invalid adapter status transition")

// created and existing only describe the outcome of a create call; they are never stored.
var adapterTransitions = map[AdapterStatus][]AdapterStatus{
	AdapterUntrained:      {AdapterTraining},
	AdapterTraining:       {AdapterTrained, AdapterTrainingFailed},
	AdapterTrained:        {AdapterTraining},
	AdapterTrainingFailed: {AdapterTraining},
}

// ParseAdapterStatus maps a stored status string onto the closed set.
// An empty string reads as untrained.
func ParseAdapterStatus(raw string) (AdapterStatus, error) {
	switch s := AdapterStatus(raw); s {
	case "":
		return AdapterUntrained, nil
	case AdapterUntrained, AdapterCreated, AdapterExisting, AdapterTraining, AdapterTrained, AdapterTrainingFailed:
		return s, nil
	default:
		return "", fmt.Errorf("unknown adapter status %q", raw)
	}
}

// CanTransition reports whether an adapter may move from one status to another.
func CanTransition(from, to AdapterStatus) bool {
	for _, next := range adapterTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type LoRAConfig struct {
	TargetModules []string `json:"target_modules"`
	R             int      `json:"r"`
	LoRAAlpha     int      `json:"lora_alpha"`
	LoRADropout   float64  `json:"lora_dropout"`
	Bias          string   `json:"bias"`
	TaskType      string   `json:"task_type"`
}

// DefaultLoRAConfig returns the hyperparameters used for freshly created adapters.
func DefaultLoRAConfig() LoRAConfig {
	return LoRAConfig{
		TargetModules: []string{"q_proj", "v_proj"},
		R:             16,
		LoRAAlpha:     32,
		LoRADropout:   0.1,
		Bias:          "none",
		TaskType:      "CAUSAL_LM",
	}
}

// TrainingAttempt is one entry of an adapter's training history.
type TrainingAttempt struct {
	Timestamp       time.Time      `json:"timestamp"`
	FilesUsed       []string       `json:"files_used"`
	Parameters      map[string]any `json:"parameters"`
	Success         bool           `json:"success"`
	FinalLoss       *float64       `json:"final_loss,omitempty"`
	Steps           int            `json:"steps"`
	Message         string         `json:"message,omitempty"`
	DurationSeconds float64        `json:"duration_seconds"`
}

// AdapterConfig is the adapter_config.json document inside an adapter bundle.
type AdapterConfig struct {
	AdapterName                 string            `json:"adapter_name"`
	UserID                      string            `json:"user_id"`
	AvatarID                    string            `json:"avatar_id"`
	CreatedAt                   time.Time         `json:"created_at"`
	Version                     string            `json:"version"`
	Status                      AdapterStatus     `json:"status"`
	TrainingHistory             []TrainingAttempt `json:"training_history"`
	LoRAConfig                  LoRAConfig        `json:"lora_config"`
	LastTrained                 *time.Time        `json:"last_trained,omitempty"`
	LastUpdated                 *time.Time        `json:"last_updated,omitempty"`
	LastError                   string            `json:"last_error,omitempty"`
	LastTrainingDurationSeconds float64           `json:"last_training_duration_seconds,omitempty"`
}

// SetStatus moves the adapter to the given status if the transition table allows it.
func (c *AdapterConfig) SetStatus(to AdapterStatus) error {
	from, err := ParseAdapterStatus(string(c.Status))
	if err != nil {
		return err
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	c.Status = to
	return nil
}

// LedgerEntry records whether a training file participates in training.
type LedgerEntry struct {
	UseForTraining  bool       `json:"use_for_training"`
	UploadTimestamp *time.Time `json:"upload_timestamp,omitempty"`
	FileSize        int64      `json:"file_size"`
}

// UnmarshalJSON also accepts the bare boolean form written by older deployments.
func (e *LedgerEntry) UnmarshalJSON(data []byte) error {
	var flag bool
	if err := json.Unmarshal(data, &flag); err == nil {
		*e = LedgerEntry{UseForTraining: flag}
		return nil
	}
	type plain LedgerEntry
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*e = LedgerEntry(p)
	return nil
}

// Ledger maps training filenames to their entries. A missing entry means not flagged.
type Ledger map[string]LedgerEntry

// Flagged reports the training flag for filename, defaulting to false.
func (l Ledger) Flagged(filename string) bool {
	return l[filename].UseForTraining
}

type BackupKind string

const (
	BackupAdapters     BackupKind = "adapters"
	BackupTrainingData BackupKind = "training_data"
)

// ParseBackupKind validates a backup type discriminator.
func ParseBackupKind(raw string) (BackupKind, bool) {
	switch k := BackupKind(raw); k {
	case BackupAdapters, BackupTrainingData:
		return k, true
	default:
		return "", false
	}
}

// BackupMetadata is the side-car document stored next to each backup archive.
type BackupMetadata struct {
	BackupType      BackupKind `json:"backup_type"`
	UserID          string     `json:"user_id"`
	AvatarID        string     `json:"avatar_id"`
	BackupTimestamp time.Time  `json:"backup_timestamp"`
	FileCount       int        `json:"file_count"`
	BackupSizeBytes int64      `json:"backup_size_bytes"`
}

// BackupRecord pairs a stored archive with its side-car metadata.
type BackupRecord struct {
	Kind         BackupKind     `json:"backup_type"`
	Key          string         `json:"key"`
	Size         int64          `json:"size"`
	LastModified time.Time      `json:"last_modified"`
	Metadata     map[string]any `json:"metadata"`
}

// TrainingFile is a stored training document joined with its ledger flag.
type TrainingFile struct {
	Filename        string    `json:"filename"`
	Key             string    `json:"key"`
	Size            int64     `json:"size"`
	LastModified    time.Time `json:"last_modified"`
	UseForTraining  bool      `json:"use_for_training"`
	ContentType     string    `json:"content_type,omitempty"`
	UploadTimestamp string    `json:"upload_timestamp,omitempty"`
}

type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunNoData    RunStatus = "no_data"
)

// TrainingRun is the registry record of one orchestrated training attempt.
type TrainingRun struct {
	ID              string         `json:"id"`
	UserID          string         `json:"userId"`
	AvatarID        string         `json:"avatarId"`
	Status          RunStatus      `json:"status"`
	Message         string         `json:"message"`
	FilesUsed       []string       `json:"filesUsed"`
	Parameters      map[string]any `json:"parameters"`
	FinalLoss       *float64       `json:"finalLoss,omitempty"`
	Steps           int            `json:"steps"`
	DurationSeconds float64        `json:"durationSeconds"`
	CreatedAt       time.Time      `json:"createdAt"`
}
