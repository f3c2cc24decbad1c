// Package persistence owns the object-store layout of one avatar's adapter,
// its training documents and the training ledger.
package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"avatarlora/pkg/storage"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("invalid request")
	ErrConflict   = errors.New("concurrent modification")
)

// Fixed object names. They are part of the stored layout and must not change.
const (
	AdapterArchiveName      = "adapter_backup.zip"
	BackupMetadataName      = "backup_metadata.json"
	LedgerName              = "metadata.json"
	TrainingDataArchiveName = "training_data_backup.zip"

	AdapterConfigName  = "adapter_config.json"
	AdapterWeightsName = "adapter_model.bin"

	DefaultAdapterName = "default"
	AdapterVersion     = "1.0.0"
)

const (
	defaultPresignExpiry    = time.Hour
	defaultProbeConcurrency = 8
	ledgerWriteAttempts     = 3
)

// Config holds the dependencies shared by every Manager.
type Config struct {
	Objects storage.ObjectStore
	// Root is an optional key prefix placed before users/.
	Root             string
	PresignExpiry    time.Duration
	ProbeConcurrency int
	Logger           *slog.Logger
	Now              func() time.Time
}

// Manager performs durable operations for a single (user, avatar) pair.
type Manager struct {
	objects          storage.ObjectStore
	log              *slog.Logger
	now              func() time.Time
	presignExpiry    time.Duration
	probeConcurrency int

	userID   string
	avatarID string

	adapterPrefix  string
	trainingPrefix string
	metadataPrefix string
}

// NewManager validates the identity and resolves the key layout.
func NewManager(cfg Config, userID, avatarID string) (*Manager, error) {
	if cfg.Objects == nil {
		return nil, errors.New("object store is required")
	}
	if err := validateIdentity("user_id", userID); err != nil {
		return nil, err
	}
	if err := validateIdentity("avatar_id", avatarID); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	expiry := cfg.PresignExpiry
	if expiry <= 0 {
		expiry = defaultPresignExpiry
	}
	probes := cfg.ProbeConcurrency
	if probes <= 0 {
		probes = defaultProbeConcurrency
	}
	root := strings.Trim(cfg.Root, "/")
	if root != "" {
		root += "/"
	}
	adapterPrefix := fmt.Sprintf("%susers/%s/avatars/%s/adapters/", root, userID, avatarID)
	return &Manager{
		objects:          cfg.Objects,
		log:              logger.With("user_id", userID, "avatar_id", avatarID),
		now:              now,
		presignExpiry:    expiry,
		probeConcurrency: probes,
		userID:           userID,
		avatarID:         avatarID,
		adapterPrefix:    adapterPrefix,
		trainingPrefix:   adapterPrefix + "training_data/",
		metadataPrefix:   adapterPrefix + "metadata/",
	}, nil
}

func (m *Manager) UserID() string { return m.userID }

func (m *Manager) AvatarID() string { return m.avatarID }

func (m *Manager) adapterArchiveKey() string { return m.adapterPrefix + AdapterArchiveName }

func (m *Manager) adapterMetadataKey() string { return m.adapterPrefix + BackupMetadataName }

func (m *Manager) trainingArchiveKey() string { return m.trainingPrefix + TrainingDataArchiveName }

func (m *Manager) trainingMetadataKey() string { return m.trainingPrefix + BackupMetadataName }

func (m *Manager) ledgerKey() string { return m.metadataPrefix + LedgerName }

func (m *Manager) trainingFileKey(filename string) string { return m.trainingPrefix + filename }

func validateIdentity(field, value string) error {
	v := strings.TrimSpace(value)
	if v == "" {
		return fmt.Errorf("%w: %s is required", ErrValidation, field)
	}
	if v != value || strings.ContainsAny(v, `/\`) || v == "." || v == ".." {
		return fmt.Errorf("%w: %s is malformed", ErrValidation, field)
	}
	return nil
}

// ValidateFilename rejects names that cannot be stored as a training file.
func ValidateFilename(filename string) error {
	switch {
	case strings.TrimSpace(filename) == "":
		return fmt.Errorf("%w: filename is required", ErrValidation)
	case strings.ContainsAny(filename, `/\`), filename == ".", strings.Contains(filename, ".."):
		return fmt.Errorf("%w: filename %q is not allowed", ErrValidation, filename)
	case isReservedName(filename):
		return fmt.Errorf("%w: filename %q is reserved", ErrValidation, filename)
	}
	return nil
}

func isReservedName(name string) bool {
	return name == TrainingDataArchiveName || name == BackupMetadataName
}

func (m *Manager) putJSON(ctx context.Context, key string, v any, opts storage.PutOptions) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	opts.ContentType = "application/json"
	return m.objects.Put(ctx, key, bytes.NewReader(data), int64(len(data)), opts)
}

// readJSON decodes an object into v and returns its ETag.
func (m *Manager) readJSON(ctx context.Context, key string, v any) (string, error) {
	rc, info, err := m.objects.Get(ctx, key)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return info.ETag, fmt.Errorf("decode %s: %w", key, err)
	}
	return info.ETag, nil
}

// readMetadataDoc reads a side-car document, returning an empty map on any failure.
func (m *Manager) readMetadataDoc(ctx context.Context, key string) map[string]any {
	doc := map[string]any{}
	if _, err := m.readJSON(ctx, key, &doc); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.log.Warn("read metadata document failed", "key", key, "err", err)
		}
		return map[string]any{}
	}
	return doc
}

func (m *Manager) exists(ctx context.Context, key string) (bool, error) {
	_, err := m.objects.Stat(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ioError logs an unexpected object-store failure and wraps it with the operation name.
func (m *Manager) ioError(op string, err error) error {
	m.log.Error(op+" failed", "err", err)
	return fmt.Errorf("%s: %w", op, err)
}
