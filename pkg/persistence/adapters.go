package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"avatarlora/pkg/domain"
	"avatarlora/pkg/storage"
)

type CreateResult struct {
	Status   domain.AdapterStatus   `json:"status"`
	Path     string                 `json:"s3_path"`
	Metadata *domain.BackupMetadata `json:"metadata,omitempty"`
}

type AdapterInfo struct {
	Status        string                `json:"status"`
	Path          string                `json:"s3_path"`
	Metadata      map[string]any        `json:"metadata"`
	AdapterConfig *domain.AdapterConfig `json:"adapter_config,omitempty"`
}

type DeleteResult struct {
	DeletedObjects int      `json:"deleted_objects"`
	Keys           []string `json:"-"`
}

// AdapterExists reports whether an adapter backup is stored. Probe failures count as absent.
func (m *Manager) AdapterExists(ctx context.Context) bool {
	ok, err := m.exists(ctx, m.adapterArchiveKey())
	if err != nil {
		m.log.Warn("adapter existence probe failed", "err", err)
		return false
	}
	return ok
}

// CreateAdapter stores a fresh untrained adapter unless one already exists.
// Every caller that needs an adapter to exist goes through here.
func (m *Manager) CreateAdapter(ctx context.Context, name string) (CreateResult, error) {
	path := storage.URI(m.objects, m.adapterPrefix)
	if m.AdapterExists(ctx) {
		return CreateResult{Status: domain.AdapterExisting, Path: path}, nil
	}
	if name == "" {
		name = DefaultAdapterName
	}

	scratch, err := os.MkdirTemp("", "avatarlora-create-*")
	if err != nil {
		return CreateResult{}, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	cfg := domain.AdapterConfig{
		AdapterName:     name,
		UserID:          m.userID,
		AvatarID:        m.avatarID,
		CreatedAt:       m.now().UTC(),
		Version:         AdapterVersion,
		Status:          domain.AdapterUntrained,
		TrainingHistory: []domain.TrainingAttempt{},
		LoRAConfig:      domain.DefaultLoRAConfig(),
	}
	if err := WriteAdapterConfig(scratch, cfg); err != nil {
		return CreateResult{}, err
	}
	if err := os.WriteFile(filepath.Join(scratch, AdapterWeightsName), nil, 0o644); err != nil {
		return CreateResult{}, fmt.Errorf("write weights placeholder: %w", err)
	}
	meta, err := m.BackupAdapters(ctx, scratch)
	if err != nil {
		return CreateResult{}, err
	}
	m.log.Info("adapter created", "adapter_name", name)
	return CreateResult{Status: domain.AdapterCreated, Path: path, Metadata: &meta}, nil
}

// DeleteAdapter removes every object under the adapter prefix.
// This includes the training files and the ledger, and cannot be undone.
func (m *Manager) DeleteAdapter(ctx context.Context) (DeleteResult, error) {
	objects, err := m.objects.List(ctx, m.adapterPrefix)
	if err != nil {
		return DeleteResult{}, m.ioError("list adapter objects", err)
	}
	if len(objects) == 0 {
		return DeleteResult{}, fmt.Errorf("adapter: %w", ErrNotFound)
	}
	keys := make([]string, 0, len(objects))
	for _, obj := range objects {
		keys = append(keys, obj.Key)
	}
	if err := m.objects.DeleteMany(ctx, keys); err != nil {
		return DeleteResult{}, m.ioError("delete adapter objects", err)
	}
	m.log.Info("adapter and avatar data deleted", "deleted_objects", len(keys))
	return DeleteResult{DeletedObjects: len(keys), Keys: keys}, nil
}

// DeleteAdapterBundle removes only the adapter archive and its metadata,
// leaving training files and the ledger in place.
func (m *Manager) DeleteAdapterBundle(ctx context.Context) (DeleteResult, error) {
	deleted, err := m.DeleteBackup(ctx, string(domain.BackupAdapters))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return DeleteResult{}, fmt.Errorf("adapter: %w", ErrNotFound)
		}
		return DeleteResult{}, err
	}
	return DeleteResult{DeletedObjects: len(deleted.DeletedKeys), Keys: deleted.DeletedKeys}, nil
}

// GetAdapterInfo returns backup metadata and, when it can be read, the adapter config.
func (m *Manager) GetAdapterInfo(ctx context.Context) (AdapterInfo, error) {
	if !m.AdapterExists(ctx) {
		return AdapterInfo{}, fmt.Errorf("adapter: %w", ErrNotFound)
	}
	info := AdapterInfo{
		Status:   "exists",
		Path:     storage.URI(m.objects, m.adapterPrefix),
		Metadata: m.readMetadataDoc(ctx, m.adapterMetadataKey()),
	}
	cfg, err := m.peekAdapterConfig(ctx)
	if err != nil {
		m.log.Warn("read adapter config failed", "err", err)
	} else {
		info.AdapterConfig = &cfg
	}
	return info, nil
}

// BackupMetadata returns the side-car document of a backup kind, or an empty map.
func (m *Manager) BackupMetadata(ctx context.Context, kind domain.BackupKind) map[string]any {
	return m.readMetadataDoc(ctx, m.target(kind).metadataKey)
}

// OpenAdapterArchive streams the stored adapter archive.
func (m *Manager) OpenAdapterArchive(ctx context.Context) (io.ReadCloser, storage.ObjectInfo, error) {
	rc, info, err := m.objects.Get(ctx, m.adapterArchiveKey())
	if errors.Is(err, storage.ErrNotFound) {
		return nil, storage.ObjectInfo{}, fmt.Errorf("adapter: %w", ErrNotFound)
	}
	if err != nil {
		return nil, storage.ObjectInfo{}, m.ioError("open adapter archive", err)
	}
	return rc, info, nil
}

func (m *Manager) peekAdapterConfig(ctx context.Context) (domain.AdapterConfig, error) {
	scratch, err := os.MkdirTemp("", "avatarlora-info-*")
	if err != nil {
		return domain.AdapterConfig{}, err
	}
	defer os.RemoveAll(scratch)
	dir := filepath.Join(scratch, "adapter")
	if err := m.RestoreAdapters(ctx, dir); err != nil {
		return domain.AdapterConfig{}, err
	}
	return ReadAdapterConfig(dir)
}

// ReadAdapterConfig loads adapter_config.json from a bundle directory.
func ReadAdapterConfig(dir string) (domain.AdapterConfig, error) {
	data, err := os.ReadFile(filepath.Join(dir, AdapterConfigName))
	if err != nil {
		return domain.AdapterConfig{}, fmt.Errorf("read adapter config: %w", err)
	}
	var cfg domain.AdapterConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return domain.AdapterConfig{}, fmt.Errorf("decode adapter config: %w", err)
	}
	return cfg, nil
}

// WriteAdapterConfig writes adapter_config.json into a bundle directory.
func WriteAdapterConfig(dir string, cfg domain.AdapterConfig) error {
	if cfg.TrainingHistory == nil {
		cfg.TrainingHistory = []domain.TrainingAttempt{}
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode adapter config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, AdapterConfigName), data, 0o644); err != nil {
		return fmt.Errorf("write adapter config: %w", err)
	}
	return nil
}
