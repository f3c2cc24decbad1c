package persistence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"avatarlora/pkg/domain"
	"avatarlora/pkg/storage"
)

type archiveTarget struct {
	kind        domain.BackupKind
	archiveKey  string
	metadataKey string
}

func (m *Manager) target(kind domain.BackupKind) archiveTarget {
	if kind == domain.BackupTrainingData {
		return archiveTarget{kind: kind, archiveKey: m.trainingArchiveKey(), metadataKey: m.trainingMetadataKey()}
	}
	return archiveTarget{kind: domain.BackupAdapters, archiveKey: m.adapterArchiveKey(), metadataKey: m.adapterMetadataKey()}
}

// BackupAdapters archives a local adapter bundle and replaces the stored backup.
func (m *Manager) BackupAdapters(ctx context.Context, dir string) (domain.BackupMetadata, error) {
	return m.backup(ctx, m.target(domain.BackupAdapters), dir)
}

// RestoreAdapters replaces dir with the contents of the stored adapter backup.
func (m *Manager) RestoreAdapters(ctx context.Context, dir string) error {
	return m.restore(ctx, m.target(domain.BackupAdapters), dir)
}

// BackupTrainingData archives a local training-data directory.
func (m *Manager) BackupTrainingData(ctx context.Context, dir string) (domain.BackupMetadata, error) {
	return m.backup(ctx, m.target(domain.BackupTrainingData), dir)
}

// RestoreTrainingData replaces dir with the contents of the stored training-data backup.
func (m *Manager) RestoreTrainingData(ctx context.Context, dir string) error {
	return m.restore(ctx, m.target(domain.BackupTrainingData), dir)
}

func (m *Manager) backup(ctx context.Context, t archiveTarget, dir string) (domain.BackupMetadata, error) {
	info, err := os.Stat(dir)
	if errors.Is(err, os.ErrNotExist) || (err == nil && !info.IsDir()) {
		return domain.BackupMetadata{}, fmt.Errorf("local directory %s: %w", dir, ErrNotFound)
	}
	if err != nil {
		return domain.BackupMetadata{}, err
	}

	scratch, err := os.MkdirTemp("", "avatarlora-backup-*")
	if err != nil {
		return domain.BackupMetadata{}, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	archivePath := filepath.Join(scratch, "archive.zip")
	count, err := zipDir(dir, archivePath)
	if err != nil {
		return domain.BackupMetadata{}, err
	}
	f, err := os.Open(archivePath)
	if err != nil {
		return domain.BackupMetadata{}, err
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return domain.BackupMetadata{}, err
	}
	err = m.objects.Put(ctx, t.archiveKey, f, stat.Size(), storage.PutOptions{
		ContentType: "application/zip",
		Metadata: map[string]string{
			metaUserID:    m.userID,
			metaAvatarID:  m.avatarID,
			"backup-type": string(t.kind),
		},
	})
	if err != nil {
		return domain.BackupMetadata{}, m.ioError("upload "+string(t.kind)+" backup", err)
	}

	meta := domain.BackupMetadata{
		BackupType:      t.kind,
		UserID:          m.userID,
		AvatarID:        m.avatarID,
		BackupTimestamp: m.now().UTC(),
		FileCount:       count,
		BackupSizeBytes: stat.Size(),
	}
	if err := m.putJSON(ctx, t.metadataKey, meta, storage.PutOptions{}); err != nil {
		return domain.BackupMetadata{}, m.ioError("upload "+string(t.kind)+" backup metadata", err)
	}
	m.log.Info("backup stored", "backup_type", t.kind, "file_count", count, "size", stat.Size())
	return meta, nil
}

func (m *Manager) restore(ctx context.Context, t archiveTarget, dir string) error {
	rc, _, err := m.objects.Get(ctx, t.archiveKey)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%s backup: %w", t.kind, ErrNotFound)
	}
	if err != nil {
		return m.ioError("download "+string(t.kind)+" backup", err)
	}
	defer rc.Close()

	scratch, err := os.MkdirTemp("", "avatarlora-restore-*")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	archivePath := filepath.Join(scratch, "archive.zip")
	out, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return m.ioError("download "+string(t.kind)+" backup", err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := unzipInto(archivePath, dir); err != nil {
		return fmt.Errorf("restore %s backup: %w", t.kind, err)
	}
	m.log.Info("backup restored", "backup_type", t.kind)
	return nil
}

// ListBackups returns the stored archives of both kinds with their side-car metadata.
func (m *Manager) ListBackups(ctx context.Context) ([]domain.BackupRecord, error) {
	objects, err := m.objects.List(ctx, m.adapterPrefix)
	if err != nil {
		return nil, m.ioError("list backups", err)
	}
	targets := map[string]archiveTarget{}
	for _, kind := range []domain.BackupKind{domain.BackupAdapters, domain.BackupTrainingData} {
		t := m.target(kind)
		targets[t.archiveKey] = t
	}
	records := []domain.BackupRecord{}
	var metaKeys []string
	for _, obj := range objects {
		t, ok := targets[obj.Key]
		if !ok {
			continue
		}
		records = append(records, domain.BackupRecord{
			Kind:         t.kind,
			Key:          obj.Key,
			Size:         obj.Size,
			LastModified: obj.LastModified,
		})
		metaKeys = append(metaKeys, t.metadataKey)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.probeConcurrency)
	for i := range records {
		g.Go(func() error {
			records[i].Metadata = m.readMetadataDoc(gctx, metaKeys[i])
			return nil
		})
	}
	_ = g.Wait()
	return records, nil
}

type DeletedBackup struct {
	BackupType  domain.BackupKind `json:"backup_type"`
	DeletedKeys []string          `json:"deleted_keys"`
}

// DeleteBackup removes one kind of backup and its metadata. kind must be adapters or training_data.
func (m *Manager) DeleteBackup(ctx context.Context, kind string) (DeletedBackup, error) {
	k, ok := domain.ParseBackupKind(kind)
	if !ok {
		return DeletedBackup{}, fmt.Errorf("%w: backup_type must be %q or %q", ErrValidation, domain.BackupAdapters, domain.BackupTrainingData)
	}
	t := m.target(k)
	found, err := m.exists(ctx, t.archiveKey)
	if err != nil {
		return DeletedBackup{}, m.ioError("check backup", err)
	}
	if !found {
		return DeletedBackup{}, fmt.Errorf("%s backup: %w", k, ErrNotFound)
	}
	keys := []string{t.archiveKey, t.metadataKey}
	if err := m.objects.DeleteMany(ctx, keys); err != nil {
		return DeletedBackup{}, m.ioError("delete backup", err)
	}
	m.log.Info("backup deleted", "backup_type", k)
	return DeletedBackup{BackupType: k, DeletedKeys: keys}, nil
}

type Status struct {
	Bucket                   string `json:"bucket"`
	StoreConnected           bool   `json:"store_connected"`
	StoreError               string `json:"store_error,omitempty"`
	UserID                   string `json:"user_id"`
	AvatarID                 string `json:"avatar_id"`
	AdapterBackupPath        string `json:"adapter_backup_path"`
	TrainingDataBackupPath   string `json:"training_data_backup_path"`
	AdapterBackupExists      bool   `json:"adapter_backup_exists"`
	TrainingDataBackupExists bool   `json:"training_data_backup_exists"`
}

// Status probes store connectivity and the presence of both backups. It never fails.
func (m *Manager) Status(ctx context.Context) Status {
	st := Status{
		Bucket:                 m.objects.Bucket(),
		UserID:                 m.userID,
		AvatarID:               m.avatarID,
		AdapterBackupPath:      storage.URI(m.objects, m.adapterPrefix),
		TrainingDataBackupPath: storage.URI(m.objects, m.trainingPrefix),
	}
	if err := m.objects.Ping(ctx); err != nil {
		m.log.Warn("object store unreachable", "err", err)
		st.StoreError = "object store unreachable"
		return st
	}
	st.StoreConnected = true
	st.AdapterBackupExists, _ = m.exists(ctx, m.adapterArchiveKey())
	st.TrainingDataBackupExists, _ = m.exists(ctx, m.trainingArchiveKey())
	return st
}
