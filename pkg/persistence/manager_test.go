package persistence

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"avatarlora/pkg/domain"
	"avatarlora/pkg/storage"
)

func newTestManager(t *testing.T, objects storage.ObjectStore) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		Objects: objects,
		Now:     func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
	}, "u1", "a1")
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func readObject(t *testing.T, objects storage.ObjectStore, key string) []byte {
	t.Helper()
	rc, _, err := objects.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get %s: %v", key, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read %s: %v", key, err)
	}
	return data
}

func upload(t *testing.T, m *Manager, name, body string, flag bool) {
	t.Helper()
	_, err := m.UploadTrainingFile(context.Background(), TrainingUpload{
		Filename:       name,
		Body:           strings.NewReader(body),
		Size:           int64(len(body)),
		ContentType:    "text/plain",
		UseForTraining: flag,
	})
	if err != nil {
		t.Fatalf("upload %s: %v", name, err)
	}
}

func TestNewManagerValidatesIdentity(t *testing.T) {
	objects := storage.NewMemoryStore("test")
	for _, ids := range [][2]string{{"", "a1"}, {"u1", ""}, {"u/1", "a1"}, {"u1", ".."}} {
		if _, err := NewManager(Config{Objects: objects}, ids[0], ids[1]); !errors.Is(err, ErrValidation) {
			t.Fatalf("ids %q: expected validation error, got %v", ids, err)
		}
	}
}

func TestKeyLayout(t *testing.T) {
	m, err := NewManager(Config{Objects: storage.NewMemoryStore("test"), Root: "/data/"}, "u1", "a1")
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if got := m.adapterArchiveKey(); got != "data/users/u1/avatars/a1/adapters/adapter_backup.zip" {
		t.Fatalf("unexpected archive key %q", got)
	}
	if got := m.trainingArchiveKey(); got != "data/users/u1/avatars/a1/adapters/training_data/training_data_backup.zip" {
		t.Fatalf("unexpected training archive key %q", got)
	}
	if got := m.ledgerKey(); got != "data/users/u1/avatars/a1/adapters/metadata/metadata.json" {
		t.Fatalf("unexpected ledger key %q", got)
	}
}

func TestCreateAdapterIsIdempotent(t *testing.T) {
	ctx := context.Background()
	objects := storage.NewMemoryStore("test")
	m := newTestManager(t, objects)

	if m.AdapterExists(ctx) {
		t.Fatalf("adapter should not exist yet")
	}
	first, err := m.CreateAdapter(ctx, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.Status != domain.AdapterCreated || first.Metadata == nil || first.Metadata.FileCount != 2 {
		t.Fatalf("unexpected create result: %+v", first)
	}
	before := readObject(t, objects, m.adapterArchiveKey())

	second, err := m.CreateAdapter(ctx, "")
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if second.Status != domain.AdapterExisting {
		t.Fatalf("expected existing, got %s", second.Status)
	}
	if after := readObject(t, objects, m.adapterArchiveKey()); !bytes.Equal(before, after) {
		t.Fatalf("archive changed on second create")
	}
}

func TestCreatedAdapterConfigDefaults(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, storage.NewMemoryStore("test"))
	if _, err := m.CreateAdapter(ctx, "voice"); err != nil {
		t.Fatalf("create: %v", err)
	}
	dir := t.TempDir()
	if err := m.RestoreAdapters(ctx, dir); err != nil {
		t.Fatalf("restore: %v", err)
	}
	cfg, err := ReadAdapterConfig(dir)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if cfg.AdapterName != "voice" || cfg.Status != domain.AdapterUntrained || cfg.Version != AdapterVersion {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.LoRAConfig.R != 16 || cfg.LoRAConfig.LoRAAlpha != 32 || len(cfg.LoRAConfig.TargetModules) != 2 {
		t.Fatalf("unexpected lora config: %+v", cfg.LoRAConfig)
	}
	if info, err := os.Stat(filepath.Join(dir, AdapterWeightsName)); err != nil || info.Size() != 0 {
		t.Fatalf("expected empty weights placeholder: %v", err)
	}
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, storage.NewMemoryStore("test"))

	src := t.TempDir()
	files := map[string]string{
		"adapter_config.json":    `{"r":16}`,
		"adapter_model.bin":      "\x00\x01\x02",
		"checkpoints/step-1.bin": "weights",
	}
	for rel, body := range files {
		path := filepath.Join(src, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	meta, err := m.BackupAdapters(ctx, src)
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if meta.FileCount != 3 || meta.BackupType != domain.BackupAdapters || meta.BackupSizeBytes == 0 {
		t.Fatalf("unexpected backup metadata: %+v", meta)
	}

	dst := filepath.Join(t.TempDir(), "restored")
	if err := m.RestoreAdapters(ctx, dst); err != nil {
		t.Fatalf("restore: %v", err)
	}
	for rel, body := range files {
		got, err := os.ReadFile(filepath.Join(dst, filepath.FromSlash(rel)))
		if err != nil {
			t.Fatalf("read restored %s: %v", rel, err)
		}
		if string(got) != body {
			t.Fatalf("%s: got %q want %q", rel, got, body)
		}
	}
}

func TestRestoreOverwritesDestination(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, storage.NewMemoryStore("test"))
	if _, err := m.CreateAdapter(ctx, ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	dst := t.TempDir()
	if err := os.WriteFile(filepath.Join(dst, "stale.txt"), []byte("old"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := m.RestoreAdapters(ctx, dst); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dst, "stale.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected stale file to be removed, got %v", err)
	}
}

func TestRestoreMissingBackupIsNotFound(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, storage.NewMemoryStore("test"))
	dst := filepath.Join(t.TempDir(), "adapter")
	if err := m.RestoreAdapters(ctx, dst); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Fatalf("destination should not be created on not found")
	}
	if err := m.RestoreTrainingData(ctx, dst); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for training data, got %v", err)
	}
}

func TestBackupMissingDirIsNotFound(t *testing.T) {
	m := newTestManager(t, storage.NewMemoryStore("test"))
	_, err := m.BackupAdapters(context.Background(), filepath.Join(t.TempDir(), "nope"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteAdapterRemovesTrainingData(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, storage.NewMemoryStore("test"))
	if _, err := m.DeleteAdapter(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on empty prefix, got %v", err)
	}
	if _, err := m.CreateAdapter(ctx, ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	upload(t, m, "notes.txt", "hello world", true)

	res, err := m.DeleteAdapter(ctx)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	// archive, backup metadata, training file, ledger
	if res.DeletedObjects != 4 {
		t.Fatalf("expected 4 deleted objects, got %d (%v)", res.DeletedObjects, res.Keys)
	}
	files, err := m.ListTrainingFiles(ctx, nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("expected training data to be gone, got %+v", files)
	}
	if got := m.TrainingFilesForTraining(ctx); len(got) != 0 {
		t.Fatalf("expected empty ledger, got %v", got)
	}
}

func TestDeleteAdapterBundleKeepsTrainingData(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, storage.NewMemoryStore("test"))
	if _, err := m.CreateAdapter(ctx, ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	upload(t, m, "notes.txt", "hello world", true)
	if _, err := m.DeleteAdapterBundle(ctx); err != nil {
		t.Fatalf("delete bundle: %v", err)
	}
	if m.AdapterExists(ctx) {
		t.Fatalf("adapter should be gone")
	}
	if got := m.TrainingFilesForTraining(ctx); len(got) != 1 {
		t.Fatalf("training data should survive, got %v", got)
	}
	if _, err := m.DeleteAdapterBundle(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGetAdapterInfo(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, storage.NewMemoryStore("test"))
	if _, err := m.GetAdapterInfo(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := m.CreateAdapter(ctx, ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	info, err := m.GetAdapterInfo(ctx)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.AdapterConfig == nil || info.AdapterConfig.UserID != "u1" {
		t.Fatalf("expected adapter config, got %+v", info)
	}
	if info.Metadata["backup_type"] != "adapters" {
		t.Fatalf("unexpected metadata: %+v", info.Metadata)
	}
}
