package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"avatarlora/pkg/domain"
	"avatarlora/pkg/storage"
)

var errStoreDown = errors.New("object store unavailable")

// flakyStore fails Stat, Get or Put for the listed keys and passes everything else through.
type flakyStore struct {
	storage.ObjectStore
	statFails map[string]bool
	getFails  map[string]bool
	putFails  map[string]bool
}

func newFlakyStore() *flakyStore {
	return &flakyStore{
		ObjectStore: storage.NewMemoryStore("test"),
		statFails:   map[string]bool{},
		getFails:    map[string]bool{},
		putFails:    map[string]bool{},
	}
}

func (s *flakyStore) Stat(ctx context.Context, key string) (storage.ObjectInfo, error) {
	if s.statFails[key] {
		return storage.ObjectInfo{}, errStoreDown
	}
	return s.ObjectStore.Stat(ctx, key)
}

func (s *flakyStore) Get(ctx context.Context, key string) (io.ReadCloser, storage.ObjectInfo, error) {
	if s.getFails[key] {
		return nil, storage.ObjectInfo{}, errStoreDown
	}
	return s.ObjectStore.Get(ctx, key)
}

func (s *flakyStore) Put(ctx context.Context, key string, r io.Reader, size int64, opts storage.PutOptions) error {
	if s.putFails[key] {
		return errStoreDown
	}
	return s.ObjectStore.Put(ctx, key, r, size, opts)
}

func TestListTrainingFilesSurvivesFailedStats(t *testing.T) {
	objects := newFlakyStore()
	m := newTestManager(t, objects)
	upload(t, m, "chat.txt", "hello", true)
	upload(t, m, "notes.md", "# notes", false)

	objects.statFails[m.trainingFileKey("chat.txt")] = true
	objects.statFails[m.trainingFileKey("notes.md")] = true

	files, err := m.ListTrainingFiles(context.Background(), nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected both files despite failed stats, got %+v", files)
	}
	for _, f := range files {
		if f.ContentType != "" || f.UploadTimestamp != "" {
			t.Fatalf("%s: per-file metadata should be empty, got %+v", f.Filename, f)
		}
		if want := f.Filename == "chat.txt"; f.UseForTraining != want {
			t.Fatalf("%s: flag = %v, want %v", f.Filename, f.UseForTraining, want)
		}
	}

	// an unreadable ledger drops the flags, not the files
	objects.getFails[m.ledgerKey()] = true
	files, err = m.ListTrainingFiles(context.Background(), nil)
	if err != nil {
		t.Fatalf("list without ledger: %v", err)
	}
	if len(files) != 2 || files[0].UseForTraining || files[1].UseForTraining {
		t.Fatalf("expected unflagged files, got %+v", files)
	}
}

func TestAdapterExistsTreatsStatErrorAsAbsent(t *testing.T) {
	objects := newFlakyStore()
	m := newTestManager(t, objects)
	if _, err := m.CreateAdapter(context.Background(), "base"); err != nil {
		t.Fatalf("create adapter: %v", err)
	}
	if !m.AdapterExists(context.Background()) {
		t.Fatal("adapter should exist")
	}

	objects.statFails[m.adapterArchiveKey()] = true
	if m.AdapterExists(context.Background()) {
		t.Fatal("a failed stat must report the adapter as absent")
	}
}

func TestTrainingFilesForTrainingEmptyOnLedgerError(t *testing.T) {
	objects := newFlakyStore()
	m := newTestManager(t, objects)
	upload(t, m, "chat.txt", "hello", true)
	if got := m.TrainingFilesForTraining(context.Background()); len(got) != 1 {
		t.Fatalf("expected one flagged file, got %v", got)
	}

	objects.getFails[m.ledgerKey()] = true
	got := m.TrainingFilesForTraining(context.Background())
	if got == nil || len(got) != 0 {
		t.Fatalf("expected an empty non-nil list, got %#v", got)
	}
}

func TestDeleteTrainingFileIgnoresLedgerWriteFailure(t *testing.T) {
	objects := newFlakyStore()
	m := newTestManager(t, objects)
	upload(t, m, "chat.txt", "hello", true)

	objects.putFails[m.ledgerKey()] = true
	if err := m.DeleteTrainingFile(context.Background(), "chat.txt"); err != nil {
		t.Fatalf("delete should succeed when only the ledger write fails: %v", err)
	}
	if _, err := objects.Stat(context.Background(), m.trainingFileKey("chat.txt")); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("file should be gone, stat err = %v", err)
	}

	// the stale entry stays until reconcile
	var ledger domain.Ledger
	if err := json.Unmarshal(readObject(t, objects, m.ledgerKey()), &ledger); err != nil {
		t.Fatalf("decode ledger: %v", err)
	}
	if _, ok := ledger["chat.txt"]; !ok {
		t.Fatalf("ledger entry should remain after the failed write: %v", ledger)
	}
}
