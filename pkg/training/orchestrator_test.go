package training

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"avatarlora/pkg/domain"
	"avatarlora/pkg/persistence"
	"avatarlora/pkg/storage"
)

type fakeRuns struct {
	mu   sync.Mutex
	runs []domain.TrainingRun
}

func (f *fakeRuns) SaveRun(_ context.Context, run domain.TrainingRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, run)
	return nil
}

func newManager(t *testing.T) (*persistence.Manager, *storage.MemoryStore) {
	t.Helper()
	objects := storage.NewMemoryStore("test")
	m, err := persistence.NewManager(persistence.Config{Objects: objects}, "u1", "a1")
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m, objects
}

func uploadFile(t *testing.T, m *persistence.Manager, name, body string, flag bool) {
	t.Helper()
	_, err := m.UploadTrainingFile(context.Background(), persistence.TrainingUpload{
		Filename:       name,
		Body:           strings.NewReader(body),
		Size:           int64(len(body)),
		ContentType:    "text/plain",
		UseForTraining: flag,
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
}

func storedConfig(t *testing.T, m *persistence.Manager) domain.AdapterConfig {
	t.Helper()
	dir := t.TempDir()
	if err := m.RestoreAdapters(context.Background(), dir); err != nil {
		t.Fatalf("restore: %v", err)
	}
	cfg, err := persistence.ReadAdapterConfig(dir)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	return cfg
}

func succeed(seen *[]string) Procedure {
	return ProcedureFunc(func(_ context.Context, adapterDir, dataDir string, params Params) Result {
		entries, _ := os.ReadDir(dataDir)
		for _, e := range entries {
			*seen = append(*seen, e.Name())
		}
		loss := 0.42
		return Result{Success: true, FinalLoss: &loss, Steps: 12, Message: "ok"}
	})
}

func TestTrainEndToEnd(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	uploadFile(t, m, "notes.txt", "some notes about the avatar", true)
	uploadFile(t, m, "draft.txt", "not for training", false)

	flagged := true
	files, err := m.ListTrainingFiles(ctx, &flagged)
	if err != nil || len(files) != 1 || files[0].Filename != "notes.txt" {
		t.Fatalf("unexpected flagged listing: %+v %v", files, err)
	}

	var seen []string
	runs := &fakeRuns{}
	o := NewOrchestrator(OrchestratorConfig{Procedure: succeed(&seen), Runs: runs})
	outcome, err := o.Train(ctx, m, Params{"num_train_epochs": 1})
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if !outcome.Success || outcome.AdapterStatus != domain.AdapterTrained || outcome.BackupMetadata == nil {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if len(seen) != 1 || seen[0] != "notes.txt" {
		t.Fatalf("procedure saw %v", seen)
	}
	if outcome.Parameters["num_train_epochs"] != 1 || outcome.Parameters["learning_rate"] != 5e-4 {
		t.Fatalf("unexpected merged params: %+v", outcome.Parameters)
	}

	cfg := storedConfig(t, m)
	if cfg.Status != domain.AdapterTrained || len(cfg.TrainingHistory) != 1 || cfg.LastTrained == nil {
		t.Fatalf("unexpected stored config: %+v", cfg)
	}
	if got := cfg.TrainingHistory[0].FilesUsed; len(got) != 1 || got[0] != "notes.txt" {
		t.Fatalf("unexpected history files: %v", got)
	}

	if _, err := o.Train(ctx, m, nil); err != nil {
		t.Fatalf("second train: %v", err)
	}
	if cfg := storedConfig(t, m); len(cfg.TrainingHistory) != 2 {
		t.Fatalf("expected history to grow by one, got %d", len(cfg.TrainingHistory))
	}
	if len(runs.runs) != 2 || runs.runs[0].Status != domain.RunSucceeded {
		t.Fatalf("unexpected recorded runs: %+v", runs.runs)
	}
}

func TestTrainWithoutFlaggedFiles(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	uploadFile(t, m, "draft.txt", "not for training", false)

	called := false
	o := NewOrchestrator(OrchestratorConfig{Procedure: ProcedureFunc(func(context.Context, string, string, Params) Result {
		called = true
		return Result{Success: true}
	})})
	outcome, err := o.Train(ctx, m, nil)
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if outcome.Success || outcome.Message != MessageNoTrainingData || called {
		t.Fatalf("unexpected outcome: %+v called=%v", outcome, called)
	}
	if m.AdapterExists(ctx) {
		t.Fatalf("no backup may be written when there is no training data")
	}
}

func TestTrainFailureIsBackedUp(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	uploadFile(t, m, "notes.txt", "some notes", true)

	o := NewOrchestrator(OrchestratorConfig{Procedure: ProcedureFunc(func(context.Context, string, string, Params) Result {
		return Result{Success: false, Message: "out of memory"}
	})})
	outcome, err := o.Train(ctx, m, nil)
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if outcome.Success || outcome.AdapterStatus != domain.AdapterTrainingFailed || outcome.BackupMetadata == nil {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	cfg := storedConfig(t, m)
	if cfg.Status != domain.AdapterTrainingFailed || cfg.LastError != "out of memory" || len(cfg.TrainingHistory) != 1 {
		t.Fatalf("failure not persisted: %+v", cfg)
	}
}

func TestTrainRecoversFromPanickingProcedure(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	uploadFile(t, m, "notes.txt", "some notes", true)

	o := NewOrchestrator(OrchestratorConfig{Procedure: ProcedureFunc(func(context.Context, string, string, Params) Result {
		panic("boom")
	})})
	outcome, err := o.Train(ctx, m, nil)
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if outcome.Success || !strings.Contains(outcome.Message, "boom") {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
}

func TestTrainSkipsMissingFiles(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	if _, err := m.UpdateTrainingFlag(ctx, "ghost.txt", true); err != nil {
		t.Fatalf("flag: %v", err)
	}

	runs := &fakeRuns{}
	o := NewOrchestrator(OrchestratorConfig{Procedure: ProcedureFunc(func(context.Context, string, string, Params) Result {
		t.Fatalf("procedure must not run without files")
		return Result{}
	}), Runs: runs})
	outcome, err := o.Train(ctx, m, nil)
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if outcome.Success || outcome.Message != MessageNoFilesFetched || len(outcome.SkippedFiles) != 1 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if len(runs.runs) != 1 || runs.runs[0].Status != domain.RunFailed {
		t.Fatalf("unexpected runs: %+v", runs.runs)
	}

	// the adapter was created by the restore-or-create step, but never re-backed up
	cfg := storedConfig(t, m)
	if cfg.Status != domain.AdapterUntrained || len(cfg.TrainingHistory) != 0 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestTrainConvertsHTMLDocuments(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	uploadFile(t, m, "page.html", "<html><body><p>Hello</p><script>x()</script><p>World</p></body></html>", true)

	var text string
	o := NewOrchestrator(OrchestratorConfig{
		PrepareDocuments: true,
		Procedure: ProcedureFunc(func(_ context.Context, _, dataDir string, _ Params) Result {
			data, err := os.ReadFile(filepath.Join(dataDir, "page.html.txt"))
			if err != nil {
				return Result{Message: err.Error()}
			}
			text = string(data)
			return Result{Success: true}
		}),
	})
	outcome, err := o.Train(ctx, m, nil)
	if err != nil || !outcome.Success {
		t.Fatalf("train: %+v %v", outcome, err)
	}
	if text != "Hello World" {
		t.Fatalf("unexpected converted text %q", text)
	}
}

func TestTrainStoresOutcomeAfterCallerCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m, _ := newManager(t)
	uploadFile(t, m, "notes.txt", "some notes", true)

	runs := &fakeRuns{}
	o := NewOrchestrator(OrchestratorConfig{Runs: runs, Procedure: ProcedureFunc(func(context.Context, string, string, Params) Result {
		cancel()
		return Result{Success: false, Message: "interrupted"}
	})})
	outcome, err := o.Train(ctx, m, nil)
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if outcome.Success || outcome.AdapterStatus != domain.AdapterTrainingFailed || outcome.BackupMetadata == nil {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	cfg := storedConfig(t, m)
	if cfg.Status != domain.AdapterTrainingFailed || len(cfg.TrainingHistory) != 1 {
		t.Fatalf("failure not persisted after cancel: status=%s history=%d", cfg.Status, len(cfg.TrainingHistory))
	}
	if len(runs.runs) != 1 || runs.runs[0].Status != domain.RunFailed {
		t.Fatalf("run not recorded after cancel: %+v", runs.runs)
	}
}
