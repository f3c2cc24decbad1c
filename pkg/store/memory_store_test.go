package store

import (
	"context"
	"testing"
	"time"

	"avatarlora/pkg/domain"
)

func TestMemoryStoreListRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"r1", "r2", "r3"} {
		run := domain.TrainingRun{ID: id, UserID: "u1", AvatarID: "a1", Status: domain.RunSucceeded, CreatedAt: base.Add(time.Duration(i) * time.Hour)}
		if err := s.SaveRun(ctx, run); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	if err := s.SaveRun(ctx, domain.TrainingRun{ID: "other", UserID: "u1", AvatarID: "a2", CreatedAt: base}); err != nil {
		t.Fatalf("save: %v", err)
	}

	runs, err := s.ListRuns(ctx, "u1", "a1", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "r3" || runs[1].ID != "r2" {
		t.Fatalf("unexpected runs: %+v", runs)
	}
	if _, ok, _ := s.GetRun(ctx, "r1"); !ok {
		t.Fatalf("expected r1 to be found")
	}
	if _, ok, _ := s.GetRun(ctx, "nope"); ok {
		t.Fatalf("unexpected run")
	}
}

func TestRunModelRoundTrip(t *testing.T) {
	loss := 0.25
	run := domain.TrainingRun{
		ID:         "r1",
		UserID:     "u1",
		AvatarID:   "a1",
		Status:     domain.RunFailed,
		FilesUsed:  []string{"a.txt"},
		Parameters: map[string]any{"learning_rate": 0.001},
		FinalLoss:  &loss,
	}
	model, err := runToModel(run)
	if err != nil {
		t.Fatalf("to model: %v", err)
	}
	got := runFromModel(model)
	if got.Status != domain.RunFailed || len(got.FilesUsed) != 1 || got.Parameters["learning_rate"] != 0.001 || *got.FinalLoss != 0.25 {
		t.Fatalf("unexpected run: %+v", got)
	}
}
