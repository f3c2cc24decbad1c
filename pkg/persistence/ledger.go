package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"avatarlora/pkg/domain"
	"avatarlora/pkg/storage"
)

// readLedger returns the ledger and its ETag. A missing ledger is empty with exists=false.
// An undecodable ledger is logged and treated as empty so the next write repairs it.
func (m *Manager) readLedger(ctx context.Context) (ledger domain.Ledger, etag string, exists bool, err error) {
	ledger = domain.Ledger{}
	etag, err = m.readJSON(ctx, m.ledgerKey(), &ledger)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return domain.Ledger{}, "", false, nil
	case err != nil && etag != "":
		m.log.Warn("ledger unreadable, treating as empty", "err", err)
		return domain.Ledger{}, etag, true, nil
	case err != nil:
		return nil, "", false, err
	}
	if ledger == nil {
		ledger = domain.Ledger{}
	}
	return ledger, etag, true, nil
}

// updateLedger runs a read-modify-write cycle guarded by the ledger's ETag.
// mutate reports whether it changed anything; unchanged ledgers are not written.
func (m *Manager) updateLedger(ctx context.Context, mutate func(domain.Ledger) (bool, error)) error {
	for attempt := 0; attempt < ledgerWriteAttempts; attempt++ {
		ledger, etag, exists, err := m.readLedger(ctx)
		if err != nil {
			return fmt.Errorf("read ledger: %w", err)
		}
		changed, err := mutate(ledger)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		opts := storage.PutOptions{IfNoneMatch: !exists}
		if exists {
			opts.IfMatch = etag
		}
		err = m.putJSON(ctx, m.ledgerKey(), ledger, opts)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrPreconditionFailed) {
			return fmt.Errorf("write ledger: %w", err)
		}
		m.log.Warn("ledger changed concurrently, retrying", "attempt", attempt+1)
	}
	return fmt.Errorf("write ledger: %w", ErrConflict)
}

// TrainingFilesForTraining returns the flagged filenames. Any ledger failure yields an empty list.
func (m *Manager) TrainingFilesForTraining(ctx context.Context) []string {
	ledger, _, _, err := m.readLedger(ctx)
	if err != nil {
		m.log.Warn("read ledger failed", "err", err)
		return []string{}
	}
	files := []string{}
	for name, entry := range ledger {
		if entry.UseForTraining {
			files = append(files, name)
		}
	}
	sort.Strings(files)
	return files
}

type FlagChange struct {
	Filename string `json:"filename"`
	OldValue bool   `json:"old_value"`
	NewValue bool   `json:"new_value"`
}

// UpdateTrainingFlag sets the training flag for filename. The file itself is not checked.
func (m *Manager) UpdateTrainingFlag(ctx context.Context, filename string, flag bool) (FlagChange, error) {
	if err := ValidateFilename(filename); err != nil {
		return FlagChange{}, err
	}
	change := FlagChange{Filename: filename, NewValue: flag}
	err := m.updateLedger(ctx, func(ledger domain.Ledger) (bool, error) {
		entry, ok := ledger[filename]
		change.OldValue = entry.UseForTraining
		if !ok {
			ts := m.now().UTC()
			entry.UploadTimestamp = &ts
		}
		entry.UseForTraining = flag
		ledger[filename] = entry
		return true, nil
	})
	if err != nil {
		return FlagChange{}, m.ioError("update training flag", err)
	}
	return change, nil
}

type TrainingMetadata struct {
	Ledger           domain.Ledger `json:"metadata"`
	TotalFiles       int           `json:"total_files"`
	TrainingFiles    int           `json:"training_files"`
	NonTrainingFiles int           `json:"non_training_files"`
}

// TrainingMetadata summarises the ledger.
func (m *Manager) TrainingMetadata(ctx context.Context) (TrainingMetadata, error) {
	ledger, _, _, err := m.readLedger(ctx)
	if err != nil {
		return TrainingMetadata{}, m.ioError("read training metadata", err)
	}
	out := TrainingMetadata{Ledger: ledger, TotalFiles: len(ledger)}
	for _, entry := range ledger {
		if entry.UseForTraining {
			out.TrainingFiles++
		}
	}
	out.NonTrainingFiles = out.TotalFiles - out.TrainingFiles
	return out, nil
}

type ReconcileResult struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
}

// Reconcile aligns the ledger with the stored files: files without an entry get an
// unflagged entry and entries whose file is gone are dropped.
func (m *Manager) Reconcile(ctx context.Context) (ReconcileResult, error) {
	objects, err := m.listTrainingObjects(ctx)
	if err != nil {
		return ReconcileResult{}, m.ioError("list training files", err)
	}
	var result ReconcileResult
	err = m.updateLedger(ctx, func(ledger domain.Ledger) (bool, error) {
		result = ReconcileResult{Added: []string{}, Removed: []string{}}
		present := make(map[string]struct{}, len(objects))
		for _, obj := range objects {
			name := obj.Key[len(m.trainingPrefix):]
			present[name] = struct{}{}
			if _, ok := ledger[name]; ok {
				continue
			}
			ts := obj.LastModified.UTC()
			ledger[name] = domain.LedgerEntry{UploadTimestamp: &ts, FileSize: obj.Size}
			result.Added = append(result.Added, name)
		}
		for name := range ledger {
			if _, ok := present[name]; !ok {
				delete(ledger, name)
				result.Removed = append(result.Removed, name)
			}
		}
		sort.Strings(result.Added)
		sort.Strings(result.Removed)
		return len(result.Added)+len(result.Removed) > 0, nil
	})
	if err != nil {
		return ReconcileResult{}, m.ioError("reconcile ledger", err)
	}
	if len(result.Added)+len(result.Removed) > 0 {
		m.log.Info("ledger reconciled", "added", len(result.Added), "removed", len(result.Removed))
	}
	return result, nil
}
