package persistence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"avatarlora/pkg/domain"
	"avatarlora/pkg/storage"
)

// Object metadata written alongside each training file.
const (
	metaUserID           = "user-id"
	metaAvatarID         = "avatar-id"
	metaUploadTimestamp  = "upload-timestamp"
	metaOriginalFilename = "original-filename"
	metaUseForTraining   = "use-for-training"
)

type TrainingUpload struct {
	Filename       string
	Body           io.Reader
	Size           int64
	ContentType    string
	UseForTraining bool
}

type UploadResult struct {
	Filename        string    `json:"filename"`
	Key             string    `json:"key"`
	Size            int64     `json:"file_size"`
	ContentType     string    `json:"content_type"`
	UseForTraining  bool      `json:"use_for_training"`
	UploadTimestamp time.Time `json:"upload_timestamp"`
}

// UploadTrainingFile stores the file and then records it in the ledger.
// The two writes are independent; a failed ledger write leaves an unflagged orphan
// that Reconcile picks up.
func (m *Manager) UploadTrainingFile(ctx context.Context, in TrainingUpload) (UploadResult, error) {
	if err := ValidateFilename(in.Filename); err != nil {
		return UploadResult{}, err
	}
	contentType := in.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	ts := m.now().UTC()
	key := m.trainingFileKey(in.Filename)
	err := m.objects.Put(ctx, key, in.Body, in.Size, storage.PutOptions{
		ContentType: contentType,
		Metadata: map[string]string{
			metaUserID:           m.userID,
			metaAvatarID:         m.avatarID,
			metaUploadTimestamp:  ts.Format(time.RFC3339),
			metaOriginalFilename: in.Filename,
			metaUseForTraining:   strconv.FormatBool(in.UseForTraining),
		},
	})
	if err != nil {
		return UploadResult{}, m.ioError("upload training file", err)
	}
	size := in.Size
	if size < 0 {
		if info, err := m.objects.Stat(ctx, key); err == nil {
			size = info.Size
		}
	}
	err = m.updateLedger(ctx, func(ledger domain.Ledger) (bool, error) {
		ledger[in.Filename] = domain.LedgerEntry{
			UseForTraining:  in.UseForTraining,
			UploadTimestamp: &ts,
			FileSize:        size,
		}
		return true, nil
	})
	if err != nil {
		return UploadResult{}, m.ioError("record training file", err)
	}
	m.log.Info("training file uploaded", "filename", in.Filename, "size", size, "use_for_training", in.UseForTraining)
	return UploadResult{
		Filename:        in.Filename,
		Key:             key,
		Size:            size,
		ContentType:     contentType,
		UseForTraining:  in.UseForTraining,
		UploadTimestamp: ts,
	}, nil
}

// listTrainingObjects lists stored training documents, skipping directory markers,
// nested keys and the reserved backup objects.
func (m *Manager) listTrainingObjects(ctx context.Context) ([]storage.ObjectInfo, error) {
	objects, err := m.objects.List(ctx, m.trainingPrefix)
	if err != nil {
		return nil, err
	}
	out := objects[:0]
	for _, obj := range objects {
		name := strings.TrimPrefix(obj.Key, m.trainingPrefix)
		if name == "" || strings.Contains(name, "/") || isReservedName(name) {
			continue
		}
		out = append(out, obj)
	}
	return out, nil
}

// ListTrainingFiles joins stored files with the ledger. trainingOnly filters by flag
// when non-nil. Per-file metadata is best-effort.
func (m *Manager) ListTrainingFiles(ctx context.Context, trainingOnly *bool) ([]domain.TrainingFile, error) {
	objects, err := m.listTrainingObjects(ctx)
	if err != nil {
		return nil, m.ioError("list training files", err)
	}
	ledger, _, _, err := m.readLedger(ctx)
	if err != nil {
		m.log.Warn("read ledger failed, listing without flags", "err", err)
		ledger = domain.Ledger{}
	}

	files := make([]domain.TrainingFile, 0, len(objects))
	for _, obj := range objects {
		name := strings.TrimPrefix(obj.Key, m.trainingPrefix)
		flag := ledger.Flagged(name)
		if trainingOnly != nil && flag != *trainingOnly {
			continue
		}
		files = append(files, domain.TrainingFile{
			Filename:       name,
			Key:            obj.Key,
			Size:           obj.Size,
			LastModified:   obj.LastModified,
			UseForTraining: flag,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.probeConcurrency)
	for i := range files {
		g.Go(func() error {
			info, err := m.objects.Stat(gctx, files[i].Key)
			if err != nil {
				m.log.Debug("probe training file failed", "filename", files[i].Filename, "err", err)
				return nil
			}
			files[i].ContentType = info.ContentType
			files[i].UploadTimestamp = info.Metadata[metaUploadTimestamp]
			return nil
		})
	}
	_ = g.Wait()
	return files, nil
}

// DeleteTrainingFile removes the file, then drops its ledger entry on a best-effort basis.
func (m *Manager) DeleteTrainingFile(ctx context.Context, filename string) error {
	if err := ValidateFilename(filename); err != nil {
		return err
	}
	key := m.trainingFileKey(filename)
	ok, err := m.exists(ctx, key)
	if err != nil {
		return m.ioError("check training file", err)
	}
	if !ok {
		return fmt.Errorf("training file %s: %w", filename, ErrNotFound)
	}
	if err := m.objects.Delete(ctx, key); err != nil {
		return m.ioError("delete training file", err)
	}
	err = m.updateLedger(ctx, func(ledger domain.Ledger) (bool, error) {
		if _, ok := ledger[filename]; !ok {
			return false, nil
		}
		delete(ledger, filename)
		return true, nil
	})
	if err != nil {
		m.log.Warn("remove ledger entry failed", "filename", filename, "err", err)
	}
	return nil
}

// DeleteNonTrainingFiles deletes every stored file not flagged for training.
// With no ledger at all nothing is deleted.
func (m *Manager) DeleteNonTrainingFiles(ctx context.Context) ([]string, error) {
	ledger, _, _, err := m.readLedger(ctx)
	if err != nil {
		return nil, m.ioError("read ledger", err)
	}
	if len(ledger) == 0 {
		return []string{}, nil
	}
	objects, err := m.listTrainingObjects(ctx)
	if err != nil {
		return nil, m.ioError("list training files", err)
	}
	var keys []string
	deleted := []string{}
	for _, obj := range objects {
		name := strings.TrimPrefix(obj.Key, m.trainingPrefix)
		if !ledger.Flagged(name) {
			keys = append(keys, obj.Key)
			deleted = append(deleted, name)
		}
	}
	if len(keys) == 0 {
		return deleted, nil
	}
	if err := m.objects.DeleteMany(ctx, keys); err != nil {
		return nil, m.ioError("delete non-training files", err)
	}
	err = m.updateLedger(ctx, func(ledger domain.Ledger) (bool, error) {
		changed := false
		for _, name := range deleted {
			if _, ok := ledger[name]; ok {
				delete(ledger, name)
				changed = true
			}
		}
		return changed, nil
	})
	if err != nil {
		return nil, m.ioError("update ledger", err)
	}
	m.log.Info("non-training files deleted", "count", len(deleted))
	return deleted, nil
}

// TrainingFileDownloadURL returns a time-limited URL for a stored training file.
func (m *Manager) TrainingFileDownloadURL(ctx context.Context, filename string) (string, time.Duration, error) {
	if err := ValidateFilename(filename); err != nil {
		return "", 0, err
	}
	key := m.trainingFileKey(filename)
	ok, err := m.exists(ctx, key)
	if err != nil {
		return "", 0, m.ioError("check training file", err)
	}
	if !ok {
		return "", 0, fmt.Errorf("training file %s: %w", filename, ErrNotFound)
	}
	url, err := m.objects.PresignGet(ctx, key, m.presignExpiry)
	if err != nil {
		return "", 0, m.ioError("presign training file", err)
	}
	return url, m.presignExpiry, nil
}

// DownloadTrainingFile copies a stored training file into dir and returns its local path.
func (m *Manager) DownloadTrainingFile(ctx context.Context, filename, dir string) (string, error) {
	if err := ValidateFilename(filename); err != nil {
		return "", err
	}
	rc, _, err := m.objects.Get(ctx, m.trainingFileKey(filename))
	if errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("training file %s: %w", filename, ErrNotFound)
	}
	if err != nil {
		return "", m.ioError("download training file", err)
	}
	defer rc.Close()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, filename)
	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return path, nil
}
