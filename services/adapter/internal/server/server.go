package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"avatarlora/internal/ratelimit"
	"avatarlora/internal/servicetoken"
	"avatarlora/internal/usertoken"
	"avatarlora/internal/util"
	"avatarlora/pkg/domain"
	"avatarlora/pkg/persistence"
	"avatarlora/pkg/training"
	"avatarlora/services/adapter/internal/app"
)

const (
	defaultMaxUploadBytes = 100 << 20
	defaultRunsLimit      = 20
	maxRunsLimit          = 200
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	// TokenVerifier is optional; when set every user route requires a bearer token for that user.
	TokenVerifier *usertoken.Verifier
	// InternalVerifier is optional; when set maintenance routes require an operator service token.
	InternalVerifier *servicetoken.Verifier
	// TrainLimiter is optional and caps training triggers per user.
	TrainLimiter   *ratelimit.FixedWindowLimiter
	TrustedProxies *util.TrustedProxies
	MaxUploadBytes int64
}

// Server exposes HTTP endpoints for the adapter service.
type Server struct {
	app            *app.App
	tokenVerifier  *usertoken.Verifier
	internalVerify *servicetoken.Verifier
	trainLimiter   *ratelimit.FixedWindowLimiter
	trustedProxies *util.TrustedProxies
	mux            *http.ServeMux
	maxUploadBytes int64
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}
	s := &Server{
		app:            cfg.App,
		tokenVerifier:  cfg.TokenVerifier,
		internalVerify: cfg.InternalVerifier,
		trainLimiter:   cfg.TrainLimiter,
		trustedProxies: cfg.TrustedProxies,
		mux:            http.NewServeMux(),
		maxUploadBytes: maxUploadBytes,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("adapter", s.trustedProxies, util.WithSecurityHeaders(s.trustedProxies, util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /healthz", s.handleReady)

	// adapters
	s.mux.Handle("POST /adapters/{user}/{avatar}/create", s.withUser(s.handleCreateAdapter))
	s.mux.Handle("POST /adapters/{user}/{avatar}/train", s.withUser(s.handleTrain))
	s.mux.Handle("GET /adapters/{user}/{avatar}/train/jobs/{job}", s.withUser(s.handleGetJob))
	s.mux.Handle("GET /adapters/{user}/{avatar}", s.withUser(s.handleDownloadAdapter))
	s.mux.Handle("DELETE /adapters/{user}/{avatar}", s.withUser(s.handleDeleteAdapter))
	s.mux.Handle("GET /adapters/{user}/{avatar}/info", s.withUser(s.handleAdapterInfo))
	s.mux.Handle("GET /adapters/{user}/{avatar}/runs", s.withUser(s.handleListRuns))
	s.mux.Handle("GET /adapters/{user}/{avatar}/training/validate", s.withUser(s.handleValidate))
	s.mux.Handle("GET /adapters/{user}/{avatar}/training/recommend", s.withUser(s.handleRecommend))

	// training data
	s.mux.Handle("POST /training-data/{user}/{avatar}/upload", s.withUser(s.handleUpload))
	s.mux.Handle("GET /training-data/{user}/{avatar}/list", s.withUser(s.handleListTrainingFiles))
	s.mux.Handle("PUT /training-data/{user}/{avatar}/{file}/training-flag", s.withUser(s.handleUpdateFlag))
	s.mux.Handle("DELETE /training-data/{user}/{avatar}/{file}", s.withUser(s.handleDeleteTrainingFile))
	s.mux.Handle("DELETE /training-data/{user}/{avatar}/non-training-files", s.withUser(s.handleDeleteNonTraining))
	s.mux.Handle("GET /training-data/{user}/{avatar}/download/{file}", s.withUser(s.handleTrainingFileURL))
	s.mux.Handle("GET /training-data/{user}/{avatar}/metadata", s.withUser(s.handleTrainingMetadata))
	s.mux.Handle("POST /training-data/{user}/{avatar}/reconcile", s.withMaintenance(servicetoken.ScopeReconcile, s.handleReconcile))

	// persistence
	s.mux.Handle("POST /persistence/adapters/backup/{user}/{avatar}", s.withMaintenance(servicetoken.ScopeBackup, s.handleLocalBackup(domain.BackupAdapters)))
	s.mux.Handle("POST /persistence/adapters/training-data/backup/{user}/{avatar}", s.withMaintenance(servicetoken.ScopeBackup, s.handleLocalBackup(domain.BackupTrainingData)))
	s.mux.Handle("POST /persistence/adapters/restore/{user}/{avatar}", s.withMaintenance(servicetoken.ScopeRestore, s.handleLocalRestore(domain.BackupAdapters)))
	s.mux.Handle("POST /persistence/adapters/training-data/restore/{user}/{avatar}", s.withMaintenance(servicetoken.ScopeRestore, s.handleLocalRestore(domain.BackupTrainingData)))
	s.mux.Handle("GET /persistence/adapters/backups/{user}/{avatar}", s.withUser(s.handleListBackups))
	s.mux.Handle("DELETE /persistence/adapters/backup/{user}/{avatar}", s.withUser(s.handleDeleteBackup))
	s.mux.Handle("GET /persistence/adapters/status/{user}/{avatar}", s.withUser(s.handlePersistenceStatus))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.app.Ping(ctx); err != nil {
		util.LoggerFromContext(r.Context()).Warn("readiness check failed", "bucket", s.app.Bucket(), "err", err)
		writeError(w, http.StatusServiceUnavailable, "object store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "bucket": s.app.Bucket()})
}

// scopedHandler receives the persistence manager for the path's (user, avatar).
type scopedHandler func(http.ResponseWriter, *http.Request, *persistence.Manager)

func (s *Server) withUser(next scopedHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m, ok := s.manager(w, r)
		if !ok {
			return
		}
		if s.tokenVerifier != nil {
			err := s.tokenVerifier.Authorize(r.Context(), r.Header.Get("Authorization"), m.UserID())
			switch {
			case errors.Is(err, usertoken.ErrSubjectMismatch):
				writeError(w, http.StatusForbidden, "forbidden")
				return
			case err != nil:
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next(w, r, m)
	})
}

// withMaintenance guards operator routes with a service token granting scope.
// Without an internal verifier they fall back to user auth.
func (s *Server) withMaintenance(scope string, next scopedHandler) http.Handler {
	if s.internalVerify == nil {
		return s.withUser(next)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.internalVerify.VerifyRequest(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if err := claims.Require(scope); err != nil {
			util.LoggerFromContext(r.Context()).Warn("maintenance scope denied", "issuer", claims.Issuer, "scope", scope)
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		m, ok := s.manager(w, r)
		if !ok {
			return
		}
		util.LoggerFromContext(r.Context()).Info("maintenance request", "issuer", claims.Issuer, "scope", scope, "path", r.URL.Path)
		next(w, r, m)
	})
}

func (s *Server) manager(w http.ResponseWriter, r *http.Request) (*persistence.Manager, bool) {
	m, err := s.app.Manager(r.PathValue("user"), r.PathValue("avatar"))
	if err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return nil, false
	}
	util.AnnotateAdapter(r.Context(), m.UserID(), m.AvatarID())
	return m, true
}

// adapters

func (s *Server) handleCreateAdapter(w http.ResponseWriter, r *http.Request, m *persistence.Manager) {
	res, err := m.CreateAdapter(r.Context(), strings.TrimSpace(r.URL.Query().Get("adapter_name")))
	if err != nil {
		s.fail(w, r, m, "create adapter", "", err)
		return
	}
	status := http.StatusOK
	if res.Status == domain.AdapterCreated {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{
		"status":     res.Status,
		"user_id":    m.UserID(),
		"avatar_id":  m.AvatarID(),
		"s3_path":    res.Path,
		"metadata":   res.Metadata,
		"created_at": time.Now().UTC(),
	})
}

func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request, m *persistence.Manager) {
	if s.trainLimiter != nil && !s.trainLimiter.Allow(r.Context(), m.UserID()) {
		w.Header().Set("Retry-After", strconv.Itoa(int(s.trainLimiter.RetryAfter().Seconds())+1))
		writeError(w, http.StatusTooManyRequests, "too many training requests")
		return
	}
	params, err := decodeParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	async, _ := strconv.ParseBool(r.URL.Query().Get("async"))
	if async {
		job, err := s.app.EnqueueTraining(r.Context(), m.UserID(), m.AvatarID(), params)
		if errors.Is(err, app.ErrQueueDisabled) {
			writeError(w, http.StatusServiceUnavailable, "training queue not configured")
			return
		}
		if err != nil {
			s.fail(w, r, m, "enqueue training", "", err)
			return
		}
		writeJSON(w, http.StatusAccepted, job)
		return
	}
	outcome, err := s.app.Train(r.Context(), m.UserID(), m.AvatarID(), params)
	if err != nil {
		s.fail(w, r, m, "train adapter", "adapter not found", err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request, m *persistence.Manager) {
	job, err := s.app.GetJob(r.Context(), m.UserID(), m.AvatarID(), r.PathValue("job"))
	switch {
	case errors.Is(err, app.ErrQueueDisabled):
		writeError(w, http.StatusServiceUnavailable, "training queue not configured")
	case errors.Is(err, app.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "training job not found")
	case err != nil:
		s.fail(w, r, m, "get training job", "", err)
	default:
		writeJSON(w, http.StatusOK, job)
	}
}

// handleDownloadAdapter streams the adapter archive, creating the adapter first when absent.
func (s *Server) handleDownloadAdapter(w http.ResponseWriter, r *http.Request, m *persistence.Manager) {
	ctx := r.Context()
	if m.AdapterExists(ctx) {
		meta, _ := json.Marshal(m.BackupMetadata(ctx, domain.BackupAdapters))
		w.Header().Set("X-Adapter-Metadata", string(meta))
	} else {
		if _, err := m.CreateAdapter(ctx, ""); err != nil {
			s.fail(w, r, m, "create adapter", "", err)
			return
		}
		w.Header().Set("X-Adapter-Status", "newly_created")
	}
	rc, info, err := m.OpenAdapterArchive(ctx)
	if err != nil {
		s.fail(w, r, m, "get adapter", "adapter not found", err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="adapter_%s_%s.zip"`, m.UserID(), m.AvatarID()))
	if info.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		util.LoggerFromContext(ctx).Warn("adapter download interrupted", "err", err)
	}
}

func (s *Server) handleDeleteAdapter(w http.ResponseWriter, r *http.Request, m *persistence.Manager) {
	q := r.URL.Query()
	var (
		res persistence.DeleteResult
		err error
	)
	switch scope := q.Get("scope"); scope {
	case "adapter":
		res, err = m.DeleteAdapterBundle(r.Context())
	case "", "all":
		if confirmed, _ := strconv.ParseBool(q.Get("confirm")); !confirmed {
			writeError(w, http.StatusBadRequest, "confirm=true is required: this deletes the adapter, all training files and the training ledger")
			return
		}
		res, err = m.DeleteAdapter(r.Context())
	default:
		writeError(w, http.StatusBadRequest, "scope must be 'all' or 'adapter'")
		return
	}
	if err != nil {
		s.fail(w, r, m, "delete adapter", "adapter not found", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "success",
		"message":         fmt.Sprintf("Adapter deleted for user %s, avatar %s", m.UserID(), m.AvatarID()),
		"deleted_objects": res.DeletedObjects,
	})
}

func (s *Server) handleAdapterInfo(w http.ResponseWriter, r *http.Request, m *persistence.Manager) {
	info, err := m.GetAdapterInfo(r.Context())
	if err != nil {
		s.fail(w, r, m, "get adapter info", "adapter not found", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "found",
		"user_id":        m.UserID(),
		"avatar_id":      m.AvatarID(),
		"s3_path":        info.Path,
		"metadata":       info.Metadata,
		"adapter_config": info.AdapterConfig,
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request, m *persistence.Manager) {
	limit := defaultRunsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunsLimit)
	}
	runs, err := s.app.ListRuns(r.Context(), m.UserID(), m.AvatarID(), limit)
	if err != nil {
		s.fail(w, r, m, "list training runs", "", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": runs, "count": len(runs)})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request, m *persistence.Manager) {
	report, err := s.app.ValidateTrainingData(r.Context(), m.UserID(), m.AvatarID())
	if err != nil {
		s.fail(w, r, m, "validate training data", "", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRecommend(w http.ResponseWriter, r *http.Request, m *persistence.Manager) {
	rec, err := s.app.RecommendParameters(r.Context(), m.UserID(), m.AvatarID())
	if err != nil {
		s.fail(w, r, m, "recommend parameters", "", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// training data

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, m *persistence.Manager) {
	useForTraining := true
	if raw := r.URL.Query().Get("use_for_training"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "use_for_training must be a boolean")
			return
		}
		useForTraining = v
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	defer file.Close()
	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	res, err := m.UploadTrainingFile(r.Context(), persistence.TrainingUpload{
		Filename:       header.Filename,
		Body:           file,
		Size:           header.Size,
		ContentType:    contentType,
		UseForTraining: useForTraining,
	})
	if err != nil {
		s.fail(w, r, m, "upload training data", "", err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleListTrainingFiles(w http.ResponseWriter, r *http.Request, m *persistence.Manager) {
	var filter *bool
	if raw := r.URL.Query().Get("training_only"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "training_only must be a boolean")
			return
		}
		filter = &v
	}
	files, err := m.ListTrainingFiles(r.Context(), filter)
	if err != nil {
		s.fail(w, r, m, "list training data", "", err)
		return
	}
	writeJSON(w, http.StatusOK, files)
}

type flagRequest struct {
	UseForTraining *bool `json:"use_for_training"`
}

func (s *Server) handleUpdateFlag(w http.ResponseWriter, r *http.Request, m *persistence.Manager) {
	var req flagRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil || req.UseForTraining == nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	change, err := m.UpdateTrainingFlag(r.Context(), r.PathValue("file"), *req.UseForTraining)
	if err != nil {
		s.fail(w, r, m, "update training flag", "", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "success",
		"filename":  change.Filename,
		"old_value": change.OldValue,
		"new_value": change.NewValue,
	})
}

func (s *Server) handleDeleteTrainingFile(w http.ResponseWriter, r *http.Request, m *persistence.Manager) {
	filename := r.PathValue("file")
	if err := m.DeleteTrainingFile(r.Context(), filename); err != nil {
		s.fail(w, r, m, "delete training file", "training file not found", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "filename": filename})
}

func (s *Server) handleDeleteNonTraining(w http.ResponseWriter, r *http.Request, m *persistence.Manager) {
	deleted, err := m.DeleteNonTrainingFiles(r.Context())
	if err != nil {
		s.fail(w, r, m, "delete non-training files", "", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "success",
		"deleted_files": deleted,
		"count":         len(deleted),
	})
}

func (s *Server) handleTrainingFileURL(w http.ResponseWriter, r *http.Request, m *persistence.Manager) {
	filename := r.PathValue("file")
	url, expiry, err := m.TrainingFileDownloadURL(r.Context(), filename)
	if err != nil {
		s.fail(w, r, m, "generate download URL", "training file not found", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"filename":     filename,
		"download_url": url,
		"expires_in":   int(expiry.Seconds()),
	})
}

func (s *Server) handleTrainingMetadata(w http.ResponseWriter, r *http.Request, m *persistence.Manager) {
	meta, err := m.TrainingMetadata(r.Context())
	if err != nil {
		s.fail(w, r, m, "get training metadata", "", err)
		return
	}
	status := "found"
	if meta.TotalFiles == 0 {
		status = "not_found"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"user_id":   m.UserID(),
		"avatar_id": m.AvatarID(),
		"metadata":  meta.Ledger,
		"summary": map[string]int{
			"total_files":        meta.TotalFiles,
			"training_files":     meta.TrainingFiles,
			"non_training_files": meta.NonTrainingFiles,
		},
	})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request, m *persistence.Manager) {
	res, err := m.Reconcile(r.Context())
	if err != nil {
		s.fail(w, r, m, "reconcile training ledger", "", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// persistence

func (s *Server) handleLocalBackup(kind domain.BackupKind) scopedHandler {
	return func(w http.ResponseWriter, r *http.Request, m *persistence.Manager) {
		dir, err := s.app.LocalPath(r.URL.Query().Get("local_path"))
		if err != nil {
			writeError(w, http.StatusBadRequest, validationMessage(err))
			return
		}
		var meta domain.BackupMetadata
		if kind == domain.BackupTrainingData {
			meta, err = m.BackupTrainingData(r.Context(), dir)
		} else {
			meta, err = m.BackupAdapters(r.Context(), dir)
		}
		if err != nil {
			s.fail(w, r, m, "backup "+kindLabel(kind), "local directory not found", err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"success":     true,
			"message":     fmt.Sprintf("Successfully backed up %s for user %s, avatar %s", kindLabel(kind), m.UserID(), m.AvatarID()),
			"backup_info": meta,
		})
	}
}

func (s *Server) handleLocalRestore(kind domain.BackupKind) scopedHandler {
	return func(w http.ResponseWriter, r *http.Request, m *persistence.Manager) {
		dir, err := s.app.LocalPath(r.URL.Query().Get("local_path"))
		if err != nil {
			writeError(w, http.StatusBadRequest, validationMessage(err))
			return
		}
		if kind == domain.BackupTrainingData {
			err = m.RestoreTrainingData(r.Context(), dir)
		} else {
			err = m.RestoreAdapters(r.Context(), dir)
		}
		if err != nil {
			s.fail(w, r, m, "restore "+kindLabel(kind), "backup not found", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": fmt.Sprintf("Successfully restored %s for user %s, avatar %s", kindLabel(kind), m.UserID(), m.AvatarID()),
		})
	}
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request, m *persistence.Manager) {
	backups, err := m.ListBackups(r.Context())
	if err != nil {
		s.fail(w, r, m, "list adapter backups", "", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"backups": backups, "count": len(backups)})
}

func (s *Server) handleDeleteBackup(w http.ResponseWriter, r *http.Request, m *persistence.Manager) {
	kind := r.URL.Query().Get("backup_type")
	if kind == "" {
		kind = string(domain.BackupAdapters)
	}
	res, err := m.DeleteBackup(r.Context(), kind)
	if err != nil {
		s.fail(w, r, m, "delete adapter backup", "backup not found", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"message":      fmt.Sprintf("Successfully deleted %s backup for user %s, avatar %s", res.BackupType, m.UserID(), m.AvatarID()),
		"deleted_keys": len(res.DeletedKeys),
	})
}

func (s *Server) handlePersistenceStatus(w http.ResponseWriter, r *http.Request, m *persistence.Manager) {
	writeJSON(w, http.StatusOK, m.Status(r.Context()))
}

// fail maps a core error onto a response. Unexpected failures are logged and reported generically.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, m *persistence.Manager, op, notFound string, err error) {
	switch {
	case errors.Is(err, persistence.ErrValidation):
		writeError(w, http.StatusBadRequest, validationMessage(err))
	case errors.Is(err, persistence.ErrNotFound):
		if notFound == "" {
			notFound = "not found"
		}
		writeError(w, http.StatusNotFound, notFound)
	case errors.Is(err, persistence.ErrConflict):
		writeError(w, http.StatusConflict, "training ledger was modified concurrently, retry")
	default:
		util.LoggerFromContext(r.Context()).Error(op+" failed", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}

func validationMessage(err error) string {
	return strings.TrimPrefix(err.Error(), persistence.ErrValidation.Error()+": ")
}

func kindLabel(kind domain.BackupKind) string {
	if kind == domain.BackupTrainingData {
		return "training data"
	}
	return "adapters"
}

// decodeParams reads optional training parameter overrides. An empty body means none.
func decodeParams(r *http.Request) (training.Params, error) {
	var params training.Params
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&params)
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	return params, err
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCodeForAdapter(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func errorCodeForAdapter(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case message == "forbidden":
		return "AUTH_FORBIDDEN"
	case message == "adapter not found":
		return "ADAPTER_NOT_FOUND"
	case message == "backup not found":
		return "BACKUP_NOT_FOUND"
	case message == "training file not found":
		return "TRAINING_FILE_NOT_FOUND"
	case message == "training job not found":
		return "TRAINING_JOB_NOT_FOUND"
	case message == "local directory not found":
		return "LOCAL_PATH_NOT_FOUND"
	case message == "too many training requests":
		return "TRAINING_RATE_LIMITED"
	case message == "training queue not configured":
		return "TRAINING_QUEUE_DISABLED"
	case strings.HasPrefix(message, "confirm=true is required"):
		return "ADAPTER_DELETE_UNCONFIRMED"
	case strings.HasPrefix(message, "training ledger was modified"):
		return "TRAINING_LEDGER_CONFLICT"
	case message == "file too large":
		return "TRAINING_FILE_TOO_LARGE"
	case strings.Contains(message, "file is required"):
		return "TRAINING_FILE_REQUIRED"
	case message == "invalid form data":
		return "TRAINING_FILE_INVALID_UPLOAD_FORM"
	case strings.HasPrefix(message, "filename"):
		return "TRAINING_FILE_INVALID_NAME"
	case strings.HasPrefix(message, "backup_type"):
		return "BACKUP_INVALID_TYPE"
	case strings.HasPrefix(message, "local path"):
		return "LOCAL_PATH_INVALID"
	case message == "object store unavailable":
		return "SYSTEM_STORAGE_UNAVAILABLE"
	case message == "invalid json body":
		return "REQUEST_INVALID_JSON"
	}

	switch status {
	case http.StatusBadRequest:
		return "REQUEST_INVALID"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusForbidden:
		return "AUTH_FORBIDDEN"
	case http.StatusNotFound:
		return "SYSTEM_NOT_FOUND"
	case http.StatusConflict:
		return "REQUEST_CONFLICT"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}
