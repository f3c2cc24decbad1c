package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"avatarlora/internal/ratelimit"
	"avatarlora/internal/servicetoken"
	"avatarlora/internal/usertoken"
	"avatarlora/internal/util"
	"avatarlora/pkg/queue"
	"avatarlora/pkg/storage"
	"avatarlora/pkg/store"
	"avatarlora/pkg/training"
	"avatarlora/services/adapter/internal/app"
	"avatarlora/services/adapter/internal/config"
	"avatarlora/services/adapter/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	objects, err := storage.New(ctx, cfg.StorageConfig())
	if err != nil {
		log.Fatalf("failed to init object store: %v", err)
	}

	var runs store.RunStore
	if cfg.DatabaseURL != "" {
		gormStore, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to init run registry: %v", err)
		}
		runs = gormStore
	}

	var jobs *queue.RedisJobQueue
	if cfg.RedisAddr != "" {
		hostname, _ := os.Hostname()
		jobs, err = queue.NewRedisJobQueue(queue.RedisQueueConfig{
			Addr:       cfg.RedisAddr,
			Password:   cfg.RedisPassword,
			Stream:     cfg.QueueStream,
			Group:      cfg.QueueGroup,
			Consumer:   "adapter-" + hostname,
			MaxRetries: cfg.QueueMaxRetries,
		})
		if err != nil {
			log.Fatalf("failed to init training queue: %v", err)
		}
	}

	limiter, err := newTrainLimiter(cfg, jobs)
	if err != nil {
		log.Fatalf("failed to init training rate limiter: %v", err)
	}
	defer limiter.Close()

	var tokenVerifier *usertoken.Verifier
	if cfg.AuthJWKSURL != "" {
		jwtLeeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
		if err != nil {
			log.Fatalf("failed to parse jwt leeway: %v", err)
		}
		tokenVerifier, err = usertoken.NewVerifier(usertoken.Config{
			JWKSURL:    cfg.AuthJWKSURL,
			Issuer:     cfg.JWTIssuer,
			Audience:   cfg.JWTAudience,
			Leeway:     jwtLeeway,
			HTTPClient: &http.Client{Timeout: 5 * time.Second},
		})
		if err != nil {
			log.Fatalf("failed to init jwks verifier: %v", err)
		}
	}

	internalVerifier, err := newInternalVerifier(cfg)
	if err != nil {
		log.Fatalf("failed to init internal jwt verifier: %v", err)
	}

	trustedProxies, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	appCore, err := app.New(app.Config{
		Objects:          objects,
		StorageRoot:      cfg.StorageRoot,
		PresignExpiry:    time.Duration(cfg.PresignExpirySeconds) * time.Second,
		ProbeConcurrency: cfg.MetadataProbeWorkers,
		FixedUserID:      cfg.UserID,
		DataDir:          cfg.DataDir,
		Runs:             runs,
		Queue:            jobs,
		Procedure: training.CommandProcedure{
			Command: cfg.TrainerCommand,
			Args:    cfg.TrainerArgs,
			Timeout: time.Duration(cfg.TrainerTimeoutSeconds) * time.Second,
			Logger:  logger,
		},
		PrepareDocuments: cfg.PrepareDocuments,
		Logger:           logger,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	defer appCore.Close()

	httpServer, err := server.New(server.Config{
		App:              appCore,
		TokenVerifier:    tokenVerifier,
		InternalVerifier: internalVerifier,
		TrainLimiter:     limiter,
		TrustedProxies:   trustedProxies,
		MaxUploadBytes:   cfg.MaxUploadBytes,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	appCore.StartWorkers(ctx, cfg.WorkerConcurrency)

	addr := ":" + cfg.Port
	srv := newHTTPServer(addr, httpServer.Router())
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", "err", err)
		}
	}()

	logger.Info("adapter server listening", "addr", addr, "storage_backend", cfg.StorageBackend, "bucket", appCore.Bucket(), "queue_enabled", jobs != nil)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}

// newTrainLimiter prefers a dedicated Redis for quotas and falls back to the queue's pool.
// A nil limiter means training is not rate limited.
func newTrainLimiter(cfg config.FileConfig, jobs *queue.RedisJobQueue) (*ratelimit.FixedWindowLimiter, error) {
	if cfg.TrainRateLimit <= 0 {
		return nil, nil
	}
	window := time.Duration(cfg.TrainRateWindowSeconds) * time.Second
	switch {
	case cfg.RateLimitRedisAddr != "":
		return ratelimit.NewRedisFixedWindowLimiter(cfg.RateLimitRedisAddr, cfg.RateLimitRedisPassword, "", cfg.TrainRateLimit, window)
	case jobs != nil:
		return ratelimit.NewFixedWindowLimiter(jobs.Client(), "", cfg.TrainRateLimit, window)
	default:
		return nil, errors.New("training rate limit needs a redis connection")
	}
}

// newInternalVerifier builds the maintenance token verifier from the default key and the
// rotation map. It returns nil when neither is configured.
func newInternalVerifier(cfg config.FileConfig) (*servicetoken.Verifier, error) {
	verifyKeys, err := servicetoken.ParseVerifyPublicKeys(cfg.InternalJWTVerifyPublicKeys)
	if err != nil {
		return nil, err
	}
	if cfg.InternalJWTPublicKeyPath == "" && len(verifyKeys) == 0 {
		return nil, nil
	}
	return servicetoken.NewVerifierWithOptions(servicetoken.VerifierOptions{
		PublicKeyPath:      cfg.InternalJWTPublicKeyPath,
		VerifyPublicKeyMap: verifyKeys,
		DefaultKeyID:       cfg.InternalJWTKeyID,
		Audience:           "adapter",
		AllowedIssuers:     cfg.InternalJWTAllowedIssuers,
		Leeway:             5 * time.Second,
	})
}

// newHTTPServer bounds header reads and idle connections only. Synchronous training and
// archive transfers run for as long as they need, so there is no write or body deadline.
func newHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
