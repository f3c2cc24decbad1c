package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"avatarlora/pkg/queue"
	"avatarlora/services/adapter/internal/config"
)

func TestNewHTTPServerLeavesLongTransfersUnbounded(t *testing.T) {
	srv := newHTTPServer(":0", http.NotFoundHandler())
	if srv.WriteTimeout != 0 || srv.ReadTimeout != 0 {
		t.Fatalf("sync training and archive streams must not hit a deadline: write=%s read=%s", srv.WriteTimeout, srv.ReadTimeout)
	}
	if srv.ReadHeaderTimeout <= 0 || srv.IdleTimeout <= 0 {
		t.Fatalf("header and idle timeouts must stay bounded: %+v", srv)
	}
}

func TestNewTrainLimiterUsesDedicatedRedis(t *testing.T) {
	dedicated := miniredis.RunT(t)
	cfg := config.FileConfig{
		TrainRateLimit:         1,
		TrainRateWindowSeconds: 60,
		RateLimitRedisAddr:     dedicated.Addr(),
	}
	limiter, err := newTrainLimiter(cfg, nil)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	t.Cleanup(func() { _ = limiter.Close() })

	ctx := context.Background()
	if !limiter.Allow(ctx, "user-1") {
		t.Fatal("first trigger should pass")
	}
	if limiter.Allow(ctx, "user-1") {
		t.Fatal("second trigger should exceed the quota")
	}
	if len(dedicated.Keys()) == 0 {
		t.Fatal("quota counters should live on the dedicated redis")
	}
}

func TestNewTrainLimiterFallsBackToQueueRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	jobs, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{Addr: mr.Addr(), Stream: "avatarlora:test"})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	t.Cleanup(func() { _ = jobs.Close() })

	limiter, err := newTrainLimiter(config.FileConfig{TrainRateLimit: 2, TrainRateWindowSeconds: 60}, jobs)
	if err != nil || limiter == nil {
		t.Fatalf("new limiter: %v %v", limiter, err)
	}
	if err := limiter.Close(); err != nil {
		t.Fatalf("closing a shared-pool limiter: %v", err)
	}
	if err := jobs.Client().Ping(context.Background()).Err(); err != nil {
		t.Fatalf("queue pool must survive limiter close: %v", err)
	}
}

func TestNewTrainLimiterDisabledOrUnreachable(t *testing.T) {
	limiter, err := newTrainLimiter(config.FileConfig{}, nil)
	if err != nil || limiter != nil {
		t.Fatalf("no limit configured: %v %v", limiter, err)
	}
	if _, err := newTrainLimiter(config.FileConfig{TrainRateLimit: 1, TrainRateWindowSeconds: 60}, nil); err == nil {
		t.Fatal("a limit without any redis must fail")
	}
}

func TestNewInternalVerifierFromRotationMap(t *testing.T) {
	dir := t.TempDir()
	oldPub := writePublicKey(t, dir, "old")
	newPub := writePublicKey(t, dir, "new")

	v, err := newInternalVerifier(config.FileConfig{
		InternalJWTVerifyPublicKeys: "ops-2025=" + oldPub + ",ops-2026=" + newPub,
		InternalJWTAllowedIssuers:   []string{"adapter-ops"},
	})
	if err != nil || v == nil {
		t.Fatalf("verifier from key map: %v %v", v, err)
	}
	if got := v.KeyIDs(); len(got) != 2 {
		t.Fatalf("key ids = %v", got)
	}

	v, err = newInternalVerifier(config.FileConfig{
		InternalJWTPublicKeyPath:    oldPub,
		InternalJWTKeyID:            "primary",
		InternalJWTVerifyPublicKeys: "ops-2026=" + newPub,
		InternalJWTAllowedIssuers:   []string{"adapter-ops"},
	})
	if err != nil {
		t.Fatalf("verifier from path and map: %v", err)
	}
	if got := v.KeyIDs(); len(got) != 2 || got[0] != "ops-2026" || got[1] != "primary" {
		t.Fatalf("key ids = %v", got)
	}
}

func TestNewInternalVerifierOptional(t *testing.T) {
	v, err := newInternalVerifier(config.FileConfig{})
	if err != nil || v != nil {
		t.Fatalf("no keys configured: %v %v", v, err)
	}
	if _, err := newInternalVerifier(config.FileConfig{InternalJWTVerifyPublicKeys: "broken"}); err == nil {
		t.Fatal("malformed key map must fail startup")
	}
}

func writePublicKey(t *testing.T, dir, name string) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public: %v", err)
	}
	path := filepath.Join(dir, name+".pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o644); err != nil {
		t.Fatalf("write public: %v", err)
	}
	return path
}
