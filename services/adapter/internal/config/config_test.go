package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath
}

func TestLoadMinioWithEnvOverrides(t *testing.T) {
	t.Setenv("MINIO_ENDPOINT", "minio:9000")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("USER_ID", "fixed-user")
	t.Setenv("TRAINER_ARGS", "train.py --bf16")
	t.Setenv("ADAPTER_TRAIN_RATE_LIMIT", "5")

	cfg, err := Load(writeConfig(t, `
port: "8090"
logLevel: "debug"
storageEndpoint: "localhost:9000"
storageAccessKey: "minio"
storageSecretKey: "minio123"
storageBucket: "adapters"
redisAddr: "localhost:6379"
trainerCommand: "python3"
`))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.StorageBackend != "minio" || cfg.StorageEndpoint != "minio:9000" || !cfg.StorageUseSSL {
		t.Fatalf("unexpected storage settings: %+v", cfg)
	}
	if cfg.UserID != "fixed-user" {
		t.Fatalf("userID = %q, want fixed-user", cfg.UserID)
	}
	if strings.Join(cfg.TrainerArgs, " ") != "train.py --bf16" {
		t.Fatalf("trainerArgs = %v", cfg.TrainerArgs)
	}
	if cfg.TrainRateLimit != 5 || cfg.TrainRateWindowSeconds != 3600 {
		t.Fatalf("unexpected rate limit: %d/%d", cfg.TrainRateLimit, cfg.TrainRateWindowSeconds)
	}
	if cfg.WorkerConcurrency != 1 || cfg.DataDir != "data" || cfg.QueueStream == "" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	sc := cfg.StorageConfig()
	if sc.Bucket != "adapters" || sc.AccessKey != "minio" {
		t.Fatalf("unexpected storage config: %+v", sc)
	}
}

func TestLoadS3UsesAWSEnvironment(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "S3")
	t.Setenv("AWS_REGION", "eu-west-1")
	t.Setenv("S3_BUCKET", "lora-prod")

	cfg, err := Load(writeConfig(t, `
port: "8090"
`))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.StorageBackend != "s3" || cfg.StorageRegion != "eu-west-1" || cfg.StorageBucket != "lora-prod" {
		t.Fatalf("unexpected s3 settings: %+v", cfg)
	}
}

func TestLoadPathFromEnvironment(t *testing.T) {
	t.Setenv("ADAPTER_CONFIG", writeConfig(t, `
port: "8090"
storageBackend: "memory"
`))
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.StorageBackend != "memory" {
		t.Fatalf("storageBackend = %q", cfg.StorageBackend)
	}
}

func TestValidateConfig(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{"missing port", `storageBackend: "memory"`, "port is required"},
		{"unknown backend", "port: \"1\"\nstorageBackend: \"ftp\"", "unknown storageBackend"},
		{"minio without endpoint", "port: \"1\"\nstorageBucket: \"b\"", "storageEndpoint is required"},
		{"gcs without bucket", "port: \"1\"\nstorageBackend: \"gcs\"", "storageBucket is required"},
		{"rate limit without redis", "port: \"1\"\nstorageBackend: \"memory\"\ntrainRateLimit: 3", "redisAddr or rateLimitRedisAddr is required"},
		{"bad leeway", "port: \"1\"\nstorageBackend: \"memory\"\njwtLeeway: \"soon\"", "invalid jwtLeeway"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestLoadOperatorKeysAndRateLimitRedis(t *testing.T) {
	t.Setenv("INTERNAL_JWT_VERIFY_PUBLIC_KEYS", "ops-2025=/keys/old.pem,ops-2026=/keys/new.pem")
	t.Setenv("RATE_LIMIT_REDIS_ADDR", "ratelimit:6379")

	cfg, err := Load(writeConfig(t, `
port: "8090"
storageBackend: "memory"
trainRateLimit: 4
rateLimitRedisPassword: "s3cret"
`))
	if err != nil {
		t.Fatalf("rate limit with its own redis should load without redisAddr: %v", err)
	}
	if cfg.InternalJWTVerifyPublicKeys != "ops-2025=/keys/old.pem,ops-2026=/keys/new.pem" {
		t.Fatalf("verify keys = %q", cfg.InternalJWTVerifyPublicKeys)
	}
	if cfg.RateLimitRedisAddr != "ratelimit:6379" || cfg.RateLimitRedisPassword != "s3cret" {
		t.Fatalf("rate limit redis = %q/%q", cfg.RateLimitRedisAddr, cfg.RateLimitRedisPassword)
	}
}

func TestParseJWTLeeway(t *testing.T) {
	if d, err := ParseJWTLeeway(""); err != nil || d != 0 {
		t.Fatalf("empty leeway: %v %v", d, err)
	}
	if d, err := ParseJWTLeeway("45s"); err != nil || d != 45*time.Second {
		t.Fatalf("45s leeway: %v %v", d, err)
	}
}
