package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"avatarlora/pkg/storage"
)

// ConfigPath is the default config location. ADAPTER_CONFIG overrides it.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`
	// UserID pins every request to one user when set.
	UserID  string `yaml:"userID"`
	DataDir string `yaml:"dataDir"`

	StorageBackend         string   `yaml:"storageBackend"`
	StorageBucket          string   `yaml:"storageBucket"`
	StorageRoot            string   `yaml:"storageRoot"`
	StorageEndpoint        string   `yaml:"storageEndpoint"`
	StorageAccessKey       string   `yaml:"storageAccessKey"`
	StorageSecretKey       string   `yaml:"storageSecretKey"`
	StorageRegion          string   `yaml:"storageRegion"`
	StorageUseSSL          bool     `yaml:"storageUseSSL"`
	GCSCredentialsFile     string   `yaml:"gcsCredentialsFile"`
	PresignExpirySeconds   int      `yaml:"presignExpirySeconds"`
	MetadataProbeWorkers   int      `yaml:"metadataProbeWorkers"`
	MaxUploadBytes         int64    `yaml:"maxUploadBytes"`
	DatabaseURL            string   `yaml:"databaseURL"`
	RedisAddr              string   `yaml:"redisAddr"`
	RedisPassword          string   `yaml:"redisPassword"`
	QueueStream            string   `yaml:"queueStream"`
	QueueGroup             string   `yaml:"queueGroup"`
	QueueMaxRetries        int      `yaml:"queueMaxRetries"`
	WorkerConcurrency      int      `yaml:"workerConcurrency"`
	TrainerCommand         string   `yaml:"trainerCommand"`
	TrainerArgs            []string `yaml:"trainerArgs"`
	TrainerTimeoutSeconds  int      `yaml:"trainerTimeoutSeconds"`
	PrepareDocuments       bool     `yaml:"prepareDocuments"`
	TrainRateLimit         int      `yaml:"trainRateLimit"`
	TrainRateWindowSeconds int      `yaml:"trainRateWindowSeconds"`
	RateLimitRedisAddr     string   `yaml:"rateLimitRedisAddr"`
	RateLimitRedisPassword string   `yaml:"rateLimitRedisPassword"`
	AuthJWKSURL            string   `yaml:"authJwksURL"`
	JWTIssuer              string   `yaml:"jwtIssuer"`
	JWTAudience            string   `yaml:"jwtAudience"`
	JWTLeeway              string   `yaml:"jwtLeeway"`

	InternalJWTPublicKeyPath    string   `yaml:"internalJwtPublicKeyPath"`
	InternalJWTKeyID            string   `yaml:"internalJwtKeyId"`
	InternalJWTVerifyPublicKeys string   `yaml:"internalJwtVerifyPublicKeys"`
	InternalJWTAllowedIssuers   []string `yaml:"internalJwtAllowedIssuers"`
	TrustedProxies              []string `yaml:"trustedProxies"`
}

// Load reads config from path (defaults to ADAPTER_CONFIG, then config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = os.Getenv("ADAPTER_CONFIG")
	}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	setString(&cfg.Port, "PORT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.UserID, "USER_ID")
	setString(&cfg.DataDir, "ADAPTER_DATA_DIR")
	setString(&cfg.StorageBackend, "STORAGE_BACKEND")
	setString(&cfg.StorageBucket, "STORAGE_BUCKET")
	setString(&cfg.StorageRoot, "STORAGE_ROOT")

	// backend-specific names win over the generic ones
	switch strings.ToLower(cfg.StorageBackend) {
	case storage.BackendS3:
		setString(&cfg.StorageEndpoint, "S3_ENDPOINT")
		setString(&cfg.StorageAccessKey, "AWS_ACCESS_KEY_ID")
		setString(&cfg.StorageSecretKey, "AWS_SECRET_ACCESS_KEY")
		setString(&cfg.StorageRegion, "AWS_REGION")
		setString(&cfg.StorageBucket, "S3_BUCKET")
	case storage.BackendGCS:
		setString(&cfg.GCSCredentialsFile, "GOOGLE_APPLICATION_CREDENTIALS")
		setString(&cfg.StorageBucket, "GCS_BUCKET")
	default:
		setString(&cfg.StorageEndpoint, "MINIO_ENDPOINT")
		setString(&cfg.StorageAccessKey, "MINIO_ACCESS_KEY")
		setString(&cfg.StorageSecretKey, "MINIO_SECRET_KEY")
		setString(&cfg.StorageBucket, "MINIO_BUCKET")
		if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
			cfg.StorageUseSSL = true
		}
	}

	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	setString(&cfg.TrainerCommand, "TRAINER_COMMAND")
	if v := os.Getenv("TRAINER_ARGS"); v != "" {
		cfg.TrainerArgs = strings.Fields(v)
	}
	setInt(&cfg.TrainerTimeoutSeconds, "TRAINER_TIMEOUT_SECONDS")
	setInt(&cfg.WorkerConcurrency, "ADAPTER_WORKER_CONCURRENCY")
	setInt(&cfg.TrainRateLimit, "ADAPTER_TRAIN_RATE_LIMIT")
	setInt(&cfg.TrainRateWindowSeconds, "ADAPTER_TRAIN_RATE_WINDOW_SECONDS")
	setString(&cfg.RateLimitRedisAddr, "RATE_LIMIT_REDIS_ADDR")
	setString(&cfg.RateLimitRedisPassword, "RATE_LIMIT_REDIS_PASSWORD")
	if v := os.Getenv("ADAPTER_PREPARE_DOCUMENTS"); v != "" {
		cfg.PrepareDocuments = v == "true"
	}
	if v := os.Getenv("ADAPTER_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	setString(&cfg.AuthJWKSURL, "AUTH_JWKS_URL")
	setString(&cfg.JWTIssuer, "JWT_ISSUER")
	setString(&cfg.JWTAudience, "JWT_AUDIENCE")
	setString(&cfg.JWTLeeway, "JWT_LEEWAY")
	setString(&cfg.InternalJWTPublicKeyPath, "INTERNAL_JWT_PUBLIC_KEY_PATH")
	setString(&cfg.InternalJWTKeyID, "INTERNAL_JWT_KEY_ID")
	setString(&cfg.InternalJWTVerifyPublicKeys, "INTERNAL_JWT_VERIFY_PUBLIC_KEYS")
	if v := os.Getenv("INTERNAL_JWT_ALLOWED_ISSUERS"); v != "" {
		cfg.InternalJWTAllowedIssuers = splitCSV(v)
	}
	if v := os.Getenv("TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = splitCSV(v)
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.StorageBackend == "" {
		cfg.StorageBackend = storage.BackendMinio
	}
	cfg.StorageBackend = strings.ToLower(strings.TrimSpace(cfg.StorageBackend))
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.QueueStream == "" {
		cfg.QueueStream = "avatarlora:training"
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = "adapter-workers"
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 1
	}
	if cfg.TrainRateWindowSeconds <= 0 {
		cfg.TrainRateWindowSeconds = 3600
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 100 << 20
	}
	if len(cfg.InternalJWTAllowedIssuers) == 0 {
		cfg.InternalJWTAllowedIssuers = []string{"adapter-ops"}
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	switch cfg.StorageBackend {
	case storage.BackendMinio:
		if cfg.StorageEndpoint == "" {
			return errors.New("config: storageEndpoint is required for minio (set in config.yaml or MINIO_ENDPOINT)")
		}
		if cfg.StorageAccessKey == "" || cfg.StorageSecretKey == "" {
			return errors.New("config: storageAccessKey and storageSecretKey are required for minio")
		}
	case storage.BackendS3:
		if cfg.StorageRegion == "" && cfg.StorageEndpoint == "" {
			return errors.New("config: storageRegion or storageEndpoint is required for s3")
		}
	case storage.BackendGCS, storage.BackendMemory:
	default:
		return fmt.Errorf("config: unknown storageBackend %q", cfg.StorageBackend)
	}
	if cfg.StorageBackend != storage.BackendMemory && cfg.StorageBucket == "" {
		return errors.New("config: storageBucket is required (set in config.yaml or STORAGE_BUCKET)")
	}
	if cfg.TrainRateLimit > 0 && cfg.RedisAddr == "" && cfg.RateLimitRedisAddr == "" {
		return errors.New("config: redisAddr or rateLimitRedisAddr is required when trainRateLimit is set")
	}
	if cfg.TrainerTimeoutSeconds < 0 {
		return errors.New("config: trainerTimeoutSeconds must not be negative")
	}
	if _, err := ParseJWTLeeway(cfg.JWTLeeway); err != nil {
		return err
	}
	return nil
}

// ParseJWTLeeway parses a duration string; empty means the verifier default.
func ParseJWTLeeway(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("config: invalid jwtLeeway %q", raw)
	}
	return d, nil
}

// StorageConfig maps the flat file settings onto the object store config.
func (c FileConfig) StorageConfig() storage.Config {
	return storage.Config{
		Backend:         c.StorageBackend,
		Bucket:          c.StorageBucket,
		Endpoint:        c.StorageEndpoint,
		AccessKey:       c.StorageAccessKey,
		SecretKey:       c.StorageSecretKey,
		Region:          c.StorageRegion,
		UseSSL:          c.StorageUseSSL,
		CredentialsFile: c.GCSCredentialsFile,
	}
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
