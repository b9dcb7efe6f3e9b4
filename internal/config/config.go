// Package config reads process settings from the environment. A .env file
// in the working directory is loaded first when present.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/tendant/video-qr-scanner/pkg/schema"
)

type Config struct {
	LogFormat string `validate:"oneof=text json tint"`
	LogLevel  string `validate:"oneof=debug info warn error"`

	HTTPAddr          string `validate:"required"`
	WorkerMetricsAddr string

	BusBackend         string `validate:"oneof=nats memory"`
	NATSURL            string `validate:"required_if=BusBackend nats"`
	NATSStream         string `validate:"required"`
	SubjectUpload      string `validate:"required"`
	SubjectStatus      string `validate:"required"`
	SubjectCompleted   string `validate:"required"`
	WorkerQueue        string `validate:"required"`
	ProjectorQueue     string `validate:"required"`
	BusMaxDeliver      int    `validate:"gt=0"`
	BusPublishAttempts int    `validate:"gt=0"`
	BusAckWait         time.Duration

	StoreBackend string `validate:"oneof=memory sqlite postgres"`
	SQLitePath   string `validate:"required_if=StoreBackend sqlite"`
	DatabaseURL  string `validate:"required_if=StoreBackend postgres"`

	BlobBackend string `validate:"oneof=local s3"`
	UploadDir   string `validate:"required_if=BlobBackend local"`
	S3          S3

	MaxUploadSize    int64   `validate:"gt=0"`
	UploadRatePerSec float64 `validate:"gt=0"`

	FrameDir          string  `validate:"required"`
	PartialExtraction string  `validate:"oneof=accept fail"`
	PartialMinRatio   float64 `validate:"gte=0,lte=1"`
	FrameMaxDimension int     `validate:"gte=0"`
	WorkerConcurrency int     `validate:"gt=0"`
	LeaseBackend      string  `validate:"oneof=memory nats none"`
	LeaseTTL          time.Duration
	EmbeddedWorker    bool
}

type S3 struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// Load reads the environment into a validated Config.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		LogFormat:         strings.ToLower(getenv("LOG_FORMAT", "text")),
		LogLevel:          strings.ToLower(getenv("LOG_LEVEL", "info")),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		WorkerMetricsAddr: getenv("WORKER_METRICS_ADDR", ":9091"),
		BusBackend:        getenv("BUS_BACKEND", "nats"),
		NATSURL:           getenv("NATS_URL", "nats://127.0.0.1:4222"),
		NATSStream:        getenv("NATS_STREAM", "VIDEOS"),
		SubjectUpload:     getenv("SUBJECT_UPLOAD_ACCEPTED", schema.SubjectUploadAccepted),
		SubjectStatus:     getenv("SUBJECT_STATUS_CHANGED", schema.SubjectStatusChanged),
		SubjectCompleted:  getenv("SUBJECT_ANALYSIS_COMPLETED", schema.SubjectAnalysisCompleted),
		WorkerQueue:       getenv("WORKER_QUEUE", "qr-workers"),
		ProjectorQueue:    getenv("PROJECTOR_QUEUE", "qr-projector"),
		StoreBackend:      getenv("STORE_BACKEND", "memory"),
		SQLitePath:        getenv("SQLITE_PATH", "./data/jobs.db"),
		DatabaseURL:       getenv("DATABASE_URL", ""),
		BlobBackend:       getenv("BLOB_BACKEND", "local"),
		UploadDir:         getenv("UPLOAD_DIR", "./data/uploads"),
		S3: S3{
			Bucket:          getenv("AWS_S3_BUCKET", ""),
			Region:          getenv("AWS_S3_REGION", "us-east-1"),
			Endpoint:        getenv("AWS_S3_ENDPOINT", ""),
			AccessKeyID:     getenv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getenv("AWS_SECRET_ACCESS_KEY", ""),
			UsePathStyle:    getenvBool("AWS_S3_USE_PATH_STYLE", true),
		},
		FrameDir:          getenv("FRAME_DIR", filepath.Join(os.TempDir(), "video-qr-frames")),
		PartialExtraction: getenv("PARTIAL_EXTRACTION", "accept"),
		LeaseBackend:      getenv("LEASE_BACKEND", "memory"),
		EmbeddedWorker:    getenvBool("EMBEDDED_WORKER", false),
	}

	var err error
	if cfg.BusMaxDeliver, err = parsePositiveInt(getenv("BUS_MAX_DELIVER", "5"), "BUS_MAX_DELIVER"); err != nil {
		return Config{}, err
	}
	if cfg.BusPublishAttempts, err = parsePositiveInt(getenv("BUS_PUBLISH_ATTEMPTS", "3"), "BUS_PUBLISH_ATTEMPTS"); err != nil {
		return Config{}, err
	}
	if cfg.BusAckWait, err = parseDuration(getenv("BUS_ACK_WAIT", "15m"), "BUS_ACK_WAIT"); err != nil {
		return Config{}, err
	}
	if cfg.MaxUploadSize, err = parseBytes(getenv("MAX_UPLOAD_SIZE", "500MB"), "MAX_UPLOAD_SIZE"); err != nil {
		return Config{}, err
	}
	if cfg.UploadRatePerSec, err = parsePositiveFloat(getenv("UPLOAD_RATE_PER_SEC", "5"), "UPLOAD_RATE_PER_SEC"); err != nil {
		return Config{}, err
	}
	if cfg.PartialMinRatio, err = parsePositiveFloat(getenv("PARTIAL_EXTRACTION_MIN_RATIO", "0.5"), "PARTIAL_EXTRACTION_MIN_RATIO"); err != nil {
		return Config{}, err
	}
	if cfg.FrameMaxDimension, err = parsePositiveInt(getenv("FRAME_MAX_DIMENSION", "1920"), "FRAME_MAX_DIMENSION"); err != nil {
		return Config{}, err
	}
	if cfg.WorkerConcurrency, err = parsePositiveInt(getenv("WORKER_CONCURRENCY", "2"), "WORKER_CONCURRENCY"); err != nil {
		return Config{}, err
	}
	if cfg.LeaseTTL, err = parseDuration(getenv("LEASE_TTL", "10m"), "LEASE_TTL"); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New()

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.BlobBackend == "s3" && c.S3.Bucket == "" {
		return fmt.Errorf("invalid configuration: AWS_S3_BUCKET is required when BLOB_BACKEND=s3")
	}
	return nil
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func getenvBool(key string, defaultValue bool) bool {
	val := getenv(key, "")
	if val == "" {
		return defaultValue
	}
	return val == "true"
}

func parsePositiveInt(value string, name string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero (got %d)", name, v)
	}
	return v, nil
}

func parsePositiveFloat(value string, name string) (float64, error) {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero (got %v)", name, v)
	}
	return v, nil
}

func parseDuration(value string, name string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero (got %s)", name, d)
	}
	return d, nil
}

func parseBytes(value string, name string) (int64, error) {
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("%s must be greater than zero", name)
	}
	return int64(n), nil
}
