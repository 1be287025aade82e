package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Prefix is prepended to every environment variable, e.g. LFS_MEDIA_ROOT.
const Prefix = "LFS"

type Config struct {
	LogDev          bool   `envconfig:"LOG_DEV" default:"false"`
	LogLevel        string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	TraceExporter   string `envconfig:"TRACE_EXPORTER" default:"none" validate:"oneof=none stdout"`
	MediaRoot       string `envconfig:"MEDIA_ROOT" default:"./data/media" validate:"required"`
	PreviewCacheDir string `envconfig:"PREVIEW_CACHE_DIR" default:"/tmp/lfs-preview" validate:"required"`

	RepositoryDriver string `envconfig:"REPOSITORY_DRIVER" default:"postgres" validate:"oneof=postgres badger"`
	DatabaseURL      string `envconfig:"DATABASE_URL" validate:"required_if=RepositoryDriver postgres"`
	BadgerPath       string `envconfig:"BADGER_PATH" default:"./data/badger"`

	Archive Archive `envconfig:"ARCHIVE"`

	Workers        int  `envconfig:"WORKERS" default:"4" validate:"min=1"`
	ThumbnailsSync bool `envconfig:"THUMBNAILS_SYNC" default:"false"`

	EmbedCacheTTL  time.Duration `envconfig:"EMBED_CACHE_TTL" default:"1h" validate:"gt=0"`
	EmbedCacheSize int           `envconfig:"EMBED_CACHE_SIZE" default:"1024" validate:"min=1"`
	PublicBaseURL  string        `envconfig:"PUBLIC_BASE_URL" default:"https://lfs.i54m.com" validate:"url"`

	GRPCPort    string `envconfig:"GRPC_PORT" default:"50051" validate:"numeric"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090" validate:"numeric"`
	Timezone    string `envconfig:"TIMEZONE" default:"Local"`
}

// Archive configures the remote tier. The sftp driver needs a host and a
// username; the blob driver needs a bucket URL.
type Archive struct {
	Driver          string        `envconfig:"DRIVER" default:"sftp" validate:"oneof=sftp blob"`
	Host            string        `envconfig:"HOST" validate:"required_if=Driver sftp"`
	Port            int           `envconfig:"PORT" default:"22" validate:"min=1,max=65535"`
	Username        string        `envconfig:"USERNAME" validate:"required_if=Driver sftp"`
	PrivateKeyPath  string        `envconfig:"PRIVATE_KEY_PATH"`
	KnownHosts      string        `envconfig:"KNOWN_HOSTS"`
	Root            string        `envconfig:"ROOT"`
	BucketURL       string        `envconfig:"BUCKET_URL" validate:"required_if=Driver blob"`
	DialTimeout     time.Duration `envconfig:"DIAL_TIMEOUT" default:"15s"`
	TransferTimeout time.Duration `envconfig:"TRANSFER_TIMEOUT" default:"10m"`
}

// Load reads an optional .env file, then the LFS_* environment, and validates
// the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if _, err := cfg.Location(); err != nil {
		return nil, fmt.Errorf("invalid config: timezone: %w", err)
	}
	return &cfg, nil
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}
