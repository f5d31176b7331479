package models

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"
)

const envPrefix = "SOLARCMS_"

type Config struct {
	ServerAddr     string `yaml:"server_addr" validate:"required"`
	DatabaseURL    string `yaml:"database_url" validate:"required_if=StorageDriver postgres"`
	StorageDriver  string `yaml:"storage_driver" validate:"oneof=postgres memory"`
	StoragePath    string `yaml:"storage_path" validate:"required_if=BlobDriver local"`
	PublicBaseURL  string `yaml:"public_base_url" validate:"required"`
	BlobDriver     string `yaml:"blob_driver" validate:"oneof=local s3"`
	WatermarkText  string `yaml:"watermark_text"`
	MaxUploadMB    int    `yaml:"max_upload_mb" validate:"min=1,max=512"`
	KafkaEnabled   bool   `yaml:"kafka_enabled"`
	KafkaBroker    string `yaml:"kafka_broker" validate:"required_if=KafkaEnabled true"`
	KafkaTopic     string `yaml:"kafka_topic" validate:"required_if=KafkaEnabled true"`
	KafkaGroupID   string `yaml:"kafka_group_id"`
	MigrationsAuto bool   `yaml:"migrations_auto"`

	S3      S3Config      `yaml:"s3"`
	Auth    AuthConfig    `yaml:"auth"`
	Log     LogConfig     `yaml:"log"`
	Sweeper SweeperConfig `yaml:"sweeper"`
}

type S3Config struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" validate:"required,min=16"`
	AdminRole string `yaml:"admin_role" validate:"required"`
}

type LogConfig struct {
	Level      string `yaml:"level" validate:"oneof=trace debug info warn error"`
	FilePath   string `yaml:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type SweeperConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval" validate:"required_if=Enabled true,gte=0s"`
	StaleAfter time.Duration `yaml:"stale_after" validate:"required_if=Enabled true,gte=0s"`
}

func DefaultConfig() Config {
	return Config{
		ServerAddr:     ":8080",
		StorageDriver:  "postgres",
		StoragePath:    "./uploads",
		PublicBaseURL:  "/uploads",
		BlobDriver:     "local",
		MaxUploadMB:    20,
		KafkaTopic:     "media-ingest",
		KafkaGroupID:   "media-ingest-workers",
		MigrationsAuto: true,
		S3:             S3Config{Region: "us-east-1"},
		Auth:           AuthConfig{AdminRole: "admin"},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 7,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Sweeper: SweeperConfig{
			Enabled:    true,
			Interval:   time.Minute,
			StaleAfter: 15 * time.Minute,
		},
	}
}

// LoadConfig reads the YAML file at path on top of the defaults, applies
// SOLARCMS_* environment overrides and validates the result. An empty path
// skips the file.
func LoadConfig(path string) (*Config, error) {
	const op = "models.LoadConfig"

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &cfg, nil
}

var validate = validator.New()

func (c *Config) Validate() error {
	return validate.Struct(c)
}

func (c *Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) * 1024 * 1024
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"SERVER_ADDR":          &c.ServerAddr,
		"DATABASE_URL":         &c.DatabaseURL,
		"STORAGE_DRIVER":       &c.StorageDriver,
		"STORAGE_PATH":         &c.StoragePath,
		"PUBLIC_BASE_URL":      &c.PublicBaseURL,
		"BLOB_DRIVER":          &c.BlobDriver,
		"WATERMARK_TEXT":       &c.WatermarkText,
		"KAFKA_BROKER":         &c.KafkaBroker,
		"KAFKA_TOPIC":          &c.KafkaTopic,
		"S3_ENDPOINT":          &c.S3.Endpoint,
		"S3_ACCESS_KEY_ID":     &c.S3.AccessKeyID,
		"S3_SECRET_ACCESS_KEY": &c.S3.SecretAccessKey,
		"S3_BUCKET":            &c.S3.Bucket,
		"JWT_SECRET":           &c.Auth.JWTSecret,
		"LOG_LEVEL":            &c.Log.Level,
	}
	for key, dst := range strs {
		if v, ok := lookup(envPrefix + key); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	if v, ok := lookup(envPrefix + "MAX_UPLOAD_MB"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sMAX_UPLOAD_MB: %w", envPrefix, err)
		}
		c.MaxUploadMB = n
	}
	if v, ok := lookup(envPrefix + "KAFKA_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sKAFKA_ENABLED: %w", envPrefix, err)
		}
		c.KafkaEnabled = b
	}
	return nil
}
