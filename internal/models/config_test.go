package models

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
server_addr: ":9090"
storage_driver: memory
max_upload_mb: 5
auth:
  jwt_secret: "0123456789abcdef0123"
sweeper:
  interval: 30s
  stale_after: 5m
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.ServerAddr)
	require.Equal(t, "memory", cfg.StorageDriver)
	require.Equal(t, int64(5<<20), cfg.MaxUploadBytes())
	require.Equal(t, 30*time.Second, cfg.Sweeper.Interval)
	require.Equal(t, 5*time.Minute, cfg.Sweeper.StaleAfter)
	require.True(t, cfg.Sweeper.Enabled, "defaults survive partial files")
	require.Equal(t, "admin", cfg.Auth.AdminRole)
	require.Equal(t, "local", cfg.BlobDriver)
}

func TestLoadConfig_Invalid(t *testing.T) {
	const secret = "auth: {jwt_secret: 0123456789abcdef0123}\n"
	for name, body := range map[string]string{
		"postgres without dsn":      secret,
		"short secret":              "storage_driver: memory\nauth: {jwt_secret: short}\n",
		"unknown blob driver":       "storage_driver: memory\nblob_driver: ftp\n" + secret,
		"kafka without broker":      "storage_driver: memory\nkafka_enabled: true\n" + secret,
		"sweeper zero interval":     "storage_driver: memory\nsweeper: {enabled: true, interval: 0s}\n" + secret,
		"sweeper zero stale_after":  "storage_driver: memory\nsweeper: {enabled: true, stale_after: 0s}\n" + secret,
		"sweeper negative interval": "storage_driver: memory\nsweeper: {enabled: false, interval: -1m}\n" + secret,
		"not yaml":                  "server_addr: [",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, body))
			require.Error(t, err)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadConfig_SweeperDisabled(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
storage_driver: memory
auth: {jwt_secret: 0123456789abcdef0123}
sweeper: {enabled: false, interval: 0s, stale_after: 0s}
`))
	require.NoError(t, err)
	require.False(t, cfg.Sweeper.Enabled)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"SOLARCMS_STORAGE_DRIVER": "memory",
		"SOLARCMS_JWT_SECRET":     " from-env-secret-0001 ",
		"SOLARCMS_MAX_UPLOAD_MB":  "64",
		"SOLARCMS_KAFKA_ENABLED":  "true",
		"SOLARCMS_KAFKA_BROKER":   "kafka:9092",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := DefaultConfig()
	require.NoError(t, cfg.applyEnv(lookup))
	require.NoError(t, cfg.Validate())
	require.Equal(t, "from-env-secret-0001", cfg.Auth.JWTSecret)
	require.Equal(t, 64, cfg.MaxUploadMB)
	require.True(t, cfg.KafkaEnabled)
	require.Equal(t, "kafka:9092", cfg.KafkaBroker)

	env["SOLARCMS_MAX_UPLOAD_MB"] = "lots"
	require.Error(t, cfg.applyEnv(lookup))
}
