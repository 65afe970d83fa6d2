package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"outreach/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "outreach.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DB_PASSWORD", "secret")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Engine.DailyDefaults[models.ChannelEmail])
	assert.Equal(t, 50, cfg.Engine.DailyDefaults[models.ChannelLinkedIn])
	assert.Equal(t, 45*time.Second, cfg.Engine.SendTimeouts[models.ChannelEmail])
	assert.Equal(t, 3, cfg.Engine.Policies[models.ChannelEmail].MaxAttempts)
	assert.Equal(t, "postgres", cfg.StoreBackend)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
store_backend: memory
quota_backend: redis
redis:
  address: cache:6379
engine:
  daily_defaults:
    email: 40
  policies:
    email:
      max_attempts: 5
      backoff: fixed
      base: 30s
  poll_interval: 2s
`)
	t.Setenv("LINKEDIN_DAILY_LIMIT", "15")
	t.Setenv("WORKER_POLL_INTERVAL", "750ms")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.StoreBackend)
	assert.Equal(t, "cache:6379", cfg.Redis.Address)
	assert.Equal(t, 40, cfg.Engine.DailyDefaults[models.ChannelEmail])
	assert.Equal(t, 15, cfg.Engine.DailyDefaults[models.ChannelLinkedIn])
	assert.Equal(t, 750*time.Millisecond, cfg.Engine.PollInterval)

	p := cfg.Engine.Policies[models.ChannelEmail]
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, models.BackoffFixed, p.Backoff)
	assert.Equal(t, 30*time.Second, p.Base)
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		file string
		env  map[string]string
	}{
		{name: "postgres without password", file: "store_backend: postgres\n"},
		{name: "unknown quota backend", file: "store_backend: memory\nquota_backend: etcd\n"},
		{name: "postgres quota on memory store", file: "store_backend: memory\nquota_backend: postgres\n"},
		{name: "zero attempts", file: "store_backend: memory\nquota_backend: memory\nengine:\n  policies:\n    email:\n      max_attempts: 0\n"},
		{name: "production without tracking secret", file: "store_backend: memory\nquota_backend: memory\n", env: map[string]string{"ENVIRONMENT": "production"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DB_PASSWORD", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(writeFile(t, tt.file))
			assert.Error(t, err)
		})
	}
}

func TestMaskPassword(t *testing.T) {
	assert.Equal(t, "host=db password=***** dbname=x", maskPassword("host=db password=hunter2 dbname=x"))
	assert.Equal(t, "host=db password=*****", maskPassword("host=db password=hunter2"))
	assert.Equal(t, "host=db", maskPassword("host=db"))
}
