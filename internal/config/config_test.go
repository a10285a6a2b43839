package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("OUTPUT_DIR", "")
	t.Setenv("REMOVEBG_TIMEOUT", "")

	cfg := Load()

	assert.Equal(t, "thumbnails", cfg.Paths.OutputDir)
	assert.Equal(t, 30*time.Second, cfg.RemoveBG.Timeout)
	assert.Equal(t, int64(10*1024*1024), cfg.Upload.MaxBytes())
	assert.Equal(t, int64(50_000_000), cfg.Upload.MaxPixels)
	assert.GreaterOrEqual(t, cfg.Worker.MaxActiveJobs, 1)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("OUTPUT_DIR", "/srv/thumbs")
	t.Setenv("MAX_FILE_SIZE_MB", "25")
	t.Setenv("MAX_IMAGE_PIXELS", "4000000")
	t.Setenv("RATE_LIMIT_ENABLED", "true")
	t.Setenv("RATE_LIMIT_WINDOW", "30s")

	cfg := Load()

	assert.Equal(t, "/srv/thumbs", cfg.Paths.OutputDir)
	assert.Equal(t, 25, cfg.Upload.MaxFileSizeMB)
	assert.Equal(t, int64(4_000_000), cfg.Upload.MaxPixels)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Window)
}

func TestLoadFallsBackOnMalformedValues(t *testing.T) {
	t.Setenv("REDIS_DB", "three")
	t.Setenv("MINIO_USE_SSL", "maybe")
	t.Setenv("WEBHOOK_TIMEOUT", "soon")

	cfg := Load()

	assert.Equal(t, 0, cfg.Queue.RedisDB)
	assert.False(t, cfg.Storage.UseSSL)
	assert.Equal(t, 10*time.Second, cfg.Webhook.Timeout)
}
