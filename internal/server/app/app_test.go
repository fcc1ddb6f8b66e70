package app

import (
	"context"
	"testing"
	"time"

	"satchel/internal/server/config"
	"satchel/internal/server/ratelimit"
	"satchel/internal/server/storage"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		StorageBackend:    config.BackendFilesystem,
		StoragePath:       t.TempDir(),
		DefaultExpiry:     24 * time.Hour,
		CleanupInterval:   time.Hour,
		DownloadRateLimit: config.RateLimit{Limit: 2, Window: time.Minute},
		APIRateLimit:      config.RateLimit{Limit: 10, Window: time.Minute},
		UploadRateLimit:   config.RateLimit{Limit: 1, Window: time.Minute},
	}
}

func TestNew_Filesystem(t *testing.T) {
	a, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &storage.FileSystemStore{}, a.Blobs)
	assert.Nil(t, a.DB)
	assert.Nil(t, a.Redis)
	assert.IsType(t, &ratelimit.MemoryLimiter{}, a.Limiters.Download)
	assert.Equal(t, "upload", a.Limiters.Upload.Policy().Name)
	assert.Equal(t, 1, a.Limiters.Upload.Policy().Limit)
	assert.NotNil(t, a.Uploads)
	assert.NotNil(t, a.Downloads)
	assert.NotNil(t, a.Sweeper())
}

func TestNew_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.RedisURL = "redis://" + mr.Addr()

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Redis)
	assert.IsType(t, &ratelimit.FallbackLimiter{}, a.Limiters.Download)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		d, err := a.Limiters.Download.Check(ctx, "203.0.113.1")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	d, err := a.Limiters.Download.Check(ctx, "203.0.113.1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	keys := mr.Keys()
	assert.Contains(t, keys, "ratelimit:download:203.0.113.1")
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.StorageBackend = config.BackendS3

	_, err := New(context.Background(), cfg)
	assert.ErrorContains(t, err, "S3_BUCKET")
}

func TestNew_BadRedisURL(t *testing.T) {
	cfg := testConfig(t)
	cfg.RedisURL = "not-a-url"

	_, err := New(context.Background(), cfg)
	assert.ErrorContains(t, err, "REDIS_URL")
}
