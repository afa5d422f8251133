package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis spins up a Redis container and returns a connected RedisCache + cleanup.
func setupRedis(t *testing.T) *cache.RedisCache {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	redisURL := "redis://" + host + ":" + port.Port()
	rc, err := cache.NewRedisCache(redisURL)
	require.NoError(t, err)

	return rc
}

// --- Ping ---

func TestPing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	err := rc.Ping(context.Background())
	assert.NoError(t, err)
}

// --- Set / Get ---

func TestSetGet_Roundtrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	err := rc.Set(ctx, "test:key", []byte("hello"), 10*time.Second)
	require.NoError(t, err)

	val, found, err := rc.Get(ctx, "test:key")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("hello"), val)
}

func TestGet_NotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)

	val, found, err := rc.Get(context.Background(), "nonexistent:key")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, val)
}

// --- Analysis cache ---

func TestAnalysis_MissThenHit(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	projectID := uuid.New()

	_, found, err := rc.GetAnalysis(ctx, projectID, "fp1")
	require.NoError(t, err)
	assert.False(t, found)

	_, stored, err := rc.StoreAnalysis(ctx, projectID, "fp1", []byte(`{"status":"PASS"}`), time.Hour)
	require.NoError(t, err)
	assert.True(t, stored)

	val, found, err := rc.GetAnalysis(ctx, projectID, "fp1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, `{"status":"PASS"}`, string(val))

	stats, err := rc.Stats(ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Entries)
	assert.InDelta(t, 0.5, stats.HitRate, 1e-9)
}

func TestStoreAnalysis_FirstWriterWins(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	projectID := uuid.New()

	_, stored, err := rc.StoreAnalysis(ctx, projectID, "fp", []byte("winner"), time.Hour)
	require.NoError(t, err)
	require.True(t, stored)

	canonical, stored, err := rc.StoreAnalysis(ctx, projectID, "fp", []byte("loser"), time.Hour)
	require.NoError(t, err)
	assert.False(t, stored)
	assert.Equal(t, []byte("winner"), canonical)

	require.NoError(t, rc.ReplaceAnalysis(ctx, projectID, "fp", []byte("corrected"), time.Hour))
	val, _, err := rc.Get(ctx, cache.AnalysisKey(projectID, "fp"))
	require.NoError(t, err)
	assert.Equal(t, []byte("corrected"), val)
}

func TestInvalidateAndFlush(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	p1, p2 := uuid.New(), uuid.New()

	for _, fp := range []string{"a", "b", "c"} {
		_, _, err := rc.StoreAnalysis(ctx, p1, fp, []byte(fp), time.Hour)
		require.NoError(t, err)
	}
	_, _, err := rc.StoreAnalysis(ctx, p2, "a", []byte("other"), time.Hour)
	require.NoError(t, err)

	require.NoError(t, rc.InvalidateAnalysis(ctx, p1, "a"))
	_, found, err := rc.Get(ctx, cache.AnalysisKey(p1, "a"))
	require.NoError(t, err)
	assert.False(t, found)

	removed, err := rc.FlushProject(ctx, p1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	// Other projects are untouched.
	_, found, err = rc.Get(ctx, cache.AnalysisKey(p2, "a"))
	require.NoError(t, err)
	assert.True(t, found)

	removed, err = rc.FlushAll(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, removed, int64(1))
	_, found, err = rc.Get(ctx, cache.AnalysisKey(p2, "a"))
	require.NoError(t, err)
	assert.False(t, found)
}

// --- Locks ---

func TestAcquireLock_SingleHolder(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := cache.AnalysisLockKey(uuid.New())

	release, err := rc.AcquireLock(ctx, key, 10*time.Second)
	require.NoError(t, err)

	_, err = rc.AcquireLock(ctx, key, 10*time.Second)
	assert.ErrorIs(t, err, cache.ErrLockHeld)

	require.NoError(t, release(ctx))
	release, err = rc.AcquireLock(ctx, key, 10*time.Second)
	require.NoError(t, err)
	require.NoError(t, release(ctx))
}

// --- Pub/Sub ---

func TestPublishSubscribe(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msgs, closeSub, err := rc.Subscribe(ctx, "faultline:events")
	require.NoError(t, err)
	defer closeSub()

	require.NoError(t, rc.Publish(ctx, "faultline:events", []byte(`{"type":"analysis.completed"}`)))

	select {
	case msg := <-msgs:
		assert.JSONEq(t, `{"type":"analysis.completed"}`, string(msg))
	case <-ctx.Done():
		t.Fatal("no message received")
	}
}

// --- IncrWithExpiry ---

func TestIncrWithExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := "ratelimit:test:" + uuid.NewString()[:8]

	val, err := rc.IncrWithExpiry(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), val)

	val, err = rc.IncrWithExpiry(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(2), val)
}

func TestIncrWithExpiry_Expires(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := "ratelimit:expiry:" + uuid.NewString()[:8]

	_, err := rc.IncrWithExpiry(ctx, key, 1*time.Second)
	require.NoError(t, err)

	time.Sleep(1500 * time.Millisecond)

	// After expiry, should start from 1 again
	val, err := rc.IncrWithExpiry(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), val)
}

// --- Cache Key Builders ---

func TestAnalysisKey(t *testing.T) {
	projectID := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	key := cache.AnalysisKey(projectID, "abc123")
	assert.Equal(t, "analysis:11111111-1111-1111-1111-111111111111:abc123", key)
}

func TestRateLimitKey(t *testing.T) {
	key := cache.RateLimitKey("fl_abcd1234")
	assert.Equal(t, "ratelimit:fl_abcd1234", key)
}

func TestKeyBuilders_NonColliding(t *testing.T) {
	projectID := uuid.New()

	keys := map[string]bool{
		cache.AnalysisKey(projectID, "hash1"):  true,
		cache.AnalysisIndexKey(projectID):      true,
		cache.StatsKey(projectID):              true,
		cache.AnalysisLockKey(projectID):       true,
		cache.RateLimitKey("fl_prefix"):        true,
		cache.LokiQueryKey(projectID, "hash1"): true,
	}
	assert.Len(t, keys, 6, "all keys should be unique")
}
