package geo_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"crm-backend/internal/geo"
)

type stubFetcher struct {
	calls    atomic.Int32
	location *geo.Location
	err      error
}

func (f *stubFetcher) Fetch(_ context.Context, ip string) (*geo.Location, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	location := *f.location
	location.IP = ip
	return &location, nil
}

func TestIsLocalIP(t *testing.T) {
	local := []string{"", "unknown", "127.0.0.1", "::1", "10.0.0.8", "192.168.1.20", "172.16.4.4", "::ffff:127.0.0.1", "fe80::1", "0.0.0.0", "not-an-ip"}
	for _, ip := range local {
		require.True(t, geo.IsLocalIP(ip), ip)
	}

	public := []string{"8.8.8.8", "::ffff:8.8.4.4", "2001:4860:4860::8888"}
	for _, ip := range public {
		require.False(t, geo.IsLocalIP(ip), ip)
	}
}

func TestLookupShortCircuitsLocalAddresses(t *testing.T) {
	fetcher := &stubFetcher{location: &geo.Location{Country: "US"}}
	svc := geo.NewService(fetcher, geo.NewLRUCache(10, time.Hour), zap.NewNop())

	location := svc.Lookup(context.Background(), "::ffff:192.168.0.5")
	require.NotNil(t, location)
	require.True(t, location.IsLocal)
	require.Equal(t, "192.168.0.5", location.IP)
	require.Zero(t, fetcher.calls.Load())
}

func TestLookupCachesPerIP(t *testing.T) {
	fetcher := &stubFetcher{location: &geo.Location{Country: "Portugal", City: "Lisbon"}}
	cache := geo.NewLRUCache(10, time.Hour)
	svc := geo.NewService(fetcher, cache, zap.NewNop())

	first := svc.Lookup(context.Background(), "::ffff:85.10.1.1")
	second := svc.Lookup(context.Background(), "85.10.1.1")

	require.Equal(t, "Lisbon", first.City)
	require.Equal(t, first, second)
	require.Equal(t, int32(1), fetcher.calls.Load())

	cache.Purge()
	require.Nil(t, svc.Cached(context.Background(), "85.10.1.1"))
	svc.Lookup(context.Background(), "85.10.1.1")
	require.Equal(t, int32(2), fetcher.calls.Load())
}

func TestLookupReturnsNilOnFailure(t *testing.T) {
	fetcher := &stubFetcher{err: errors.New("connection refused")}
	svc := geo.NewService(fetcher, geo.NewLRUCache(10, time.Hour), zap.NewNop())

	require.Nil(t, svc.Lookup(context.Background(), "8.8.8.8"))
	require.Nil(t, svc.Cached(context.Background(), "8.8.8.8"))
}

func TestLRUCacheExpires(t *testing.T) {
	cache := geo.NewLRUCache(10, 20*time.Millisecond)
	require.NoError(t, cache.Set(context.Background(), "8.8.8.8", geo.Location{Country: "US"}))

	_, ok, _ := cache.Get(context.Background(), "8.8.8.8")
	require.True(t, ok)

	require.Eventually(t, func() bool {
		_, ok, _ := cache.Get(context.Background(), "8.8.8.8")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestLRUCacheIsBounded(t *testing.T) {
	cache := geo.NewLRUCache(2, time.Hour)
	ctx := context.Background()
	require.NoError(t, cache.Set(ctx, "1.1.1.1", geo.Location{}))
	require.NoError(t, cache.Set(ctx, "2.2.2.2", geo.Location{}))
	require.NoError(t, cache.Set(ctx, "3.3.3.3", geo.Location{}))
	require.Equal(t, 2, cache.Len())
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisCacheRoundTrip(t *testing.T) {
	cache := geo.NewRedisCache(newRedis(t), time.Hour)
	ctx := context.Background()

	_, ok, err := cache.Get(ctx, "8.8.8.8")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, cache.Set(ctx, "8.8.8.8", geo.Location{Country: "US", City: "Ashburn"}))
	location, ok, err := cache.Get(ctx, "8.8.8.8")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Ashburn", location.City)
}

func TestTieredCacheBackfillsLocal(t *testing.T) {
	ctx := context.Background()
	shared := geo.NewRedisCache(newRedis(t), time.Hour)
	require.NoError(t, shared.Set(ctx, "9.9.9.9", geo.Location{Country: "Switzerland"}))

	local := geo.NewLRUCache(10, time.Hour)
	tiered := geo.NewTieredCache(local, shared)

	location, ok, err := tiered.Get(ctx, "9.9.9.9")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Switzerland", location.Country)

	_, ok, _ = local.Get(ctx, "9.9.9.9")
	require.True(t, ok)
}
