//go:build integration

package fingerprint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func TestRedisCache_RoundTrip(t *testing.T) {
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	client, err := NewRedisClient(ctx, RedisConfig{URL: url})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	c := NewRedisCache(client)

	miss, err := c.Get(ctx, "absent")
	require.NoError(t, err)
	assert.Nil(t, miss)

	conf := 88.0
	in := sample("Example Pantry")
	in.Confidence = &conf
	in.Location["phone"] = nil
	require.NoError(t, c.Put(ctx, "fp1", in))

	got, err := c.Get(ctx, "fp1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, in, got)

	ttl, err := client.TTL(ctx, keyPrefix+"fp1").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(-1), int64(ttl), "cache entries never expire")
}

func TestNewRedisClient_EmptyURL(t *testing.T) {
	client, err := NewRedisClient(context.Background(), RedisConfig{})
	require.NoError(t, err)
	assert.Nil(t, client)
}
