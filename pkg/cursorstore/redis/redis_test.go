package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, ttl time.Duration) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "", ttl)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestNewRequiresHost(t *testing.T) {
	_, err := New(Settings{})
	assert.Error(t, err)
}

func TestLoadSave(t *testing.T) {
	s, mr := newTestStore(t, 0)
	ctx := context.Background()
	require.NoError(t, s.Ping(ctx))

	_, ok, err := s.Load(ctx, "chat.messages:5")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Save(ctx, "chat.messages:5", "101"))
	c, ok, err := s.Load(ctx, "chat.messages:5")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "101", c)

	raw, err := mr.Get("collab:cursor:chat.messages:5")
	require.NoError(t, err)
	assert.Equal(t, "101", raw)

	require.NoError(t, s.Forget(ctx, "chat.messages:5"))
	_, ok, err = s.Load(ctx, "chat.messages:5")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaveAppliesTTL(t *testing.T) {
	s, mr := newTestStore(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "dashboard.metrics", "2026-01-02T03:04:05Z"))
	assert.Equal(t, time.Hour, mr.TTL("collab:cursor:dashboard.metrics"))

	mr.FastForward(2 * time.Hour)
	_, ok, err := s.Load(ctx, "dashboard.metrics")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoadReportsConnectionErrors(t *testing.T) {
	s, mr := newTestStore(t, 0)
	mr.Close()

	_, _, err := s.Load(context.Background(), "tasks.updates")
	assert.Error(t, err)
}
