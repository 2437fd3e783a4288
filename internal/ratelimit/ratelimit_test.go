package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/waterstats/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledWithoutRedis(t *testing.T) {
	assert.Nil(t, NewLocker(nil))
	assert.Nil(t, NewTokenBucket(nil))
	assert.Nil(t, NewQueryLimiter(config.Config{Upstream: config.UpstreamConfig{QueryRate: 30}}, nil))
}

func TestNilLockerReportsNotConfigured(t *testing.T) {
	var locker *Locker
	assert.False(t, locker.Enabled())

	_, ok, err := locker.TryLock(context.Background(), "k", time.Second)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrLockNotConfigured)
	assert.NoError(t, locker.Release(context.Background(), "k", "token"))
}

func TestNilQueryLimiterAllows(t *testing.T) {
	var limiter *QueryLimiter
	res, err := limiter.Allow(context.Background(), "1234")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestNilTokenBucket(t *testing.T) {
	var bucket *TokenBucket
	res, err := bucket.Allow(context.Background(), "k", 1, 1)
	assert.ErrorIs(t, err, ErrLimiterNotConfigured)
	assert.False(t, res.Allowed)
}

func TestRetryAfter(t *testing.T) {
	assert.Zero(t, retryAfter(true, 0, 1))
	assert.Equal(t, 2*time.Second, retryAfter(false, 0, 0.5))
	assert.Equal(t, 500*time.Millisecond, retryAfter(false, 0.5, 1))
}

func TestBucketTTL(t *testing.T) {
	assert.Equal(t, 120*time.Second, bucketTTL(0.5, 30))
	assert.Equal(t, time.Second, bucketTTL(100, 1))
	assert.Equal(t, time.Second, bucketTTL(0, 0))
}

func TestScriptValueConversion(t *testing.T) {
	assert.Equal(t, int64(1), toInt(int64(1)))
	assert.Equal(t, int64(7), toInt("7"))
	assert.Equal(t, 2.5, toFloat("2.5"))
	assert.Equal(t, 3.0, toFloat(int64(3)))
	assert.Zero(t, toFloat(struct{}{}))
}
