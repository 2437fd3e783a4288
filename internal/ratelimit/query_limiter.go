package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/waterstats/internal/config"
)

const keyHourlyQueryMeter = "waterstats:query:hourly:%s"

// QueryLimiter throttles on-demand hourly usage queries per meter so ad-hoc
// callers cannot exhaust the upstream API. Without Redis every call is
// allowed.
type QueryLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewQueryLimiter(cfg config.Config, client *redis.Client) *QueryLimiter {
	perMinute := cfg.Upstream.QueryRate
	if client == nil || perMinute <= 0 {
		return nil
	}
	return &QueryLimiter{
		bucket: NewTokenBucket(client),
		rate:   float64(perMinute) / time.Minute.Seconds(),
		burst:  int(perMinute),
	}
}

func (l *QueryLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *QueryLimiter) Allow(ctx context.Context, meterID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	key := fmt.Sprintf(keyHourlyQueryMeter, strings.ToLower(strings.TrimSpace(meterID)))
	return l.bucket.Allow(ctx, key, l.rate, l.burst)
}
