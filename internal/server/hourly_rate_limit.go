package server

import (
	"context"
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/waterstats/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/waterstats/internal/observability/metrics"
	"go.uber.org/zap"
)

const rateLimitReasonMeterRate = "meter-rate"

// HourlyQueryRateLimit throttles on-demand hourly queries per meter. It is
// a no-op without a configured limiter.
func (s *Server) HourlyQueryRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.queryLimiter == nil || !s.queryLimiter.Enabled() {
			c.Next()
			return
		}

		meterID := strings.TrimSpace(c.Param("id"))
		if meterID == "" {
			AbortWithError(c, invalidRequestError())
			return
		}

		endpoint := normalizeRateLimitEndpoint(c)
		ctx := c.Request.Context()

		result, err := s.queryLimiter.Allow(ctx, meterID)
		if err != nil {
			logger.FromContext(ctx).Warn("hourly_usage.rate_limit.check_failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !result.Allowed {
			retryAfter := int(math.Ceil(result.RetryAfter.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			logger.FromContext(ctx).Warn("hourly_usage.rate_limit.exceeded",
				zap.String("reason", rateLimitReasonMeterRate),
				zap.String("endpoint", endpoint),
			)
			recordRateLimitDenied(ctx, endpoint, rateLimitReasonMeterRate, s.obsMetrics)

			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.Header("X-Rate-Limited-Reason", rateLimitReasonMeterRate)
			AbortWithError(c, ErrRateLimited)
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		recordRateLimitAllowed(ctx, endpoint, s.obsMetrics)
		c.Next()
	}
}

func recordRateLimitAllowed(ctx context.Context, endpoint string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimitAllowed(ctx, endpoint)
}

func recordRateLimitDenied(ctx context.Context, endpoint, reason string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimitDenied(ctx, endpoint, reason)
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
