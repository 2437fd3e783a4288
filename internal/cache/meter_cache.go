package cache

import (
	"strings"
	"time"

	usagedomain "github.com/smallbiznis/waterstats/internal/usage/domain"
)

const (
	defaultConnectionsTTL = 24 * time.Hour
	connectionsKey        = "connections"
)

// MeterCache stores the enabled connection list between upstream refreshes.
type MeterCache interface {
	GetConnections() ([]usagedomain.Connection, bool)
	SetConnections(conns []usagedomain.Connection, ttl time.Duration)
	GetConnection(connectionID string) (usagedomain.Connection, bool)
	Invalidate()
}

type meterCache struct {
	lists Cache[string, []usagedomain.Connection]
	byID  Cache[string, usagedomain.Connection]
}

func NewMeterCache() MeterCache {
	return newMeterCache(time.Now)
}

func newMeterCache(now func() time.Time) *meterCache {
	return &meterCache{
		lists: NewTTLCacheWithClock[string, []usagedomain.Connection](now),
		byID:  NewTTLCacheWithClock[string, usagedomain.Connection](now),
	}
}

func (c *meterCache) GetConnections() ([]usagedomain.Connection, bool) {
	conns, ok := c.lists.Get(connectionsKey)
	if !ok {
		return nil, false
	}
	return append([]usagedomain.Connection(nil), conns...), true
}

func (c *meterCache) SetConnections(conns []usagedomain.Connection, ttl time.Duration) {
	if ttl <= 0 {
		ttl = defaultConnectionsTTL
	}
	c.byID.Purge()
	for _, conn := range conns {
		c.byID.Set(cacheKey(conn.ID), conn, ttl)
	}
	c.lists.Set(connectionsKey, append([]usagedomain.Connection(nil), conns...), ttl)
}

func (c *meterCache) GetConnection(connectionID string) (usagedomain.Connection, bool) {
	return c.byID.Get(cacheKey(connectionID))
}

func (c *meterCache) Invalidate() {
	c.lists.Purge()
	c.byID.Purge()
}

func cacheKey(parts ...string) string {
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		values = append(values, strings.ToLower(trimmed))
	}
	return strings.Join(values, "|")
}
