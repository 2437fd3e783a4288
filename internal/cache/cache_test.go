package cache

import (
	"testing"
	"time"

	usagedomain "github.com/smallbiznis/waterstats/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct{ t time.Time }

func (c *manualClock) now() time.Time { return c.t }

func TestTTLCacheExpires(t *testing.T) {
	clk := &manualClock{t: time.Unix(0, 0)}
	c := NewTTLCacheWithClock[string, int](clk.now)

	c.Set("a", 1, time.Minute)
	c.Set("forever", 2, 0)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	clk.t = clk.t.Add(time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok)

	_, ok = c.Get("forever")
	assert.True(t, ok)

	c.Delete("forever")
	_, ok = c.Get("forever")
	assert.False(t, ok)
}

func TestMeterCache(t *testing.T) {
	clk := &manualClock{t: time.Unix(0, 0)}
	c := newMeterCache(clk.now)

	_, ok := c.GetConnections()
	assert.False(t, ok)

	c.SetConnections([]usagedomain.Connection{{ID: "ABC", Name: "House"}}, time.Hour)
	conns, ok := c.GetConnections()
	require.True(t, ok)
	require.Len(t, conns, 1)

	conns[0].Name = "mutated"
	conn, ok := c.GetConnection(" abc ")
	require.True(t, ok)
	assert.Equal(t, "House", conn.Name)

	clk.t = clk.t.Add(2 * time.Hour)
	_, ok = c.GetConnections()
	assert.False(t, ok)

	c.SetConnections([]usagedomain.Connection{{ID: "1"}}, 0)
	c.Invalidate()
	_, ok = c.GetConnection("1")
	assert.False(t, ok)
}
