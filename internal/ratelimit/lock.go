package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var (
	ErrLockNotConfigured = errors.New("lock_not_configured")
	ErrLockKeyEmpty      = errors.New("lock_key_empty")
	ErrLockTTLInvalid    = errors.New("lock_ttl_invalid")
)

// Locker is a single-instance Redis lock: SET NX with a random token, and a
// release that only deletes the key while it still holds that token.
type Locker struct {
	client *redis.Client
	script *redis.Script
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client: client,
		script: redis.NewScript(lockReleaseScript),
	}
}

func (l *Locker) Enabled() bool {
	return l != nil && l.client != nil
}

func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if !l.Enabled() {
		return "", false, ErrLockNotConfigured
	}
	if key == "" {
		return "", false, ErrLockKeyEmpty
	}
	if ttl <= 0 {
		return "", false, ErrLockTTLInvalid
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

func (l *Locker) Release(ctx context.Context, key, token string) error {
	if !l.Enabled() || key == "" || token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{key}, token).Err()
}
