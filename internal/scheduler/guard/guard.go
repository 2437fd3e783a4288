// Package guard keeps at most one pass in flight per meter.
package guard

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const keyPassLock = "waterstats:pass:"

var ErrInvalidMeterID = errors.New("invalid_meter_id")

// DistributedLock extends the guard across replicas.
type DistributedLock interface {
	Enabled() bool
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

type Guard struct {
	log    *zap.Logger
	remote DistributedLock

	mu   sync.Mutex
	held map[string]struct{}
}

// New returns a guard. remote may be nil or disabled for single-replica
// deployments.
func New(log *zap.Logger, remote DistributedLock) *Guard {
	if log == nil {
		log = zap.NewNop()
	}
	if remote != nil && !remote.Enabled() {
		remote = nil
	}
	return &Guard{
		log:    log.Named("scheduler.guard"),
		remote: remote,
		held:   make(map[string]struct{}),
	}
}

// TryAcquire claims meterID without blocking. The returned release func is
// safe to call more than once. ttl bounds the remote lock so a crashed
// replica cannot hold a meter forever. An unreachable remote lock degrades
// to the in-process guard.
func (g *Guard) TryAcquire(ctx context.Context, meterID string, ttl time.Duration) (func(), bool, error) {
	id := strings.TrimSpace(meterID)
	if id == "" {
		return nil, false, ErrInvalidMeterID
	}

	g.mu.Lock()
	if _, busy := g.held[id]; busy {
		g.mu.Unlock()
		return nil, false, nil
	}
	g.held[id] = struct{}{}
	g.mu.Unlock()

	var token string
	if g.remote != nil {
		t, ok, err := g.remote.TryLock(ctx, keyPassLock+id, ttl)
		switch {
		case err != nil:
			g.log.Warn("scheduler.guard.remote_unavailable", zap.String("meter_id", id), zap.Error(err))
		case !ok:
			g.unhold(id)
			return nil, false, nil
		default:
			token = t
		}
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			if token != "" {
				releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				if err := g.remote.Release(releaseCtx, keyPassLock+id, token); err != nil {
					g.log.Warn("scheduler.guard.release_failed", zap.String("meter_id", id), zap.Error(err))
				}
			}
			g.unhold(id)
		})
	}
	return release, true, nil
}

// Held reports whether this process currently runs a pass for meterID.
func (g *Guard) Held(meterID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.held[strings.TrimSpace(meterID)]
	return ok
}

func (g *Guard) unhold(id string) {
	g.mu.Lock()
	delete(g.held, id)
	g.mu.Unlock()
}
