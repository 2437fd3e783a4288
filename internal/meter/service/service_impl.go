package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/waterstats/internal/cache"
	"github.com/smallbiznis/waterstats/internal/clock"
	"github.com/smallbiznis/waterstats/internal/config"
	meterdomain "github.com/smallbiznis/waterstats/internal/meter/domain"
	usagedomain "github.com/smallbiznis/waterstats/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Repo   meterdomain.Repository
	Usage  usagedomain.Service
	Cache  cache.MeterCache
	Policy *config.PolicyHolder `optional:"true"`
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	repo   meterdomain.Repository
	usage  usagedomain.Service
	cache  cache.MeterCache
	policy *config.PolicyHolder
}

func New(p Params) meterdomain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("meter.service"),
		genID:  p.GenID,
		clock:  p.Clock,
		repo:   p.Repo,
		usage:  p.Usage,
		cache:  p.Cache,
		policy: p.Policy,
	}
}

// Connections serves the cached list. On refresh failure it falls back to
// the last stored list so an upstream outage does not stall every meter.
func (s *Service) Connections(ctx context.Context) ([]usagedomain.Connection, error) {
	if conns, ok := s.cache.GetConnections(); ok {
		return conns, nil
	}

	meters, err := s.Refresh(ctx)
	if err != nil {
		stored, listErr := s.repo.List(ctx, s.db)
		if listErr != nil || len(stored) == 0 {
			return nil, errors.Join(err, listErr)
		}
		s.log.Warn("meter.refresh.stale",
			zap.Int("meters", len(stored)),
			zap.Error(err),
		)
		return enabledConnections(stored), nil
	}

	conns := enabledConnections(meters)
	s.cache.SetConnections(conns, s.refreshInterval())
	return conns, nil
}

func (s *Service) Get(ctx context.Context, connectionID string) (usagedomain.Connection, error) {
	id := strings.TrimSpace(connectionID)
	if id == "" {
		return usagedomain.Connection{}, meterdomain.ErrInvalidID
	}
	if conn, ok := s.cache.GetConnection(id); ok {
		return conn, nil
	}

	meter, err := s.repo.FindByConnectionID(ctx, s.db, id)
	if err != nil {
		return usagedomain.Connection{}, err
	}
	if meter == nil {
		return usagedomain.Connection{}, meterdomain.ErrNotFound
	}
	if !meter.Enabled {
		return usagedomain.Connection{}, fmt.Errorf("%w: %s", meterdomain.ErrDisabled, id)
	}
	return meter.Connection(), nil
}

// Refresh upserts every upstream connection and returns all stored meters.
func (s *Service) Refresh(ctx context.Context) ([]meterdomain.Meter, error) {
	conns, err := s.usage.Connections(ctx)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, conn := range conns {
			if err := s.upsert(ctx, tx, conn, now); err != nil {
				return fmt.Errorf("upsert meter %s: %w", conn.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	meters, err := s.repo.List(ctx, s.db)
	if err != nil {
		return nil, err
	}
	s.log.Info("meter.refresh.finish",
		zap.Int("upstream", len(conns)),
		zap.Int("stored", len(meters)),
	)
	return meters, nil
}

func (s *Service) List(ctx context.Context) ([]meterdomain.Meter, error) {
	return s.repo.List(ctx, s.db)
}

func (s *Service) SetEnabled(ctx context.Context, connectionID string, enabled bool) (*meterdomain.Meter, error) {
	id := strings.TrimSpace(connectionID)
	if id == "" {
		return nil, meterdomain.ErrInvalidID
	}

	meter, err := s.repo.FindByConnectionID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if meter == nil {
		return nil, meterdomain.ErrNotFound
	}
	if meter.Enabled == enabled {
		return meter, nil
	}

	meter.Enabled = enabled
	meter.UpdatedAt = s.clock.Now().UTC()
	if err := s.repo.Update(ctx, s.db, meter); err != nil {
		return nil, err
	}
	s.cache.Invalidate()
	s.log.Info("meter.enabled.changed",
		zap.String("meter_id", id),
		zap.Bool("enabled", enabled),
	)
	return meter, nil
}

func (s *Service) upsert(ctx context.Context, tx *gorm.DB, conn usagedomain.Connection, now time.Time) error {
	existing, err := s.repo.FindByConnectionID(ctx, tx, conn.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		return s.repo.Insert(ctx, tx, &meterdomain.Meter{
			ID:            s.genID.Generate(),
			ConnectionID:  conn.ID,
			Name:          conn.Name,
			Address:       conn.Address,
			AccountNumber: conn.AccountNumber,
			Status:        conn.Status,
			MeterSerial:   conn.MeterSerial,
			Enabled:       true,
			LastSeenAt:    now,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}

	if existing.Changed(conn) {
		existing.UpdatedAt = now
	}
	existing.Name = conn.Name
	existing.Address = conn.Address
	existing.AccountNumber = conn.AccountNumber
	existing.Status = conn.Status
	existing.MeterSerial = conn.MeterSerial
	existing.LastSeenAt = now
	return s.repo.Update(ctx, tx, existing)
}

func (s *Service) refreshInterval() time.Duration {
	if s.policy == nil {
		return config.DefaultPolicy().MeterRefresh
	}
	return s.policy.Get().MeterRefresh
}

func enabledConnections(meters []meterdomain.Meter) []usagedomain.Connection {
	out := make([]usagedomain.Connection, 0, len(meters))
	for _, m := range meters {
		if m.Enabled {
			out = append(out, m.Connection())
		}
	}
	return out
}
