package domain

import (
	"context"
	"errors"

	usagedomain "github.com/smallbiznis/waterstats/internal/usage/domain"
)

// Service is the directory of meters the driver reconciles.
type Service interface {
	// Connections returns enabled meters, refreshing from upstream when the
	// cached list has expired.
	Connections(ctx context.Context) ([]usagedomain.Connection, error)
	Get(ctx context.Context, connectionID string) (usagedomain.Connection, error)
	// Refresh re-reads the upstream list and stores it.
	Refresh(ctx context.Context) ([]Meter, error)
	List(ctx context.Context) ([]Meter, error)
	SetEnabled(ctx context.Context, connectionID string, enabled bool) (*Meter, error)
}

var (
	ErrNotFound  = errors.New("not_found")
	ErrInvalidID = errors.New("invalid_id")
	ErrDisabled  = errors.New("meter_disabled")
)
