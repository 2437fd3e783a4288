// Package snapshot keeps the latest per-meter view for presentation.
package snapshot

import (
	"sort"
	"sync"
	"time"

	"github.com/smallbiznis/waterstats/internal/clock"
	"github.com/smallbiznis/waterstats/internal/config"
	reconciledomain "github.com/smallbiznis/waterstats/internal/reconcile/domain"
	usagedomain "github.com/smallbiznis/waterstats/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// MeterSnapshot is the presentation view of one meter after its last pass.
type MeterSnapshot struct {
	Meter usagedomain.Connection `json:"meter"`
	// Records are the daily records kept for display.
	Records       []usagedomain.UsageRecord  `json:"records"`
	Latest        *usagedomain.UsageRecord   `json:"latest,omitempty"`
	Pass          reconciledomain.PassResult `json:"pass"`
	LastSuccessAt time.Time                  `json:"last_success_at,omitempty"`
	Summary       Summary                    `json:"summary"`
}

// Update is what the driver publishes after a pass. Nil Records keep the
// previously published records.
type Update struct {
	Meter   usagedomain.Connection
	Records []usagedomain.UsageRecord
	Pass    reconciledomain.PassResult
}

type Params struct {
	fx.In

	Log    *zap.Logger
	Clock  clock.Clock
	Config config.Config
}

// Store is safe for concurrent use. Readers always receive copies.
type Store struct {
	log   *zap.Logger
	clock clock.Clock
	loc   *time.Location

	mu    sync.RWMutex
	items map[string]MeterSnapshot
}

func NewStore(p Params) *Store {
	return newStore(p.Log, p.Clock, p.Config.Location())
}

func newStore(log *zap.Logger, clk clock.Clock, loc *time.Location) *Store {
	if loc == nil {
		loc = time.Local
	}
	return &Store{
		log:   log.Named("usage.snapshot"),
		clock: clk,
		loc:   loc,
		items: make(map[string]MeterSnapshot),
	}
}

func (s *Store) Publish(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.items[u.Meter.ID]
	snap.Meter = u.Meter
	snap.Pass = u.Pass
	if u.Records != nil {
		snap.Records = cloneRecords(u.Records)
	}
	if n := len(snap.Records); n > 0 {
		latest := snap.Records[n-1]
		snap.Latest = &latest
	} else {
		snap.Latest = nil
	}
	if u.Pass.Outcome == reconciledomain.PassSucceeded {
		snap.LastSuccessAt = u.Pass.FinishedAt
	}
	snap.Summary = Summarize(snap.Records, u.Pass.Outcome != reconciledomain.PassFailed, s.clock.Now(), s.loc)
	s.items[u.Meter.ID] = snap

	s.log.Debug("usage.snapshot.published",
		zap.String("meter_id", u.Meter.ID),
		zap.String("outcome", string(u.Pass.Outcome)),
		zap.Int("records", len(snap.Records)),
	)
}

func (s *Store) Get(meterID string) (MeterSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.items[meterID]
	if !ok {
		return MeterSnapshot{}, false
	}
	return cloneSnapshot(snap), true
}

// List returns every snapshot ordered by meter id.
func (s *Store) List() []MeterSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]MeterSnapshot, 0, len(s.items))
	for _, snap := range s.items {
		out = append(out, cloneSnapshot(snap))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Meter.ID < out[j].Meter.ID })
	return out
}

// Forget drops meters that are no longer listed upstream.
func (s *Store) Forget(meterIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range meterIDs {
		delete(s.items, id)
	}
}

func cloneSnapshot(snap MeterSnapshot) MeterSnapshot {
	out := snap
	out.Records = cloneRecords(snap.Records)
	if snap.Latest != nil {
		latest := *snap.Latest
		out.Latest = &latest
	}
	out.Pass.Reconcile.Series = append([]reconciledomain.SeriesOutcome(nil), snap.Pass.Reconcile.Series...)
	return out
}

func cloneRecords(records []usagedomain.UsageRecord) []usagedomain.UsageRecord {
	if records == nil {
		return nil
	}
	return append(make([]usagedomain.UsageRecord, 0, len(records)), records...)
}
