package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/waterstats/internal/series"
	statisticsdomain "github.com/smallbiznis/waterstats/internal/statistics/domain"
)

const defaultStatisticsWindow = 7 * 24 * time.Hour

type seriesPointsView struct {
	MeterID  string                   `json:"meter_id"`
	SeriesID string                   `json:"series_id"`
	Kind     series.Kind              `json:"kind"`
	Unit     string                   `json:"unit,omitempty"`
	Start    time.Time                `json:"start"`
	End      time.Time                `json:"end"`
	Points   []statisticsdomain.Point `json:"points"`
}

func (s *Server) ListStatistics(c *gin.Context) {
	metas, err := s.statsSvc.ListSeries(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": metas})
}

// GetMeterStatistics returns the stored points of one series in
// [start, end). Disabled meters keep their history and are still served.
func (s *Server) GetMeterStatistics(c *gin.Context) {
	kind := series.KindTotalUsage
	if raw := strings.TrimSpace(c.Query("kind")); raw != "" {
		kind = series.Kind(raw)
	}
	if !kind.Valid() {
		AbortWithError(c, newValidationError("kind", "invalid_kind", "invalid kind"))
		return
	}

	loc := s.cfg.Location()
	start, err := parseOptionalTime(c.Query("start"), false, loc)
	if err != nil {
		AbortWithError(c, newValidationError("start", "invalid_start", "invalid start"))
		return
	}
	end, err := parseOptionalTime(c.Query("end"), true, loc)
	if err != nil {
		AbortWithError(c, newValidationError("end", "invalid_end", "invalid end"))
		return
	}
	if end.IsZero() {
		end = time.Now()
	}
	if start.IsZero() {
		start = end.Add(-defaultStatisticsWindow)
	}
	if !start.Before(end) {
		AbortWithError(c, newValidationError("start", "invalid_range", "start must be before end"))
		return
	}

	meter, err := s.findMeter(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	meta, err := series.MetadataFor(meter.ConnectionID, meter.Name, kind)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	points, err := s.statsSvc.Points(c.Request.Context(), meta.StatisticID, start, end)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": seriesPointsView{
		MeterID:  meter.ConnectionID,
		SeriesID: meta.StatisticID,
		Kind:     kind,
		Unit:     meta.Unit,
		Start:    start,
		End:      end,
		Points:   points,
	}})
}
