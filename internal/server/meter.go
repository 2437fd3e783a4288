package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	meterdomain "github.com/smallbiznis/waterstats/internal/meter/domain"
	reconciledomain "github.com/smallbiznis/waterstats/internal/reconcile/domain"
	"github.com/smallbiznis/waterstats/internal/usage/snapshot"
)

type updateMeterRequest struct {
	Enabled *bool `json:"enabled"`
}

type meterView struct {
	meterdomain.Meter
	InFlight bool                    `json:"in_flight"`
	Snapshot *snapshot.MeterSnapshot `json:"snapshot,omitempty"`
}

type passResultView struct {
	Pass  reconciledomain.PassResult `json:"pass"`
	Error string                     `json:"error,omitempty"`
}

func (s *Server) ListMeters(c *gin.Context) {
	enabled, err := parseOptionalBool(c.Query("enabled"))
	if err != nil {
		AbortWithError(c, newValidationError("enabled", "invalid_enabled", "invalid enabled"))
		return
	}

	meters, err := s.meterSvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp := make([]meterView, 0, len(meters))
	for _, m := range meters {
		if enabled != nil && m.Enabled != *enabled {
			continue
		}
		resp = append(resp, s.meterView(m))
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetMeterByID(c *gin.Context) {
	meter, err := s.findMeter(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": s.meterView(*meter)})
}

// UpdateMeter toggles whether a meter is reconciled. Disabling drops its
// published snapshot.
func (s *Server) UpdateMeter(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))

	var req updateMeterRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	meter, err := s.meterSvc.SetEnabled(c.Request.Context(), id, *req.Enabled)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !meter.Enabled {
		s.snapshots.Forget(meter.ConnectionID)
	}

	c.JSON(http.StatusOK, gin.H{"data": s.meterView(*meter)})
}

func (s *Server) RefreshMeters(c *gin.Context) {
	meters, err := s.meterSvc.Refresh(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp := make([]meterView, 0, len(meters))
	for _, m := range meters {
		resp = append(resp, s.meterView(m))
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// ReconcileMeter runs an immediate pass and returns its result.
func (s *Server) ReconcileMeter(c *gin.Context) {
	if s.passes == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		AbortWithError(c, meterdomain.ErrInvalidID)
		return
	}

	result, err := s.passes.RunMeter(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	view := passResultView{Pass: result}
	if result.Err != nil {
		view.Error = result.Err.Error()
	}
	c.JSON(http.StatusOK, gin.H{"data": view})
}

func (s *Server) findMeter(c *gin.Context) (*meterdomain.Meter, error) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return nil, meterdomain.ErrInvalidID
	}
	meters, err := s.meterSvc.List(c.Request.Context())
	if err != nil {
		return nil, err
	}
	for i := range meters {
		if meters[i].ConnectionID == id {
			return &meters[i], nil
		}
	}
	return nil, meterdomain.ErrNotFound
}

func (s *Server) meterView(m meterdomain.Meter) meterView {
	view := meterView{Meter: m}
	if s.passes != nil {
		view.InFlight = s.passes.InFlight(m.ConnectionID)
	}
	if snap, ok := s.snapshots.Get(m.ConnectionID); ok {
		view.Snapshot = &snap
	}
	return view
}
