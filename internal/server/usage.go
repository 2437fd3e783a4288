package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// GetHourlyUsage serves hourly records straight from upstream. It never
// touches the statistics store.
func (s *Server) GetHourlyUsage(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
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

	ctx := c.Request.Context()
	if _, err := s.meterSvc.Get(ctx, id); err != nil {
		AbortWithError(c, err)
		return
	}

	records, err := s.usageSvc.HourlyUsage(ctx, id, start, end)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": records})
}
