package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHTTPMetricsMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	registry := prometheus.NewRegistry()
	m, err := newHTTPMetrics(registry, Config{ServiceName: "waterstats"})
	if err != nil {
		t.Fatalf("new http metrics: %v", err)
	}

	r := gin.New()
	r.Use(m.GinMiddleware())
	r.GET("/api/meters/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/meters/1234", nil))

	got := testutil.ToFloat64(m.requests.WithLabelValues(http.MethodGet, "/api/meters/:id", "204"))
	if got != 1 {
		t.Fatalf("expected 1 request, got %v", got)
	}
}
