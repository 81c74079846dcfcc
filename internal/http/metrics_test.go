package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestHTTPMetrics_MetricsMiddleware(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	m := NewHTTPMetrics(mp.Meter(httpInstrumentationName), nil)

	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.GET("/api/v1/tasks/:id", func(c echo.Context) error {
		if c.Param("id") == "missing" {
			return echo.NewHTTPError(http.StatusNotFound, "task not found")
		}
		return c.String(http.StatusOK, "ok")
	})

	for _, path := range []string{"/api/v1/tasks/a", "/api/v1/tasks/b", "/api/v1/tasks/missing"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}

	foundRequests := false
	foundDuration := false
	foundResponseSize := false

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch m.Name {
			case "stepwise.http.requests_total":
				foundRequests = true
				sum, ok := m.Data.(metricdata.Sum[int64])
				if !ok {
					t.Fatalf("unexpected data type %T", m.Data)
				}
				byStatus := map[int64]int64{}
				for _, dp := range sum.DataPoints {
					endpoint, _ := dp.Attributes.Value(attribute.Key("endpoint"))
					if endpoint.AsString() != "/api/v1/tasks/:id" {
						t.Errorf("endpoint label = %q, want route template", endpoint.AsString())
					}
					status, _ := dp.Attributes.Value(attribute.Key("status"))
					byStatus[status.AsInt64()] += dp.Value
				}
				if byStatus[200] != 2 || byStatus[404] != 1 {
					t.Errorf("requests by status = %v, want 2x200 and 1x404", byStatus)
				}
			case "stepwise.http.request_duration_seconds":
				foundDuration = true
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					total := uint64(0)
					for _, dp := range hist.DataPoints {
						total += dp.Count
					}
					if total != 3 {
						t.Errorf("expected 3 duration recordings, got %d", total)
					}
				}
			case "stepwise.http.response_size_bytes":
				foundResponseSize = true
			}
		}
	}

	if !foundRequests {
		t.Error("requests counter not found")
	}
	if !foundDuration {
		t.Error("duration histogram not found")
	}
	if !foundResponseSize {
		t.Error("response size histogram not found")
	}
}

func TestRouteLabel(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", "unmatched"},
		{"/health", "/health"},
		{"/api/v1/tasks/:id", "/api/v1/tasks/:id"},
	}

	for _, tt := range tests {
		if got := routeLabel(tt.input); got != tt.expected {
			t.Errorf("routeLabel(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}
