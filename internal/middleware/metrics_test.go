package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"webgate/internal/metrics"
)

func TestMetrics_IncrementsCounter(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(Metrics(m))
	e.GET("/api/test", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/test", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	found := false
	for _, f := range families {
		if f.GetName() == "webgate_http_requests_total" {
			for _, metric := range f.GetMetric() {
				for _, lp := range metric.GetLabel() {
					if lp.GetName() == "path_prefix" && lp.GetValue() == "/api" {
						found = true
						if v := metric.GetCounter().GetValue(); v != 1 {
							t.Errorf("counter value = %v, want 1", v)
						}
					}
				}
			}
		}
	}
	if !found {
		t.Error("expected webgate_http_requests_total with path_prefix=/api")
	}
}

func TestMetrics_RecordsDuration(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(Metrics(m))
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	found := false
	for _, f := range families {
		if f.GetName() == "webgate_http_request_duration_seconds" {
			for _, metric := range f.GetMetric() {
				if metric.GetHistogram().GetSampleCount() > 0 {
					found = true
				}
			}
		}
	}
	if !found {
		t.Error("expected webgate_http_request_duration_seconds with at least one sample")
	}
}

func TestMetrics_HTTPErrorStatus(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(Metrics(m))
	e.GET("/api/test", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/test", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	for _, f := range families {
		if f.GetName() == "webgate_http_requests_total" {
			for _, metric := range f.GetMetric() {
				labels := make(map[string]string)
				for _, lp := range metric.GetLabel() {
					labels[lp.GetName()] = lp.GetValue()
				}
				if labels["path_prefix"] == "/api" {
					if labels["status_code"] != "404" {
						t.Errorf("status_code = %q, want %q", labels["status_code"], "404")
					}
					return
				}
			}
		}
	}
	t.Error("expected webgate_http_requests_total with path_prefix=/api")
}

func TestMetrics_StaticPathNormalized(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(Metrics(m))
	e.GET("/js/app.js", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/js/app.js", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	for _, f := range families {
		if f.GetName() == "webgate_http_requests_total" {
			for _, metric := range f.GetMetric() {
				labels := make(map[string]string)
				for _, lp := range metric.GetLabel() {
					labels[lp.GetName()] = lp.GetValue()
				}
				if labels["path_prefix"] == "static" && labels["method"] == "GET" {
					return
				}
			}
		}
	}
	t.Error("expected webgate_http_requests_total with path_prefix=static")
}
