package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	gatewaycfg "chainid/gateway/config"
)

func TestObservabilityLabelsByRoutePattern(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs := newObservability(gatewaycfg.ObservabilityConfig{Metrics: true, MetricsPrefix: "test_gw"}, nil, reg, reg)

	r := chi.NewRouter()
	r.Use(obs.Middleware)
	r.Post("/rewards/{platform}/claim", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	r.Handle("/metrics", obs.MetricsHandler())

	for _, p := range []string{"dao", "nft"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/rewards/"+p+"/claim", nil))
	}

	res := httptest.NewRecorder()
	r.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, res.Code)
	require.True(t, strings.Contains(res.Body.String(),
		`test_gw_requests_total{method="POST",route="/rewards/{platform}/claim",status="409"} 2`))
}

func TestObservabilityReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := newObservability(gatewaycfg.ObservabilityConfig{Metrics: true}, nil, reg, reg)
	second := newObservability(gatewaycfg.ObservabilityConfig{Metrics: true}, nil, reg, reg)
	require.Same(t, first.requests, second.requests)
}

func TestCORSAllowList(t *testing.T) {
	h := CORS(gatewaycfg.CORSConfig{AllowedOrigins: []string{"https://app.example/"}})(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/identity/register", nil)
	req.Header.Set("Origin", "https://app.example")
	res := httptest.NewRecorder()
	h.ServeHTTP(res, req)
	require.Equal(t, http.StatusNoContent, res.Code)
	require.Equal(t, "https://app.example", res.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/identity/stats", nil)
	req.Header.Set("Origin", "https://evil.example")
	res = httptest.NewRecorder()
	h.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)
	require.Empty(t, res.Header().Get("Access-Control-Allow-Origin"))
}
