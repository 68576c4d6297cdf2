package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mediaforge/forge-api/config"
	"github.com/mediaforge/forge-api/handlers"
	"github.com/mediaforge/forge-api/pipeline"
)

func TestInternalRouterServesHealthAndMetrics(t *testing.T) {
	require := require.New(t)
	cli := &config.Cli{Workers: 3, QueueCapacity: 10}
	engine := pipeline.NewStubCoordinator(cli, nil, nil)
	router := NewForgeAPIRouterInternal(cli, engine)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/health", nil))
	require.Equal(http.StatusOK, rr.Code)

	var health handlers.HealthcheckResponse
	require.NoError(json.Unmarshal(rr.Body.Bytes(), &health))
	require.Equal("healthy", health.Status)
	require.Equal(3, health.Stats.MaxConcurrent)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(http.StatusOK, rr.Code)
	require.Contains(rr.Body.String(), "jobs_submitted_count")
}
