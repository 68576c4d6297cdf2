package handlers

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"

	"github.com/mediaforge/forge-api/config"
	"github.com/mediaforge/forge-api/pipeline"
)

func TestHealthcheck(t *testing.T) {
	require := require.New(t)
	cli := testCli(t)
	cli.Workers = 5
	engine := pipeline.NewStubCoordinator(cli, &stubRunner{}, stubProber{})
	collection := &ForgeAPIHandlersCollection{Cli: cli, Engine: engine}

	router := httprouter.New()
	router.GET("/health", collection.Healthcheck())
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/health", nil))

	require.Equal(200, rr.Code)
	require.Equal("application/json", rr.Header().Get("Content-Type"))

	var response HealthcheckResponse
	require.NoError(json.Unmarshal(rr.Body.Bytes(), &response))
	require.Equal("healthy", response.Status)
	require.Equal(config.Version, response.Version)
	require.Equal(5, response.Stats.MaxConcurrent)
	require.Zero(response.Stats.ActiveJobs)
}
