package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mediaforge/forge-api/config"
)

func TestInitServer(t *testing.T) {
	require := require.New(t)
	router := NewForgeAPIRouter(&config.Cli{}, nil)

	handle, _, _ := router.Lookup("GET", "/ok")
	require.NotNil(handle)

	handle, _, _ = router.Lookup("GET", "/ws")
	require.NotNil(handle)
}

func TestOkEndpoint(t *testing.T) {
	require := require.New(t)
	router := NewForgeAPIRouter(&config.Cli{}, nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/ok", nil))
	require.Equal(http.StatusOK, rr.Code)
	require.Equal("OK", rr.Body.String())
}
