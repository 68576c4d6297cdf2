package requests

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetSessionIDHonorsHeader(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set(sessionIDHeader, "session-abc")
	require.Equal(t, "session-abc", GetSessionID(req))
}

func TestGetSessionIDMintsAndSticks(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws", nil)
	id := GetSessionID(req)
	require.NotEmpty(t, id)
	// Once minted the ID is attached to the request.
	require.Equal(t, id, GetSessionID(req))
}
