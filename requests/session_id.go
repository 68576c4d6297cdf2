package requests

import (
	"net/http"

	"github.com/google/uuid"
)

const sessionIDHeader = "X-Session-Id"

// GetSessionID returns the session ID proposed in the upgrade request, or
// mints one. Honoring the header keeps IDs stable across reconnects in tests
// and debugging sessions; job IDs are only unique within one of these.
func GetSessionID(req *http.Request) string {
	sessionID := req.Header.Get(sessionIDHeader)
	if sessionID != "" {
		return sessionID
	}
	sessionID = uuid.New().String()
	req.Header.Set(sessionIDHeader, sessionID)
	return sessionID
}
