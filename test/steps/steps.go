package steps

import (
	"net/http"
	"net/http/httptest"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

type StepContext struct {
	BaseURL         string
	BaseInternalURL string
	WSURL           string
	SourceClip      string

	conn          *websocket.Conn
	fixtureServer *httptest.Server
	fixtureURL    string

	jobSeq    int
	lastJobID string
	percents  []float64

	artifactPath string
	artifactName string

	latestStatus int
	latestBody   string
}

// Close releases everything a scenario may have opened. Safe to call
// when nothing was.
func (s *StepContext) Close() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	if s.fixtureServer != nil {
		s.fixtureServer.Close()
		s.fixtureServer = nil
	}
	if s.artifactPath != "" {
		_ = os.Remove(s.artifactPath)
		s.artifactPath = ""
	}
	s.percents = nil
	s.lastJobID = ""
}

func WaitForStartup(url string) {
	retries := backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), 5)
	err := backoff.Retry(func() error {
		_, err := http.Get(url)
		return err
	}, retries)
	if err != nil {
		panic(err)
	}
}
