package steps

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
)

func (s *StepContext) QueryEndpoint(endpoint string) error {
	return s.query(s.BaseURL + endpoint)
}

func (s *StepContext) QueryInternalEndpoint(endpoint string) error {
	return s.query(s.BaseInternalURL + endpoint)
}

func (s *StepContext) query(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	s.latestStatus = resp.StatusCode
	s.latestBody = string(body)
	return nil
}

func (s *StepContext) CheckHTTPResponseCodeAndBody(code int, expectedBody string) error {
	if s.latestStatus != code {
		return fmt.Errorf("expected HTTP response code %d but got %d. Body: %s", code, s.latestStatus, s.latestBody)
	}
	if actual := strings.TrimSpace(s.latestBody); actual != expectedBody {
		return fmt.Errorf("expected a response body of %q but got %q", expectedBody, actual)
	}
	return nil
}

func (s *StepContext) CheckHTTPResponseCodeAndContains(code int, needle string) error {
	if s.latestStatus != code {
		return fmt.Errorf("expected HTTP response code %d but got %d. Body: %s", code, s.latestStatus, s.latestBody)
	}
	if !strings.Contains(s.latestBody, needle) {
		return fmt.Errorf("expected the response body to contain %q but got %q", needle, s.latestBody)
	}
	return nil
}

// MetricsReportSubmittedJobs scrapes the internal Prometheus endpoint and
// checks the submitted-jobs counter.
func (s *StepContext) MetricsReportSubmittedJobs(min int) error {
	if err := s.query(s.BaseInternalURL + "/metrics"); err != nil {
		return err
	}
	if s.latestStatus != http.StatusOK {
		return fmt.Errorf("metrics endpoint returned HTTP %d", s.latestStatus)
	}
	for _, line := range strings.Split(s.latestBody, "\n") {
		if strings.HasPrefix(line, "#") || !strings.HasPrefix(line, "jobs_submitted_count") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return fmt.Errorf("malformed metric line %q", line)
		}
		value, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return fmt.Errorf("malformed metric value in %q: %w", line, err)
		}
		if value < float64(min) {
			return fmt.Errorf("expected at least %d submitted jobs but the counter reads %v", min, value)
		}
		return nil
	}
	return fmt.Errorf("no jobs_submitted_count metric in the scrape")
}

// StartFixtureServer serves the directory holding the source clip so URL
// input jobs have something to download.
func (s *StepContext) StartFixtureServer() error {
	if err := s.CreateSourceClip(); err != nil {
		return err
	}
	if s.fixtureServer != nil {
		return nil
	}
	s.fixtureServer = httptest.NewServer(http.FileServer(http.Dir(filepath.Dir(s.SourceClip))))
	s.fixtureURL = s.fixtureServer.URL
	return nil
}
