package stager

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/mediaforge/forge-api/errors"
	"github.com/mediaforge/forge-api/log"
)

const (
	// SourceURL marks inputs fetched over HTTP.
	SourceURL = "url"
	// SourceUpload marks inputs delivered as binary frames on the session.
	SourceUpload = "upload"

	downloadRetries  = 2
	downloadDeadline = 10 * time.Minute
)

// Upload is one binary payload the session received for a job. Filename is
// the client-provided name, used only for its extension after sanitizing.
type Upload struct {
	Filename string
	Payload  []byte
}

// Request describes where a job's input bytes come from.
type Request struct {
	JobID  string
	Source string
	URL    string

	// Uploads delivers binary payloads for upload-sourced jobs.
	Uploads <-chan Upload
	// FileCount is how many uploads to wait for. Zero means one.
	FileCount int
	// UploadWait bounds the wait for each upload.
	UploadWait time.Duration
}

// Stager materializes job inputs inside a work directory.
type Stager struct {
	client *http.Client
}

func New() *Stager {
	return &Stager{client: newRetryableHTTPClient()}
}

func newRetryableHTTPClient() *http.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = log.NewRetryableHTTPLogger()
	client.HTTPClient = &http.Client{
		// Give up on requests that hang longer than any plausible download.
		Timeout: downloadDeadline,
	}
	return client.StandardClient()
}

// Stage writes the job's inputs into workDir and returns their file names,
// in input order, relative to workDir. maxBytes caps every input, downloaded
// or uploaded. onProgress receives the staged fraction in [0, 1].
//
// Failures carry one of the staging reasons (scheme_not_allowed,
// size_exceeded, network_error, upload_missing) in the error message;
// context errors pass through untouched so the caller can tell cancellation
// from failure.
func (s *Stager) Stage(ctx context.Context, req Request, workDir string, maxBytes int64, onProgress func(fraction float64)) ([]string, error) {
	switch req.Source {
	case SourceURL:
		name, err := s.download(ctx, req, workDir, maxBytes, onProgress)
		if err != nil {
			return nil, err
		}
		return []string{name}, nil
	case SourceUpload:
		return receiveUploads(ctx, req, workDir, maxBytes, onProgress)
	}
	return nil, errors.New(errors.CodeJobFailed, fmt.Sprintf("unknown input source %q", req.Source))
}

func (s *Stager) download(ctx context.Context, req Request, workDir string, maxBytes int64, onProgress func(float64)) (string, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return "", errors.Wrap(errors.CodeJobFailed, "scheme_not_allowed: input URL is not parseable", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errors.New(errors.CodeJobFailed, fmt.Sprintf("scheme_not_allowed: unsupported input URL scheme %q", u.Scheme))
	}

	name := "input" + urlExt(u)
	dest := filepath.Join(workDir, name)
	log.AddContext(req.JobID, "input_url", req.URL)

	err = backoff.Retry(func() error {
		return s.fetch(ctx, req.URL, dest, maxBytes, onProgress)
	}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), downloadRetries), ctx))
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		var jobErr *errors.JobError
		if stderrors.As(err, &jobErr) {
			return "", jobErr
		}
		return "", errors.Wrap(errors.CodeJobFailed, "network_error: downloading input failed", err)
	}
	return name, nil
}

// fetch runs one download attempt, truncating dest so retries start clean.
func (s *Stager) fetch(ctx context.Context, rawURL, dest string, maxBytes int64, onProgress func(float64)) error {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return errors.Unretriable(fmt.Errorf("error creating http request: %w", err))
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("error requesting input: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		err := fmt.Errorf("bad status code fetching input: %d %s", resp.StatusCode, resp.Status)
		if resp.StatusCode < 500 {
			return errors.Unretriable(err)
		}
		return err
	}
	if resp.ContentLength > maxBytes {
		return errors.Unretriable(sizeExceeded(resp.ContentLength, maxBytes))
	}

	out, err := os.Create(dest)
	if err != nil {
		return errors.Unretriable(fmt.Errorf("error creating input file: %w", err))
	}
	defer out.Close()

	meter := &meteredWriter{max: maxBytes, expected: resp.ContentLength, onProgress: onProgress}
	if _, err := io.Copy(out, io.TeeReader(resp.Body, meter)); err != nil {
		var jobErr *errors.JobError
		if stderrors.As(err, &jobErr) {
			return errors.Unretriable(jobErr)
		}
		return fmt.Errorf("error streaming input: %w", err)
	}
	return out.Close()
}

// meteredWriter counts copied bytes, enforces the size cap and reports the
// downloaded fraction when the total length is known.
type meteredWriter struct {
	count      int64
	max        int64
	expected   int64
	onProgress func(float64)
}

func (w *meteredWriter) Write(p []byte) (int, error) {
	w.count += int64(len(p))
	if w.count > w.max {
		return 0, sizeExceeded(w.count, w.max)
	}
	if w.expected > 0 && w.onProgress != nil {
		fraction := float64(w.count) / float64(w.expected)
		if fraction > 1 {
			fraction = 1
		}
		w.onProgress(fraction)
	}
	return len(p), nil
}

func sizeExceeded(got, max int64) *errors.JobError {
	return errors.New(errors.CodeJobFailed, fmt.Sprintf("size_exceeded: input is %d bytes, cap is %d bytes", got, max))
}

func receiveUploads(ctx context.Context, req Request, workDir string, maxBytes int64, onProgress func(float64)) ([]string, error) {
	expected := req.FileCount
	if expected < 1 {
		expected = 1
	}
	wait := req.UploadWait
	if wait <= 0 {
		wait = time.Minute
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	names := make([]string, 0, expected)
	for i := 0; i < expected; i++ {
		select {
		case upload, ok := <-req.Uploads:
			if !ok {
				return nil, errors.New(errors.CodeJobFailed, "upload_missing: upload channel closed")
			}
			if int64(len(upload.Payload)) > maxBytes {
				return nil, sizeExceeded(int64(len(upload.Payload)), maxBytes)
			}
			name := fmt.Sprintf("input_%d%s", i, uploadExt(upload.Filename))
			if err := os.WriteFile(filepath.Join(workDir, name), upload.Payload, 0644); err != nil {
				return nil, errors.Wrap(errors.CodeJobFailed, "error writing uploaded input", err)
			}
			names = append(names, name)
			if onProgress != nil {
				onProgress(float64(i+1) / float64(expected))
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(wait)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, errors.New(errors.CodeJobFailed,
				fmt.Sprintf("upload_missing: received %d of %d uploads within %s", i, expected, wait))
		}
	}
	return names, nil
}

// urlExt picks the staged file's extension from the URL path, ignoring the
// query string.
func urlExt(u *url.URL) string {
	if ext := path.Ext(u.Path); ext != "" {
		return ext
	}
	return ".dat"
}

// uploadExt sanitizes a client-provided filename down to a bare basename and
// keeps only its extension.
func uploadExt(filename string) string {
	filename = strings.ReplaceAll(filename, `\`, "/")
	if ext := path.Ext(path.Base(filename)); ext != "" && ext != "." {
		return ext
	}
	return ".dat"
}
