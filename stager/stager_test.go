package stager

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func stageRequest(source string) Request {
	return Request{JobID: "job-1", Source: source, UploadWait: time.Second}
}

func TestStageDownload(t *testing.T) {
	require := require.New(t)

	payload := []byte("not really an mp4 but good enough")
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer ts.Close()

	var fractions []float64
	workDir := t.TempDir()
	req := stageRequest(SourceURL)
	req.URL = ts.URL + "/video.mp4?signature=abc123"

	names, err := New().Stage(context.Background(), req, workDir, 1<<20, func(f float64) {
		fractions = append(fractions, f)
	})
	require.NoError(err)
	require.Equal([]string{"input.mp4"}, names)

	written, err := os.ReadFile(filepath.Join(workDir, "input.mp4"))
	require.NoError(err)
	require.Equal(payload, written)

	require.NotEmpty(fractions)
	require.Equal(1.0, fractions[len(fractions)-1])
	for i := 1; i < len(fractions); i++ {
		require.GreaterOrEqual(fractions[i], fractions[i-1])
	}
}

func TestStageDownloadExtensionFallback(t *testing.T) {
	require := require.New(t)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("bytes"))
	}))
	defer ts.Close()

	workDir := t.TempDir()
	req := stageRequest(SourceURL)
	req.URL = ts.URL + "/stream"

	names, err := New().Stage(context.Background(), req, workDir, 1<<20, nil)
	require.NoError(err)
	require.Equal([]string{"input.dat"}, names)
}

func TestStageDownloadSchemeNotAllowed(t *testing.T) {
	require := require.New(t)

	workDir := t.TempDir()
	req := stageRequest(SourceURL)
	req.URL = "ftp://example.com/video.mp4"

	_, err := New().Stage(context.Background(), req, workDir, 1<<20, nil)
	require.Error(err)
	require.Contains(err.Error(), "scheme_not_allowed")
}

func TestStageDownloadSizeExceededByHeader(t *testing.T) {
	require := require.New(t)

	var hits int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Length", "4096")
		w.Write(make([]byte, 4096))
	}))
	defer ts.Close()

	workDir := t.TempDir()
	req := stageRequest(SourceURL)
	req.URL = ts.URL + "/big.mp4"

	_, err := New().Stage(context.Background(), req, workDir, 1024, nil)
	require.Error(err)
	require.Contains(err.Error(), "size_exceeded")
	require.EqualValues(1, atomic.LoadInt32(&hits))
}

func TestStageDownloadSizeExceededMidStream(t *testing.T) {
	require := require.New(t)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Chunked response, so the client cannot see the size upfront.
		flusher := w.(http.Flusher)
		for i := 0; i < 64; i++ {
			w.Write(make([]byte, 1024))
			flusher.Flush()
		}
	}))
	defer ts.Close()

	workDir := t.TempDir()
	req := stageRequest(SourceURL)
	req.URL = ts.URL + "/chunked.mp4"

	_, err := New().Stage(context.Background(), req, workDir, 8*1024, nil)
	require.Error(err)
	require.Contains(err.Error(), "size_exceeded")
}

func TestStageDownloadBadStatusIsNetworkError(t *testing.T) {
	require := require.New(t)

	var hits int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer ts.Close()

	workDir := t.TempDir()
	req := stageRequest(SourceURL)
	req.URL = ts.URL + "/missing.mp4"

	_, err := New().Stage(context.Background(), req, workDir, 1<<20, nil)
	require.Error(err)
	require.Contains(err.Error(), "network_error")
	// 4xx responses are not worth retrying.
	require.EqualValues(1, atomic.LoadInt32(&hits))
}

func TestStageDownloadRetriesServerErrors(t *testing.T) {
	require := require.New(t)

	var hits int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Write([]byte("recovered"))
	}))
	defer ts.Close()

	workDir := t.TempDir()
	req := stageRequest(SourceURL)
	req.URL = ts.URL + "/flaky.mp4"

	names, err := New().Stage(context.Background(), req, workDir, 1<<20, nil)
	require.NoError(err)
	require.EqualValues(2, atomic.LoadInt32(&hits))

	written, err := os.ReadFile(filepath.Join(workDir, names[0]))
	require.NoError(err)
	require.Equal([]byte("recovered"), written)
}

func TestStageDownloadCancellation(t *testing.T) {
	require := require.New(t)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	workDir := t.TempDir()
	req := stageRequest(SourceURL)
	req.URL = ts.URL + "/slow.mp4"

	_, err := New().Stage(ctx, req, workDir, 1<<20, nil)
	require.ErrorIs(err, context.DeadlineExceeded)
}

func TestStageUpload(t *testing.T) {
	require := require.New(t)

	uploads := make(chan Upload, 1)
	uploads <- Upload{Filename: "clip.mp4", Payload: []byte("uploaded bytes")}

	workDir := t.TempDir()
	req := stageRequest(SourceUpload)
	req.Uploads = uploads

	var fractions []float64
	names, err := New().Stage(context.Background(), req, workDir, 1<<20, func(f float64) {
		fractions = append(fractions, f)
	})
	require.NoError(err)
	require.Equal([]string{"input_0.mp4"}, names)
	require.Equal([]float64{1.0}, fractions)

	written, err := os.ReadFile(filepath.Join(workDir, "input_0.mp4"))
	require.NoError(err)
	require.Equal([]byte("uploaded bytes"), written)
}

func TestStageUploadMultiple(t *testing.T) {
	require := require.New(t)

	uploads := make(chan Upload, 2)
	uploads <- Upload{Filename: "first.mp4", Payload: []byte("one")}
	uploads <- Upload{Filename: "second.mov", Payload: []byte("two")}

	workDir := t.TempDir()
	req := stageRequest(SourceUpload)
	req.Uploads = uploads
	req.FileCount = 2

	names, err := New().Stage(context.Background(), req, workDir, 1<<20, nil)
	require.NoError(err)
	require.Equal([]string{"input_0.mp4", "input_1.mov"}, names)
}

func TestStageUploadMissing(t *testing.T) {
	require := require.New(t)

	workDir := t.TempDir()
	req := stageRequest(SourceUpload)
	req.Uploads = make(chan Upload)
	req.UploadWait = 20 * time.Millisecond

	_, err := New().Stage(context.Background(), req, workDir, 1<<20, nil)
	require.Error(err)
	require.Contains(err.Error(), "upload_missing")
}

func TestStageUploadSecondMissing(t *testing.T) {
	require := require.New(t)

	uploads := make(chan Upload, 1)
	uploads <- Upload{Filename: "first.mp4", Payload: []byte("one")}

	workDir := t.TempDir()
	req := stageRequest(SourceUpload)
	req.Uploads = uploads
	req.FileCount = 2
	req.UploadWait = 20 * time.Millisecond

	_, err := New().Stage(context.Background(), req, workDir, 1<<20, nil)
	require.Error(err)
	require.Contains(err.Error(), "upload_missing")
	require.Contains(err.Error(), "received 1 of 2")
}

func TestStageUploadCancelledWhileWaiting(t *testing.T) {
	require := require.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	workDir := t.TempDir()
	req := stageRequest(SourceUpload)
	req.Uploads = make(chan Upload)

	_, err := New().Stage(ctx, req, workDir, 1<<20, nil)
	require.ErrorIs(err, context.Canceled)
}

func TestStageUploadTooLarge(t *testing.T) {
	require := require.New(t)

	uploads := make(chan Upload, 1)
	uploads <- Upload{Filename: "big.mp4", Payload: make([]byte, 2048)}

	workDir := t.TempDir()
	req := stageRequest(SourceUpload)
	req.Uploads = uploads

	_, err := New().Stage(context.Background(), req, workDir, 1024, nil)
	require.Error(err)
	require.Contains(err.Error(), "size_exceeded")
}

func TestStageUnknownSource(t *testing.T) {
	_, err := New().Stage(context.Background(), stageRequest("carrier-pigeon"), t.TempDir(), 1<<20, nil)
	require.Error(t, err)
}

func TestUploadExt(t *testing.T) {
	require := require.New(t)

	tests := []struct {
		filename string
		want     string
	}{
		{"movie.mp4", ".mp4"},
		{"archive.tar.gz", ".gz"},
		{"../../etc/passwd", ".dat"},
		{"../evil/clip.mov", ".mov"},
		{`C:\clips\video.avi`, ".avi"},
		{"noextension", ".dat"},
		{"trailing.", ".dat"},
		{"", ".dat"},
	}
	for _, tt := range tests {
		require.Equal(tt.want, uploadExt(tt.filename), "filename %q", tt.filename)
	}
}

func TestURLExt(t *testing.T) {
	require := require.New(t)

	for rawURL, want := range map[string]string{
		"http://host/video.mp4":         ".mp4",
		"http://host/video.mp4?sig=x.y": ".mp4",
		"http://host/stream":            ".dat",
		"http://host/":                  ".dat",
		"http://host/clip.WEBM":         ".WEBM",
	} {
		u, err := url.Parse(rawURL)
		require.NoError(err)
		require.Equal(want, urlExt(u), "url %s", rawURL)
	}
}
