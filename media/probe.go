package media

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	ffprobe "gopkg.in/vansante/go-ffprobe.v2"
)

const (
	probeRetries = 3
	probeTimeout = 60 * time.Second
)

// Prober reads technical metadata from a local media file.
type Prober interface {
	Probe(ctx context.Context, path string) (Metadata, error)
}

type Probe struct{}

// NewProber points the ffprobe wrapper at the configured binary. The path is
// package-global in the wrapper, so this is called once at startup.
func NewProber(ffprobePath string) Probe {
	ffprobe.SetFFProbeBinPath(ffprobePath)
	return Probe{}
}

// Probe runs ffprobe against path. The returned Metadata always carries the
// file size; when ffprobe itself fails the error is returned alongside the
// size-only record so callers can degrade instead of failing the job.
func (p Probe) Probe(ctx context.Context, path string) (Metadata, error) {
	meta := Metadata{}
	if st, err := os.Stat(path); err == nil {
		meta.SizeBytes = st.Size()
	}

	var data *ffprobe.ProbeData
	err := backoff.Retry(func() error {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		var probeErr error
		data, probeErr = ffprobe.ProbeURL(probeCtx, path)
		return probeErr
	}, probeBackoff(ctx))
	if err != nil {
		return meta, fmt.Errorf("error probing %s: %w", path, err)
	}

	if data.Format != nil {
		meta.Format = firstFormatName(data.Format.FormatName)
		meta.DurationSeconds = data.Format.DurationSeconds
		if data.Format.BitRate != "" {
			if bitrate, err := strconv.ParseInt(data.Format.BitRate, 10, 64); err == nil {
				meta.Bitrate = bitrate
			}
		}
	}
	if videoStream := data.FirstVideoStream(); videoStream != nil {
		meta.VideoCodec = videoStream.CodecName
		meta.Width = videoStream.Width
		meta.Height = videoStream.Height
		fps, err := parseFps(videoStream.AvgFrameRate)
		if err != nil {
			fps, _ = parseFps(videoStream.RFrameRate)
		}
		meta.FPS = fps
	}
	if audioStream := data.FirstAudioStream(); audioStream != nil {
		meta.AudioCodec = audioStream.CodecName
	}
	return meta, nil
}

func probeBackoff(ctx context.Context) backoff.BackOffContext {
	return backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(200*time.Millisecond), probeRetries), ctx)
}

// firstFormatName trims ffprobe's comma separated demuxer lists
// ("mov,mp4,m4a,3gp,3g2,mj2") down to the leading name.
func firstFormatName(name string) string {
	if i := strings.Index(name, ","); i >= 0 {
		return name[:i]
	}
	return name
}

func parseFps(framerate string) (float64, error) {
	if framerate == "" {
		return 0, nil
	}
	parts := strings.Split(framerate, "/")
	if len(parts) > 1 {
		num, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return 0, fmt.Errorf("error parsing numerator of framerate %q: %w", framerate, err)
		}
		den, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return 0, fmt.Errorf("error parsing denominator of framerate %q: %w", framerate, err)
		}
		if den == 0 {
			return 0, nil
		}
		return num / den, nil
	}
	fps, err := strconv.ParseFloat(framerate, 64)
	if err != nil {
		return 0, fmt.Errorf("error parsing framerate %q: %w", framerate, err)
	}
	return fps, nil
}
