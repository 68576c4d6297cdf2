package steps

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

var (
	sourceClipOnce sync.Once
	sourceClipPath string
	sourceClipErr  error
)

// Confirm that we have ffmpeg and ffprobe binaries on the system the tests are running on
func (s *StepContext) CheckFfmpeg() error {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return fmt.Errorf("could not find the 'ffmpeg' binary, which the tests depend on")
	}
	if _, err := exec.LookPath("ffprobe"); err != nil {
		return fmt.Errorf("could not find the 'ffprobe' binary, which the tests depend on")
	}
	return nil
}

// CreateSourceClip synthesizes a short test clip with both a video and an
// audio stream. The clip is generated once and shared between scenarios.
func (s *StepContext) CreateSourceClip() error {
	sourceClipOnce.Do(func() {
		dir, err := os.MkdirTemp(os.TempDir(), "forge-fixtures-")
		if err != nil {
			sourceClipErr = err
			return
		}
		out := filepath.Join(dir, "source.mp4")

		video := ffmpeg.Input("testsrc=duration=2:size=320x240:rate=15", ffmpeg.KwArgs{"f": "lavfi"})
		audio := ffmpeg.Input("sine=frequency=220:duration=2", ffmpeg.KwArgs{"f": "lavfi"})
		sourceClipErr = ffmpeg.
			Output([]*ffmpeg.Stream{video, audio}, out, ffmpeg.KwArgs{
				"c:v":     "libx264",
				"c:a":     "aac",
				"pix_fmt": "yuv420p",
			}).
			OverWriteOutput().
			Run()
		if sourceClipErr == nil {
			sourceClipPath = out
		}
	})
	if sourceClipErr != nil {
		return fmt.Errorf("failed to generate the source clip: %w", sourceClipErr)
	}
	s.SourceClip = sourceClipPath
	return nil
}
