package media

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func baseArgs(tail ...string) []string {
	args := []string{"-hide_banner", "-loglevel", "info", "-progress", "pipe:2", "-nostdin"}
	return append(args, tail...)
}

func intPtr(i int) *int { return &i }

func floatPtr(f float64) *float64 { return &f }

func TestSynthesizeSpeed(t *testing.T) {
	require := require.New(t)

	plan, err := Synthesize(Request{
		Operation:  OpSpeed,
		Options:    &SpeedOptions{SpeedFactor: 2.0, MaintainPitch: true},
		InputPaths: []string{"input_0.mp4"},
		HasAudio:   true,
	})
	require.NoError(err)
	require.Equal("output.mp4", plan.OutputName)
	require.False(plan.MultiOutput)
	require.Equal(baseArgs(
		"-i", "input_0.mp4",
		"-filter:v", "setpts=0.5*PTS",
		"-filter:a", "atempo=2.0",
		"-c:v", "libx264",
		"-c:a", "aac",
		"-y", "output.mp4",
	), plan.Args)

	// Factors outside [0.5, 2] chain atempo stages when pitch is kept.
	plan, err = Synthesize(Request{
		Operation:  OpSpeed,
		Options:    &SpeedOptions{SpeedFactor: 5.0, MaintainPitch: true},
		InputPaths: []string{"input_0.mp4"},
		HasAudio:   true,
	})
	require.NoError(err)
	require.Contains(plan.Args, "atempo=2.0,atempo=2.0,atempo=1.25")

	plan, err = Synthesize(Request{
		Operation:  OpSpeed,
		Options:    &SpeedOptions{SpeedFactor: 0.3, MaintainPitch: true},
		InputPaths: []string{"input_0.mp4"},
		HasAudio:   true,
	})
	require.NoError(err)
	require.Contains(plan.Args, "atempo=0.5,atempo=0.6")

	// Without pitch preservation a single stage takes any factor.
	plan, err = Synthesize(Request{
		Operation:  OpSpeed,
		Options:    &SpeedOptions{SpeedFactor: 4.0},
		InputPaths: []string{"input_0.mp4"},
		HasAudio:   true,
	})
	require.NoError(err)
	require.Contains(plan.Args, "setpts=0.25*PTS")
	require.Contains(plan.Args, "atempo=4.0")
}

func TestSynthesizeSpeedSilentInput(t *testing.T) {
	require := require.New(t)

	plan, err := Synthesize(Request{
		Operation:  OpSpeed,
		Options:    &SpeedOptions{SpeedFactor: 2.0, MaintainPitch: true},
		InputPaths: []string{"input_0.mp4"},
		HasAudio:   false,
	})
	require.NoError(err)
	require.Equal(baseArgs(
		"-i", "input_0.mp4",
		"-filter:v", "setpts=0.5*PTS",
		"-c:v", "libx264",
		"-an",
		"-y", "output.mp4",
	), plan.Args)
}

func TestSynthesizeCompressDefaults(t *testing.T) {
	require := require.New(t)

	plan, err := Synthesize(Request{
		Operation:  OpCompress,
		Options:    &CompressOptions{Preset: PresetMedium},
		InputPaths: []string{"input_0.mp4"},
		HasAudio:   true,
	})
	require.NoError(err)
	require.Equal("output.mp4", plan.OutputName)
	require.Equal(baseArgs(
		"-i", "input_0.mp4",
		"-c:v", "libx264",
		"-crf", "28",
		"-preset", "medium",
		"-c:a", "aac",
		"-b:a", "128k",
		"-y", "output.mp4",
	), plan.Args)
}

func TestSynthesizeCompressCustom(t *testing.T) {
	require := require.New(t)

	plan, err := Synthesize(Request{
		Operation: OpCompress,
		Options: &CompressOptions{
			Preset:           PresetCustom,
			CRF:              intPtr(18),
			VideoBitrateKbps: 2500,
			AudioBitrateKbps: 192,
			MaxWidth:         1280,
			MaxHeight:        720,
			TargetFormat:     "mkv",
		},
		InputPaths: []string{"input_0.mp4"},
		HasAudio:   true,
	})
	require.NoError(err)
	require.Equal("output.mkv", plan.OutputName)
	require.Equal(baseArgs(
		"-i", "input_0.mp4",
		"-c:v", "libx264",
		"-crf", "18",
		"-preset", "medium",
		"-b:v", "2500k",
		"-vf", "scale='min(1280,iw)':'min(720,ih)':force_original_aspect_ratio=decrease",
		"-c:a", "aac",
		"-b:a", "192k",
		"-f", "matroska",
		"-y", "output.mkv",
	), plan.Args)
}

func TestSynthesizeCompressCRFOverridesPreset(t *testing.T) {
	require := require.New(t)

	plan, err := Synthesize(Request{
		Operation:  OpCompress,
		Options:    &CompressOptions{Preset: PresetHigh, CRF: intPtr(30)},
		InputPaths: []string{"input_0.mp4"},
		HasAudio:   true,
	})
	require.NoError(err)
	require.Contains(plan.Args, "30")
	require.NotContains(plan.Args, "23")
}

func TestSynthesizeCompressWidthOnly(t *testing.T) {
	require := require.New(t)

	plan, err := Synthesize(Request{
		Operation:  OpCompress,
		Options:    &CompressOptions{Preset: PresetLow, MaxWidth: 640},
		InputPaths: []string{"input_0.mp4"},
		HasAudio:   true,
	})
	require.NoError(err)
	require.Contains(plan.Args, "scale=640:-1")
	require.Contains(plan.Args, "96k")
}

func TestSynthesizeExtractAudio(t *testing.T) {
	require := require.New(t)

	plan, err := Synthesize(Request{
		Operation:  OpExtractAudio,
		Options:    &ExtractAudioOptions{Format: "mp3", BitrateKbps: 192, SampleRate: 44100},
		InputPaths: []string{"input_0.mp4"},
		HasAudio:   true,
	})
	require.NoError(err)
	require.Equal("output.mp3", plan.OutputName)
	require.Equal(baseArgs(
		"-i", "input_0.mp4",
		"-vn",
		"-c:a", "libmp3lame",
		"-b:a", "192k",
		"-ar", "44100",
		"-y", "output.mp3",
	), plan.Args)
}

func TestSynthesizeExtractAudioLosslessSkipsBitrate(t *testing.T) {
	require := require.New(t)

	for _, format := range []string{"wav", "flac"} {
		plan, err := Synthesize(Request{
			Operation:  OpExtractAudio,
			Options:    &ExtractAudioOptions{Format: format, BitrateKbps: 320},
			InputPaths: []string{"input_0.mp4"},
			HasAudio:   true,
		})
		require.NoError(err)
		require.NotContains(plan.Args, "-b:a", "format %s", format)
		require.Equal("output."+format, plan.OutputName)
	}
}

func TestSynthesizeRemoveAudio(t *testing.T) {
	require := require.New(t)

	plan, err := Synthesize(Request{
		Operation:  OpRemoveAudio,
		Options:    &RemoveAudioOptions{KeepVideoQuality: true},
		InputPaths: []string{"input_0.mov"},
		HasAudio:   true,
	})
	require.NoError(err)
	require.Equal("output.mov", plan.OutputName)
	require.Equal(baseArgs(
		"-i", "input_0.mov",
		"-an",
		"-c:v", "copy",
		"-y", "output.mov",
	), plan.Args)

	plan, err = Synthesize(Request{
		Operation:  OpRemoveAudio,
		Options:    &RemoveAudioOptions{KeepVideoQuality: false},
		InputPaths: []string{"input_0.mp4"},
		HasAudio:   true,
	})
	require.NoError(err)
	require.Equal(baseArgs(
		"-i", "input_0.mp4",
		"-an",
		"-c:v", "libx264",
		"-crf", "23",
		"-preset", "medium",
		"-y", "output.mp4",
	), plan.Args)
}

func TestSynthesizeConvertStreamCopy(t *testing.T) {
	require := require.New(t)

	// Stream copy wins over explicit codecs.
	plan, err := Synthesize(Request{
		Operation:  OpConvert,
		Options:    &ConvertOptions{TargetFormat: "mkv", StreamCopy: true, VideoCodec: "libx265"},
		InputPaths: []string{"input_0.mp4"},
		HasAudio:   true,
	})
	require.NoError(err)
	require.Equal("output.mkv", plan.OutputName)
	require.Equal(baseArgs(
		"-i", "input_0.mp4",
		"-c", "copy",
		"-f", "matroska",
		"-y", "output.mkv",
	), plan.Args)
}

func TestSynthesizeConvertReencode(t *testing.T) {
	require := require.New(t)

	plan, err := Synthesize(Request{
		Operation:  OpConvert,
		Options:    &ConvertOptions{TargetFormat: "webm", VideoCodec: "libvpx-vp9", AudioCodec: "libopus"},
		InputPaths: []string{"input_0.mp4"},
		HasAudio:   true,
	})
	require.NoError(err)
	require.Equal(baseArgs(
		"-i", "input_0.mp4",
		"-c:v", "libvpx-vp9",
		"-c:a", "libopus",
		"-f", "webm",
		"-y", "output.webm",
	), plan.Args)
}

func TestMuxerFor(t *testing.T) {
	require := require.New(t)

	require.Equal("matroska", muxerFor("mkv"))
	require.Equal("ipod", muxerFor("m4a"))
	require.Equal("mpegts", muxerFor("ts"))
	require.Equal("mp4", muxerFor("mp4"))
	require.Equal("webm", muxerFor("webm"))
}

func TestSynthesizeThumbnailSingle(t *testing.T) {
	require := require.New(t)

	plan, err := Synthesize(Request{
		Operation:    OpThumbnail,
		Options:      &ThumbnailOptions{Timestamp: floatPtr(5), Format: "png", Width: 320},
		InputPaths:   []string{"input_0.mp4"},
		DurationHint: 60,
	})
	require.NoError(err)
	require.Equal("thumbnail.png", plan.OutputName)
	require.False(plan.MultiOutput)
	require.Equal(baseArgs(
		"-ss", "5.0",
		"-i", "input_0.mp4",
		"-vf", "scale=320:-1",
		"-frames:v", "1",
		"-y", "thumbnail.png",
	), plan.Args)
}

func TestSynthesizeThumbnailClampsTimestamp(t *testing.T) {
	require := require.New(t)

	plan, err := Synthesize(Request{
		Operation:    OpThumbnail,
		Options:      &ThumbnailOptions{Timestamp: floatPtr(120), Format: "png"},
		InputPaths:   []string{"input_0.mp4"},
		DurationHint: 10,
	})
	require.NoError(err)
	require.Contains(plan.Args, "9.9")
}

func TestSynthesizeThumbnailCount(t *testing.T) {
	require := require.New(t)

	plan, err := Synthesize(Request{
		Operation:    OpThumbnail,
		Options:      &ThumbnailOptions{Count: intPtr(5), Format: "jpeg"},
		InputPaths:   []string{"input_0.mp4"},
		DurationHint: 10,
	})
	require.NoError(err)
	require.True(plan.MultiOutput)
	require.Equal("thumb_%03d.jpg", plan.OutputName)
	require.Equal(baseArgs(
		"-i", "input_0.mp4",
		"-vf", "fps=0.5",
		"-vsync", "vfr",
		"-frames:v", "5",
		"-y", "thumb_%03d.jpg",
	), plan.Args)
}

func TestSynthesizeThumbnailCountUnknownDuration(t *testing.T) {
	require := require.New(t)

	plan, err := Synthesize(Request{
		Operation:  OpThumbnail,
		Options:    &ThumbnailOptions{Count: intPtr(3), Format: "png"},
		InputPaths: []string{"input_0.mp4"},
	})
	require.NoError(err)
	require.Contains(plan.Args, `select='not(mod(n\,100))'`)
	require.Contains(plan.Args, "-vsync")
}

func TestSynthesizeTrim(t *testing.T) {
	require := require.New(t)

	plan, err := Synthesize(Request{
		Operation:  OpTrim,
		Options:    &TrimOptions{StartTime: 10, EndTime: 30},
		InputPaths: []string{"input_0.mkv"},
	})
	require.NoError(err)
	require.Equal("output.mkv", plan.OutputName)
	require.Equal(baseArgs(
		"-ss", "10.0",
		"-i", "input_0.mkv",
		"-t", "20.0",
		"-c", "copy",
		"-y", "output.mkv",
	), plan.Args)
}

func TestSynthesizeConcatStreamCopy(t *testing.T) {
	require := require.New(t)

	plan, err := Synthesize(Request{
		Operation:      OpConcat,
		Options:        &ConcatOptions{FileCount: 2},
		InputPaths:     []string{"input_0.mp4", "input_1.mp4"},
		ConcatListPath: "concat.txt",
		HasAudio:       true,
		Homogeneous:    true,
	})
	require.NoError(err)
	require.Equal("output.mp4", plan.OutputName)
	require.Equal(baseArgs(
		"-f", "concat",
		"-safe", "0",
		"-i", "concat.txt",
		"-c", "copy",
		"-y", "output.mp4",
	), plan.Args)
}

func TestSynthesizeConcatReencode(t *testing.T) {
	require := require.New(t)

	plan, err := Synthesize(Request{
		Operation:  OpConcat,
		Options:    &ConcatOptions{FileCount: 2},
		InputPaths: []string{"input_0.mp4", "input_1.avi"},
		HasAudio:   true,
	})
	require.NoError(err)
	require.Equal(baseArgs(
		"-i", "input_0.mp4",
		"-i", "input_1.avi",
		"-filter_complex", "[0:v][0:a][1:v][1:a]concat=n=2:v=1:a=1[outv][outa]",
		"-map", "[outv]",
		"-map", "[outa]",
		"-y", "output.mp4",
	), plan.Args)

	// Inputs without audio concat video streams only.
	plan, err = Synthesize(Request{
		Operation:  OpConcat,
		Options:    &ConcatOptions{FileCount: 2},
		InputPaths: []string{"input_0.mp4", "input_1.avi"},
	})
	require.NoError(err)
	require.Contains(plan.Args, "[0:v][1:v]concat=n=2:v=1:a=0[outv]")
	require.NotContains(plan.Args, "[outa]")
}

func TestSynthesizeConcatMissingList(t *testing.T) {
	_, err := Synthesize(Request{
		Operation:   OpConcat,
		Options:     &ConcatOptions{FileCount: 2},
		InputPaths:  []string{"input_0.mp4", "input_1.mp4"},
		Homogeneous: true,
	})
	require.Error(t, err)
}

func TestConcatListContent(t *testing.T) {
	require := require.New(t)

	require.Equal("file 'input_0.mp4'\nfile 'input_1.mp4'\n",
		ConcatListContent([]string{"input_0.mp4", "input_1.mp4"}))
	require.Equal(`file 'it'\''s.mp4'`+"\n",
		ConcatListContent([]string{"it's.mp4"}))
}

func TestSynthesizeGif(t *testing.T) {
	require := require.New(t)

	plan, err := Synthesize(Request{
		Operation:  OpGif,
		Options:    &GifOptions{StartTime: 2, Duration: 3, FPS: 15, Width: 640, Optimize: true},
		InputPaths: []string{"input_0.mp4"},
	})
	require.NoError(err)
	require.Equal("output.gif", plan.OutputName)
	require.Equal(baseArgs(
		"-ss", "2.0",
		"-t", "3.0",
		"-i", "input_0.mp4",
		"-filter_complex", "[0:v] fps=15,scale=640:-1:flags=lanczos,split [a][b];[a] palettegen [p];[b][p] paletteuse",
		"-y", "output.gif",
	), plan.Args)

	// Unoptimized renders with a plain filter chain, no palette pass.
	plan, err = Synthesize(Request{
		Operation:  OpGif,
		Options:    &GifOptions{StartTime: 0, Duration: 2.5, FPS: 10},
		InputPaths: []string{"input_0.mp4"},
	})
	require.NoError(err)
	require.Equal(baseArgs(
		"-ss", "0.0",
		"-t", "2.5",
		"-i", "input_0.mp4",
		"-vf", "fps=10",
		"-y", "output.gif",
	), plan.Args)
}

func TestSynthesizeFilterChain(t *testing.T) {
	require := require.New(t)

	plan, err := Synthesize(Request{
		Operation: OpFilter,
		Options: &FilterOptions{Filters: []FilterSpec{
			{Type: "scale", Width: intPtr(1280)},
			{Type: "crop", Width: intPtr(640), Height: intPtr(480), X: 10, Y: 20},
			{Type: "rotate", Angle: 90},
			{Type: "fps"},
			{Type: "volume", Volume: floatPtr(2)},
		}},
		InputPaths: []string{"input_0.mp4"},
		HasAudio:   true,
	})
	require.NoError(err)
	require.Equal("output.mp4", plan.OutputName)
	require.Equal(baseArgs(
		"-i", "input_0.mp4",
		"-vf", "scale=1280:-1,crop=640:480:10:20,rotate=90.0*PI/180,fps=30",
		"-af", "volume=2.0",
		"-y", "output.mp4",
	), plan.Args)
}

func TestSynthesizeFilterNormalizeWins(t *testing.T) {
	require := require.New(t)

	plan, err := Synthesize(Request{
		Operation: OpFilter,
		Options: &FilterOptions{Filters: []FilterSpec{
			{Type: "volume", Volume: floatPtr(0.5)},
			{Type: "normalize"},
		}},
		InputPaths: []string{"input_0.mp4"},
		HasAudio:   true,
	})
	require.NoError(err)
	require.Contains(plan.Args, "loudnorm")
	require.NotContains(plan.Args, "volume=0.5")
}

func TestSynthesizeFilterSilentInputDropsAudio(t *testing.T) {
	require := require.New(t)

	plan, err := Synthesize(Request{
		Operation: OpFilter,
		Options: &FilterOptions{Filters: []FilterSpec{
			{Type: "volume", Volume: floatPtr(2)},
		}},
		InputPaths: []string{"input_0.mp4"},
		HasAudio:   false,
	})
	require.NoError(err)
	require.NotContains(plan.Args, "-af")
}

func TestSynthesizeExtractSubtitles(t *testing.T) {
	require := require.New(t)

	plan, err := Synthesize(Request{
		Operation:  OpExtractSubtitles,
		Options:    &SubtitleOptions{SubtitleIndex: 1, Format: "vtt"},
		InputPaths: []string{"input_0.mkv"},
	})
	require.NoError(err)
	require.Equal("subtitles.vtt", plan.OutputName)
	require.Equal(baseArgs(
		"-i", "input_0.mkv",
		"-map", "0:s:1",
		"-c:s", "webvtt",
		"-y", "subtitles.vtt",
	), plan.Args)
}

func TestSynthesizeBurnSubtitles(t *testing.T) {
	require := require.New(t)

	plan, err := Synthesize(Request{
		Operation:  OpBurnSubtitles,
		Options:    &SubtitleOptions{SubtitleIndex: 0, Format: "srt"},
		InputPaths: []string{"input_0.mp4"},
		HasAudio:   true,
	})
	require.NoError(err)
	require.Equal(baseArgs(
		"-i", "input_0.mp4",
		"-vf", "subtitles=input_0.mp4:si=0",
		"-c:a", "copy",
		"-y", "output.mp4",
	), plan.Args)
}

func TestSynthesizeThreadHint(t *testing.T) {
	require := require.New(t)

	plan, err := Synthesize(Request{
		Operation:  OpTrim,
		Options:    &TrimOptions{StartTime: 0, EndTime: 1},
		InputPaths: []string{"input_0.mp4"},
		ThreadHint: 2,
	})
	require.NoError(err)
	require.Equal([]string{
		"-hide_banner", "-loglevel", "info", "-progress", "pipe:2", "-nostdin",
		"-threads", "2",
		"-ss", "0.0",
		"-i", "input_0.mp4",
		"-t", "1.0",
		"-c", "copy",
		"-y", "output.mp4",
	}, plan.Args)
}

func TestSynthesizeNoInputs(t *testing.T) {
	_, err := Synthesize(Request{Operation: OpTrim, Options: &TrimOptions{EndTime: 1}})
	require.Error(t, err)
}

func TestSynthesizeWrongOptionsType(t *testing.T) {
	_, err := Synthesize(Request{
		Operation:  OpSpeed,
		Options:    &TrimOptions{EndTime: 1},
		InputPaths: []string{"input_0.mp4"},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unexpected type")
}

func TestFormatFloat(t *testing.T) {
	require := require.New(t)

	tests := []struct {
		in   float64
		want string
	}{
		{5, "5.0"},
		{20, "20.0"},
		{0, "0.0"},
		{1.25, "1.25"},
		{0.5, "0.5"},
		{9.9, "9.9"},
	}
	for _, tt := range tests {
		require.Equal(tt.want, formatFloat(tt.in))
	}
}
