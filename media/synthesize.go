package media

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Request carries everything the synthesizer needs to build an ffmpeg
// invocation. Paths are relative to the job's working directory; the worker
// sets the subprocess working directory accordingly, so argv never leaks
// absolute host paths.
type Request struct {
	Operation Operation
	Options   Options

	// InputPaths are the staged input file names, in submission order.
	InputPaths []string
	// ConcatListPath names the concat demuxer list file. Set only for
	// homogeneous concat requests.
	ConcatListPath string

	// ThreadHint caps ffmpeg's thread usage when positive.
	ThreadHint int
	// DurationHint is the probed duration of the first input in seconds,
	// zero when unknown.
	DurationHint float64
	// HasAudio reports whether every input carries an audio stream.
	HasAudio bool
	// Homogeneous reports whether concat inputs share container, codecs and
	// dimensions, allowing the stream-copy fast path.
	Homogeneous bool
}

// Plan is a fully rendered ffmpeg invocation.
type Plan struct {
	// Args is the complete argv minus the binary name.
	Args []string
	// OutputName is the produced file, relative to the working directory.
	// When MultiOutput is set it is an image2 sequence pattern instead.
	OutputName string
	// MultiOutput marks plans that emit a numbered file sequence rather
	// than a single output.
	MultiOutput bool
}

// Synthesize renders req into an ffmpeg argv. It is a pure function of its
// input: no filesystem access, no randomness.
func Synthesize(req Request) (Plan, error) {
	if len(req.InputPaths) == 0 {
		return Plan{}, fmt.Errorf("operation %s: no input paths", req.Operation)
	}

	var (
		plan Plan
		err  error
	)
	switch req.Operation {
	case OpSpeed:
		plan, err = synthesizeSpeed(req)
	case OpCompress:
		plan, err = synthesizeCompress(req)
	case OpExtractAudio:
		plan, err = synthesizeExtractAudio(req)
	case OpRemoveAudio:
		plan, err = synthesizeRemoveAudio(req)
	case OpConvert:
		plan, err = synthesizeConvert(req)
	case OpThumbnail:
		plan, err = synthesizeThumbnail(req)
	case OpTrim:
		plan, err = synthesizeTrim(req)
	case OpConcat:
		plan, err = synthesizeConcat(req)
	case OpGif:
		plan, err = synthesizeGif(req)
	case OpFilter:
		plan, err = synthesizeFilter(req)
	case OpExtractSubtitles:
		plan, err = synthesizeExtractSubtitles(req)
	case OpBurnSubtitles:
		plan, err = synthesizeBurnSubtitles(req)
	default:
		return Plan{}, fmt.Errorf("unknown operation %q", req.Operation)
	}
	if err != nil {
		return Plan{}, err
	}

	args := []string{"-hide_banner", "-loglevel", "info", "-progress", "pipe:2", "-nostdin"}
	if req.ThreadHint > 0 {
		args = append(args, "-threads", strconv.Itoa(req.ThreadHint))
	}
	args = append(args, plan.Args...)
	args = append(args, "-y", plan.OutputName)
	plan.Args = args
	return plan, nil
}

func synthesizeSpeed(req Request) (Plan, error) {
	o, err := optionsAs[*SpeedOptions](req)
	if err != nil {
		return Plan{}, err
	}
	args := []string{"-i", req.InputPaths[0]}
	args = append(args, "-filter:v", "setpts="+formatFloat(1/o.SpeedFactor)+"*PTS")
	if req.HasAudio {
		args = append(args, "-filter:a", strings.Join(atempoChain(o.SpeedFactor, o.MaintainPitch), ","))
		args = append(args, "-c:v", "libx264", "-c:a", "aac")
	} else {
		args = append(args, "-c:v", "libx264", "-an")
	}
	return Plan{Args: args, OutputName: "output.mp4"}, nil
}

// atempoChain builds the audio tempo filter list for factor. A single atempo
// stage only preserves pitch within [0.5, 2.0], so pitch preserving requests
// chain doubling or halving stages until the residual fits.
func atempoChain(factor float64, maintainPitch bool) []string {
	if !maintainPitch {
		return []string{"atempo=" + formatFloat(factor)}
	}
	var chain []string
	for factor > 2.0 {
		chain = append(chain, "atempo=2.0")
		factor /= 2
	}
	for factor < 0.5 {
		chain = append(chain, "atempo=0.5")
		factor *= 2
	}
	return append(chain, "atempo="+formatFloat(factor))
}

type compressTier struct {
	crf          int
	audioBitrate int
}

var compressTiers = map[CompressionPreset]compressTier{
	PresetLow:    {crf: 32, audioBitrate: 96},
	PresetMedium: {crf: 28, audioBitrate: 128},
	PresetHigh:   {crf: 23, audioBitrate: 192},
	PresetCustom: {crf: 23, audioBitrate: 128},
}

func synthesizeCompress(req Request) (Plan, error) {
	o, err := optionsAs[*CompressOptions](req)
	if err != nil {
		return Plan{}, err
	}
	tier := compressTiers[o.Preset]
	crf := tier.crf
	if o.CRF != nil {
		crf = *o.CRF
	}
	audioBitrate := tier.audioBitrate
	if o.AudioBitrateKbps > 0 {
		audioBitrate = o.AudioBitrateKbps
	}

	args := []string{
		"-i", req.InputPaths[0],
		"-c:v", "libx264",
		"-crf", strconv.Itoa(crf),
		"-preset", "medium",
	}
	if o.VideoBitrateKbps > 0 {
		args = append(args, "-b:v", strconv.Itoa(o.VideoBitrateKbps)+"k")
	}
	if o.MaxWidth > 0 || o.MaxHeight > 0 {
		args = append(args, "-vf", scaleFilter(o.MaxWidth, o.MaxHeight))
	}
	args = append(args, "-c:a", "aac", "-b:a", strconv.Itoa(audioBitrate)+"k")

	format := o.TargetFormat
	if format == "" {
		format = "mp4"
	} else {
		args = append(args, "-f", muxerFor(format))
	}
	return Plan{Args: args, OutputName: "output." + format}, nil
}

// scaleFilter builds a scale filter that keeps the aspect ratio. With both
// bounds set it shrinks to fit and never upscales.
func scaleFilter(width, height int) string {
	switch {
	case width > 0 && height > 0:
		return fmt.Sprintf("scale='min(%d,iw)':'min(%d,ih)':force_original_aspect_ratio=decrease", width, height)
	case width > 0:
		return fmt.Sprintf("scale=%d:-1", width)
	case height > 0:
		return fmt.Sprintf("scale=-1:%d", height)
	}
	return "scale=iw:ih"
}

// muxerFor maps a container extension to the ffmpeg muxer name where the two
// differ.
func muxerFor(format string) string {
	switch format {
	case "mkv":
		return "matroska"
	case "m4a":
		return "ipod"
	case "ts":
		return "mpegts"
	case "ogv":
		return "ogg"
	}
	return format
}

func synthesizeExtractAudio(req Request) (Plan, error) {
	o, err := optionsAs[*ExtractAudioOptions](req)
	if err != nil {
		return Plan{}, err
	}
	codec := audioCodecByFormat[o.Format]
	args := []string{"-i", req.InputPaths[0], "-vn", "-c:a", codec}
	if o.BitrateKbps > 0 && codec != "pcm_s16le" && codec != "flac" {
		args = append(args, "-b:a", strconv.Itoa(o.BitrateKbps)+"k")
	}
	if o.SampleRate > 0 {
		args = append(args, "-ar", strconv.Itoa(o.SampleRate))
	}
	return Plan{Args: args, OutputName: "output." + o.Format}, nil
}

func synthesizeRemoveAudio(req Request) (Plan, error) {
	o, err := optionsAs[*RemoveAudioOptions](req)
	if err != nil {
		return Plan{}, err
	}
	args := []string{"-i", req.InputPaths[0], "-an"}
	if o.KeepVideoQuality {
		args = append(args, "-c:v", "copy")
	} else {
		args = append(args, "-c:v", "libx264", "-crf", "23", "-preset", "medium")
	}
	return Plan{Args: args, OutputName: "output" + inputExt(req, 0)}, nil
}

func synthesizeConvert(req Request) (Plan, error) {
	o, err := optionsAs[*ConvertOptions](req)
	if err != nil {
		return Plan{}, err
	}
	args := []string{"-i", req.InputPaths[0]}
	if o.StreamCopy {
		args = append(args, "-c", "copy")
	} else {
		if o.VideoCodec != "" {
			args = append(args, "-c:v", o.VideoCodec)
		}
		if o.AudioCodec != "" {
			args = append(args, "-c:a", o.AudioCodec)
		}
	}
	args = append(args, "-f", muxerFor(o.TargetFormat))
	return Plan{Args: args, OutputName: "output." + o.TargetFormat}, nil
}

func synthesizeThumbnail(req Request) (Plan, error) {
	o, err := optionsAs[*ThumbnailOptions](req)
	if err != nil {
		return Plan{}, err
	}
	ext := o.Format
	if ext == "jpeg" {
		ext = "jpg"
	}

	if o.Timestamp != nil {
		seek := *o.Timestamp
		if req.DurationHint > 0 && seek >= req.DurationHint {
			seek = req.DurationHint - 0.1
			if seek < 0 {
				seek = 0
			}
		}
		args := []string{"-ss", formatFloat(seek), "-i", req.InputPaths[0]}
		if o.Width > 0 || o.Height > 0 {
			args = append(args, "-vf", scaleFilter(o.Width, o.Height))
		}
		args = append(args, "-frames:v", "1")
		return Plan{Args: args, OutputName: "thumbnail." + ext}, nil
	}

	count := *o.Count
	args := []string{"-i", req.InputPaths[0]}
	var filter string
	if req.DurationHint > 0 {
		// Evenly spaced samples across the whole input.
		filter = "fps=" + formatFloat(float64(count)/req.DurationHint)
	} else {
		// Unknown duration: fall back to every 100th frame and stop once
		// we have enough.
		filter = `select='not(mod(n\,100))'`
	}
	if o.Width > 0 || o.Height > 0 {
		filter += "," + scaleFilter(o.Width, o.Height)
	}
	args = append(args, "-vf", filter, "-vsync", "vfr", "-frames:v", strconv.Itoa(count))
	return Plan{Args: args, OutputName: "thumb_%03d." + ext, MultiOutput: true}, nil
}

func synthesizeTrim(req Request) (Plan, error) {
	o, err := optionsAs[*TrimOptions](req)
	if err != nil {
		return Plan{}, err
	}
	args := []string{
		"-ss", formatFloat(o.StartTime),
		"-i", req.InputPaths[0],
		"-t", formatFloat(o.EndTime - o.StartTime),
		"-c", "copy",
	}
	return Plan{Args: args, OutputName: "output" + inputExt(req, 0)}, nil
}

func synthesizeConcat(req Request) (Plan, error) {
	if _, err := optionsAs[*ConcatOptions](req); err != nil {
		return Plan{}, err
	}

	if req.Homogeneous {
		if req.ConcatListPath == "" {
			return Plan{}, fmt.Errorf("concat: missing list file for stream-copy path")
		}
		args := []string{"-f", "concat", "-safe", "0", "-i", req.ConcatListPath, "-c", "copy"}
		return Plan{Args: args, OutputName: "output.mp4"}, nil
	}

	var args []string
	for _, in := range req.InputPaths {
		args = append(args, "-i", in)
	}
	n := len(req.InputPaths)
	var graph strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&graph, "[%d:v]", i)
		if req.HasAudio {
			fmt.Fprintf(&graph, "[%d:a]", i)
		}
	}
	if req.HasAudio {
		fmt.Fprintf(&graph, "concat=n=%d:v=1:a=1[outv][outa]", n)
		args = append(args, "-filter_complex", graph.String(), "-map", "[outv]", "-map", "[outa]")
	} else {
		fmt.Fprintf(&graph, "concat=n=%d:v=1:a=0[outv]", n)
		args = append(args, "-filter_complex", graph.String(), "-map", "[outv]")
	}
	return Plan{Args: args, OutputName: "output.mp4"}, nil
}

// ConcatListContent renders the concat demuxer list file for paths. Single
// quotes are escaped the way the demuxer expects.
func ConcatListContent(paths []string) string {
	var sb strings.Builder
	for _, p := range paths {
		fmt.Fprintf(&sb, "file '%s'\n", strings.ReplaceAll(p, "'", `'\''`))
	}
	return sb.String()
}

func synthesizeGif(req Request) (Plan, error) {
	o, err := optionsAs[*GifOptions](req)
	if err != nil {
		return Plan{}, err
	}
	filter := fmt.Sprintf("fps=%d", o.FPS)
	if o.Width > 0 {
		filter += fmt.Sprintf(",scale=%d:-1:flags=lanczos", o.Width)
	}
	args := []string{"-ss", formatFloat(o.StartTime), "-t", formatFloat(o.Duration), "-i", req.InputPaths[0]}
	if o.Optimize {
		// Single pass palette generation for markedly smaller files.
		graph := fmt.Sprintf("[0:v] %s,split [a][b];[a] palettegen [p];[b][p] paletteuse", filter)
		args = append(args, "-filter_complex", graph)
	} else {
		args = append(args, "-vf", filter)
	}
	return Plan{Args: args, OutputName: "output.gif"}, nil
}

func synthesizeFilter(req Request) (Plan, error) {
	o, err := optionsAs[*FilterOptions](req)
	if err != nil {
		return Plan{}, err
	}
	var video []string
	var audio []string
	normalize := false
	for _, f := range o.Filters {
		switch f.Type {
		case "scale":
			w, h := -1, -1
			if f.Width != nil {
				w = *f.Width
			}
			if f.Height != nil {
				h = *f.Height
			}
			video = append(video, fmt.Sprintf("scale=%d:%d", w, h))
		case "crop":
			video = append(video, fmt.Sprintf("crop=%d:%d:%d:%d", *f.Width, *f.Height, f.X, f.Y))
		case "rotate":
			// PI is evaluated by ffmpeg's expression parser.
			video = append(video, fmt.Sprintf("rotate=%s*PI/180", formatFloat(f.Angle)))
		case "fps":
			fps := 30
			if f.FPS != nil {
				fps = *f.FPS
			}
			video = append(video, fmt.Sprintf("fps=%d", fps))
		case "volume":
			volume := 1.0
			if f.Volume != nil {
				volume = *f.Volume
			}
			audio = append(audio, "volume="+formatFloat(volume))
		case "normalize":
			normalize = true
		}
	}
	if normalize {
		// Loudness normalization supersedes manual volume adjustments.
		audio = []string{"loudnorm"}
	}

	args := []string{"-i", req.InputPaths[0]}
	if len(video) > 0 {
		args = append(args, "-vf", strings.Join(video, ","))
	}
	if len(audio) > 0 && req.HasAudio {
		args = append(args, "-af", strings.Join(audio, ","))
	}
	return Plan{Args: args, OutputName: "output.mp4"}, nil
}

var subtitleCodecByFormat = map[string]string{
	"srt": "srt",
	"vtt": "webvtt",
}

func synthesizeExtractSubtitles(req Request) (Plan, error) {
	o, err := optionsAs[*SubtitleOptions](req)
	if err != nil {
		return Plan{}, err
	}
	args := []string{
		"-i", req.InputPaths[0],
		"-map", fmt.Sprintf("0:s:%d", o.SubtitleIndex),
		"-c:s", subtitleCodecByFormat[o.Format],
	}
	return Plan{Args: args, OutputName: "subtitles." + o.Format}, nil
}

func synthesizeBurnSubtitles(req Request) (Plan, error) {
	o, err := optionsAs[*SubtitleOptions](req)
	if err != nil {
		return Plan{}, err
	}
	args := []string{
		"-i", req.InputPaths[0],
		"-vf", fmt.Sprintf("subtitles=%s:si=%d", req.InputPaths[0], o.SubtitleIndex),
		"-c:a", "copy",
	}
	return Plan{Args: args, OutputName: "output.mp4"}, nil
}

func optionsAs[T Options](req Request) (T, error) {
	o, ok := req.Options.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("operation %s: options have unexpected type %T", req.Operation, req.Options)
	}
	return o, nil
}

func inputExt(req Request, i int) string {
	return filepath.Ext(req.InputPaths[i])
}

// formatFloat renders a float for ffmpeg option values: plain decimal
// notation, shortest round-trip digits, and a trailing .0 on integral values
// so argv stays stable across numeric types.
func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
