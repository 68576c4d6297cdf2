package media

import (
	"fmt"
	"regexp"

	"github.com/mitchellh/mapstructure"

	"github.com/mediaforge/forge-api/errors"
)

// Options is implemented by every operation's option record. Records are
// decoded from the start_job envelope's options object and validated before a
// job is accepted.
type Options interface {
	validate() error
}

type CompressionPreset string

const (
	PresetLow    CompressionPreset = "low"
	PresetMedium CompressionPreset = "medium"
	PresetHigh   CompressionPreset = "high"
	PresetCustom CompressionPreset = "custom"
)

var audioCodecByFormat = map[string]string{
	"mp3":  "libmp3lame",
	"aac":  "aac",
	"wav":  "pcm_s16le",
	"opus": "libopus",
	"m4a":  "aac",
	"flac": "flac",
	"ogg":  "libvorbis",
}

var recognizedSampleRates = map[int]bool{
	8000: true, 16000: true, 22050: true, 44100: true, 48000: true, 96000: true,
}

// Container and codec names end up in argv and in output file names, so they
// are restricted to short lowercase tokens.
var formatTokenRE = regexp.MustCompile(`^[a-z0-9]{1,8}$`)

type SpeedOptions struct {
	SpeedFactor   float64 `json:"speed_factor" mapstructure:"speed_factor"`
	MaintainPitch bool    `json:"maintain_pitch" mapstructure:"maintain_pitch"`
}

func (o *SpeedOptions) validate() error {
	if o.SpeedFactor < 0.25 || o.SpeedFactor > 10.0 {
		return errors.Validation("speed_factor must be between 0.25 and 10.0")
	}
	return nil
}

type CompressOptions struct {
	Preset           CompressionPreset `json:"preset" mapstructure:"preset"`
	VideoBitrateKbps int               `json:"video_bitrate_kbps,omitempty" mapstructure:"video_bitrate_kbps"`
	AudioBitrateKbps int               `json:"audio_bitrate_kbps,omitempty" mapstructure:"audio_bitrate_kbps"`
	CRF              *int              `json:"crf,omitempty" mapstructure:"crf"`
	MaxWidth         int               `json:"max_width,omitempty" mapstructure:"max_width"`
	MaxHeight        int               `json:"max_height,omitempty" mapstructure:"max_height"`
	TargetFormat     string            `json:"target_format,omitempty" mapstructure:"target_format"`
}

func (o *CompressOptions) validate() error {
	switch o.Preset {
	case PresetLow, PresetMedium, PresetHigh, PresetCustom:
	default:
		return errors.Validation(fmt.Sprintf("unknown compression preset %q", o.Preset))
	}
	if o.CRF != nil && (*o.CRF < 0 || *o.CRF > 51) {
		return errors.Validation("crf must be between 0 and 51")
	}
	if o.VideoBitrateKbps < 0 || o.AudioBitrateKbps < 0 {
		return errors.Validation("bitrates must be positive")
	}
	if o.MaxWidth < 0 || o.MaxHeight < 0 {
		return errors.Validation("max_width and max_height must be positive")
	}
	if o.TargetFormat != "" && !formatTokenRE.MatchString(o.TargetFormat) {
		return errors.Validation(fmt.Sprintf("invalid target_format %q", o.TargetFormat))
	}
	return nil
}

type ExtractAudioOptions struct {
	Format      string `json:"format" mapstructure:"format"`
	BitrateKbps int    `json:"bitrate_kbps,omitempty" mapstructure:"bitrate_kbps"`
	SampleRate  int    `json:"sample_rate,omitempty" mapstructure:"sample_rate"`
}

func (o *ExtractAudioOptions) validate() error {
	if _, ok := audioCodecByFormat[o.Format]; !ok {
		return errors.Validation(fmt.Sprintf("unsupported audio format %q", o.Format))
	}
	if o.BitrateKbps < 0 {
		return errors.Validation("bitrate_kbps must be positive")
	}
	if o.SampleRate != 0 && !recognizedSampleRates[o.SampleRate] {
		return errors.Validation(fmt.Sprintf("unsupported sample rate %d", o.SampleRate))
	}
	return nil
}

type RemoveAudioOptions struct {
	KeepVideoQuality bool `json:"keep_video_quality" mapstructure:"keep_video_quality"`
}

func (o *RemoveAudioOptions) validate() error {
	return nil
}

type ConvertOptions struct {
	TargetFormat string `json:"target_format" mapstructure:"target_format"`
	StreamCopy   bool   `json:"stream_copy" mapstructure:"stream_copy"`
	VideoCodec   string `json:"video_codec,omitempty" mapstructure:"video_codec"`
	AudioCodec   string `json:"audio_codec,omitempty" mapstructure:"audio_codec"`
}

func (o *ConvertOptions) validate() error {
	if !formatTokenRE.MatchString(o.TargetFormat) {
		return errors.Validation(fmt.Sprintf("invalid target_format %q", o.TargetFormat))
	}
	for _, codec := range []string{o.VideoCodec, o.AudioCodec} {
		if codec != "" && !regexp.MustCompile(`^[a-z0-9_]{1,16}$`).MatchString(codec) {
			return errors.Validation(fmt.Sprintf("invalid codec %q", codec))
		}
	}
	return nil
}

type ThumbnailOptions struct {
	Timestamp *float64 `json:"timestamp,omitempty" mapstructure:"timestamp"`
	Count     *int     `json:"count,omitempty" mapstructure:"count"`
	Format    string   `json:"format" mapstructure:"format"`
	Width     int      `json:"width,omitempty" mapstructure:"width"`
	Height    int      `json:"height,omitempty" mapstructure:"height"`
}

func (o *ThumbnailOptions) validate() error {
	if (o.Timestamp == nil) == (o.Count == nil) {
		return errors.Validation("specify either timestamp or count, not both")
	}
	if o.Timestamp != nil && *o.Timestamp < 0 {
		return errors.Validation("timestamp must not be negative")
	}
	if o.Count != nil && (*o.Count < 1 || *o.Count > 20) {
		return errors.Validation("count must be between 1 and 20")
	}
	switch o.Format {
	case "png", "jpeg", "jpg":
	default:
		return errors.Validation(fmt.Sprintf("unsupported image format %q", o.Format))
	}
	if o.Width < 0 || o.Height < 0 {
		return errors.Validation("width and height must be positive")
	}
	return nil
}

type TrimOptions struct {
	StartTime float64 `json:"start_time" mapstructure:"start_time"`
	EndTime   float64 `json:"end_time" mapstructure:"end_time"`
}

func (o *TrimOptions) validate() error {
	if o.StartTime < 0 {
		return errors.Validation("start_time must not be negative")
	}
	if o.EndTime <= o.StartTime {
		return errors.Validation("end_time must be greater than start_time")
	}
	return nil
}

type ConcatOptions struct {
	FileCount int `json:"file_count" mapstructure:"file_count"`
}

func (o *ConcatOptions) validate() error {
	if o.FileCount < 2 || o.FileCount > 50 {
		return errors.Validation("file_count must be between 2 and 50")
	}
	return nil
}

type GifOptions struct {
	StartTime float64 `json:"start_time" mapstructure:"start_time"`
	Duration  float64 `json:"duration" mapstructure:"duration"`
	FPS       int     `json:"fps" mapstructure:"fps"`
	Width     int     `json:"width,omitempty" mapstructure:"width"`
	Optimize  bool    `json:"optimize" mapstructure:"optimize"`
}

func (o *GifOptions) validate() error {
	if o.StartTime < 0 {
		return errors.Validation("start_time must not be negative")
	}
	if o.Duration <= 0 || o.Duration > 30 {
		return errors.Validation("duration must be between 0 and 30 seconds")
	}
	if o.FPS < 1 || o.FPS > 30 {
		return errors.Validation("fps must be between 1 and 30")
	}
	if o.Width < 0 {
		return errors.Validation("width must be positive")
	}
	return nil
}

// FilterSpec is one entry in a filter chain. Pointer fields distinguish
// "absent" from an explicit zero so per-filter defaults apply correctly.
type FilterSpec struct {
	Type   string   `json:"type" mapstructure:"type"`
	Width  *int     `json:"width,omitempty" mapstructure:"width"`
	Height *int     `json:"height,omitempty" mapstructure:"height"`
	X      int      `json:"x,omitempty" mapstructure:"x"`
	Y      int      `json:"y,omitempty" mapstructure:"y"`
	Angle  float64  `json:"angle,omitempty" mapstructure:"angle"`
	FPS    *int     `json:"fps,omitempty" mapstructure:"fps"`
	Volume *float64 `json:"volume,omitempty" mapstructure:"volume"`
}

type FilterOptions struct {
	Filters []FilterSpec `json:"filters" mapstructure:"filters"`
}

func (o *FilterOptions) validate() error {
	if len(o.Filters) == 0 {
		return errors.Validation("filters must contain at least one entry")
	}
	for i, f := range o.Filters {
		switch f.Type {
		case "scale":
			if f.Width != nil && (*f.Width == 0 || *f.Width < -1) ||
				f.Height != nil && (*f.Height == 0 || *f.Height < -1) {
				return errors.Validation(fmt.Sprintf("filter %d: scale dimensions must be positive or -1", i))
			}
		case "crop":
			if f.Width == nil || f.Height == nil {
				return errors.Validation(fmt.Sprintf("filter %d: crop requires width and height", i))
			}
			if *f.Width < 1 || *f.Height < 1 || f.X < 0 || f.Y < 0 {
				return errors.Validation(fmt.Sprintf("filter %d: invalid crop geometry", i))
			}
		case "rotate":
		case "fps":
			if f.FPS != nil && (*f.FPS < 1 || *f.FPS > 120) {
				return errors.Validation(fmt.Sprintf("filter %d: fps must be between 1 and 120", i))
			}
		case "volume":
			if f.Volume != nil && *f.Volume < 0 {
				return errors.Validation(fmt.Sprintf("filter %d: volume must not be negative", i))
			}
		case "normalize":
		default:
			return errors.Validation(fmt.Sprintf("filter %d: unknown filter type %q", i, f.Type))
		}
	}
	return nil
}

type SubtitleOptions struct {
	SubtitleIndex int    `json:"subtitle_index" mapstructure:"subtitle_index"`
	Format        string `json:"format" mapstructure:"format"`
}

func (o *SubtitleOptions) validate() error {
	if o.SubtitleIndex < 0 {
		return errors.Validation("subtitle_index must not be negative")
	}
	switch o.Format {
	case "srt", "vtt":
	default:
		return errors.Validation(fmt.Sprintf("unsupported subtitle format %q", o.Format))
	}
	return nil
}

// DecodeOptions decodes the raw options object for op into its typed record,
// applying defaults for absent fields and rejecting unknown ones.
func DecodeOptions(op Operation, raw map[string]interface{}) (Options, error) {
	var opts Options
	switch op {
	case OpSpeed:
		opts = &SpeedOptions{}
	case OpCompress:
		opts = &CompressOptions{Preset: PresetMedium}
	case OpExtractAudio:
		opts = &ExtractAudioOptions{Format: "mp3"}
	case OpRemoveAudio:
		opts = &RemoveAudioOptions{KeepVideoQuality: true}
	case OpConvert:
		opts = &ConvertOptions{StreamCopy: true}
	case OpThumbnail:
		opts = &ThumbnailOptions{Format: "png"}
	case OpTrim:
		opts = &TrimOptions{}
	case OpConcat:
		opts = &ConcatOptions{}
	case OpGif:
		opts = &GifOptions{FPS: 10, Optimize: true}
	case OpFilter:
		opts = &FilterOptions{}
	case OpExtractSubtitles, OpBurnSubtitles:
		opts = &SubtitleOptions{Format: "srt"}
	default:
		return nil, errors.Validation(fmt.Sprintf("unknown operation %q", op))
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      opts,
		ErrorUnused: true,
	})
	if err != nil {
		return nil, fmt.Errorf("building options decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return nil, errors.Wrap(errors.CodeValidationError, "options do not match operation schema", err)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return opts, nil
}
