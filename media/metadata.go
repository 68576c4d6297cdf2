package media

// Metadata describes a media file. It doubles as the output_metadata object
// in completed envelopes, so the JSON field names are part of the wire
// protocol. SizeBytes is always populated; everything else is best effort
// from the prober.
type Metadata struct {
	Format          string  `json:"format,omitempty"`
	DurationSeconds float64 `json:"duration,omitempty"`
	SizeBytes       int64   `json:"size_bytes"`
	VideoCodec      string  `json:"video_codec,omitempty"`
	AudioCodec      string  `json:"audio_codec,omitempty"`
	Width           int     `json:"width,omitempty"`
	Height          int     `json:"height,omitempty"`
	Bitrate         int64   `json:"bitrate,omitempty"`
	FPS             float64 `json:"fps,omitempty"`
}

// Probed reports whether the prober managed to read the file at all. A
// size-only record means it did not.
func (m Metadata) Probed() bool {
	return m.Format != ""
}

// HasAudio reports whether an audio stream was detected. Only meaningful when
// the probe succeeded.
func (m Metadata) HasAudio() bool {
	return m.AudioCodec != ""
}
