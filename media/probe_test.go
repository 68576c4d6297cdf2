package media

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseFps(t *testing.T) {
	tests := []struct {
		framerate string
		want      float64
		wantErr   bool
	}{
		{framerate: "30/1", want: 30},
		{framerate: "30000/1001", want: 29.97002997002997},
		{framerate: "25", want: 25},
		{framerate: "", want: 0},
		{framerate: "0/0", want: 0},
		{framerate: "x/2", wantErr: true},
		{framerate: "2/x", wantErr: true},
		{framerate: "nope", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.framerate, func(t *testing.T) {
			got, err := parseFps(tt.framerate)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.InDelta(t, tt.want, got, 0.0001)
		})
	}
}

func TestFirstFormatName(t *testing.T) {
	require := require.New(t)
	require.Equal("mov", firstFormatName("mov,mp4,m4a,3gp,3g2,mj2"))
	require.Equal("matroska", firstFormatName("matroska,webm"))
	require.Equal("mp3", firstFormatName("mp3"))
	require.Equal("", firstFormatName(""))
}

func TestMetadataFlags(t *testing.T) {
	require := require.New(t)
	require.False(Metadata{SizeBytes: 10}.Probed())
	require.True(Metadata{Format: "mp4"}.Probed())
	require.False(Metadata{Format: "mp4"}.HasAudio())
	require.True(Metadata{Format: "mp4", AudioCodec: "aac"}.HasAudio())
}
