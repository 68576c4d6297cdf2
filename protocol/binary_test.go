package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mediaforge/forge-api/errors"
	"github.com/mediaforge/forge-api/media"
)

func TestBinaryFrameRoundTrip(t *testing.T) {
	require := require.New(t)

	payload := []byte("not actually an mp4")
	frame, err := EncodeBinaryFrame(BinaryHeader{JobID: "job-1", Filename: "out.mp4"}, payload)
	require.NoError(err)

	header, got, jobErr := DecodeBinaryFrame(frame)
	require.Nil(jobErr)
	require.Equal("job-1", header.JobID)
	require.Equal("out.mp4", header.Filename)
	require.Equal(payload, got)
}

func TestBinaryFrameCarriesMetadata(t *testing.T) {
	require := require.New(t)

	meta := &media.Metadata{Format: "mp4", SizeBytes: 42, DurationSeconds: 1.5}
	frame, err := EncodeBinaryFrame(BinaryHeader{JobID: "job-1", Filename: "out.mp4", Metadata: meta}, []byte{0xde, 0xad})
	require.NoError(err)

	header, _, jobErr := DecodeBinaryFrame(frame)
	require.Nil(jobErr)
	require.NotNil(header.Metadata)
	require.Equal("mp4", header.Metadata.Format)
	require.Equal(int64(42), header.Metadata.SizeBytes)
}

func TestDecodeBinaryFrameTooShort(t *testing.T) {
	for _, frame := range [][]byte{nil, {}, {0x00}, {0x00, 0x00, 0x01}} {
		_, _, jobErr := DecodeBinaryFrame(frame)
		require.NotNil(t, jobErr)
		require.Equal(t, errors.CodeInvalidBinary, jobErr.Code)
	}
}

func TestDecodeBinaryFrameHeaderTooLarge(t *testing.T) {
	require := require.New(t)

	// A syntactically valid header that blows past the cap.
	header, err := json.Marshal(BinaryHeader{JobID: "job-1", Filename: strings.Repeat("f", maxHeaderLen)})
	require.NoError(err)

	frame := binary.BigEndian.AppendUint32(nil, uint32(len(header)))
	frame = append(frame, header...)

	_, _, jobErr := DecodeBinaryFrame(frame)
	require.NotNil(jobErr)
	require.Equal(errors.CodeInvalidBinary, jobErr.Code)
	require.Contains(jobErr.Message, "header")
}

func TestDecodeBinaryFrameTruncatedHeader(t *testing.T) {
	require := require.New(t)

	// Declared header length runs past the end of the frame.
	frame := binary.BigEndian.AppendUint32(nil, 100)
	frame = append(frame, []byte(`{"job_id":"j"}`)...)

	_, _, jobErr := DecodeBinaryFrame(frame)
	require.NotNil(jobErr)
	require.Equal(errors.CodeInvalidBinary, jobErr.Code)
}

func TestDecodeBinaryFrameBadHeaderJSON(t *testing.T) {
	require := require.New(t)

	raw := []byte(`{"job_id":`)
	frame := binary.BigEndian.AppendUint32(nil, uint32(len(raw)))
	frame = append(frame, raw...)

	_, _, jobErr := DecodeBinaryFrame(frame)
	require.NotNil(jobErr)
	require.Equal(errors.CodeInvalidBinary, jobErr.Code)
}

func TestDecodeBinaryFrameMissingJobID(t *testing.T) {
	require := require.New(t)

	raw := []byte(`{"filename":"in.mp4"}`)
	frame := binary.BigEndian.AppendUint32(nil, uint32(len(raw)))
	frame = append(frame, raw...)

	_, _, jobErr := DecodeBinaryFrame(frame)
	require.NotNil(jobErr)
	require.Equal(errors.CodeInvalidBinary, jobErr.Code)
	require.Contains(jobErr.Message, "job_id")
}

func TestDecodeBinaryFrameEmptyPayload(t *testing.T) {
	require := require.New(t)

	frame, err := EncodeBinaryFrame(BinaryHeader{JobID: "job-1", Filename: "empty.bin"}, nil)
	require.NoError(err)

	header, payload, jobErr := DecodeBinaryFrame(frame)
	require.Nil(jobErr)
	require.Equal("job-1", header.JobID)
	require.Empty(payload)
}

func TestEncodeBinaryFrameLayout(t *testing.T) {
	require := require.New(t)

	payload := []byte{1, 2, 3}
	frame, err := EncodeBinaryFrame(BinaryHeader{JobID: "j", Filename: "f"}, payload)
	require.NoError(err)

	headerLen := binary.BigEndian.Uint32(frame[:4])
	require.Equal(len(frame), 4+int(headerLen)+len(payload))
	require.True(bytes.HasSuffix(frame, payload))

	var header BinaryHeader
	require.NoError(json.Unmarshal(frame[4:4+headerLen], &header))
	require.Equal("j", header.JobID)
}
