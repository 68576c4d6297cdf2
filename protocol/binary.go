package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/mediaforge/forge-api/errors"
	"github.com/mediaforge/forge-api/media"
)

// Binary frame layout, both directions:
//
//	u32 big-endian header length || header JSON (UTF-8) || payload bytes
//
// Inbound frames carry upload payloads for a queued job; outbound frames
// deliver the finished artifact.

// maxHeaderLen bounds the JSON header so a corrupt length prefix cannot make
// us buffer garbage as a header.
const maxHeaderLen = 1024

// BinaryHeader is the JSON header of a binary frame. Metadata is only set on
// outbound artifact frames.
type BinaryHeader struct {
	JobID    string          `json:"job_id"`
	Filename string          `json:"filename"`
	Metadata *media.Metadata `json:"metadata,omitempty"`
}

// DecodeBinaryFrame splits an inbound binary frame into its header and
// payload. The payload aliases data rather than copying it. Failures carry
// INVALID_BINARY: the frame never made it far enough to route.
func DecodeBinaryFrame(data []byte) (BinaryHeader, []byte, *errors.JobError) {
	if len(data) < 4 {
		return BinaryHeader{}, nil, errors.New(errors.CodeInvalidBinary, "binary frame too short")
	}
	headerLen := binary.BigEndian.Uint32(data[:4])
	if headerLen > maxHeaderLen {
		return BinaryHeader{}, nil, errors.New(errors.CodeInvalidBinary,
			fmt.Sprintf("binary frame header is %d bytes, cap is %d", headerLen, maxHeaderLen))
	}
	if int64(len(data)-4) < int64(headerLen) {
		return BinaryHeader{}, nil, errors.New(errors.CodeInvalidBinary, "binary frame shorter than its header length")
	}

	var header BinaryHeader
	if err := json.Unmarshal(data[4:4+headerLen], &header); err != nil {
		return BinaryHeader{}, nil, errors.Wrap(errors.CodeInvalidBinary, "binary frame header is not valid JSON", err)
	}
	if header.JobID == "" {
		return BinaryHeader{}, nil, errors.New(errors.CodeInvalidBinary, "binary frame header is missing job_id")
	}
	return header, data[4+headerLen:], nil
}

// EncodeBinaryHeader renders the length-prefixed header that opens a binary
// frame. Senders write the payload bytes right after it, which spares large
// artifacts a second copy.
func EncodeBinaryHeader(header BinaryHeader) ([]byte, error) {
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("error marshalling binary frame header: %w", err)
	}
	if len(headerJSON) > maxHeaderLen {
		return nil, fmt.Errorf("binary frame header is %d bytes, cap is %d", len(headerJSON), maxHeaderLen)
	}
	prefix := binary.BigEndian.AppendUint32(make([]byte, 0, 4+len(headerJSON)), uint32(len(headerJSON)))
	return append(prefix, headerJSON...), nil
}

// EncodeBinaryFrame renders a whole frame in one buffer.
func EncodeBinaryFrame(header BinaryHeader, payload []byte) ([]byte, error) {
	frame, err := EncodeBinaryHeader(header)
	if err != nil {
		return nil, err
	}
	return append(frame, payload...), nil
}
