package protocol

import (
	"encoding/json"

	"github.com/xeipuuv/gojsonschema"

	"github.com/mediaforge/forge-api/errors"
	"github.com/mediaforge/forge-api/media"
)

// Text frame types. Inbound and outbound sets are disjoint; the type field is
// the only discriminator on the wire.
const (
	TypeStartJob  = "start_job"
	TypeCancelJob = "cancel_job"
	TypePing      = "ping"

	TypeAck       = "ack"
	TypeProgress  = "progress"
	TypeCompleted = "completed"
	TypeError     = "error"
	TypePong      = "pong"
)

// Input describes where a job's bytes come from: a binary upload frame on the
// same connection, or an HTTP(S) URL the server downloads.
type Input struct {
	Source   string `json:"source"`
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// StartJob asks the server to run one operation. Options are operation
// specific and stay raw here; media.DecodeOptions turns them into a typed
// record.
type StartJob struct {
	Type      string                 `json:"type"`
	JobID     string                 `json:"job_id"`
	Operation string                 `json:"operation"`
	Input     Input                  `json:"input"`
	Options   map[string]interface{} `json:"options,omitempty"`
}

type CancelJob struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

type Ping struct {
	Type string `json:"type"`
}

type Ack struct {
	Type    string `json:"type"`
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

type Progress struct {
	Type          string  `json:"type"`
	JobID         string  `json:"job_id"`
	Percentage    float64 `json:"percentage"`
	Stage         string  `json:"stage"`
	ProcessingLog string  `json:"processing_log,omitempty"`
}

type Completed struct {
	Type           string         `json:"type"`
	JobID          string         `json:"job_id"`
	OutputMetadata media.Metadata `json:"output_metadata"`
	DeliveryMethod string         `json:"delivery_method"`
	Message        string         `json:"message"`
}

type Error struct {
	Type    string      `json:"type"`
	JobID   string      `json:"job_id,omitempty"`
	Code    errors.Code `json:"code"`
	Message string      `json:"message"`
	Details string      `json:"details,omitempty"`
}

type Pong struct {
	Type string `json:"type"`
}

func NewAck(jobID, message string) Ack {
	return Ack{Type: TypeAck, JobID: jobID, Message: message}
}

func NewProgress(jobID string, percentage float64, stage, processingLog string) Progress {
	return Progress{Type: TypeProgress, JobID: jobID, Percentage: percentage, Stage: stage, ProcessingLog: processingLog}
}

func NewCompleted(jobID string, meta media.Metadata) Completed {
	return Completed{
		Type:           TypeCompleted,
		JobID:          jobID,
		OutputMetadata: meta,
		DeliveryMethod: "binary",
		Message:        "Job completed successfully",
	}
}

// NewError renders a JobError as an error envelope. jobID may be empty when
// the failure is not attributable to a job.
func NewError(jobID string, jobErr *errors.JobError) Error {
	return Error{
		Type:    TypeError,
		JobID:   jobID,
		Code:    jobErr.Code,
		Message: jobErr.Message,
		Details: jobErr.Detail(),
	}
}

func NewPong() Pong {
	return Pong{Type: TypePong}
}

// DecodeInbound parses one inbound text frame into its typed envelope. The
// returned JobError carries INVALID_JSON, UNKNOWN_MESSAGE_TYPE or
// VALIDATION_ERROR; the caller reports it and keeps the connection open.
func DecodeInbound(data []byte) (interface{}, *errors.JobError) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, errors.InvalidJSON(err)
	}

	schema, ok := inboundSchemas[probe.Type]
	if !ok {
		return nil, errors.UnknownMessageType(probe.Type)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, errors.InvalidJSON(err)
	}
	if !result.Valid() {
		return nil, errors.BadSchema(probe.Type, result.Errors())
	}

	switch probe.Type {
	case TypeStartJob:
		var msg StartJob
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, errors.InvalidJSON(err)
		}
		return msg, nil
	case TypeCancelJob:
		var msg CancelJob
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, errors.InvalidJSON(err)
		}
		return msg, nil
	case TypePing:
		return Ping{Type: TypePing}, nil
	}
	return nil, errors.UnknownMessageType(probe.Type)
}
