package errors

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Code identifies a failure class surfaced to clients in error envelopes.
type Code string

const (
	CodeInvalidJSON        Code = "INVALID_JSON"
	CodeValidationError    Code = "VALIDATION_ERROR"
	CodeUnknownMessageType Code = "UNKNOWN_MESSAGE_TYPE"
	CodeSubmitFailed       Code = "SUBMIT_FAILED"
	CodeJobFailed          Code = "JOB_FAILED"
	CodeJobCancelled       Code = "JOB_CANCELLED"
	CodeCancelFailed       Code = "CANCEL_FAILED"
	CodeInvalidBinary      Code = "INVALID_BINARY"
	CodeBinaryError        Code = "BINARY_ERROR"
	CodeOutputSendFailed   Code = "OUTPUT_SEND_FAILED"
	CodeInternalError      Code = "INTERNAL_ERROR"
)

// JobError pairs a client-safe message with a taxonomy code. The wrapped
// error is surfaced in the envelope's details field; full context goes to the
// logs at the site that created it.
type JobError struct {
	Code    Code
	Message string
	Err     error
}

func (e *JobError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// Detail is the optional details string for the error envelope.
func (e *JobError) Detail() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func New(code Code, msg string) *JobError {
	return &JobError{Code: code, Message: msg}
}

func Wrap(code Code, msg string, err error) *JobError {
	return &JobError{Code: code, Message: msg, Err: err}
}

func InvalidJSON(err error) *JobError {
	return Wrap(CodeInvalidJSON, "message is not valid JSON", err)
}

func UnknownMessageType(msgType string) *JobError {
	return New(CodeUnknownMessageType, fmt.Sprintf("unknown message type %q", msgType))
}

func Validation(msg string) *JobError {
	return New(CodeValidationError, msg)
}

// BadSchema flattens schema validation failures into a single validation
// error message.
func BadSchema(where string, result []gojsonschema.ResultError) *JobError {
	sb := strings.Builder{}
	sb.WriteString("validation error in ")
	sb.WriteString(where)
	for i := 0; i < len(result); i++ {
		sb.WriteString(": ")
		sb.WriteString(result[i].String())
	}
	return New(CodeValidationError, sb.String())
}

// AsJobError classifies err, falling back to INTERNAL_ERROR with a generic
// client-safe message for anything that is not already a JobError.
func AsJobError(err error) *JobError {
	var jobErr *JobError
	if stderrors.As(err, &jobErr) {
		return jobErr
	}
	return Wrap(CodeInternalError, "internal error", err)
}
