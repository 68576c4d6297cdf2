package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mediaforge/forge-api/config"
	"github.com/mediaforge/forge-api/errors"
	"github.com/mediaforge/forge-api/log"
	"github.com/mediaforge/forge-api/media"
	"github.com/mediaforge/forge-api/metrics"
	"github.com/mediaforge/forge-api/pipeline"
	"github.com/mediaforge/forge-api/protocol"
	"github.com/mediaforge/forge-api/stager"
)

// session owns one websocket connection. The read loop is the only reader;
// writes come from the read loop, from job workers via the EventSink methods
// and from the keepalive goroutine, so every write goes through writeMu.
type session struct {
	id     string
	cli    *config.Cli
	engine *pipeline.Coordinator
	conn   *websocket.Conn
	ctx    context.Context

	writeMu sync.Mutex
}

func newSession(cli *config.Cli, engine *pipeline.Coordinator, conn *websocket.Conn, id string) *session {
	return &session{
		id:     id,
		cli:    cli,
		engine: engine,
		conn:   conn,
		ctx:    log.WithLogValues(context.Background(), "session_id", id),
	}
}

// run reads frames until the connection dies, then cancels every job the
// session still owns. It does not wait for those jobs: their workers observe
// the cancelled contexts on their own time.
func (s *session) run() {
	metrics.Metrics.SessionsActive.Inc()
	defer metrics.Metrics.SessionsActive.Dec()
	defer s.engine.CancelSession(s.id)
	defer s.conn.Close()

	log.LogCtx(s.ctx, "session opened", "remote_addr", s.conn.RemoteAddr().String())

	// A peer that answers none of our pings within the grace window is gone.
	pongWait := s.cli.WSPingInterval + s.cli.WSPingTimeout
	s.conn.SetReadLimit(s.cli.MaxFrameBytes())
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go s.keepalive(done)

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.LogCtx(s.ctx, "session closed", "err", err)
			} else {
				log.LogCtx(s.ctx, "session closed")
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		switch msgType {
		case websocket.TextMessage:
			s.handleText(data)
		case websocket.BinaryMessage:
			s.handleBinary(data)
		}
	}
}

// keepalive pings the peer on a fixed cadence. Replies land in the pong
// handler, which pushes the read deadline out.
func (s *session) keepalive(done <-chan struct{}) {
	ticker := time.NewTicker(s.cli.WSPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.writeRaw(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *session) handleText(data []byte) {
	msg, jobErr := protocol.DecodeInbound(data)
	if jobErr != nil {
		metrics.Metrics.MessagesReceived.WithLabelValues("invalid").Inc()
		s.sendError("", jobErr)
		return
	}
	switch msg := msg.(type) {
	case protocol.StartJob:
		metrics.Metrics.MessagesReceived.WithLabelValues(protocol.TypeStartJob).Inc()
		s.handleStartJob(msg)
	case protocol.CancelJob:
		metrics.Metrics.MessagesReceived.WithLabelValues(protocol.TypeCancelJob).Inc()
		s.handleCancelJob(msg)
	case protocol.Ping:
		metrics.Metrics.MessagesReceived.WithLabelValues(protocol.TypePing).Inc()
		s.send(protocol.NewPong())
	}
}

// handleStartJob turns a validated start_job envelope into a queued job. The
// envelope schema has already checked shapes; option values and cross-field
// rules are checked here, with failures attributed to the job ID.
func (s *session) handleStartJob(msg protocol.StartJob) {
	op, ok := media.ParseOperation(msg.Operation)
	if !ok {
		s.sendError(msg.JobID, errors.Validation(fmt.Sprintf("unknown operation %q", msg.Operation)))
		return
	}
	options, err := media.DecodeOptions(op, msg.Options)
	if err != nil {
		s.sendError(msg.JobID, errors.AsJobError(err))
		return
	}
	if op.MultiInput() && msg.Input.Source != stager.SourceUpload {
		s.sendError(msg.JobID, errors.Validation("concat inputs must be uploaded as binary frames"))
		return
	}

	input := stager.Request{
		Source:     msg.Input.Source,
		URL:        msg.Input.URL,
		UploadWait: s.cli.UploadWait,
	}
	if concat, ok := options.(*media.ConcatOptions); ok {
		input.FileCount = concat.FileCount
	}

	job := pipeline.NewJob(s.id, msg.JobID, op, options, input)

	// Submit and ack under one lock hold: a worker can pick the job up
	// immediately, and its first progress frame must not beat the ack.
	s.writeMu.Lock()
	submitErr := s.engine.Submit(job, s)
	if submitErr == nil {
		if err := s.writeJSON(protocol.NewAck(msg.JobID, "Job accepted and queued")); err != nil {
			log.LogCtx(s.ctx, "writing ack failed", "err", err)
		}
	}
	s.writeMu.Unlock()
	if submitErr != nil {
		s.sendError(msg.JobID, errors.AsJobError(submitErr))
	}
}

// handleCancelJob asks the engine to cancel. On success the terminal
// JOB_CANCELLED envelope arrives through the sink like any other outcome;
// only refusals are answered here.
func (s *session) handleCancelJob(msg protocol.CancelJob) {
	if err := s.engine.Cancel(s.id, msg.JobID); err != nil {
		s.sendError(msg.JobID, errors.AsJobError(err))
	}
}

func (s *session) handleBinary(data []byte) {
	metrics.Metrics.MessagesReceived.WithLabelValues("binary").Inc()
	header, payload, jobErr := protocol.DecodeBinaryFrame(data)
	if jobErr != nil {
		s.sendError("", jobErr)
		return
	}
	upload := stager.Upload{Filename: header.Filename, Payload: payload}
	if err := s.engine.OfferUpload(s.id, header.JobID, upload); err != nil {
		s.sendError(header.JobID, errors.AsJobError(err))
		return
	}
	metrics.Metrics.UploadedInputBytes.Add(float64(len(payload)))
	log.LogCtx(s.ctx, "routed upload to job", "job_id", header.JobID, "filename", header.Filename, "bytes", len(payload))
}

// JobProgress implements pipeline.EventSink.
func (s *session) JobProgress(job *pipeline.Job, percent float64, stage, processingLog string) {
	s.send(protocol.NewProgress(job.ID, percent, stage, processingLog))
}

// JobCompleted implements pipeline.EventSink. The completed envelope and the
// artifact's binary frame go out back to back under one lock hold, so no
// other frame can slip between them.
func (s *session) JobCompleted(job *pipeline.Job, artifact pipeline.Artifact) {
	payload, err := os.ReadFile(artifact.Path)
	if err != nil {
		log.LogError(job.ID, "reading finished artifact failed", err)
		s.sendError(job.ID, errors.Wrap(errors.CodeOutputSendFailed, "output could not be read for delivery", err))
		return
	}
	meta := artifact.Metadata
	prefix, err := protocol.EncodeBinaryHeader(protocol.BinaryHeader{
		JobID:    job.ID,
		Filename: artifact.Filename,
		Metadata: &meta,
	})
	if err != nil {
		log.LogError(job.ID, "encoding artifact frame failed", err)
		s.sendError(job.ID, errors.Wrap(errors.CodeOutputSendFailed, "output frame could not be encoded", err))
		return
	}

	s.writeMu.Lock()
	err = s.writeJSON(protocol.NewCompleted(job.ID, artifact.Metadata))
	if err == nil {
		err = s.writeArtifact(prefix, payload)
	}
	s.writeMu.Unlock()
	if err != nil {
		log.LogError(job.ID, "delivering artifact failed", err)
		s.sendError(job.ID, errors.Wrap(errors.CodeOutputSendFailed, "output could not be delivered", err))
		return
	}
	metrics.Metrics.DeliveredArtifactBytes.Add(float64(len(payload)))
	log.Log(job.ID, "delivered artifact", "filename", artifact.Filename, "bytes", len(payload))
}

// JobFailed implements pipeline.EventSink.
func (s *session) JobFailed(job *pipeline.Job, jobErr *errors.JobError) {
	s.sendError(job.ID, jobErr)
}

func (s *session) send(envelope interface{}) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.writeJSON(envelope); err != nil {
		log.LogCtx(s.ctx, "writing envelope failed", "err", err)
	}
}

func (s *session) sendError(jobID string, jobErr *errors.JobError) {
	log.LogCtx(s.ctx, "sending error envelope", "job_id", jobID, "code", jobErr.Code, "message", jobErr.Message)
	s.send(protocol.NewError(jobID, jobErr))
}

// writeJSON and writeArtifact expect writeMu to be held.
func (s *session) writeJSON(envelope interface{}) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return s.writeRaw(websocket.TextMessage, data)
}

// writeArtifact streams the length-prefixed header and the payload into one
// binary frame without joining them in memory first.
func (s *session) writeArtifact(prefix, payload []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cli.WSWriteTimeout)); err != nil {
		return err
	}
	w, err := s.conn.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return err
	}
	if _, err := w.Write(prefix); err != nil {
		w.Close()
		return err
	}
	if _, err := w.Write(payload); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (s *session) writeRaw(messageType int, data []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cli.WSWriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(messageType, data)
}
