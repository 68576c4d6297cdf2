package steps

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	ffprobe "gopkg.in/vansante/go-ffprobe.v2"

	"github.com/gorilla/websocket"
)

// envelope is the loose shape of every text frame the server sends. Keeping
// it untyped here keeps the tests honest about what is actually on the wire.
type envelope map[string]interface{}

func (e envelope) str(key string) string {
	v, _ := e[key].(string)
	return v
}

func (e envelope) num(key string) float64 {
	v, _ := e[key].(float64)
	return v
}

func (s *StepContext) OpenSession() error {
	conn, resp, err := websocket.DefaultDialer.Dial(s.WSURL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", s.WSURL, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	s.conn = conn
	s.percents = nil
	return nil
}

func (s *StepContext) nextJobID() string {
	s.jobSeq++
	s.lastJobID = fmt.Sprintf("job-%d", s.jobSeq)
	return s.lastJobID
}

func (s *StepContext) startJob(operation, source, url string, options json.RawMessage) error {
	if s.conn == nil {
		return fmt.Errorf("no WebSocket session is open")
	}
	input := map[string]interface{}{"source": source}
	if source == "upload" {
		input["filename"] = "source.mp4"
	}
	if url != "" {
		input["url"] = url
	}
	msg := map[string]interface{}{
		"type":      "start_job",
		"job_id":    s.nextJobID(),
		"operation": operation,
		"input":     input,
	}
	if len(options) > 0 {
		var opts map[string]interface{}
		if err := json.Unmarshal(options, &opts); err != nil {
			return fmt.Errorf("bad options fixture: %w", err)
		}
		msg["options"] = opts
	}
	return s.conn.WriteJSON(msg)
}

// sendUploadPayload ships the source clip as a binary frame for the job that
// was just started. The frame is built by hand so the test exercises the wire
// format rather than the server's own encoder.
func (s *StepContext) sendUploadPayload() error {
	data, err := os.ReadFile(s.SourceClip)
	if err != nil {
		return fmt.Errorf("failed to read the source clip: %w", err)
	}
	header, err := json.Marshal(map[string]string{
		"job_id":   s.lastJobID,
		"filename": "source.mp4",
	})
	if err != nil {
		return err
	}
	frame := binary.BigEndian.AppendUint32(make([]byte, 0, 4+len(header)+len(data)), uint32(len(header)))
	frame = append(frame, header...)
	frame = append(frame, data...)
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (s *StepContext) StartUploadJob(operation string) error {
	if err := s.startJob(operation, "upload", "", nil); err != nil {
		return err
	}
	return s.sendUploadPayload()
}

func (s *StepContext) StartUploadJobWithoutPayload(operation string) error {
	return s.startJob(operation, "upload", "", nil)
}

// StartUploadJobWithOptions deliberately sends no payload: the scenarios that
// use it expect the job to be refused at validation, before any bytes are
// wanted.
func (s *StepContext) StartUploadJobWithOptions(operation, options string) error {
	return s.startJob(operation, "upload", "", json.RawMessage(options))
}

func (s *StepContext) StartURLJob(operation string) error {
	if s.fixtureURL == "" {
		return fmt.Errorf("no fixture file server is running")
	}
	return s.startJob(operation, "url", s.fixtureURL+"/source.mp4", nil)
}

func (s *StepContext) readEnvelope(timeout time.Duration) (envelope, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	msgType, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("failed to read a message: %w", err)
	}
	if msgType != websocket.TextMessage {
		return nil, fmt.Errorf("expected a text frame but got message type %d", msgType)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("server sent invalid JSON: %w", err)
	}
	return env, nil
}

func (s *StepContext) JobAcknowledged() error {
	env, err := s.readEnvelope(5 * time.Second)
	if err != nil {
		return err
	}
	if env.str("type") != "ack" {
		return fmt.Errorf("expected an ack but got %q: %v", env.str("type"), env)
	}
	if env.str("job_id") != s.lastJobID {
		return fmt.Errorf("ack was for job %q, expected %q", env.str("job_id"), s.lastJobID)
	}
	return nil
}

func (s *StepContext) JobCompletesWithin(secs int) error {
	deadline := time.Now().Add(time.Duration(secs) * time.Second)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("job %s did not complete within %d seconds", s.lastJobID, secs)
		}
		env, err := s.readEnvelope(remaining)
		if err != nil {
			return err
		}
		switch env.str("type") {
		case "ack":
			continue
		case "progress":
			s.percents = append(s.percents, env.num("percentage"))
		case "completed":
			if env.str("job_id") != s.lastJobID {
				return fmt.Errorf("completed envelope was for job %q, expected %q", env.str("job_id"), s.lastJobID)
			}
			return s.readArtifactFrame(time.Until(deadline))
		case "error":
			return fmt.Errorf("job %s failed with %s: %s", env.str("job_id"), env.str("code"), env.str("message"))
		default:
			return fmt.Errorf("unexpected message type %q: %v", env.str("type"), env)
		}
	}
}

// readArtifactFrame expects the binary artifact frame right after the
// completed envelope and saves its payload to a temp file for later checks.
func (s *StepContext) readArtifactFrame(timeout time.Duration) error {
	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	msgType, data, err := s.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read the artifact frame: %w", err)
	}
	if msgType != websocket.BinaryMessage {
		return fmt.Errorf("expected a binary frame after completion but got message type %d", msgType)
	}
	if len(data) < 4 {
		return fmt.Errorf("artifact frame is too short to hold a header")
	}
	headerLen := binary.BigEndian.Uint32(data[:4])
	if int(headerLen) > len(data)-4 {
		return fmt.Errorf("artifact frame header length %d overruns the frame", headerLen)
	}
	var header struct {
		JobID    string `json:"job_id"`
		Filename string `json:"filename"`
	}
	if err := json.Unmarshal(data[4:4+headerLen], &header); err != nil {
		return fmt.Errorf("artifact frame header is not valid JSON: %w", err)
	}
	if header.JobID != s.lastJobID {
		return fmt.Errorf("artifact frame was for job %q, expected %q", header.JobID, s.lastJobID)
	}

	out, err := os.CreateTemp("", "forge-artifact-*"+filepath.Ext(header.Filename))
	if err != nil {
		return err
	}
	if _, err := out.Write(data[4+headerLen:]); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	s.artifactPath = out.Name()
	s.artifactName = header.Filename
	return nil
}

func (s *StepContext) ArtifactIsValidMedia() error {
	if s.artifactPath == "" {
		return fmt.Errorf("no artifact was delivered")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	probe, err := ffprobe.ProbeURL(ctx, s.artifactPath)
	if err != nil {
		return fmt.Errorf("ffprobe rejected the artifact %s: %w", s.artifactName, err)
	}
	if probe.Format == nil || probe.Format.FormatName == "" {
		return fmt.Errorf("ffprobe found no container format in the artifact %s", s.artifactName)
	}
	return nil
}

func (s *StepContext) ProgressWasMonotone() error {
	if len(s.percents) == 0 {
		return fmt.Errorf("no progress updates were received")
	}
	for i := 1; i < len(s.percents); i++ {
		if s.percents[i] < s.percents[i-1] {
			return fmt.Errorf("progress went backwards: %.1f after %.1f", s.percents[i], s.percents[i-1])
		}
	}
	if last := s.percents[len(s.percents)-1]; last != 100 {
		return fmt.Errorf("final progress update was %.1f, expected 100", last)
	}
	return nil
}

func (s *StepContext) CancelJob(jobID string) error {
	if s.conn == nil {
		return fmt.Errorf("no WebSocket session is open")
	}
	return s.conn.WriteJSON(map[string]string{"type": "cancel_job", "job_id": jobID})
}

func (s *StepContext) CancelLastJob() error {
	return s.CancelJob(s.lastJobID)
}

func (s *StepContext) SendRawMessage(raw string) error {
	if s.conn == nil {
		return fmt.Errorf("no WebSocket session is open")
	}
	return s.conn.WriteMessage(websocket.TextMessage, []byte(raw))
}

func (s *StepContext) SendPing() error {
	if s.conn == nil {
		return fmt.Errorf("no WebSocket session is open")
	}
	return s.conn.WriteJSON(map[string]string{"type": "ping"})
}

func (s *StepContext) ReceivePongWithin(secs int) error {
	env, err := s.readEnvelope(time.Duration(secs) * time.Second)
	if err != nil {
		return err
	}
	if env.str("type") != "pong" {
		return fmt.Errorf("expected a pong but got %q: %v", env.str("type"), env)
	}
	return nil
}

// ReceiveErrorWithin waits for an error envelope with the given code, skipping
// acks and progress updates from jobs that are still winding down.
func (s *StepContext) ReceiveErrorWithin(code string, secs int) error {
	deadline := time.Now().Add(time.Duration(secs) * time.Second)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("no %s error arrived within %d seconds", code, secs)
		}
		env, err := s.readEnvelope(remaining)
		if err != nil {
			return err
		}
		switch env.str("type") {
		case "ack", "progress":
			continue
		case "error":
			if got := env.str("code"); got != code {
				return fmt.Errorf("expected error code %s but got %s: %s", code, got, env.str("message"))
			}
			return nil
		default:
			return fmt.Errorf("expected an error but got %q: %v", env.str("type"), env)
		}
	}
}
