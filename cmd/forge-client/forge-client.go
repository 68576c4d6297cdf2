package main

import (
	"encoding/json"
	"flag"
	"fmt"
	stdlog "log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mediaforge/forge-api/protocol"
)

// forge-client drives a single job against a running forge-api node from the
// command line: submit, watch progress, save the artifact. Handy for poking
// at a node without writing a WebSocket client.
func main() {
	addr := flag.String("addr", "ws://127.0.0.1:8080/ws", "WebSocket address of a forge-api node")
	operation := flag.String("operation", "", "Operation to run, e.g. compress or extract_audio")
	input := flag.String("input", "", "Local file to upload, or an http(s) URL for the node to download")
	options := flag.String("options", "", "Operation options as a JSON object")
	output := flag.String("output", "", "Where to save the artifact (defaults to the delivered filename)")
	timeout := flag.Duration("timeout", 10*time.Minute, "How long to wait for the job to finish")
	flag.Parse()

	if *operation == "" || *input == "" {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*addr, *operation, *input, *options, *output, *timeout); err != nil {
		stdlog.Fatal(err)
	}
}

func run(addr, operation, input, options, output string, timeout time.Duration) error {
	conn, resp, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()

	jobID := uuid.New().String()
	isURL := strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://")

	start := protocol.StartJob{
		Type:      protocol.TypeStartJob,
		JobID:     jobID,
		Operation: operation,
	}
	if isURL {
		start.Input = protocol.Input{Source: "url", URL: input}
	} else {
		start.Input = protocol.Input{Source: "upload", Filename: filepath.Base(input)}
	}
	if options != "" {
		if err := json.Unmarshal([]byte(options), &start.Options); err != nil {
			return fmt.Errorf("-options is not a JSON object: %w", err)
		}
	}

	if err := conn.WriteJSON(start); err != nil {
		return fmt.Errorf("failed to send the job: %w", err)
	}
	if !isURL {
		if err := sendUpload(conn, jobID, input); err != nil {
			return err
		}
	}
	stdlog.Println("Submitted job", jobID)

	return waitForArtifact(conn, jobID, output, timeout)
}

func sendUpload(conn *websocket.Conn, jobID, path string) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	frame, err := protocol.EncodeBinaryFrame(protocol.BinaryHeader{
		JobID:    jobID,
		Filename: filepath.Base(path),
	}, payload)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("failed to upload %s: %w", path, err)
	}
	return nil
}

func waitForArtifact(conn *websocket.Conn, jobID, output string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return err
		}
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("connection failed while waiting for the job: %w", err)
		}

		if msgType == websocket.BinaryMessage {
			return saveArtifact(data, jobID, output)
		}

		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &probe); err != nil {
			return fmt.Errorf("server sent invalid JSON: %w", err)
		}
		switch probe.Type {
		case protocol.TypeAck:
			stdlog.Println("Job accepted")
		case protocol.TypeProgress:
			var progress protocol.Progress
			if err := json.Unmarshal(data, &progress); err != nil {
				return err
			}
			stdlog.Printf("%5.1f%%  %s", progress.Percentage, progress.Stage)
		case protocol.TypeCompleted:
			var completed protocol.Completed
			if err := json.Unmarshal(data, &completed); err != nil {
				return err
			}
			stdlog.Printf("Job finished: %s, %d bytes", completed.OutputMetadata.Format, completed.OutputMetadata.SizeBytes)
		case protocol.TypeError:
			var jobErr protocol.Error
			if err := json.Unmarshal(data, &jobErr); err != nil {
				return err
			}
			return fmt.Errorf("job failed with %s: %s", jobErr.Code, jobErr.Message)
		}
	}
}

func saveArtifact(frame []byte, jobID, output string) error {
	header, payload, jobErr := protocol.DecodeBinaryFrame(frame)
	if jobErr != nil {
		return fmt.Errorf("could not parse the artifact frame: %w", jobErr)
	}
	if header.JobID != jobID {
		return fmt.Errorf("artifact frame was for job %s, expected %s", header.JobID, jobID)
	}
	if output == "" {
		output = header.Filename
	}
	if err := os.WriteFile(output, payload, 0644); err != nil {
		return fmt.Errorf("failed to save the artifact: %w", err)
	}
	stdlog.Println("Saved", output)
	return nil
}
