package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/mediaforge/forge-api/errors"
	"github.com/mediaforge/forge-api/media"
	"github.com/mediaforge/forge-api/stager"
)

// Status is a job's position in its lifecycle.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusProcessing  Status = "processing"
	StatusUploading   Status = "uploading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var statusRank = map[Status]int{
	StatusQueued:      0,
	StatusDownloading: 1,
	StatusProcessing:  2,
	StatusUploading:   3,
	StatusCompleted:   4,
	StatusFailed:      4,
	StatusCancelled:   4,
}

// Artifact is a finished job's output, still on disk inside the work
// directory when the completion callback runs.
type Artifact struct {
	// Path is the absolute location of the output file.
	Path string
	// Filename is the name offered to the client in the delivery header.
	Filename string
	// Metadata describes the output, probed best-effort.
	Metadata media.Metadata
}

// EventSink receives job lifecycle events. The coordinator calls it from
// worker goroutines; implementations serialize their own writes. Exactly one
// of JobCompleted or JobFailed is delivered per job.
type EventSink interface {
	JobProgress(job *Job, percent float64, stage string, processingLog string)
	JobCompleted(job *Job, artifact Artifact)
	JobFailed(job *Job, jobErr *errors.JobError)
}

// Job is one unit of work: an operation applied to one input, producing one
// artifact delivered back on the owning session.
type Job struct {
	ID        string
	SessionID string
	Operation media.Operation
	Options   media.Options
	Input     stager.Request
	CreatedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	status     Status
	progress   float64
	startedAt  time.Time
	finishedAt time.Time
	workDir    string

	uploads chan stager.Upload
	sink    EventSink
}

// NewJob builds a queued job. Upload-sourced jobs get a rendezvous channel
// sized to the expected upload count so binary frames never block the
// session reader.
func NewJob(sessionID, id string, op media.Operation, options media.Options, input stager.Request) *Job {
	ctx, cancel := context.WithCancel(context.Background())
	input.JobID = id
	var uploads chan stager.Upload
	if input.Source == stager.SourceUpload {
		slots := input.FileCount
		if slots < 1 {
			slots = 1
		}
		uploads = make(chan stager.Upload, slots)
		input.Uploads = uploads
	}
	return &Job{
		ID:        id,
		SessionID: sessionID,
		Operation: op,
		Options:   options,
		Input:     input,
		CreatedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		status:    StatusQueued,
		uploads:   uploads,
	}
}

// Key is the registry key. Job IDs are client-chosen and only unique per
// session, so the session ID disambiguates.
func (j *Job) Key() string {
	return JobKey(j.SessionID, j.ID)
}

func JobKey(sessionID, jobID string) string {
	return sessionID + "/" + jobID
}

// Context ends when the job is cancelled or reaches a terminal state.
func (j *Job) Context() context.Context {
	return j.ctx
}

// Cancel fires the job's one-shot cancel signal. Idempotent.
func (j *Job) Cancel() {
	j.cancel()
}

func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Progress returns the highest percentage reported so far.
func (j *Job) Progress() float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progress
}

// FinishedAt is zero until the job reaches a terminal state.
func (j *Job) FinishedAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.finishedAt
}

// WorkDir is empty until a worker claims the job and stages its inputs.
func (j *Job) WorkDir() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.workDir
}

func (j *Job) setWorkDir(dir string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.workDir = dir
}

// runDuration is the time the job spent on a worker, zero when it never
// left the queue.
func (j *Job) runDuration() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.startedAt.IsZero() || j.finishedAt.IsZero() {
		return 0
	}
	return j.finishedAt.Sub(j.startedAt)
}

// transition advances the status, refusing backwards moves and anything
// after a terminal state. The first terminal transition wins: callers emit
// the terminal event only when transition returns true.
func (j *Job) transition(next Status) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return false
	}
	if statusRank[next] <= statusRank[j.status] {
		return false
	}
	j.status = next
	switch {
	case next == StatusDownloading:
		j.startedAt = time.Now()
	case next.Terminal():
		j.finishedAt = time.Now()
		j.cancel()
	}
	return true
}

// claim moves a queued job onto a worker. A false return means the job was
// cancelled while still queued and must be skipped.
func (j *Job) claim() bool {
	return j.transition(StatusDownloading)
}

// cancelIfQueued force-finishes a job no worker holds yet. Claimed jobs are
// left to their worker, which observes the cancelled context and reports the
// terminal state itself.
func (j *Job) cancelIfQueued() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != StatusQueued {
		return false
	}
	j.status = StatusCancelled
	j.finishedAt = time.Now()
	j.cancel()
	return true
}

// advanceProgress folds a new percentage into the job, never letting the
// reported value regress.
func (j *Job) advanceProgress(percent float64) float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	if percent > j.progress {
		j.progress = percent
	}
	return j.progress
}

// OfferUpload routes a binary payload to the job's staging rendezvous.
func (j *Job) OfferUpload(upload stager.Upload) error {
	if j.Input.Source != stager.SourceUpload {
		return errors.New(errors.CodeBinaryError, "job does not take uploads")
	}
	if s := j.Status(); s != StatusQueued && s != StatusDownloading {
		return errors.New(errors.CodeBinaryError, "job is not expecting an upload")
	}
	select {
	case j.uploads <- upload:
		return nil
	default:
		return errors.New(errors.CodeBinaryError, "job already received its uploads")
	}
}
