package pipeline

import (
	"archive/zip"
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mediaforge/forge-api/cache"
	"github.com/mediaforge/forge-api/config"
	"github.com/mediaforge/forge-api/errors"
	"github.com/mediaforge/forge-api/log"
	"github.com/mediaforge/forge-api/media"
	"github.com/mediaforge/forge-api/metrics"
	"github.com/mediaforge/forge-api/stager"
	"github.com/mediaforge/forge-api/subprocess"
)

// Progress checkpoints. Staging fills 0-5, ffmpeg's own progress is scaled
// into 10-90, and the fixed points in between mark the stage handoffs.
const (
	progressStaged      = 5
	progressPreparing   = 10
	progressFinalizing  = 95
	ffmpegProgressScale = 0.8
)

// Coordinator owns the job registry and the worker pool that drains the
// queue. One instance serves every session on the node.
type Coordinator struct {
	cli    *config.Cli
	queue  JobQueue
	runner subprocess.Runner
	prober media.Prober
	stager *stager.Stager

	jobs *cache.Cache[*Job]

	MetricsDB *sql.DB
}

func NewCoordinator(cli *config.Cli, queue JobQueue, runner subprocess.Runner, prober media.Prober, metricsDB *sql.DB) *Coordinator {
	return &Coordinator{
		cli:       cli,
		queue:     queue,
		runner:    runner,
		prober:    prober,
		stager:    stager.New(),
		jobs:      cache.New[*Job](),
		MetricsDB: metricsDB,
	}
}

// NewStubCoordinator wires a coordinator around an in-memory queue for
// tests. Nil runner or prober fall back to the real implementations.
func NewStubCoordinator(cli *config.Cli, runner subprocess.Runner, prober media.Prober) *Coordinator {
	if runner == nil {
		runner = subprocess.NewRunner()
	}
	if prober == nil {
		prober = media.Probe{}
	}
	return NewCoordinator(cli, NewMemoryQueue(cli.QueueCapacity), runner, prober, nil)
}

// Start runs the worker pool and the cleanup sweeper until ctx ends.
func (c *Coordinator) Start(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cli.Workers; i++ {
		worker := i
		group.Go(func() error {
			return c.runWorker(ctx, worker)
		})
	}
	group.Go(func() error {
		return c.runSweeper(ctx)
	})
	return group.Wait()
}

// Submit registers the job and queues it for a worker. The sink receives
// every event the job produces from here on.
func (c *Coordinator) Submit(job *Job, sink EventSink) error {
	job.sink = sink
	if !c.jobs.StoreIfAbsent(job.Key(), job) {
		return errors.New(errors.CodeSubmitFailed, fmt.Sprintf("a job with id %q already exists", job.ID))
	}
	if err := c.queue.Enqueue(job.Context(), job.SessionID, job.ID); err != nil {
		c.jobs.Remove(job.Key())
		if stderrors.Is(err, ErrQueueFull) {
			return errors.New(errors.CodeSubmitFailed, "job queue is full")
		}
		return errors.Wrap(errors.CodeSubmitFailed, "queueing job failed", err)
	}
	log.AddContext(job.ID, "session_id", job.SessionID, "operation", job.Operation)
	log.Log(job.ID, "job submitted", "source", job.Input.Source)
	metrics.Metrics.JobsSubmittedCount.Inc()
	return nil
}

// Cancel requests cancellation of a job the session owns. Queued jobs finish
// immediately; running jobs stop once their worker observes the cancelled
// context and report the terminal state themselves.
func (c *Coordinator) Cancel(sessionID, jobID string) error {
	job := c.jobs.Get(JobKey(sessionID, jobID))
	if job == nil {
		return errors.New(errors.CodeCancelFailed, fmt.Sprintf("no job with id %q", jobID))
	}
	if job.Status().Terminal() {
		return errors.New(errors.CodeCancelFailed, fmt.Sprintf("job %q already finished", jobID))
	}
	c.cancelJob(job)
	return nil
}

// CancelSession cancels every live job the session owns. Called on
// disconnect; events for already-queued jobs go to the (dead) sink, which
// drops them.
func (c *Coordinator) CancelSession(sessionID string) {
	prefix := sessionID + "/"
	c.jobs.Range(func(key string, job *Job) {
		if !strings.HasPrefix(key, prefix) || job.Status().Terminal() {
			return
		}
		c.cancelJob(job)
	})
}

func (c *Coordinator) cancelJob(job *Job) {
	if job.cancelIfQueued() {
		log.Log(job.ID, "cancelled queued job")
		if job.sink != nil {
			job.sink.JobFailed(job, errors.New(errors.CodeJobCancelled, "job cancelled"))
		}
		c.recordResult(job, "cancelled", Artifact{}, nil)
		return
	}
	job.Cancel()
	log.Log(job.ID, "cancellation requested")
}

// OfferUpload routes a binary upload payload to the job expecting it. The
// job validates its own source, state and free slots.
func (c *Coordinator) OfferUpload(sessionID, jobID string, upload stager.Upload) error {
	job := c.jobs.Get(JobKey(sessionID, jobID))
	if job == nil {
		return errors.New(errors.CodeBinaryError, fmt.Sprintf("no job with id %q is waiting for uploads", jobID))
	}
	return job.OfferUpload(upload)
}

// Stats summarizes the registry for the health endpoint.
type Stats struct {
	TotalJobs     int `json:"total_jobs"`
	ActiveJobs    int `json:"active_jobs"`
	QueuedJobs    int `json:"queued_jobs"`
	MaxConcurrent int `json:"max_concurrent"`
}

func (c *Coordinator) Stats() Stats {
	stats := Stats{MaxConcurrent: c.cli.Workers}
	c.jobs.Range(func(_ string, job *Job) {
		stats.TotalJobs++
		switch status := job.Status(); {
		case status == StatusQueued:
			stats.QueuedJobs++
		case !status.Terminal():
			stats.ActiveJobs++
		}
	})
	return stats
}

func (c *Coordinator) runWorker(ctx context.Context, worker int) error {
	log.LogNoRequestID("job worker started", "worker", worker)
	for {
		key, err := c.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("worker %d: %w", worker, err)
		}
		job := c.jobs.Get(key)
		if job == nil {
			// Cancelled and swept, or queued by another instance.
			log.LogNoRequestID("skipping queue entry for unknown job", "key", key)
			continue
		}
		c.processJob(job)
	}
}

func (c *Coordinator) processJob(job *Job) {
	if !job.claim() {
		// Cancelled while queued; the cancel path already reported it.
		log.Log(job.ID, "skipping cancelled job")
		return
	}
	metrics.Metrics.JobsInFlight.Inc()
	defer metrics.Metrics.JobsInFlight.Dec()

	artifact, err := recovered(func() (Artifact, error) {
		return c.runJob(job)
	})
	c.finishJob(job, artifact, err)
}

// runJob takes a claimed job through staging, ffmpeg, and artifact export.
// The work directory is released on every exit path; the returned artifact
// lives outside it and is removed after delivery.
func (c *Coordinator) runJob(job *Job) (Artifact, error) {
	workDir, err := os.MkdirTemp(c.cli.WorkRoot, "job-")
	if err != nil {
		return Artifact{}, errors.Wrap(errors.CodeJobFailed, "creating work directory failed", err)
	}
	job.setWorkDir(workDir)
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			log.LogError(job.ID, "removing work directory failed", err)
		}
	}()

	ctx := job.Context()
	inputs, err := c.stager.Stage(ctx, job.Input, workDir, c.cli.MaxFileSizeBytes(), func(fraction float64) {
		c.reportProgress(job, fraction*progressStaged, "downloading", "")
	})
	if err != nil {
		return Artifact{}, err
	}
	c.reportProgress(job, progressStaged, "downloading", "")

	job.transition(StatusProcessing)
	c.reportProgress(job, progressPreparing, "preparing", "")

	hints, err := c.probeInputs(ctx, job, workDir, inputs)
	if err != nil {
		return Artifact{}, err
	}
	if job.Operation == media.OpExtractAudio && hints.probed && !hints.hasAudio {
		return Artifact{}, errors.New(errors.CodeJobFailed,
			"input does not contain an audio stream, audio extraction is not possible for video-only files")
	}

	concatList := ""
	if job.Operation == media.OpConcat && hints.homogeneous {
		concatList = "concat.txt"
		content := media.ConcatListContent(inputs)
		if err := os.WriteFile(filepath.Join(workDir, concatList), []byte(content), 0644); err != nil {
			return Artifact{}, errors.Wrap(errors.CodeJobFailed, "writing concat list failed", err)
		}
	}

	plan, err := media.Synthesize(media.Request{
		Operation:      job.Operation,
		Options:        job.Options,
		InputPaths:     inputs,
		ConcatListPath: concatList,
		ThreadHint:     c.cli.FFmpegThreads,
		DurationHint:   hints.duration,
		HasAudio:       hints.hasAudio,
		Homogeneous:    hints.homogeneous,
	})
	if err != nil {
		return Artifact{}, err
	}

	result := c.runner.Run(ctx, subprocess.Spec{
		RequestID:        job.ID,
		Path:             c.cli.FFmpegPath,
		Args:             plan.Args,
		Dir:              workDir,
		Timeout:          c.cli.JobTimeout,
		TerminationGrace: c.cli.TerminationGrace,
		DurationHint:     hints.duration,
	}, func(percent float64, logLine string) {
		c.reportProgress(job, progressPreparing+percent*ffmpegProgressScale, "processing", logLine)
	})
	switch result.Reason {
	case subprocess.ReasonOK:
	case subprocess.ReasonCancelled:
		return Artifact{}, context.Canceled
	case subprocess.ReasonTimeout:
		return Artifact{}, errors.New(errors.CodeJobFailed,
			fmt.Sprintf("ffmpeg timed out after %s", c.cli.JobTimeout))
	case subprocess.ReasonSpawnFailed:
		return Artifact{}, errors.Wrap(errors.CodeJobFailed, "ffmpeg could not be started",
			stderrors.New(result.StderrTail))
	default:
		return Artifact{}, errors.Wrap(errors.CodeJobFailed,
			fmt.Sprintf("ffmpeg failed with code %d", result.ExitCode),
			stderrors.New(result.StderrTail))
	}

	job.transition(StatusUploading)
	c.reportProgress(job, progressFinalizing, "finalizing", "")

	return c.exportArtifact(job, workDir, plan)
}

// inputHints summarizes the staged inputs for command synthesis.
type inputHints struct {
	// probed is true when every input yielded full metadata.
	probed bool
	// duration is the total duration of the inputs in seconds.
	duration float64
	// hasAudio is true when every input has an audio stream.
	hasAudio bool
	// homogeneous is true when all inputs share codecs and dimensions, which
	// lets concatenation stream-copy instead of re-encoding.
	homogeneous bool
}

// probeInputs ffprobes the staged inputs concurrently. Probe failures
// degrade the hints instead of failing the job: a file ffprobe cannot read
// may still be something ffmpeg can process.
func (c *Coordinator) probeInputs(ctx context.Context, job *Job, workDir string, inputs []string) (inputHints, error) {
	metas := make([]media.Metadata, len(inputs))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, name := range inputs {
		i, name := i, name
		group.Go(func() error {
			meta, err := c.prober.Probe(groupCtx, filepath.Join(workDir, name))
			if err != nil {
				log.LogError(job.ID, "probing input failed", err, "input", name)
			}
			metas[i] = meta
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return inputHints{}, err
	}
	if err := ctx.Err(); err != nil {
		return inputHints{}, err
	}

	hints := inputHints{probed: true, hasAudio: true, homogeneous: true}
	first := metas[0]
	for _, meta := range metas {
		hints.duration += meta.DurationSeconds
		if !meta.Probed() {
			hints.probed = false
			hints.homogeneous = false
		}
		if !meta.HasAudio() {
			hints.hasAudio = false
		}
		if meta.VideoCodec != first.VideoCodec || meta.AudioCodec != first.AudioCodec ||
			meta.Width != first.Width || meta.Height != first.Height {
			hints.homogeneous = false
		}
	}
	log.Log(job.ID, "probed inputs", "count", len(inputs), "duration", hints.duration,
		"has_audio", hints.hasAudio, "homogeneous", hints.homogeneous)
	return hints, nil
}

// exportArtifact moves the finished output out of the work directory so the
// directory can be released before delivery. Multi-file outputs are bundled
// into a single zip.
func (c *Coordinator) exportArtifact(job *Job, workDir string, plan media.Plan) (Artifact, error) {
	if plan.MultiOutput {
		return c.exportArchive(job, workDir, plan)
	}

	output := filepath.Join(workDir, plan.OutputName)
	meta, err := c.prober.Probe(job.Context(), output)
	if err != nil {
		log.LogError(job.ID, "probing output failed", err)
	}
	exported, err := exportFile(c.cli.WorkRoot, output)
	if err != nil {
		return Artifact{}, errors.Wrap(errors.CodeJobFailed, "exporting output failed", err)
	}
	return Artifact{Path: exported, Filename: plan.OutputName, Metadata: meta}, nil
}

func (c *Coordinator) exportArchive(job *Job, workDir string, plan media.Plan) (Artifact, error) {
	pattern := strings.Replace(plan.OutputName, "%03d", "*", 1)
	pages, err := filepath.Glob(filepath.Join(workDir, pattern))
	if err != nil {
		return Artifact{}, errors.Wrap(errors.CodeJobFailed, "listing output files failed", err)
	}
	if len(pages) == 0 {
		return Artifact{}, errors.New(errors.CodeJobFailed, "ffmpeg produced no output files")
	}

	archive, err := os.CreateTemp(c.cli.WorkRoot, "artifact-*.zip")
	if err != nil {
		return Artifact{}, errors.Wrap(errors.CodeJobFailed, "creating output archive failed", err)
	}
	if err := writeArchive(archive, pages); err != nil {
		archive.Close()
		os.Remove(archive.Name())
		return Artifact{}, errors.Wrap(errors.CodeJobFailed, "writing output archive failed", err)
	}

	meta := media.Metadata{Format: "zip"}
	if st, err := os.Stat(archive.Name()); err == nil {
		meta.SizeBytes = st.Size()
	}
	log.Log(job.ID, "archived output files", "count", len(pages), "size_bytes", meta.SizeBytes)
	return Artifact{Path: archive.Name(), Filename: "thumbnails.zip", Metadata: meta}, nil
}

// writeArchive zips paths into dest and closes it. Glob returns the pages in
// lexical order, which matches their numbering.
func writeArchive(dest *os.File, paths []string) error {
	zw := zip.NewWriter(dest)
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.Base(path))
		if err == nil {
			_, err = io.Copy(w, f)
		}
		f.Close()
		if err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return dest.Close()
}

// exportFile moves src into an adjacent temp file under workRoot, keeping
// its extension so the delivered filename stays meaningful.
func exportFile(workRoot, src string) (string, error) {
	out, err := os.CreateTemp(workRoot, "artifact-*"+filepath.Ext(src))
	if err != nil {
		return "", err
	}
	dest := out.Name()
	if err := out.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(src, dest); err != nil {
		os.Remove(dest)
		return "", err
	}
	return dest, nil
}

// finishJob reports the terminal state. The first terminal transition wins,
// so a job that was cancelled at the photo finish still completes.
func (c *Coordinator) finishJob(job *Job, artifact Artifact, err error) {
	switch {
	case err == nil:
		if job.transition(StatusCompleted) {
			percent := job.advanceProgress(100)
			if job.sink != nil {
				job.sink.JobProgress(job, percent, "completed", "")
				job.sink.JobCompleted(job, artifact)
			}
		}
		// Delivery is synchronous, so the artifact is ours to release.
		if artifact.Path != "" {
			if removeErr := os.Remove(artifact.Path); removeErr != nil {
				log.LogError(job.ID, "removing delivered artifact failed", removeErr)
			}
		}
		c.recordResult(job, "completed", artifact, nil)
	case isCancellation(job, err):
		if job.transition(StatusCancelled) && job.sink != nil {
			job.sink.JobFailed(job, errors.New(errors.CodeJobCancelled, "job cancelled"))
		}
		c.recordResult(job, "cancelled", Artifact{}, nil)
	default:
		jobErr := errors.AsJobError(err)
		log.LogError(job.ID, "job failed", jobErr)
		if job.transition(StatusFailed) && job.sink != nil {
			job.sink.JobFailed(job, jobErr)
		}
		c.recordResult(job, "failed", Artifact{}, jobErr)
	}
}

// isCancellation separates caller-requested stops from real failures. The
// runner's own timeout is not a cancellation: the job context stays live and
// the result must be a failure.
func isCancellation(job *Job, err error) bool {
	if stderrors.Is(err, context.Canceled) {
		return true
	}
	select {
	case <-job.Context().Done():
		return true
	default:
		return false
	}
}

func (c *Coordinator) recordResult(job *Job, outcome string, artifact Artifact, jobErr *errors.JobError) {
	duration := job.runDuration()
	log.Log(job.ID, "finished job", "operation", job.Operation, "outcome", outcome,
		"duration_ms", duration.Milliseconds())
	metrics.Metrics.JobResultsCount.WithLabelValues(string(job.Operation), outcome).Inc()
	metrics.Metrics.JobDurationSec.WithLabelValues(string(job.Operation), outcome).Observe(duration.Seconds())
	c.sendDBMetrics(job, outcome, artifact, jobErr)
}

// sendDBMetrics emits one high-cardinality row per finished job to Postgres
// when configured. Failures are logged and swallowed: metrics never fail a
// job that already finished.
func (c *Coordinator) sendDBMetrics(job *Job, outcome string, artifact Artifact, jobErr *errors.JobError) {
	if c.MetricsDB == nil {
		return
	}

	errorCode := ""
	if jobErr != nil {
		errorCode = string(jobErr.Code)
	}
	insertDynStmt := `insert into "job_completed"(
                            "finished_at",
                            "created_at",
                            "job_id",
                            "session_id",
                            "operation",
                            "input_source",
                            "outcome",
                            "error_code",
                            "job_duration",
                            "output_bytes",
                            "output_format"
                            ) values($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := c.MetricsDB.Exec(
		insertDynStmt,
		job.FinishedAt().Unix(),
		job.CreatedAt.Unix(),
		job.ID,
		job.SessionID,
		string(job.Operation),
		job.Input.Source,
		outcome,
		errorCode,
		job.runDuration().Milliseconds(),
		artifact.Metadata.SizeBytes,
		artifact.Metadata.Format,
	)
	if err != nil {
		log.LogError(job.ID, "error writing postgres metrics", err)
	}
}

// reportProgress folds percent into the job's monotone progress and emits
// one progress event. All events for a job come from its worker goroutine,
// except the terminal event of a cancel-while-queued, which happens before
// any worker touches the job.
func (c *Coordinator) reportProgress(job *Job, percent float64, stage, processingLog string) {
	current := job.advanceProgress(percent)
	if job.sink != nil {
		job.sink.JobProgress(job, current, stage, processingLog)
	}
}

func (c *Coordinator) runSweeper(ctx context.Context) error {
	ticker := time.NewTicker(c.cli.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.sweep(time.Now())
		}
	}
}

// sweep purges terminal jobs older than the retention period from the
// registry and removes stale work files. Directories of live jobs are
// skipped: their lifetime is bounded by the job timeout, not the retention
// age.
func (c *Coordinator) sweep(now time.Time) {
	cutoff := now.Add(-c.cli.JobRetention)

	live := map[string]bool{}
	c.jobs.Range(func(key string, job *Job) {
		if job.Status().Terminal() {
			if finished := job.FinishedAt(); !finished.IsZero() && finished.Before(cutoff) {
				c.jobs.Remove(key)
			}
			return
		}
		if dir := job.WorkDir(); dir != "" {
			live[filepath.Base(dir)] = true
		}
	})

	entries, err := os.ReadDir(c.cli.WorkRoot)
	if err != nil {
		log.LogNoRequestID("sweeper could not read work root", "err", err)
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "job-") && !strings.HasPrefix(name, "artifact-") {
			continue
		}
		if live[name] {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(c.cli.WorkRoot, name)); err != nil {
			log.LogNoRequestID("sweeper could not remove stale work files", "name", name, "err", err)
			continue
		}
		log.LogNoRequestID("sweeper removed stale work files", "name", name)
	}
}

func recovered[T any](f func() (T, error)) (t T, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.LogNoRequestID("panic in job worker, recovering", "err", rec)
			err = fmt.Errorf("panic in job worker: %v", rec)
		}
	}()
	return f()
}
