package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	_ "github.com/lib/pq"
	"github.com/peterbourgon/ff/v3"
	"golang.org/x/sync/errgroup"

	"github.com/mediaforge/forge-api/api"
	"github.com/mediaforge/forge-api/config"
	"github.com/mediaforge/forge-api/media"
	"github.com/mediaforge/forge-api/pipeline"
	"github.com/mediaforge/forge-api/pprof"
	"github.com/mediaforge/forge-api/subprocess"
)

func main() {
	err := flag.Set("logtostderr", "true")
	if err != nil {
		glog.Fatal(err)
	}
	vFlag := flag.Lookup("v")
	fs := flag.NewFlagSet("forge-api", flag.ExitOnError)
	cli := config.Cli{}

	version := fs.Bool("version", false, "print application version")

	// listen addresses
	config.AddrFlag(fs, &cli.WSAddr, "ws-addr", "0.0.0.0:8080", "Address to bind for the client-facing websocket and healthcheck endpoints")
	config.AddrFlag(fs, &cli.InternalAddr, "internal-addr", "127.0.0.1:8081", "Address to bind for internal privileged HTTP endpoints (health, metrics)")

	// job pipeline parameters
	fs.IntVar(&cli.Workers, "workers", 4, "Number of concurrent ffmpeg worker slots")
	fs.IntVar(&cli.QueueCapacity, "queue-capacity", 100, "Maximum number of jobs waiting for a worker before submissions are refused")
	fs.DurationVar(&cli.JobTimeout, "job-timeout", 600*time.Second, "Hard wall-clock limit for a single ffmpeg run")
	fs.DurationVar(&cli.TerminationGrace, "termination-grace", 5*time.Second, "How long a cancelled ffmpeg process gets between SIGTERM and SIGKILL")
	fs.StringVar(&cli.WorkRoot, "work-root", "/tmp/forge-jobs", "Directory that holds per-job scratch directories and exported artifacts")
	fs.IntVar(&cli.MaxFileSizeMB, "max-file-size-mb", 500, "Cap in MiB applied to every staged input, downloaded or uploaded")
	fs.DurationVar(&cli.CleanupInterval, "cleanup-interval", 60*time.Second, "How often the sweeper scans for stale work directories and purgeable jobs")
	fs.DurationVar(&cli.JobRetention, "job-retention", 5*time.Minute, "How long finished jobs stay queryable before the sweeper purges them")
	fs.DurationVar(&cli.UploadWait, "upload-wait", 60*time.Second, "How long a job waits for each expected binary upload frame")

	// ffmpeg parameters
	fs.StringVar(&cli.FFmpegPath, "ffmpeg-path", "ffmpeg", "Path to the ffmpeg binary")
	fs.StringVar(&cli.FFprobePath, "ffprobe-path", "ffprobe", "Path to the ffprobe binary")
	fs.IntVar(&cli.FFmpegThreads, "ffmpeg-threads", 0, "Value for ffmpeg's -threads flag; 0 lets ffmpeg decide")

	// websocket parameters
	fs.IntVar(&cli.WSMaxFrameMB, "ws-max-frame-mb", 500, "Cap in MiB on inbound websocket frames; connections exceeding it are closed")
	fs.DurationVar(&cli.WSPingInterval, "ws-ping-interval", 30*time.Second, "Interval between protocol-level pings to each session")
	fs.DurationVar(&cli.WSPingTimeout, "ws-ping-timeout", 10*time.Second, "Extra grace after a missed ping before the session is presumed dead")
	fs.DurationVar(&cli.WSWriteTimeout, "ws-write-timeout", 10*time.Second, "Per-message websocket write deadline")

	// external services
	fs.StringVar(&cli.AMQPURL, "amqp-url", "", "RabbitMQ url; when set the job queue is AMQP-backed instead of in-memory")
	fs.StringVar(&cli.MetricsDBConnectionString, "metrics-db-connection-string", "", "Connection string to use for the metrics Postgres DB. Takes the form: host=X port=X user=X password=X dbname=X")

	pprofPort := fs.Int("pprof-port", 6061, "Pprof listen port")

	// special parameters
	verbosity := fs.String("v", "", "Log verbosity.  {4|5|6}")
	_ = fs.String("config", "", "config file (optional)")

	err = ff.Parse(fs, os.Args[1:],
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithEnvVarPrefix("FORGE_API"),
	)
	if err != nil {
		glog.Fatalf("error parsing cli: %s", err)
	}
	if len(fs.Args()) > 0 {
		glog.Fatalf("unexpected extra arguments on command line: %v", fs.Args())
	}
	err = flag.CommandLine.Parse(nil)
	if err != nil {
		glog.Fatal(err)
	}

	if *version {
		fmt.Printf("forge-api version: %s\n", config.Version)
		return
	}

	go func() {
		log.Println(pprof.ListenAndServe(*pprofPort))
	}()

	if *verbosity != "" {
		err = vFlag.Value.Set(*verbosity)
		if err != nil {
			glog.Fatal(err)
		}
	}

	if err := os.MkdirAll(cli.WorkRoot, 0755); err != nil {
		glog.Fatalf("Error creating work root %s: %v", cli.WorkRoot, err)
	}

	var metricsDB *sql.DB

	// Emit high-cardinality metrics to a Postgres database if configured
	if cli.MetricsDBConnectionString != "" {
		metricsDB, err = sql.Open("postgres", cli.MetricsDBConnectionString)
		if err != nil {
			glog.Fatalf("Error creating postgres metrics connection: %v", err)
		}

		// Without this, we've run into issues with exceeding our open connection limit
		metricsDB.SetMaxOpenConns(2)
		metricsDB.SetMaxIdleConns(2)
		metricsDB.SetConnMaxLifetime(time.Hour)
	} else {
		glog.Info("Postgres metrics connection string was not set, postgres metrics are disabled.")
	}

	var queue pipeline.JobQueue
	if cli.AMQPURL != "" {
		queue, err = pipeline.NewAMQPQueue(cli.AMQPURL, cli.QueueCapacity, cli.Workers)
		if err != nil {
			glog.Fatalf("Error connecting to AMQP job queue: %v", err)
		}
	} else {
		glog.Info("AMQP url was not set, using the in-memory job queue.")
		queue = pipeline.NewMemoryQueue(cli.QueueCapacity)
	}
	defer queue.Close()

	engine := pipeline.NewCoordinator(&cli, queue, subprocess.NewRunner(), media.NewProber(cli.FFprobePath), metricsDB)

	// Initialize root context; cancelling this prompts all components to shut down cleanly
	group, ctx := errgroup.WithContext(context.Background())

	group.Go(func() error {
		return handleSignals(ctx)
	})

	group.Go(func() error {
		return api.ListenAndServe(ctx, &cli, engine)
	})

	group.Go(func() error {
		return api.ListenAndServeInternal(ctx, &cli, engine)
	})

	group.Go(func() error {
		return engine.Start(ctx)
	})

	err = group.Wait()
	glog.Infof("Shutdown complete. Reason for shutdown: %s", err)
}

func handleSignals(ctx context.Context) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
	for {
		select {
		case s := <-c:
			glog.Errorf("caught signal=%v, attempting clean shutdown", s)
			return fmt.Errorf("caught signal=%v", s)
		case <-ctx.Done():
			return nil
		}
	}
}
