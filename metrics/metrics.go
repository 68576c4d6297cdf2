package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type ForgeAPIMetrics struct {
	JobsSubmittedCount prometheus.Counter
	JobsInFlight       prometheus.Gauge
	JobResultsCount    *prometheus.CounterVec
	JobDurationSec     *prometheus.SummaryVec

	SessionsActive         prometheus.Gauge
	MessagesReceived       *prometheus.CounterVec
	UploadedInputBytes     prometheus.Counter
	DeliveredArtifactBytes prometheus.Counter
}

func NewMetrics() *ForgeAPIMetrics {
	m := &ForgeAPIMetrics{
		// Job pipeline metrics
		JobsSubmittedCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: "jobs_submitted_count",
			Help: "The total number of jobs accepted into the queue",
		}),
		JobsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "jobs_in_flight",
			Help: "The number of jobs currently held by workers",
		}),
		JobResultsCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "job_results_count",
			Help: "The total number of finished jobs broken up by operation and outcome",
		}, []string{"operation", "outcome"}),
		JobDurationSec: promauto.NewSummaryVec(prometheus.SummaryOpts{
			Name: "job_duration_seconds",
			Help: "The time jobs spend on a worker, broken up by operation and outcome",
		}, []string{"operation", "outcome"}),

		// Session metrics
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "sessions_active",
			Help: "The number of open websocket sessions",
		}),
		MessagesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_messages_received_count",
			Help: "The total number of inbound websocket text messages broken up by type",
		}, []string{"type"}),
		UploadedInputBytes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "uploaded_input_bytes",
			Help: "The total payload bytes received in binary upload frames",
		}),
		DeliveredArtifactBytes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "delivered_artifact_bytes",
			Help: "The total payload bytes sent in binary artifact frames",
		}),
	}

	return m
}

var Metrics = NewMetrics()
