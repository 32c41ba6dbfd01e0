// Package metrics exposes Prometheus counters/gauges/histograms for the
// five pipeline stages and a /metrics + /healthz HTTP server: promauto
// registration, a gorilla/mux-backed server, and gopsutil-driven process
// gauges.
package metrics

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
)

var (
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "obdpipeline_stage_duration_seconds",
			Help:    "Time spent in each pipeline stage",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	RowsParsedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "obdpipeline_rows_parsed_total",
		Help: "Total number of log rows parsed",
	})

	RowsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "obdpipeline_rows_dropped_total",
			Help: "Total number of malformed rows dropped during parsing",
		},
		[]string{"reason"},
	)

	AnomalyEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "obdpipeline_anomaly_events_total",
			Help: "Total anomaly events emitted, by detector and severity",
		},
		[]string{"detector", "severity"},
	)

	CluesGeneratedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "obdpipeline_clues_generated_total",
			Help: "Total diagnostic clues generated, by category",
		},
		[]string{"category"},
	)

	RuleGlitchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "obdpipeline_rule_glitches_total",
			Help: "Total rule-evaluation glitches (unknown condition types, unknown fields)",
		},
		[]string{"rule_id"},
	)

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "obdpipeline_runs_total",
			Help: "Total pipeline runs, by outcome",
		},
		[]string{"outcome"},
	)

	ProcessRSSBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "obdpipeline_process_rss_bytes",
		Help: "Resident set size of this process, sampled via gopsutil",
	})
)

// Server wraps a gorilla/mux HTTP server exposing /metrics and /healthz.
// The process-sampler goroutine is tied to Start/Stop rather than
// construction, so building a Server without starting it (as in tests that
// only exercise the pipeline) never leaves a background goroutine running.
type Server struct {
	httpServer *http.Server
	logger     *logrus.Logger
	stopSample chan struct{}
}

// NewServer builds the metrics server. The collectors are registered once,
// at package initialisation, so NewServer itself registers nothing and
// repeated construction within one process (e.g. in tests) is safe.
func NewServer(addr string, logger *logrus.Logger) *Server {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &Server{
		httpServer: &http.Server{Addr: addr, Handler: router},
		logger:     logger,
	}
}

func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("starting metrics server")
	s.stopSample = make(chan struct{})
	go sampleProcessMetrics(s.logger, s.stopSample)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("metrics server stopped unexpectedly")
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.stopSample != nil {
		close(s.stopSample)
	}
	return s.httpServer.Shutdown(ctx)
}

func sampleProcessMetrics(logger *logrus.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			proc, err := process.NewProcess(int32(currentPID()))
			if err != nil {
				continue
			}
			info, err := proc.MemoryInfo()
			if err != nil {
				logger.WithError(err).Debug("failed to sample process memory")
				continue
			}
			ProcessRSSBytes.Set(float64(info.RSS))
		}
	}
}

func currentPID() int {
	return os.Getpid()
}

// RecordStage reports the wall-clock duration of one pipeline stage.
func RecordStage(stage string, d time.Duration) {
	StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}
