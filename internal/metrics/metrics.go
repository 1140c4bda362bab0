package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Reading metrics
	ReadingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bandlog_readings_total",
			Help: "Readings appended to their log file",
		},
		[]string{"sensor"},
	)

	WriteFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bandlog_write_failures_total",
			Help: "Readings that could not be appended",
		},
		[]string{"sensor"},
	)

	AppendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bandlog_append_duration_seconds",
			Help:    "Time spent appending a line, including waiting for the file lock",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
		},
		[]string{"file"},
	)

	// Subscription metrics
	SubscriptionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bandlog_subscriptions_active",
			Help: "Sensors currently streaming",
		},
	)

	ConsentRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bandlog_consent_requests_total",
			Help: "Consent prompts shown, by outcome",
		},
		[]string{"sensor", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		ReadingsTotal,
		WriteFailures,
		AppendDuration,
		SubscriptionsActive,
		ConsentRequests,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server *http.Server
	logger zerolog.Logger
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// Handler exposes the server's routes, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()

	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
