package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Discovery metrics
	ScanCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zrocontrol_scan_cycles_total",
			Help: "Total discovery scan cycles run",
		},
		[]string{"result"},
	)

	DevicesKnown = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "zrocontrol_devices_known",
			Help: "Devices currently held in the discovery cache",
		},
	)

	DevicesEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "zrocontrol_devices_evicted_total",
			Help: "Devices evicted from the discovery cache after sustained absence",
		},
	)

	// Polling metrics
	PollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zrocontrol_polls_total",
			Help: "Active-app polls issued to devices",
		},
		[]string{"device", "result"},
	)

	ProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zrocontrol_probes_total",
			Help: "Reachability probes by classification",
		},
		[]string{"result"},
	)

	// Session metrics
	SessionsOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zrocontrol_sessions_opened_total",
			Help: "Watch sessions opened",
		},
		[]string{"device"},
	)

	SessionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zrocontrol_sessions_closed_total",
			Help: "Watch sessions closed, by close reason",
		},
		[]string{"device", "reason"},
	)

	WatchSecondsRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zrocontrol_watch_seconds_recorded_total",
			Help: "Total watch seconds persisted across closed sessions",
		},
		[]string{"device"},
	)

	TrackedDevices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "zrocontrol_tracked_devices",
			Help: "Devices currently selected for active tracking",
		},
	)

	// Command metrics
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zrocontrol_commands_total",
			Help: "Device commands sent, by kind and outcome",
		},
		[]string{"kind", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		ScanCycles,
		DevicesKnown,
		DevicesEvicted,
		PollsTotal,
		ProbesTotal,
		SessionsOpened,
		SessionsClosed,
		WatchSecondsRecorded,
		TrackedDevices,
		CommandsTotal,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
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

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
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
