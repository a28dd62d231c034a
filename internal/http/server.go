package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vskurikhin/go-pq-debugscan/config"
	"github.com/vskurikhin/go-pq-debugscan/internal/metric"
	"github.com/vskurikhin/go-pq-debugscan/logger"
	"github.com/vskurikhin/go-pq-debugscan/pq/relation"
	"github.com/vskurikhin/go-pq-debugscan/pq/snapshot"
)

// ScanFunc runs a debug scan and returns rows ready for JSON encoding.
type ScanFunc func(ctx context.Context, table string, snapshotSpec *string) (any, error)

type Server interface {
	Listen()
	Shutdown()
	Handler() http.Handler
}

type server struct {
	scan       ScanFunc
	server     http.Server
	scanConfig config.Config
	closed     bool
}

func NewServer(cfg config.Config, registry metric.Registry, scan ScanFunc) Server {
	s := &server{
		scanConfig: cfg,
		scan:       scan,
	}

	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.HandlerFor(registry.Prometheus(), promhttp.HandlerOpts{EnableOpenMetrics: true}))

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})

	mux.HandleFunc("GET /scan", s.handleScan)

	if cfg.DebugMode {
		mux.Handle("GET /pprof", pprof.Handler("go-pq-debugscan"))
	}

	s.server = http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Metric.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return s
}

func (s *server) Handler() http.Handler {
	return s.server.Handler
}

func (s *server) Listen() {
	logger.Info(fmt.Sprintf("server starting on port :%d", s.scanConfig.Metric.Port))

	err := s.server.ListenAndServe()
	if err != nil {
		if errors.Is(err, http.ErrServerClosed) && s.closed {
			logger.Info("server stopped")
			return
		}
		logger.Error("server cannot start", "port", s.scanConfig.Metric.Port, "error", err)
	}
}

func (s *server) Shutdown() {
	if s == nil {
		return
	}
	s.closed = true
	if err := s.server.Shutdown(context.Background()); err != nil {
		logger.Error("server shutdown", "error", err)
	}
}

// handleScan serves GET /scan?table=name[&snapshot=xmin:xmax:xip].
func (s *server) handleScan(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	table := query.Get("table")
	if table == "" {
		http.Error(w, "table query parameter is required", http.StatusBadRequest)
		return
	}

	var snapshotSpec *string
	if query.Has("snapshot") {
		spec := query.Get("snapshot")
		snapshotSpec = &spec
	}

	rows, err := s.scan(r.Context(), table, snapshotSpec)
	if err != nil {
		http.Error(w, err.Error(), statusOf(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err = jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w).Encode(rows); err != nil {
		logger.Error("failed to encode scan response", "error", err)
	}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, snapshot.ErrFormat), errors.Is(err, snapshot.ErrRange):
		return http.StatusBadRequest
	case errors.Is(err, relation.ErrResolution):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
