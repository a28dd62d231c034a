package debugscan

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-playground/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vskurikhin/go-pq-debugscan/config"
	"github.com/vskurikhin/go-pq-debugscan/internal/http"
	"github.com/vskurikhin/go-pq-debugscan/internal/metric"
	"github.com/vskurikhin/go-pq-debugscan/logger"
	"github.com/vskurikhin/go-pq-debugscan/pq"
)

type Scanner interface {
	// ScanTable runs one debug scan in its own transaction. See ScanInTransaction.
	ScanTable(ctx context.Context, table string, snapshotSpec *string) ([]Row, error)
	// Start serves /metrics, /status and /scan until the process is signalled or Close is called.
	Start(ctx context.Context)
	Close()
	GetConfig() *config.Config
	ServerInfo() pq.ServerInfo
	SetMetricCollectors(collectors ...prometheus.Collector)
}

type scanner struct {
	conn               pq.Connection
	metric             metric.Metric
	prometheusRegistry metric.Registry
	server             http.Server
	cfg                *config.Config
	cancelCh           chan os.Signal
	serverInfo         pq.ServerInfo
	mu                 sync.Mutex
	closeOnce          sync.Once
}

func NewScannerWithConfigFile(ctx context.Context, configFilePath string) (Scanner, error) {
	cfg, err := config.ReadConfig(configFilePath)
	if err != nil {
		return nil, err
	}

	return NewScanner(ctx, cfg)
}

func NewScanner(ctx context.Context, cfg config.Config) (Scanner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation")
	}

	cfg.SetDefault()
	cfg.Print()

	logger.InitLogger(cfg.Logger.Logger)

	conn, err := pq.NewConnection(ctx, cfg.DSN())
	if err != nil {
		return nil, err
	}

	serverInfo, err := pq.IdentifyServer(ctx, conn)
	if err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}
	logger.Info("server identification", "database", serverInfo.Database, "version", serverInfo.VersionNum, "blockSize", serverInfo.BlockSize, "inRecovery", serverInfo.InRecovery)

	if err = serverInfo.Check(); err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}

	m := metric.NewMetric(cfg.Database)
	prometheusRegistry := metric.NewRegistry(m)

	s := &scanner{
		cfg:                &cfg,
		conn:               conn,
		metric:             m,
		prometheusRegistry: prometheusRegistry,
		serverInfo:         serverInfo,
		cancelCh:           make(chan os.Signal, 1),
	}
	s.server = http.NewServer(cfg, prometheusRegistry, func(ctx context.Context, table string, snapshotSpec *string) (any, error) {
		return s.ScanTable(ctx, table, snapshotSpec)
	})

	return s, nil
}

func (s *scanner) ScanTable(ctx context.Context, table string, snapshotSpec *string) ([]Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.metric.ScanIncrement()
	start := time.Now()

	rows, err := s.scanTable(ctx, table, snapshotSpec)
	s.metric.SetScanDuration(time.Since(start).Seconds())
	if err != nil {
		s.metric.ScanErrorIncrement()
		logger.Error("debug scan failed", "table", table, "error", err)
		return nil, err
	}

	logger.Info("debug scan completed", "table", table, "rows", len(rows), "duration", time.Since(start).String())
	return rows, nil
}

func (s *scanner) scanTable(ctx context.Context, table string, snapshotSpec *string) ([]Row, error) {
	if err := s.conn.EnsureConnection(ctx); err != nil {
		return nil, err
	}

	return inTransaction(ctx, s.conn, s.cfg.Scan, func() ([]Row, error) {
		return ScanInTransaction(ctx, s.conn, s.cfg.Scan, s.metric, table, snapshotSpec)
	})
}

// inTransaction runs fn inside a fresh transaction, committed on success and rolled back
// otherwise. Rolling back releases everything the scan locked.
func inTransaction(ctx context.Context, conn pq.Querier, opts config.ScanConfig, fn func() ([]Row, error)) ([]Row, error) {
	if err := conn.ExecSQL(ctx, beginSQL(opts)); err != nil {
		return nil, errors.Wrap(err, "begin scan transaction")
	}

	rows, err := fn()
	if err != nil {
		if rollbackErr := conn.ExecSQL(ctx, "ROLLBACK"); rollbackErr != nil {
			logger.Error("scan transaction rollback", "error", rollbackErr)
		}
		return nil, err
	}

	if err = conn.ExecSQL(ctx, "COMMIT"); err != nil {
		return nil, errors.Wrap(err, "commit scan transaction")
	}

	return rows, nil
}

func (s *scanner) Start(ctx context.Context) {
	go s.server.Listen()

	signal.Notify(s.cancelCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)

	select {
	case <-s.cancelCh:
		logger.Debug("cancel channel triggered")
	case <-ctx.Done():
		logger.Debug("context done", "error", ctx.Err())
	}
}

func (s *scanner) Close() {
	s.closeOnce.Do(func() {
		signal.Stop(s.cancelCh)
		close(s.cancelCh)

		s.server.Shutdown()

		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.conn.Close(context.Background()); err != nil {
			logger.Error("postgres connection close", "error", err)
		}
	})
}

func (s *scanner) GetConfig() *config.Config {
	return s.cfg
}

func (s *scanner) ServerInfo() pq.ServerInfo {
	return s.serverInfo
}

func (s *scanner) SetMetricCollectors(metricCollectors ...prometheus.Collector) {
	s.prometheusRegistry.AddMetricCollectors(metricCollectors...)
}
