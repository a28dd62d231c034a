package debugscan

import (
	"context"
	"fmt"

	"github.com/go-playground/errors"
	"github.com/vskurikhin/go-pq-debugscan/config"
	"github.com/vskurikhin/go-pq-debugscan/internal/metric"
	"github.com/vskurikhin/go-pq-debugscan/logger"
	"github.com/vskurikhin/go-pq-debugscan/pq"
	"github.com/vskurikhin/go-pq-debugscan/pq/relation"
	"github.com/vskurikhin/go-pq-debugscan/pq/scan"
	"github.com/vskurikhin/go-pq-debugscan/pq/snapshot"
	"github.com/vskurikhin/go-pq-debugscan/pq/tuple"
)

// Row is one visible tuple version. Xmin and Xmax are 2 for frozen tuples, Xmax is 0 for
// live ones. Data is a JSON object of column name to text; NULL columns read "NULL".
type Row struct {
	Data string `json:"data"`
	Xmin int64  `json:"xmin"`
	Xmax int64  `json:"xmax"`
}

// ScanInTransaction scans table under the snapshot described by snapshotSpec, or under the
// snapshot of the transaction open on conn when snapshotSpec is nil. The caller owns that
// transaction; rows written by it earlier are visible to the scan.
//
// Malformed specs fail with snapshot.FormatError or snapshot.RangeError, unknown tables with
// relation.ResolutionError and foreign attributes with tuple.ConsistencyError. No rows are
// returned on any error.
func ScanInTransaction(ctx context.Context, conn pq.Querier, opts config.ScanConfig, m metric.Metric, table string, snapshotSpec *string) ([]Row, error) {
	var descriptor *snapshot.Descriptor
	if snapshotSpec != nil {
		d, err := snapshot.Parse(*snapshotSpec)
		if err != nil {
			return nil, err
		}
		descriptor = &d
	}

	provider := snapshot.NewProvider(conn)
	if _, err := provider.CurrentTransactionSnapshot(ctx); err != nil {
		return nil, errors.Wrap(err, "transaction snapshot")
	}

	snap, err := snapshot.Build(ctx, descriptor, provider)
	if err != nil {
		return nil, errors.Wrap(err, "build snapshot")
	}
	logger.Info("snapshot", "xmin", snap.Xmin, "xmax", snap.Xmax, "xcnt", snap.XCnt(), "overridden", snap.Copied)

	scanner := scan.NewTableScanner(scan.NewCatalog(conn), scan.NewHeapFormat(conn, opts.DetoastEnabled(), m))
	handle, err := scanner.Open(ctx, table, snap)
	if err != nil {
		return nil, err
	}

	rows, err := renderRows(ctx, conn, handle, opts.DetoastEnabled())
	if closeErr := handle.Close(ctx); closeErr != nil && err == nil {
		err = errors.Wrap(closeErr, "close scan")
	}
	if err != nil {
		return nil, err
	}

	return rows, nil
}

// renderRows reads what rendering the relation's values needs from the catalog and the
// session, then collects the visible rows.
func renderRows(ctx context.Context, conn pq.Querier, handle *scan.Handle, detoast bool) ([]Row, error) {
	types, err := relation.Types(ctx, conn, handle.Attributes())
	if err != nil {
		return nil, errors.Wrap(err, "load types")
	}

	location, err := pq.SessionLocation(ctx, conn)
	if err != nil {
		return nil, errors.Wrap(err, "session time zone")
	}

	return collect(ctx, handle, tuple.NewRenderer(detoast).WithTypes(types).WithLocation(location))
}

func collect(ctx context.Context, handle *scan.Handle, renderer tuple.TypeRenderer) ([]Row, error) {
	var rows []Row
	relID := handle.Relation().ID
	attrs := handle.Attributes()

	for {
		record, err := handle.Next(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "scan next")
		}
		if record == nil {
			return rows, nil
		}

		data, err := tuple.Render(relID, attrs, record.Values, renderer)
		if err != nil {
			return nil, fmt.Errorf("render tuple %s (page lsn %s): %w", record.TID, record.PageLSN, err)
		}

		rows = append(rows, Row{
			Xmin: int64(record.Xmin.Value()),
			Xmax: int64(record.Xmax.Value()),
			Data: data,
		})
	}
}

// beginSQL opens the scan transaction. READ COMMITTED keeps the latest snapshot moving
// while the transaction snapshot stays the one captured at start.
func beginSQL(opts config.ScanConfig) string {
	sql := "BEGIN ISOLATION LEVEL READ COMMITTED"
	if opts.ReadOnlyEnabled() {
		sql += " READ ONLY"
	}

	if opts.StatementTimeout > 0 {
		sql += fmt.Sprintf("; SET LOCAL statement_timeout = %d", opts.StatementTimeout.Milliseconds())
	}

	return sql
}
