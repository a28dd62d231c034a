package scan

import (
	"context"
	goerrors "errors"

	"github.com/go-playground/errors"
	"github.com/vskurikhin/go-pq-debugscan/logger"
	"github.com/vskurikhin/go-pq-debugscan/pq/relation"
	"github.com/vskurikhin/go-pq-debugscan/pq/snapshot"
	"github.com/vskurikhin/go-pq-debugscan/pq/tuple"
)

var ErrHandleClosed = goerrors.New("scan handle is closed")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateScanning
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateScanning:
		return "scanning"
	default:
		return "closed"
	}
}

// TableScanner opens table scans in one storage format.
type TableScanner struct {
	catalog Catalog
	format  Format
}

func NewTableScanner(catalog Catalog, format Format) *TableScanner {
	return &TableScanner{catalog: catalog, format: format}
}

// Open resolves and locks table, then starts a scan filtered by snap. The returned handle
// must be closed; on error nothing is left to close.
func (s *TableScanner) Open(ctx context.Context, table string, snap *snapshot.Snapshot) (*Handle, error) {
	rel, lock, err := s.catalog.ResolveAndLock(ctx, table)
	if err != nil {
		return nil, err
	}

	attrs, err := s.catalog.Attributes(ctx, rel.ID)
	if err != nil {
		return nil, releaseOnError(ctx, lock, errors.Wrap(err, "relation attributes"))
	}

	cursor, err := s.format.Open(ctx, rel, snap)
	if err != nil {
		return nil, releaseOnError(ctx, lock, errors.Wrap(err, "open cursor"))
	}

	logger.Info("reading table", "table", table, "relation", rel.String(), "oid", rel.ID)

	return &Handle{
		rel:    rel,
		attrs:  attrs,
		cursor: cursor,
		lock:   lock,
		state:  StateOpen,
	}, nil
}

func releaseOnError(ctx context.Context, lock Lock, err error) error {
	if releaseErr := lock.Release(ctx); releaseErr != nil {
		logger.Warn("[scan] lock release after failed open", "error", releaseErr)
	}
	return err
}

// Handle is an open table scan. It is not safe for concurrent use.
type Handle struct {
	cursor Cursor
	lock   Lock
	rel    *relation.Relation
	attrs  []tuple.Attribute
	state  State
}

func (h *Handle) Relation() *relation.Relation {
	return h.rel
}

// Attributes describes the columns of the scanned relation, dropped ones included.
func (h *Handle) Attributes() []tuple.Attribute {
	return h.attrs
}

func (h *Handle) State() State {
	return h.state
}

// Next returns the next visible record or nil at the end of the relation.
func (h *Handle) Next(ctx context.Context) (*Record, error) {
	if h.state == StateClosed {
		return nil, ErrHandleClosed
	}
	h.state = StateScanning

	return h.cursor.Next(ctx)
}

// Close ends the scan and releases the lock. Only the first call has an effect.
func (h *Handle) Close(ctx context.Context) error {
	if h.state == StateClosed {
		return nil
	}
	h.state = StateClosed

	var errs []error
	if err := h.cursor.Close(ctx); err != nil {
		errs = append(errs, errors.Wrap(err, "close cursor"))
	}
	if err := h.lock.Release(ctx); err != nil {
		errs = append(errs, errors.Wrap(err, "release lock"))
	}

	return goerrors.Join(errs...)
}
