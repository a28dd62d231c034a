package relation

import (
	"context"
	goerrors "errors"
	"fmt"
	"strconv"

	"github.com/go-playground/errors"
	"github.com/jackc/pgx/v5/pgconn"
	libpq "github.com/lib/pq"
	"github.com/vskurikhin/go-pq-debugscan/logger"
	"github.com/vskurikhin/go-pq-debugscan/pq"
	"github.com/vskurikhin/go-pq-debugscan/pq/tuple"
)

const (
	resolveSQL = `SELECT c.oid, n.nspname, c.relname, c.relkind, coalesce(am.amname, '')
FROM pg_class c
JOIN pg_namespace n ON n.oid = c.relnamespace
LEFT JOIN pg_am am ON am.oid = c.relam
WHERE c.oid = $1::regclass`

	attributesSQL = `SELECT attname, atttypid, attrelid, attnum, attisdropped,
	CASE WHEN atthasmissing THEN (attmissingval::text::text[])[1] END
FROM pg_attribute
WHERE attrelid = $1::oid AND attnum > 0
ORDER BY attnum`

	savepoint         = "pq_debug_scan"
	rollbackSavepoint = "ROLLBACK TO SAVEPOINT " + savepoint + "; RELEASE SAVEPOINT " + savepoint
)

const (
	KindTable            = 'r'
	KindMaterializedView = 'm'
	KindToast            = 't'

	heapAccessMethod = "heap"
)

var ErrResolution = goerrors.New("table cannot be resolved")

// ResolutionError reports a table name that does not name an accessible heap relation.
type ResolutionError struct {
	Cause error
	Table string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("unable to resolve table %q: %v", e.Table, e.Cause)
}

func (e *ResolutionError) Unwrap() error {
	return e.Cause
}

func (e *ResolutionError) Is(target error) bool {
	return target == ErrResolution
}

type Relation struct {
	Schema       string
	Name         string
	AccessMethod string
	ID           uint32
	Kind         byte
}

// QualifiedName is the quoted schema.name of the relation, safe to splice into SQL.
func (r *Relation) QualifiedName() string {
	return libpq.QuoteIdentifier(r.Schema) + "." + libpq.QuoteIdentifier(r.Name)
}

func (r *Relation) String() string {
	return r.Schema + "." + r.Name
}

// Lock is an ACCESS SHARE lock taken under a savepoint, so it can be given back before
// the transaction ends.
type Lock struct {
	conn     pq.Querier
	relation *Relation
	released bool
}

// Release rolls back to the savepoint the lock was taken after. Further calls do nothing.
func (l *Lock) Release(ctx context.Context) error {
	if l.released {
		return nil
	}
	l.released = true

	if err := l.conn.ExecSQL(ctx, rollbackSavepoint); err != nil {
		return errors.Wrap(err, "release lock")
	}

	logger.Debug("[relation] lock released", "relation", l.relation.String())
	return nil
}

// ResolveAndLock resolves table the way a regclass cast does (search_path applies) and takes
// an ACCESS SHARE lock on it. Only heap relations can be scanned.
func ResolveAndLock(ctx context.Context, conn pq.Querier, table string) (*Relation, *Lock, error) {
	rel, err := Resolve(ctx, conn, table)
	if err != nil {
		return nil, nil, err
	}

	if err = conn.ExecSQL(ctx, "SAVEPOINT "+savepoint); err != nil {
		return nil, nil, errors.Wrap(err, "lock savepoint")
	}

	if err = conn.ExecSQL(ctx, lockStatement(rel)); err != nil {
		// a failed LOCK aborts the transaction; rolling back to the savepoint keeps it usable
		if rollbackErr := conn.ExecSQL(ctx, rollbackSavepoint); rollbackErr != nil {
			logger.Warn("[relation] rollback to savepoint after failed lock", "relation", rel.String(), "error", rollbackErr)
		}
		return nil, nil, classify(table, err, "lock")
	}

	logger.Debug("[relation] lock acquired", "relation", rel.String(), "oid", rel.ID, "mode", "ACCESS SHARE")
	return rel, &Lock{conn: conn, relation: rel}, nil
}

// Resolve looks table up without locking it.
func Resolve(ctx context.Context, conn pq.Querier, table string) (*Relation, error) {
	result, err := conn.Query(ctx, resolveSQL, pq.Param(table))
	if err != nil {
		return nil, classify(table, err, "resolve")
	}

	rel, err := decodeRelation(result)
	if err != nil {
		return nil, errors.Wrap(err, "relation decode")
	}

	switch rel.Kind {
	case KindTable, KindMaterializedView, KindToast:
	default:
		return nil, &ResolutionError{Table: table, Cause: errors.Newf("relation kind %q has no heap storage", rel.Kind)}
	}

	if rel.AccessMethod != heapAccessMethod {
		return nil, &ResolutionError{Table: table, Cause: errors.Newf("access method %q is not supported", rel.AccessMethod)}
	}

	return rel, nil
}

// lockStatement returns SQL taking ACCESS SHARE on rel. LOCK TABLE refuses materialized
// views and TOAST tables; reading no rows from them takes the same lock.
func lockStatement(rel *Relation) string {
	if rel.Kind == KindTable {
		return "LOCK TABLE " + rel.QualifiedName() + " IN ACCESS SHARE MODE"
	}
	return "SELECT FROM " + rel.QualifiedName() + " LIMIT 0"
}

// classify turns server errors into ResolutionError. Anything else is a connection problem.
func classify(table string, err error, op string) error {
	var pgErr *pgconn.PgError
	if goerrors.As(err, &pgErr) {
		return &ResolutionError{Table: table, Cause: err}
	}
	return errors.Wrap(err, op)
}

func decodeRelation(result *pgconn.Result) (*Relation, error) {
	if len(result.Rows) != 1 {
		return nil, errors.Newf("expected 1 relation row, got %d", len(result.Rows))
	}

	row := result.Rows[0]
	if len(row) != 5 {
		return nil, errors.Newf("expected 5 relation columns, got %d", len(row))
	}

	oid, err := strconv.ParseUint(string(row[0]), 10, 32)
	if err != nil {
		return nil, errors.Wrap(err, "relation oid")
	}

	if len(row[3]) != 1 {
		return nil, errors.Newf("relation kind %q", row[3])
	}

	return &Relation{
		ID:           uint32(oid),
		Schema:       string(row[1]),
		Name:         string(row[2]),
		Kind:         row[3][0],
		AccessMethod: string(row[4]),
	}, nil
}

// Attributes returns the user attributes of relation relID in attnum order, dropped ones included.
func Attributes(ctx context.Context, conn pq.Querier, relID uint32) ([]tuple.Attribute, error) {
	result, err := conn.Query(ctx, attributesSQL, pq.Param(strconv.FormatUint(uint64(relID), 10)))
	if err != nil {
		return nil, errors.Wrap(err, "attributes query")
	}

	return decodeAttributes(result)
}

func decodeAttributes(result *pgconn.Result) ([]tuple.Attribute, error) {
	attrs := make([]tuple.Attribute, 0, len(result.Rows))
	for _, row := range result.Rows {
		if len(row) != 6 {
			return nil, errors.Newf("expected 6 attribute columns, got %d", len(row))
		}

		typeID, err := strconv.ParseUint(string(row[1]), 10, 32)
		if err != nil {
			return nil, errors.Wrap(err, "atttypid")
		}

		relID, err := strconv.ParseUint(string(row[2]), 10, 32)
		if err != nil {
			return nil, errors.Wrap(err, "attrelid")
		}

		num, err := strconv.ParseInt(string(row[3]), 10, 16)
		if err != nil {
			return nil, errors.Wrap(err, "attnum")
		}

		attr := tuple.Attribute{
			Name:       string(row[0]),
			TypeID:     uint32(typeID),
			RelationID: uint32(relID),
			Num:        int16(num),
			Dropped:    string(row[4]) == "t",
		}
		if row[5] != nil {
			missing := string(row[5])
			attr.Missing = &missing
		}

		attrs = append(attrs, attr)
	}

	return attrs, nil
}
