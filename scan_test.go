package debugscan

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vskurikhin/go-pq-debugscan/config"
	"github.com/vskurikhin/go-pq-debugscan/internal/metric"
	"github.com/vskurikhin/go-pq-debugscan/pq/heap"
	"github.com/vskurikhin/go-pq-debugscan/pq/relation"
	"github.com/vskurikhin/go-pq-debugscan/pq/snapshot"
	"github.com/vskurikhin/go-pq-debugscan/pq/tuple"
)

const null = "\x00null"

// fakeServer answers the catalog, snapshot and pageinspect queries of a scan.
type fakeServer struct {
	pages      map[string][][]string
	statuses   map[string]string
	resolveErr error
	snapshots  [][]string
	attributes [][]string
	types      [][]string
	enumLabels [][]string
	relation   []string
	timeZone   string
	queries    []string
	execs      []string
}

func (s *fakeServer) Query(_ context.Context, sql string, params ...*string) (*pgconn.Result, error) {
	s.queries = append(s.queries, sql)

	switch {
	case strings.Contains(sql, "pg_current_snapshot"):
		row := s.snapshots[0]
		if len(s.snapshots) > 1 {
			s.snapshots = s.snapshots[1:]
		}
		return result(row), nil
	case strings.Contains(sql, "pg_class"):
		if s.resolveErr != nil {
			return nil, s.resolveErr
		}
		return result(s.relation), nil
	case strings.Contains(sql, "pg_attribute"):
		return result(s.attributes...), nil
	case strings.Contains(sql, "pg_enum"):
		return result(s.enumLabels...), nil
	case strings.Contains(sql, "pg_type"):
		return result(s.types...), nil
	case strings.Contains(sql, "'TimeZone'"):
		return result([]string{s.timeZone}), nil
	case strings.Contains(sql, "pg_relation_size"):
		return result([]string{strconv.Itoa(len(s.pages))}), nil
	case strings.Contains(sql, "get_raw_page"):
		return result(s.pages[*params[1]]...), nil
	case strings.Contains(sql, "pg_xact_status"):
		var rows [][]string
		for _, id := range strings.Split(strings.Trim(*params[0], "{}"), ",") {
			status, ok := s.statuses[id]
			if !ok {
				status = "in progress"
			}
			rows = append(rows, []string{id, status})
		}
		return result(rows...), nil
	}

	return &pgconn.Result{}, nil
}

func (s *fakeServer) ExecSQL(_ context.Context, sql string) error {
	s.execs = append(s.execs, sql)
	return nil
}

func result(rows ...[]string) *pgconn.Result {
	r := &pgconn.Result{}
	for _, row := range rows {
		encoded := make([][]byte, len(row))
		for i, v := range row {
			if v != null {
				encoded[i] = []byte(v)
			}
		}
		r.Rows = append(r.Rows, encoded)
	}
	return r
}

func datum(b []byte) string {
	return `"\\x` + hex.EncodeToString(b) + `"`
}

func int4(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}

func timestamptz(t time.Time) []byte {
	us := t.Sub(time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)).Microseconds()
	return binary.LittleEndian.AppendUint64(nil, uint64(us))
}

func item(lp, xmin, xmax string, infomask uint16, attrs ...string) []string {
	return []string{"0/16B3748", lp, "1", xmin, xmax, strconv.Itoa(int(infomask)), strconv.Itoa(len(attrs)), "{" + strings.Join(attrs, ",") + "}"}
}

// storedItem is an item whose header stores only the first natts of attrs. pageinspect pads
// the array with NULL up to the number of attributes of the relation.
func storedItem(natts int, lp, xmin, xmax string, infomask uint16, attrs ...string) []string {
	row := item(lp, xmin, xmax, infomask, attrs...)
	row[6] = strconv.Itoa(natts)
	return row
}

var createdAt = time.Date(2024, 4, 12, 13, 59, 23, 0, time.UTC)

// newFakeServer serves table public.debug(id int4, <dropped>, name text, created_at timestamptz)
// with one page of four tuples. The transaction snapshot is 740:745:742.
func newFakeServer() *fakeServer {
	return &fakeServer{
		snapshots: [][]string{
			{"740:745:742", null, "f"},
			{"745:746:", null, "f"},
		},
		relation: []string{"16384", "public", "debug", "r", "heap"},
		attributes: [][]string{
			{"id", "23", "16384", "1", "f", null},
			{"........pg.dropped.2........", "0", "16384", "2", "t", null},
			{"name", "25", "16384", "3", "f", null},
			{"created_at", "1184", "16384", "4", "f", null},
		},
		timeZone: "UTC",
		pages: map[string][][]string{
			"0": {
				item("1", "700", "0", heap.XminCommitted|heap.XmaxInvalid, datum(int4(1)), datum([]byte("x")), datum([]byte("alice")), datum(timestamptz(createdAt))),
				item("2", "741", "0", heap.XmaxInvalid, datum(int4(2)), "NULL", "NULL", datum(timestamptz(createdAt))),
				item("3", "742", "0", heap.XmaxInvalid, datum(int4(3)), "NULL", datum([]byte("carol")), "NULL"),
				item("4", "700", "741", heap.XminCommitted, datum(int4(4)), "NULL", datum([]byte("dave")), "NULL"),
			},
		},
		statuses: map[string]string{"741": "committed"},
	}
}

func scanWith(t *testing.T, server *fakeServer, spec *string) ([]Row, error) {
	t.Helper()
	return ScanInTransaction(context.Background(), server, config.ScanConfig{}, metric.NewMetric("debug_db"), "debug", spec)
}

func spec(s string) *string {
	return &s
}

func TestScanInTransaction(t *testing.T) {
	t.Run("should return visible rows under the transaction snapshot", func(t *testing.T) {
		rows, err := scanWith(t, newFakeServer(), nil)

		require.NoError(t, err)
		assert.Equal(t, []Row{
			{Xmin: 700, Xmax: 0, Data: `{"id":"1","name":"alice","created_at":"2024-04-12 13:59:23+00"}`},
			{Xmin: 741, Xmax: 0, Data: `{"id":"2","name":"NULL","created_at":"2024-04-12 13:59:23+00"}`},
		}, rows)
	})

	t.Run("should match the default scan with an equal snapshot", func(t *testing.T) {
		defaultRows, err := scanWith(t, newFakeServer(), nil)
		require.NoError(t, err)

		overridden, err := scanWith(t, newFakeServer(), spec("740:745:742"))
		require.NoError(t, err)

		assert.Equal(t, defaultRows, overridden)
	})

	t.Run("should see the in progress transaction once it is left out of xip", func(t *testing.T) {
		server := newFakeServer()
		server.statuses["742"] = "committed"

		rows, err := scanWith(t, server, spec("740:745:"))

		require.NoError(t, err)
		require.Len(t, rows, 3)
		assert.Equal(t, int64(742), rows[2].Xmin)
		assert.Equal(t, `{"id":"3","name":"carol","created_at":"NULL"}`, rows[2].Data)
	})

	t.Run("should see deleted row before its deleter", func(t *testing.T) {
		rows, err := scanWith(t, newFakeServer(), spec("741:745:741"))

		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, int64(700), rows[1].Xmin)
		assert.Equal(t, int64(741), rows[1].Xmax)
	})

	t.Run("should return nothing below every creating transaction", func(t *testing.T) {
		rows, err := scanWith(t, newFakeServer(), spec("3:3:"))

		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("should never emit dropped columns or json nulls", func(t *testing.T) {
		server := newFakeServer()
		server.statuses["742"] = "committed"

		rows, err := scanWith(t, server, spec("740:760:"))

		require.NoError(t, err)
		require.NotEmpty(t, rows)
		for _, r := range rows {
			assert.NotContains(t, r.Data, "dropped")
			assert.NotContains(t, r.Data, ":null")
		}
	})

	t.Run("should release the table lock before returning", func(t *testing.T) {
		server := newFakeServer()

		_, err := scanWith(t, server, nil)

		require.NoError(t, err)
		assert.Equal(t, []string{
			"SAVEPOINT pq_debug_scan",
			`LOCK TABLE "public"."debug" IN ACCESS SHARE MODE`,
			"ROLLBACK TO SAVEPOINT pq_debug_scan; RELEASE SAVEPOINT pq_debug_scan",
		}, server.execs)
	})
}

func TestScanInTransaction_OwnTransaction(t *testing.T) {
	server := newFakeServer()
	server.snapshots = [][]string{
		{"750:750:", "750", "f"},
		{"750:751:", "750", "f"},
	}
	server.pages = map[string][][]string{
		"0": {item("1", "750", "0", heap.XmaxInvalid, datum(int4(9)), "NULL", datum([]byte("own")), datum(timestamptz(createdAt)))},
	}

	rows, err := scanWith(t, server, spec("750:750:"))

	require.NoError(t, err)
	assert.Equal(t, []Row{{Xmin: 750, Xmax: 0, Data: `{"id":"9","name":"own","created_at":"2024-04-12 13:59:23+00"}`}}, rows)
}

func TestScanInTransaction_AddedColumn(t *testing.T) {
	server := newFakeServer()
	server.attributes = [][]string{
		{"id", "23", "16384", "1", "f", null},
		{"extra", "23", "16384", "2", "f", "5"},
	}
	server.pages = map[string][][]string{
		"0": {
			storedItem(1, "1", "700", "0", heap.XminCommitted|heap.XmaxInvalid, datum(int4(1)), "NULL"),
			item("2", "700", "0", heap.XminCommitted|heap.XmaxInvalid, datum(int4(2)), datum(int4(6))),
			item("3", "700", "0", heap.XminCommitted|heap.XmaxInvalid, datum(int4(3)), "NULL"),
		},
	}

	rows, err := scanWith(t, server, nil)

	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, `{"id":"1","extra":"5"}`, rows[0].Data)
	assert.Equal(t, `{"id":"2","extra":"6"}`, rows[1].Data)
	assert.Equal(t, `{"id":"3","extra":"NULL"}`, rows[2].Data)
}

func TestScanInTransaction_CatalogTypes(t *testing.T) {
	server := newFakeServer()
	server.attributes = [][]string{
		{"id", "23", "16384", "1", "f", null},
		{"mood", "16497", "16384", "2", "f", null},
		{"scores", "1007", "16384", "3", "f", null},
	}
	server.types = [][]string{
		{"16497", "e", "E", "0", "4", "i"},
		{"1007", "b", "A", "23", "-1", "i"},
		{"23", "b", "N", "0", "4", "i"},
	}
	server.enumLabels = [][]string{{"16500", "happy"}}
	scores := append(append(int4(1), int4(0)...), int4(23)...)
	scores = append(append(scores, int4(2)...), int4(1)...)
	scores = append(append(scores, int4(10)...), int4(20)...)
	server.pages = map[string][][]string{
		"0": {item("1", "700", "0", heap.XminCommitted|heap.XmaxInvalid, datum(int4(1)), datum(int4(16500)), datum(scores))},
	}

	rows, err := scanWith(t, server, nil)

	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, `{"id":"1","mood":"happy","scores":"{10,20}"}`, rows[0].Data)
}

func TestScanInTransaction_SessionTimeZone(t *testing.T) {
	server := newFakeServer()
	server.timeZone = "Asia/Kolkata"

	rows, err := scanWith(t, server, nil)

	require.NoError(t, err)
	require.NotEmpty(t, rows)
	assert.Equal(t, `{"id":"1","name":"alice","created_at":"2024-04-12 19:29:23+05:30"}`, rows[0].Data)
}

func TestScanInTransaction_FrozenTuple(t *testing.T) {
	server := newFakeServer()
	server.pages = map[string][][]string{
		"0": {item("1", "600", "0", heap.XminFrozen|heap.XmaxInvalid, datum(int4(1)), "NULL", "NULL", "NULL")},
	}

	rows, err := scanWith(t, server, nil)

	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2), rows[0].Xmin)
	assert.Equal(t, int64(2), rows[0].Xmax)
}

func TestScanInTransaction_Errors(t *testing.T) {
	t.Run("should fail malformed spec before touching the server", func(t *testing.T) {
		server := newFakeServer()

		rows, err := scanWith(t, server, spec("4:45"))

		assert.Nil(t, rows)
		var formatErr *snapshot.FormatError
		assert.True(t, errors.As(err, &formatErr))
		assert.Empty(t, server.queries)
	})

	t.Run("should fail out of range spec", func(t *testing.T) {
		_, err := scanWith(t, newFakeServer(), spec("4:45:50,"))

		var rangeErr *snapshot.RangeError
		require.True(t, errors.As(err, &rangeErr))
		assert.Equal(t, snapshot.RangeError{Value: 50, Xmin: 4, Xmax: 45}, *rangeErr)
	})

	t.Run("should fail unknown table", func(t *testing.T) {
		server := newFakeServer()
		server.resolveErr = &pgconn.PgError{Code: "42P01", Message: `relation "debug" does not exist`}

		rows, err := scanWith(t, server, nil)

		assert.Nil(t, rows)
		var resolutionErr *relation.ResolutionError
		assert.True(t, errors.As(err, &resolutionErr))
	})

	t.Run("should abort on attribute of another relation", func(t *testing.T) {
		server := newFakeServer()
		server.attributes[2][2] = "99"

		rows, err := scanWith(t, server, nil)

		assert.Nil(t, rows)
		var consistencyErr *tuple.ConsistencyError
		require.True(t, errors.As(err, &consistencyErr))
		assert.Equal(t, "name", consistencyErr.Attribute)
		assert.Contains(t, server.execs, "ROLLBACK TO SAVEPOINT pq_debug_scan; RELEASE SAVEPOINT pq_debug_scan")
	})
}

func TestInTransaction(t *testing.T) {
	ctx := context.Background()
	timeout := config.ScanConfig{StatementTimeout: 5 * time.Second}

	t.Run("should commit after a successful scan", func(t *testing.T) {
		server := newFakeServer()

		_, err := inTransaction(ctx, server, timeout, func() ([]Row, error) {
			return []Row{{Xmin: 1}}, nil
		})

		require.NoError(t, err)
		assert.Equal(t, []string{
			"BEGIN ISOLATION LEVEL READ COMMITTED READ ONLY; SET LOCAL statement_timeout = 5000",
			"COMMIT",
		}, server.execs)
	})

	t.Run("should roll back a failed scan", func(t *testing.T) {
		server := newFakeServer()
		readOnly := false

		_, err := inTransaction(ctx, server, config.ScanConfig{ReadOnly: &readOnly}, func() ([]Row, error) {
			return nil, errors.New("boom")
		})

		require.Error(t, err)
		assert.Equal(t, []string{"BEGIN ISOLATION LEVEL READ COMMITTED", "ROLLBACK"}, server.execs)
	})
}
