package scan

import (
	"context"
	"strconv"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vskurikhin/go-pq-debugscan/internal/metric"
	"github.com/vskurikhin/go-pq-debugscan/pq"
	"github.com/vskurikhin/go-pq-debugscan/pq/heap"
	"github.com/vskurikhin/go-pq-debugscan/pq/relation"
	"github.com/vskurikhin/go-pq-debugscan/pq/snapshot"
)

// pageServer answers the pageinspect queries of a heap scan from in-memory pages.
type pageServer struct {
	pages    map[string][][]string
	statuses map[string]string
	queries  []string
}

func (s *pageServer) Query(_ context.Context, sql string, params ...*string) (*pgconn.Result, error) {
	s.queries = append(s.queries, sql)

	switch {
	case strings.Contains(sql, "pg_relation_size"):
		return textRows([]string{strconv.Itoa(len(s.pages))}), nil
	case strings.Contains(sql, "get_raw_page"):
		return textRows(s.pages[*params[1]]...), nil
	case strings.Contains(sql, "pg_xact_status"):
		list := strings.Trim(*params[0], "{}")
		var out [][]string
		for _, id := range strings.Split(list, ",") {
			out = append(out, []string{id, s.statuses[id]})
		}
		return textRows(out...), nil
	}

	return &pgconn.Result{}, nil
}

func (s *pageServer) ExecSQL(context.Context, string) error {
	return nil
}

func textRows(rows ...[]string) *pgconn.Result {
	r := &pgconn.Result{}
	for _, row := range rows {
		encoded := make([][]byte, len(row))
		for i, v := range row {
			if v != "" {
				encoded[i] = []byte(v)
			}
		}
		r.Rows = append(r.Rows, encoded)
	}
	return r
}

func item(lp, flags, xmin, xmax string, infomask uint16, attrs string) []string {
	return []string{"0/16B3748", lp, flags, xmin, xmax, strconv.Itoa(int(infomask)), "1", attrs}
}

func TestHeapFormat(t *testing.T) {
	ctx := context.Background()
	rel := &relation.Relation{ID: 16384, Schema: "public", Name: "debug", Kind: relation.KindTable, AccessMethod: "heap"}

	server := &pageServer{
		pages: map[string][][]string{
			"0": {
				item("1", "1", "700", "0", heap.XminCommitted|heap.XmaxInvalid, `{"\\x01000000"}`),
				item("2", "3", "", "", 0, ""),
				item("3", "1", "741", "0", heap.XmaxInvalid, `{"\\x02000000"}`),
			},
			"1": {
				item("1", "1", "742", "0", heap.XmaxInvalid, `{"\\x03000000"}`),
				item("2", "1", "650", "0", heap.XminFrozen|heap.XmaxInvalid, `{"\\x04000000"}`),
			},
		},
		statuses: map[string]string{"741": "committed", "742": "in progress"},
	}
	m := metric.NewMetric("debug_db")
	snap := &snapshot.Snapshot{Xmin: 740, Xmax: 745, Xip: []pq.XID{742}, EpochAnchor: 745}

	cursor, err := NewHeapFormat(server, true, m).Open(ctx, rel, snap)
	require.NoError(t, err)

	var records []*Record
	for {
		r, err := cursor.Next(ctx)
		require.NoError(t, err)
		if r == nil {
			break
		}
		records = append(records, r)
	}
	require.NoError(t, cursor.Close(ctx))

	require.Len(t, records, 3)
	assert.Equal(t, heap.Ordinary(700), records[0].Xmin)
	assert.Equal(t, pq.InvalidXID, records[0].Xmax.Value())
	assert.Equal(t, "0/16B3748", records[0].PageLSN.String())
	assert.Equal(t, heap.ItemPointer{Block: 0, Offset: 3}, records[1].TID)
	assert.Equal(t, heap.Ordinary(741), records[1].Xmin)
	assert.True(t, records[2].Xmin.IsFrozen())
	assert.Equal(t, pq.FrozenXID, records[2].Xmax.Value())

	raw, ok := records[1].Values.Value(1)
	require.True(t, ok)
	assert.Equal(t, []byte{2, 0, 0, 0}, raw)

	collectors := m.PrometheusCollectors()
	assert.Equal(t, float64(3), testutil.ToFloat64(collectors[2]))
	assert.Equal(t, float64(1), testutil.ToFloat64(collectors[3]))
	assert.Equal(t, float64(2), testutil.ToFloat64(collectors[4]))
}
