package heap

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/go-playground/errors"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/vskurikhin/go-pq-debugscan/logger"
	"github.com/vskurikhin/go-pq-debugscan/pq"
)

// lpNormal is the line pointer state of a used item carrying tuple storage.
const lpNormal = 1

const (
	blockCountSQL = "SELECT pg_relation_size($1::regclass, 'main') / current_setting('block_size')::bigint"
	pageItemsSQL  = `WITH page AS (SELECT get_raw_page($1::text, 'main', $2::%s) AS raw)
SELECT h.lsn::text, i.lp, i.lp_flags, i.t_xmin::text, i.t_xmax::text, i.t_infomask, i.t_infomask2, i.t_attrs
FROM page, page_header(page.raw) AS h, heap_page_item_attrs(page.raw, $3::regclass, $4::bool) AS i
ORDER BY i.lp`
)

// pageinspect before 1.9 (PostgreSQL 13) only has get_raw_page(text, text, int4).
var (
	pageItemsInt4SQL   = fmt.Sprintf(pageItemsSQL, "int4")
	pageItemsBigintSQL = fmt.Sprintf(pageItemsSQL, "bigint")
)

// pageItemsQuery returns the page read for block, keeping the int4 signature whenever
// the block number fits it.
func pageItemsQuery(block uint32) string {
	if block <= math.MaxInt32 {
		return pageItemsInt4SQL
	}
	return pageItemsBigintSQL
}

var typeMap = pgtype.NewMap()

// PageReader reads heap pages of a relation through the pageinspect extension.
type PageReader struct {
	conn    pq.Querier
	detoast bool
}

// NewPageReader returns a reader. With detoast set, varlena attributes are returned
// decompressed and fetched from TOAST, without their length header.
func NewPageReader(conn pq.Querier, detoast bool) *PageReader {
	return &PageReader{conn: conn, detoast: detoast}
}

func (r *PageReader) Detoast() bool {
	return r.detoast
}

func (r *PageReader) BlockCount(ctx context.Context, relID uint32) (uint32, error) {
	result, err := r.conn.Query(ctx, blockCountSQL, pq.Param(strconv.FormatUint(uint64(relID), 10)))
	if err != nil {
		return 0, errors.Wrap(err, "block count query")
	}

	if len(result.Rows) != 1 || len(result.Rows[0]) != 1 {
		return 0, errors.New("block count result must have exactly one value")
	}

	n, err := strconv.ParseUint(string(result.Rows[0][0]), 10, 32)
	if err != nil {
		return 0, errors.Wrap(err, "block count parse")
	}

	return uint32(n), nil
}

// ReadPage returns the tuples of LP_NORMAL items on block, in line pointer order.
// name is the qualified, quoted relation name get_raw_page expects.
func (r *PageReader) ReadPage(ctx context.Context, name string, relID uint32, block uint32) ([]*Tuple, error) {
	result, err := r.conn.Query(ctx, pageItemsQuery(block),
		pq.Param(name),
		pq.Param(strconv.FormatUint(uint64(block), 10)),
		pq.Param(strconv.FormatUint(uint64(relID), 10)),
		pq.Param(strconv.FormatBool(r.detoast)),
	)
	if err != nil {
		return nil, errors.Wrap(err, "page items query")
	}

	tuples, lsn, err := decodePageItems(block, result)
	if err != nil {
		return nil, errors.Wrap(err, "page items decode")
	}

	logger.Debug("[heap] page read", "relation", name, "block", block, "items", len(result.Rows), "tuples", len(tuples), "lsn", lsn.String())
	return tuples, nil
}

func decodePageItems(block uint32, result *pgconn.Result) ([]*Tuple, pq.LSN, error) {
	var lsn pq.LSN
	tuples := make([]*Tuple, 0, len(result.Rows))

	for _, row := range result.Rows {
		if len(row) != 8 {
			return nil, lsn, errors.Newf("page item row must have 8 columns, got %d", len(row))
		}

		if lsn == pq.InvalidLSN {
			var err error
			if lsn, err = pq.ParseLSN(string(row[0])); err != nil {
				return nil, lsn, errors.Wrap(err, "page lsn")
			}
		}

		if string(row[2]) != strconv.Itoa(lpNormal) {
			continue
		}

		t, err := decodeTuple(row)
		if err != nil {
			return nil, lsn, err
		}
		t.TID.Block = block
		t.PageLSN = lsn

		tuples = append(tuples, t)
	}

	return tuples, lsn, nil
}

func decodeTuple(row [][]byte) (*Tuple, error) {
	offset, err := strconv.ParseUint(string(row[1]), 10, 16)
	if err != nil {
		return nil, errors.Wrap(err, "line pointer")
	}

	xmin, err := strconv.ParseUint(string(row[3]), 10, 32)
	if err != nil {
		return nil, errors.Wrap(err, "t_xmin")
	}

	xmax, err := strconv.ParseUint(string(row[4]), 10, 32)
	if err != nil {
		return nil, errors.Wrap(err, "t_xmax")
	}

	infomask, err := strconv.ParseUint(string(row[5]), 10, 16)
	if err != nil {
		return nil, errors.Wrap(err, "t_infomask")
	}

	infomask2, err := strconv.ParseUint(string(row[6]), 10, 16)
	if err != nil {
		return nil, errors.Wrap(err, "t_infomask2")
	}

	var attrs [][]byte
	if row[7] != nil {
		if err = typeMap.Scan(pgtype.ByteaArrayOID, pgtype.TextFormatCode, row[7], &attrs); err != nil {
			return nil, errors.Wrap(err, "t_attrs")
		}
	}

	return &Tuple{
		Header: Header{
			RawXmin:   pq.XID(xmin),
			RawXmax:   pq.XID(xmax),
			Infomask:  uint16(infomask),
			Infomask2: uint16(infomask2),
		},
		Attrs: attrs,
		TID:   ItemPointer{Offset: uint16(offset)},
	}, nil
}
