package scan

import (
	"context"
	"time"

	"github.com/go-playground/errors"
	"github.com/vskurikhin/go-pq-debugscan/internal/metric"
	"github.com/vskurikhin/go-pq-debugscan/logger"
	"github.com/vskurikhin/go-pq-debugscan/pq"
	"github.com/vskurikhin/go-pq-debugscan/pq/heap"
	"github.com/vskurikhin/go-pq-debugscan/pq/relation"
	"github.com/vskurikhin/go-pq-debugscan/pq/snapshot"
	"github.com/vskurikhin/go-pq-debugscan/pq/tuple"
)

// HeapFormat scans heap relations page by page and applies the MVCC rule to every item.
type HeapFormat struct {
	conn   pq.Querier
	reader *heap.PageReader
	metric metric.Metric
}

func NewHeapFormat(conn pq.Querier, detoast bool, m metric.Metric) *HeapFormat {
	return &HeapFormat{
		conn:   conn,
		reader: heap.NewPageReader(conn, detoast),
		metric: m,
	}
}

func (f *HeapFormat) Open(ctx context.Context, rel *relation.Relation, snap *snapshot.Snapshot) (Cursor, error) {
	blocks, err := f.reader.BlockCount(ctx, rel.ID)
	if err != nil {
		return nil, errors.Wrap(err, "heap block count")
	}

	logger.Debug("[scan] heap scan opened", "relation", rel.String(), "blocks", blocks, "detoast", f.reader.Detoast())

	return &heapCursor{
		format:   f,
		rel:      rel,
		snap:     snap,
		oracle:   heap.NewStatusOracle(f.conn, snap),
		blocks:   blocks,
		openedAt: time.Now(),
	}, nil
}

type heapCursor struct {
	openedAt  time.Time
	format    *HeapFormat
	rel       *relation.Relation
	snap      *snapshot.Snapshot
	oracle    *heap.PgStatusOracle
	page      []*heap.Tuple
	pos       int
	block     uint32
	blocks    uint32
	visible   int64
	invisible int64
}

func (c *heapCursor) Next(ctx context.Context) (*Record, error) {
	for {
		if c.pos < len(c.page) {
			t := c.page[c.pos]
			c.pos++

			ok, err := heap.SatisfiesMVCC(ctx, t.Header, c.snap, c.oracle)
			if err != nil {
				return nil, errors.Wrap(err, "visibility check")
			}
			if !ok {
				c.invisible++
				continue
			}

			c.visible++
			return &Record{
				Xmin:    t.Xmin(),
				Xmax:    t.Xmax(),
				Values:  tuple.Values(t.StoredAttrs()),
				TID:     t.TID,
				PageLSN: t.PageLSN,
			}, nil
		}

		if c.block >= c.blocks {
			return nil, nil
		}

		if err := c.readPage(ctx); err != nil {
			return nil, err
		}
	}
}

func (c *heapCursor) readPage(ctx context.Context) error {
	page, err := c.format.reader.ReadPage(ctx, c.rel.QualifiedName(), c.rel.ID, c.block)
	if err != nil {
		return errors.Wrap(err, "heap page read")
	}
	c.format.metric.PageReadIncrement(1)

	if err = c.oracle.Prefetch(ctx, undecided(page)); err != nil {
		return errors.Wrap(err, "transaction status prefetch")
	}

	c.page, c.pos = page, 0
	c.block++
	return nil
}

func (c *heapCursor) Close(context.Context) error {
	c.format.metric.VisibleTupleIncrement(c.visible)
	c.format.metric.InvisibleTupleIncrement(c.invisible)
	c.page = nil

	logger.Debug("[scan] heap scan closed",
		"relation", c.rel.String(),
		"blocksRead", c.block,
		"visible", c.visible,
		"invisible", c.invisible,
		"duration", time.Since(c.openedAt).String(),
	)
	return nil
}

// undecided lists the ids whose commit status the hint bits of page leave open.
func undecided(page []*heap.Tuple) []pq.XID {
	xids := make([]pq.XID, 0, 2*len(page))
	for _, t := range page {
		if !t.XminCommitted() && !t.XminInvalid() {
			xids = append(xids, t.RawXmin)
		}
		if !t.XmaxInvalid() && !t.XmaxCommitted() && !t.XmaxIsMulti() && !t.XmaxIsLockedOnly() {
			xids = append(xids, t.RawXmax)
		}
	}
	return xids
}
