package scan

import (
	"context"

	"github.com/vskurikhin/go-pq-debugscan/pq"
	"github.com/vskurikhin/go-pq-debugscan/pq/heap"
	"github.com/vskurikhin/go-pq-debugscan/pq/relation"
	"github.com/vskurikhin/go-pq-debugscan/pq/snapshot"
	"github.com/vskurikhin/go-pq-debugscan/pq/tuple"
)

// Record is a tuple version that passed the visibility check of its cursor.
type Record struct {
	Values  tuple.ValueSource
	Xmin    heap.VersionID
	Xmax    heap.VersionID
	TID     heap.ItemPointer
	// PageLSN is the LSN of the page the version was read from, InvalidLSN if the format has none.
	PageLSN pq.LSN
}

// Format is a physical storage layout of relations.
type Format interface {
	// Open starts a scan of rel returning only versions visible under snap.
	Open(ctx context.Context, rel *relation.Relation, snap *snapshot.Snapshot) (Cursor, error)
}

type Cursor interface {
	// Next returns the next visible version, or nil when the relation is exhausted.
	Next(ctx context.Context) (*Record, error)
	Close(ctx context.Context) error
}
