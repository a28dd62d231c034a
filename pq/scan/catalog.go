package scan

import (
	"context"

	"github.com/vskurikhin/go-pq-debugscan/pq"
	"github.com/vskurikhin/go-pq-debugscan/pq/relation"
	"github.com/vskurikhin/go-pq-debugscan/pq/tuple"
)

type Lock interface {
	Release(ctx context.Context) error
}

// Catalog resolves, locks and describes the relations a scanner opens.
type Catalog interface {
	ResolveAndLock(ctx context.Context, table string) (*relation.Relation, Lock, error)
	Attributes(ctx context.Context, relID uint32) ([]tuple.Attribute, error)
}

type catalog struct {
	conn pq.Querier
}

func NewCatalog(conn pq.Querier) Catalog {
	return &catalog{conn: conn}
}

func (c *catalog) ResolveAndLock(ctx context.Context, table string) (*relation.Relation, Lock, error) {
	rel, lock, err := relation.ResolveAndLock(ctx, c.conn, table)
	if err != nil {
		return nil, nil, err
	}
	return rel, lock, nil
}

func (c *catalog) Attributes(ctx context.Context, relID uint32) ([]tuple.Attribute, error) {
	return relation.Attributes(ctx, c.conn, relID)
}
