package snapshot

import (
	"context"
	"strconv"
	"time"

	"github.com/go-playground/errors"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/vskurikhin/go-pq-debugscan/logger"
	"github.com/vskurikhin/go-pq-debugscan/pq"
)

const currentSnapshotSQL = "SELECT pg_current_snapshot()::text, pg_current_xact_id_if_assigned()::text, pg_is_in_recovery()"

// Provider reads baseline snapshots from the server. It must run on the connection holding the
// scan transaction: the first snapshot taken is kept as that transaction's snapshot.
type Provider struct {
	conn    pq.Querier
	current *Snapshot
	now     func() time.Time
}

func NewProvider(conn pq.Querier) *Provider {
	return &Provider{conn: conn, now: time.Now}
}

func (p *Provider) CurrentTransactionSnapshot(ctx context.Context) (*Snapshot, error) {
	if p.current != nil {
		return p.current, nil
	}

	s, err := p.take(ctx)
	if err != nil {
		return nil, err
	}
	p.current = s

	logger.Debug("[snapshot] transaction snapshot taken", "snapshot", s.String(), "currentXID", s.CurrentXID)
	return s, nil
}

func (p *Provider) LatestSnapshot(ctx context.Context) (*Snapshot, error) {
	if p.current == nil {
		if _, err := p.CurrentTransactionSnapshot(ctx); err != nil {
			return nil, err
		}
	}

	return p.take(ctx)
}

func (p *Provider) take(ctx context.Context) (*Snapshot, error) {
	result, err := p.conn.Query(ctx, currentSnapshotSQL)
	if err != nil {
		return nil, errors.Wrap(err, "current snapshot query")
	}

	s, err := decodeSnapshotResult(result)
	if err != nil {
		return nil, errors.Wrap(err, "current snapshot decode")
	}
	s.TakenAt = p.now()

	return s, nil
}

func decodeSnapshotResult(result *pgconn.Result) (*Snapshot, error) {
	if len(result.Rows) != 1 || len(result.Rows[0]) != 3 {
		return nil, errors.New("current snapshot result must have exactly one row of 3 columns")
	}
	row := result.Rows[0]

	s, err := parseServerSnapshot(string(row[0]))
	if err != nil {
		return nil, err
	}

	if row[1] != nil {
		full, err := strconv.ParseUint(string(row[1]), 10, 64)
		if err != nil {
			return nil, errors.Wrap(err, "current transaction id parse")
		}
		s.CurrentXID = pq.FullXID(full).XID()
	}

	s.TakenDuringRecovery = string(row[2]) == "t"
	return s, nil
}

// parseServerSnapshot reads pg_current_snapshot() text, whose ids are 64-bit with epoch.
func parseServerSnapshot(text string) (*Snapshot, error) {
	xmin, xmax, tokens, err := parseFields(text, 64)
	if err != nil {
		return nil, err
	}

	s := &Snapshot{
		Xmin:        pq.FullXID(xmin).XID(),
		Xmax:        pq.FullXID(xmax).XID(),
		EpochAnchor: pq.FullXID(xmax),
		Xip:         make([]pq.XID, 0, len(tokens)),
	}
	for _, token := range tokens {
		v, err := parseMember(text, token, 64)
		if err != nil {
			return nil, err
		}
		s.Xip = append(s.Xip, pq.FullXID(v).XID())
	}

	return s, nil
}
