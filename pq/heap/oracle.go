package heap

import (
	"context"
	"strconv"

	"github.com/go-playground/errors"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/vskurikhin/go-pq-debugscan/internal/slice"
	"github.com/vskurikhin/go-pq-debugscan/pq"
	"github.com/vskurikhin/go-pq-debugscan/pq/snapshot"
)

const (
	xactStatusSQL       = "SELECT x::text, pg_xact_status(x) FROM unnest($1::xid8[]) AS x"
	multiXactMembersSQL = "SELECT xid::text, mode FROM pg_get_multixact_members($1::xid)"
)

// PgStatusOracle looks transaction status up with pg_xact_status and caches the answers for
// the lifetime of one scan. Ids are widened to xid8 using the epoch of the scan snapshot.
type PgStatusOracle struct {
	conn     pq.Querier
	snap     *snapshot.Snapshot
	status   map[pq.XID]Status
	updaters map[pq.XID]pq.XID
}

func NewStatusOracle(conn pq.Querier, snap *snapshot.Snapshot) *PgStatusOracle {
	return &PgStatusOracle{
		conn:     conn,
		snap:     snap,
		status:   make(map[pq.XID]Status),
		updaters: make(map[pq.XID]pq.XID),
	}
}

func (o *PgStatusOracle) Status(ctx context.Context, xid pq.XID) (Status, error) {
	if s, ok := o.status[xid]; ok {
		return s, nil
	}

	if err := o.Prefetch(ctx, []pq.XID{xid}); err != nil {
		return StatusInProgress, err
	}

	s, ok := o.status[xid]
	if !ok {
		return StatusInProgress, errors.Newf("no status returned for transaction %d", xid)
	}
	return s, nil
}

// Prefetch loads the status of every normal, not yet cached id in one round trip.
func (o *PgStatusOracle) Prefetch(ctx context.Context, xids []pq.XID) error {
	missing := make([]pq.FullXID, 0, len(xids))
	for _, xid := range slice.Distinct(xids) {
		if _, ok := o.status[xid]; ok || !xid.IsNormal() {
			continue
		}
		missing = append(missing, o.snap.FullXID(xid))
	}

	if len(missing) == 0 {
		return nil
	}

	result, err := o.conn.Query(ctx, xactStatusSQL, pq.Param(slice.ArrayLiteral(missing)))
	if err != nil {
		return errors.Wrap(err, "transaction status query")
	}

	return o.decodeStatuses(result)
}

func (o *PgStatusOracle) decodeStatuses(result *pgconn.Result) error {
	for _, row := range result.Rows {
		if len(row) != 2 {
			return errors.Newf("transaction status row must have 2 columns, got %d", len(row))
		}

		full, err := strconv.ParseUint(string(row[0]), 10, 64)
		if err != nil {
			return errors.Wrap(err, "transaction status id parse")
		}

		s, err := parseStatus(row[1])
		if err != nil {
			return err
		}
		o.status[pq.FullXID(full).XID()] = s
	}

	return nil
}

// parseStatus reads pg_xact_status output. NULL means the id is older than the commit log
// kept by the server, which only happens for ids that were frozen or hinted long ago.
func parseStatus(v []byte) (Status, error) {
	if v == nil {
		return StatusCommitted, nil
	}

	switch string(v) {
	case "committed":
		return StatusCommitted, nil
	case "aborted":
		return StatusAborted, nil
	case "in progress":
		return StatusInProgress, nil
	}

	return StatusInProgress, errors.Newf("unknown transaction status %q", v)
}

func (o *PgStatusOracle) MultiXactUpdater(ctx context.Context, multi pq.XID) (pq.XID, error) {
	if xid, ok := o.updaters[multi]; ok {
		return xid, nil
	}

	result, err := o.conn.Query(ctx, multiXactMembersSQL, pq.Param(multi.String()))
	if err != nil {
		return pq.InvalidXID, errors.Wrap(err, "multixact members query")
	}

	updater, err := decodeUpdater(result)
	if err != nil {
		return pq.InvalidXID, err
	}

	o.updaters[multi] = updater
	return updater, nil
}

// decodeUpdater picks the member that updated or deleted the tuple; at most one member does.
func decodeUpdater(result *pgconn.Result) (pq.XID, error) {
	for _, row := range result.Rows {
		if len(row) != 2 {
			return pq.InvalidXID, errors.Newf("multixact member row must have 2 columns, got %d", len(row))
		}

		switch string(row[1]) {
		case "nokeyupd", "upd":
			xid, err := strconv.ParseUint(string(row[0]), 10, 32)
			if err != nil {
				return pq.InvalidXID, errors.Wrap(err, "multixact member parse")
			}
			return pq.XID(xid), nil
		}
	}

	return pq.InvalidXID, nil
}
