package heap

import (
	"context"

	"github.com/go-playground/errors"
	"github.com/vskurikhin/go-pq-debugscan/pq"
	"github.com/vskurikhin/go-pq-debugscan/pq/snapshot"
)

type Status int

const (
	StatusInProgress Status = iota
	StatusCommitted
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusCommitted:
		return "committed"
	case StatusAborted:
		return "aborted"
	default:
		return "in progress"
	}
}

// StatusOracle answers commit status questions the hint bits of a header leave open.
type StatusOracle interface {
	Status(ctx context.Context, xid pq.XID) (Status, error)
	// MultiXactUpdater returns the updating member of a multixact, InvalidXID if it only locks.
	MultiXactUpdater(ctx context.Context, multi pq.XID) (pq.XID, error)
}

// SatisfiesMVCC reports whether the tuple version described by h is visible under snap.
// It follows HeapTupleSatisfiesMVCC of the server without command id checks: versions
// written by the scanning transaction itself count as written before the scan started.
func SatisfiesMVCC(ctx context.Context, h Header, snap *snapshot.Snapshot, oracle StatusOracle) (bool, error) {
	if !h.XminCommitted() {
		if h.XminInvalid() {
			return false, nil
		}

		switch {
		case snap.IsCurrent(h.RawXmin):
			return insertedByCurrent(ctx, h, snap, oracle)
		case snap.Contains(h.RawXmin):
			return false, nil
		}

		committed, err := isCommitted(ctx, oracle, h.RawXmin)
		if err != nil || !committed {
			return false, err
		}
	} else if !h.XminFrozen() && snap.Contains(h.RawXmin) {
		return false, nil
	}

	// xmin is visible from here on
	if h.XmaxInvalid() || h.XmaxIsLockedOnly() {
		return true, nil
	}

	if h.XmaxIsMulti() {
		updater, err := oracle.MultiXactUpdater(ctx, h.RawXmax)
		if err != nil {
			return false, errors.Wrap(err, "multixact updater")
		}
		if !updater.IsValid() {
			return true, nil
		}

		return deleterInvisible(ctx, updater, snap, oracle)
	}

	if !h.XmaxCommitted() {
		return deleterInvisible(ctx, h.RawXmax, snap, oracle)
	}

	return snap.Contains(h.RawXmax), nil
}

// insertedByCurrent decides visibility of a version inserted by the scanning transaction.
func insertedByCurrent(ctx context.Context, h Header, snap *snapshot.Snapshot, oracle StatusOracle) (bool, error) {
	if h.XmaxInvalid() || h.XmaxIsLockedOnly() {
		return true, nil
	}

	if h.XmaxIsMulti() {
		updater, err := oracle.MultiXactUpdater(ctx, h.RawXmax)
		if err != nil {
			return false, errors.Wrap(err, "multixact updater")
		}
		return !snap.IsCurrent(updater), nil
	}

	// deleted by an aborted subtransaction otherwise
	return !snap.IsCurrent(h.RawXmax), nil
}

// deleterInvisible reports whether the deletion by xmax is not yet seen by snap,
// leaving the tuple visible.
func deleterInvisible(ctx context.Context, xmax pq.XID, snap *snapshot.Snapshot, oracle StatusOracle) (bool, error) {
	if snap.IsCurrent(xmax) {
		return false, nil
	}
	if snap.Contains(xmax) {
		return true, nil
	}

	committed, err := isCommitted(ctx, oracle, xmax)
	if err != nil {
		return false, err
	}
	return !committed, nil
}

func isCommitted(ctx context.Context, oracle StatusOracle, xid pq.XID) (bool, error) {
	if !xid.IsNormal() {
		return xid == pq.BootstrapXID || xid == pq.FrozenXID, nil
	}

	status, err := oracle.Status(ctx, xid)
	if err != nil {
		return false, errors.Wrap(err, "transaction status")
	}
	return status == StatusCommitted, nil
}
