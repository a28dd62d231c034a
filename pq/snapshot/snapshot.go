package snapshot

import (
	"context"
	"slices"
	"time"

	"github.com/go-playground/errors"
	"github.com/vskurikhin/go-pq-debugscan/pq"
)

// Snapshot is the visibility context of a scan. Xmin, Xmax and Xip decide which transactions
// count as in progress; the remaining fields are control data copied from the server.
type Snapshot struct {
	TakenAt time.Time
	Xip     []pq.XID
	// EpochAnchor is a recent full transaction id used to widen 32-bit ids for status lookups.
	EpochAnchor pq.FullXID
	Xmin        pq.XID
	Xmax        pq.XID
	// CurrentXID is the scanning transaction's own id, InvalidXID if none was assigned.
	CurrentXID          pq.XID
	TakenDuringRecovery bool
	// Copied marks a snapshot built for a single scan and owned by it.
	Copied bool
}

// Baseline provides the server snapshots a scan snapshot is derived from.
type Baseline interface {
	LatestSnapshot(ctx context.Context) (*Snapshot, error)
	CurrentTransactionSnapshot(ctx context.Context) (*Snapshot, error)
}

func (s *Snapshot) XCnt() int {
	return len(s.Xip)
}

// Contains reports whether xid counts as still running for this snapshot.
func (s *Snapshot) Contains(xid pq.XID) bool {
	if xid.Precedes(s.Xmin) {
		return false
	}

	if xid.FollowsOrEquals(s.Xmax) {
		return true
	}

	return slices.Contains(s.Xip, xid)
}

// IsCurrent reports whether xid is the scanning transaction itself.
func (s *Snapshot) IsCurrent(xid pq.XID) bool {
	return s.CurrentXID.IsValid() && xid == s.CurrentXID
}

func (s *Snapshot) FullXID(xid pq.XID) pq.FullXID {
	return pq.FullXIDFromRelative(s.EpochAnchor, xid)
}

func (s *Snapshot) String() string {
	return formatFields(uint64(s.Xmin), uint64(s.Xmax), s.Xip)
}

// Build returns the snapshot a scan should use. Without a descriptor it is the current
// transaction snapshot as is. Otherwise the latest snapshot serves as template: its control
// fields are copied, xmin/xmax are replaced and xip is a fresh copy of the descriptor's list.
func Build(ctx context.Context, d *Descriptor, baseline Baseline) (*Snapshot, error) {
	if d == nil {
		s, err := baseline.CurrentTransactionSnapshot(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "current transaction snapshot")
		}
		return s, nil
	}

	template, err := baseline.LatestSnapshot(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "latest snapshot")
	}

	return override(template, d), nil
}

func override(template *Snapshot, d *Descriptor) *Snapshot {
	s := *template
	s.Xmin = d.Xmin
	s.Xmax = d.Xmax
	s.Xip = make([]pq.XID, len(d.Xip))
	copy(s.Xip, d.Xip)
	s.Copied = true

	return &s
}
