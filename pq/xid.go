package pq

import (
	"strconv"
)

// XID is a 32-bit PostgreSQL transaction id.
type XID uint32

// FullXID is a 64-bit transaction id carrying the wraparound epoch in its upper half.
type FullXID uint64

const (
	InvalidXID     XID = 0
	BootstrapXID   XID = 1
	FrozenXID      XID = 2
	FirstNormalXID XID = 3
)

func (x XID) String() string {
	return strconv.FormatUint(uint64(x), 10)
}

func (x XID) IsValid() bool {
	return x != InvalidXID
}

func (x XID) IsNormal() bool {
	return x >= FirstNormalXID
}

// Precedes compares ids on the 2^32 circle, as the server does. Permanent ids (< 3)
// compare by plain value and precede every normal id.
func (x XID) Precedes(y XID) bool {
	if !x.IsNormal() || !y.IsNormal() {
		return x < y
	}
	return int32(x-y) < 0
}

func (x XID) FollowsOrEquals(y XID) bool {
	return !x.Precedes(y)
}

func (f FullXID) Epoch() uint32 {
	return uint32(f >> 32)
}

func (f FullXID) XID() XID {
	return XID(f)
}

func (f FullXID) String() string {
	return strconv.FormatUint(uint64(f), 10)
}

// FullXIDFromRelative widens xid to 64 bits using ref, a recent full id such as a snapshot's
// xmax. xid is assumed to lie within 2^31 of ref.
func FullXIDFromRelative(ref FullXID, xid XID) FullXID {
	if !xid.IsNormal() {
		return FullXID(xid)
	}

	refXID := ref.XID()
	epoch := uint64(ref.Epoch())
	if xid > refXID && int32(xid-refXID) < 0 && epoch > 0 {
		// xid was assigned before ref wrapped around
		epoch--
	} else if xid < refXID && int32(xid-refXID) > 0 {
		epoch++
	}

	return FullXID(epoch<<32 | uint64(xid))
}
