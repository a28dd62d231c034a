package heap

import (
	"github.com/vskurikhin/go-pq-debugscan/pq"
)

// t_infomask bits, see src/include/access/htup_details.h.
const (
	XmaxKeyshrLock uint16 = 0x0010
	XmaxExclLock   uint16 = 0x0040
	XmaxLockOnly   uint16 = 0x0080
	XminCommitted  uint16 = 0x0100
	XminInvalid    uint16 = 0x0200
	XminFrozen            = XminCommitted | XminInvalid
	XmaxCommitted  uint16 = 0x0400
	XmaxInvalid    uint16 = 0x0800
	XmaxIsMulti    uint16 = 0x1000

	lockMask = XmaxExclLock | XmaxKeyshrLock

	// NattsMask selects the attribute count from t_infomask2.
	NattsMask uint16 = 0x07FF
)

// VersionID is a creating or terminating transaction id as reported to the caller.
// A frozen version carries no id of its own.
type VersionID struct {
	id     pq.XID
	frozen bool
}

// Frozen marks a version whose transaction id was replaced by the freeze marker.
var Frozen = VersionID{id: pq.FrozenXID, frozen: true}

func Ordinary(id pq.XID) VersionID {
	return VersionID{id: id}
}

// Value is the reported id: pq.FrozenXID for frozen versions, the raw id otherwise.
func (v VersionID) Value() pq.XID {
	if v.frozen {
		return pq.FrozenXID
	}
	return v.id
}

func (v VersionID) IsFrozen() bool {
	return v.frozen
}

func (v VersionID) String() string {
	if v.frozen {
		return "frozen"
	}
	return v.id.String()
}

// Header is the visibility part of a tuple header.
type Header struct {
	RawXmin   pq.XID
	RawXmax   pq.XID
	Infomask  uint16
	Infomask2 uint16
}

func (h Header) has(bits uint16) bool {
	return h.Infomask&bits == bits
}

func (h Header) XminCommitted() bool {
	return h.has(XminCommitted)
}

func (h Header) XminInvalid() bool {
	return h.has(XminInvalid)
}

func (h Header) XminFrozen() bool {
	return h.has(XminFrozen)
}

func (h Header) XmaxCommitted() bool {
	return h.has(XmaxCommitted)
}

func (h Header) XmaxInvalid() bool {
	return h.has(XmaxInvalid)
}

func (h Header) XmaxIsMulti() bool {
	return h.has(XmaxIsMulti)
}

// XmaxIsLockedOnly reports an xmax that only locked the tuple and never updated or deleted it.
func (h Header) XmaxIsLockedOnly() bool {
	return h.has(XmaxLockOnly) || h.Infomask&(XmaxIsMulti|lockMask) == XmaxExclLock
}

func (h Header) Natts() int {
	return int(h.Infomask2 & NattsMask)
}

func (h Header) Xmin() VersionID {
	if h.XminFrozen() {
		return Frozen
	}
	return Ordinary(h.RawXmin)
}

// Xmax follows Xmin for frozen tuples: the terminating id is reported as frozen too.
func (h Header) Xmax() VersionID {
	if h.XminFrozen() {
		return Frozen
	}
	return Ordinary(h.RawXmax)
}
