package heap

import (
	"fmt"

	"github.com/vskurikhin/go-pq-debugscan/pq"
)

// ItemPointer is the physical position of a tuple: block number and line pointer offset.
type ItemPointer struct {
	Block  uint32
	Offset uint16
}

func (p ItemPointer) String() string {
	return fmt.Sprintf("(%d,%d)", p.Block, p.Offset)
}

// Tuple is one physical tuple version read from a heap page.
type Tuple struct {
	Header
	// Attrs holds the raw datum of each attribute of the relation, in attnum order. A nil
	// element is NULL or not stored in the tuple.
	Attrs   [][]byte
	TID     ItemPointer
	PageLSN pq.LSN
}

// StoredAttrs returns the attributes physically present in the tuple. Attributes added to the
// relation after the tuple was written are cut off.
func (t *Tuple) StoredAttrs() [][]byte {
	if n := t.Natts(); n < len(t.Attrs) {
		return t.Attrs[:n]
	}
	return t.Attrs
}
