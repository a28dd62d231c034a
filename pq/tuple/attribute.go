package tuple

// Attribute describes one column slot of a relation, as stored in pg_attribute.
type Attribute struct {
	// Missing is the text of the value tuples written before the column was added read for
	// it (attmissingval), nil when the column has none.
	Missing    *string
	Name       string
	TypeID     uint32
	RelationID uint32
	Num        int16
	// Dropped columns keep their physical slot in existing tuples.
	Dropped bool
}

// ValueSource yields the raw datum of an attribute by attnum. ok is false for NULL.
type ValueSource interface {
	Value(num int16) (raw []byte, ok bool)
	// Stored reports whether the tuple physically holds attribute num. Attributes added to
	// the relation later are not stored and read as their missing value.
	Stored(num int16) bool
}

// Values is a ValueSource over the datums a heap tuple stores, in attnum order.
type Values [][]byte

func (v Values) Value(num int16) ([]byte, bool) {
	if !v.Stored(num) || v[num-1] == nil {
		return nil, false
	}
	return v[num-1], true
}

func (v Values) Stored(num int16) bool {
	return num >= 1 && int(num) <= len(v)
}

// TypeInfo is the storage description of a type, as stored in pg_type.
type TypeInfo struct {
	ID uint32
	// Elem is the element type of an array type, 0 otherwise.
	Elem uint32
	// Len is the fixed width in bytes, -1 for varlena and -2 for cstring.
	Len      int16
	Align    byte
	Kind     byte
	Category byte
}

const (
	typeKindEnum      = 'e'
	typeCategoryArray = 'A'
)

// Types describes the catalog types a renderer may meet beyond the built-in ones.
type Types struct {
	Info map[uint32]TypeInfo
	// EnumLabels maps the oid of a pg_enum row, which is the on-disk value of an enum, to its label.
	EnumLabels map[uint32]string
}

func (t *Types) info(typeID uint32) (TypeInfo, bool) {
	if t == nil {
		return TypeInfo{}, false
	}
	info, ok := t.Info[typeID]
	return info, ok
}

func (t *Types) enumLabel(oid uint32) (string, bool) {
	if t == nil {
		return "", false
	}
	label, ok := t.EnumLabels[oid]
	return label, ok
}
