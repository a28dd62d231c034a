package tuple

import (
	goerrors "errors"
	"fmt"
	"slices"

	"github.com/go-playground/errors"
	jsoniter "github.com/json-iterator/go"
)

// NullText is what a NULL value renders as. It cannot be told apart from a text value "NULL".
const NullText = "NULL"

var ErrConsistency = goerrors.New("attribute does not belong to the scanned relation")

// ConsistencyError reports an attribute owned by another relation than the one scanned.
type ConsistencyError struct {
	Attribute           string
	RelationID          uint32
	AttributeRelationID uint32
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("attribute %q belongs to relation %d, scanning relation %d", e.Attribute, e.AttributeRelationID, e.RelationID)
}

func (e *ConsistencyError) Is(target error) bool {
	return target == ErrConsistency
}

// TypeRenderer converts a raw datum of a type to its canonical text.
type TypeRenderer interface {
	RenderValue(typeID uint32, raw []byte) (string, error)
}

// Render writes the non-dropped attributes of one tuple as a compact JSON object of
// column name to text, keys in attnum order.
func Render(relID uint32, attrs []Attribute, values ValueSource, renderer TypeRenderer) (string, error) {
	if !slices.IsSortedFunc(attrs, byNum) {
		attrs = slices.Clone(attrs)
		slices.SortStableFunc(attrs, byNum)
	}

	stream := jsoniter.ConfigCompatibleWithStandardLibrary.BorrowStream(nil)
	defer jsoniter.ConfigCompatibleWithStandardLibrary.ReturnStream(stream)

	stream.WriteObjectStart()
	first := true
	for _, attr := range attrs {
		if attr.Dropped {
			continue
		}

		if attr.RelationID != relID {
			return "", &ConsistencyError{Attribute: attr.Name, RelationID: relID, AttributeRelationID: attr.RelationID}
		}

		text := NullText
		if raw, ok := values.Value(attr.Num); ok {
			var err error
			if text, err = renderer.RenderValue(attr.TypeID, raw); err != nil {
				return "", errors.Wrap(err, "render column "+attr.Name)
			}
		} else if attr.Missing != nil && !values.Stored(attr.Num) {
			text = *attr.Missing
		}

		if !first {
			stream.WriteMore()
		}
		first = false
		stream.WriteObjectField(attr.Name)
		stream.WriteString(text)
	}
	stream.WriteObjectEnd()

	if stream.Error != nil {
		return "", errors.Wrap(stream.Error, "row json")
	}

	return string(stream.Buffer()), nil
}

func byNum(a, b Attribute) int {
	return int(a.Num) - int(b.Num)
}
