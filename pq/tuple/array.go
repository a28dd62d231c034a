package tuple

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/go-playground/errors"
)

const (
	// varlena header, stripped from the payload but counted by every offset inside an array
	arrayHeader = 4
	// ndim, dataoffset and element type following the header
	arrayOverhead = 16
)

// renderArray prints a one-dimensional array the way array_out does. Arrays of more
// dimensions render as hex.
func (r *Renderer) renderArray(typeID uint32, raw []byte) (string, error) {
	payload, ok := r.payload(raw)
	if !ok {
		return r.fallback(typeID, raw), nil
	}
	if len(payload) < arrayOverhead-arrayHeader {
		return "", errors.Newf("array %d datum too short: %d bytes", typeID, len(payload))
	}

	ndim := int32(binary.LittleEndian.Uint32(payload[0:]))
	dataOffset := int(int32(binary.LittleEndian.Uint32(payload[4:])))
	elemType := binary.LittleEndian.Uint32(payload[8:])

	switch {
	case ndim == 0:
		return "{}", nil
	case ndim != 1:
		return r.fallback(typeID, raw), nil
	}

	elem, ok := r.types.info(elemType)
	if !ok || elem.Len == -2 {
		return r.fallback(typeID, raw), nil
	}

	// dimensions and lower bounds follow the fixed part
	dims := arrayOverhead - arrayHeader
	if len(payload) < dims+8 {
		return "", errors.Newf("array %d datum too short for its dimensions", typeID)
	}
	n := int(int32(binary.LittleEndian.Uint32(payload[dims:])))
	lower := int32(binary.LittleEndian.Uint32(payload[dims+4:]))
	if n < 0 {
		return "", errors.Newf("array %d has %d elements", typeID, n)
	}

	var nulls []byte
	if dataOffset != 0 {
		start := dims + 8
		end := start + (n+7)/8
		if end > len(payload) || dataOffset-arrayHeader > len(payload) {
			return "", errors.Newf("array %d null bitmap out of bounds", typeID)
		}
		nulls = payload[start:end]
	} else {
		dataOffset = align(arrayOverhead+8, 'd')
	}

	element := *r
	element.detoast = false

	texts := make([]string, n)
	off := dataOffset
	for i := range texts {
		if nulls != nil && nulls[i/8]&(1<<(i%8)) == 0 {
			texts[i] = NullText
			continue
		}

		off = align(off, elem.Align)
		p := off - arrayHeader
		if p < 0 || p >= len(payload) {
			return "", errors.Newf("array %d element %d out of bounds", typeID, i+1)
		}

		width := int(elem.Len)
		if width < 0 {
			var err error
			if width, err = varlenaSize(payload[p:]); err != nil {
				return "", errors.Wrap(err, fmt.Sprintf("array %d element %d", typeID, i+1))
			}
		}
		if p+width > len(payload) {
			return "", errors.Newf("array %d element %d out of bounds", typeID, i+1)
		}

		text, err := element.RenderValue(elemType, payload[p:p+width])
		if err != nil {
			return "", errors.Wrap(err, fmt.Sprintf("array %d element %d", typeID, i+1))
		}
		texts[i] = quoteArrayElement(text)
		off += width
	}

	var b strings.Builder
	if lower != 1 {
		fmt.Fprintf(&b, "[%d:%d]=", lower, int(lower)+n-1)
	}
	b.WriteByte('{')
	b.WriteString(strings.Join(texts, ","))
	b.WriteByte('}')
	return b.String(), nil
}

// varlenaSize reads the total length, header included, of the varlena value at the start of b.
func varlenaSize(b []byte) (int, error) {
	if b[0]&0x01 == 0x01 {
		if b[0] == 0x01 {
			return 0, errors.New("toast pointer inside array")
		}
		return int(b[0] >> 1), nil
	}
	if len(b) < 4 {
		return 0, errors.Newf("varlena header truncated: %d bytes", len(b))
	}
	return int(binary.LittleEndian.Uint32(b) >> 2), nil
}

func align(off int, alignment byte) int {
	a := 1
	switch alignment {
	case 's':
		a = 2
	case 'i':
		a = 4
	case 'd':
		a = 8
	}
	return (off + a - 1) &^ (a - 1)
}

// quoteArrayElement double quotes text that would not read back as the same element.
func quoteArrayElement(text string) string {
	if text != "" && !strings.EqualFold(text, NullText) && !strings.ContainsAny(text, "\"\\{}, \t\n\r\v\f") {
		return text
	}

	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(text); i++ {
		if text[i] == '"' || text[i] == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(text[i])
	}
	b.WriteByte('"')
	return b.String()
}
