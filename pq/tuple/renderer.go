package tuple

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/vskurikhin/go-pq-debugscan/logger"
)

const (
	xmlOID    = 142
	moneyOID  = 790
	timetzOID = 1266

	inetFamily4 = 2
	inetFamily6 = 3

	// maximum length of a name, including the terminating zero byte
	nameDataLen = 64

	float4Digits = 6
	float8Digits = 15
)

// Renderer turns on-disk datums into the text the server's output functions produce.
// Datums are expected in little-endian layout. Fixed-width values are converted to the
// binary wire format and decoded with pgtype.
type Renderer struct {
	typeMap  *pgtype.Map
	types    *Types
	location *time.Location
	detoast  bool
}

// NewRenderer returns a renderer. detoast must match how varlena values were read: detoasted
// values carry no length header.
func NewRenderer(detoast bool) *Renderer {
	return &Renderer{typeMap: pgtype.NewMap(), location: time.UTC, detoast: detoast}
}

// WithTypes lets r render enums and one-dimensional arrays of the given catalog types.
func (r *Renderer) WithTypes(types *Types) *Renderer {
	r.types = types
	return r
}

// WithLocation sets the time zone timestamptz values are shown in, the session TimeZone.
func (r *Renderer) WithLocation(location *time.Location) *Renderer {
	if location != nil {
		r.location = location
	}
	return r
}

//nolint:gocyclo
func (r *Renderer) RenderValue(typeID uint32, raw []byte) (string, error) {
	switch typeID {
	case pgtype.BoolOID:
		var v bool
		if err := r.scanFixed(typeID, raw, 1, &v); err != nil {
			return "", err
		}
		if v {
			return "t", nil
		}
		return "f", nil
	case pgtype.Int2OID:
		var v int16
		if err := r.scanFixed(typeID, raw, 2, &v); err != nil {
			return "", err
		}
		return strconv.FormatInt(int64(v), 10), nil
	case pgtype.Int4OID:
		var v int32
		if err := r.scanFixed(typeID, raw, 4, &v); err != nil {
			return "", err
		}
		return strconv.FormatInt(int64(v), 10), nil
	case pgtype.Int8OID:
		var v int64
		if err := r.scanFixed(typeID, raw, 8, &v); err != nil {
			return "", err
		}
		return strconv.FormatInt(v, 10), nil
	case pgtype.OIDOID, pgtype.XIDOID, pgtype.CIDOID:
		var v uint32
		if err := r.scanFixed(typeID, raw, 4, &v); err != nil {
			return "", err
		}
		return strconv.FormatUint(uint64(v), 10), nil
	case pgtype.Float4OID:
		var v float32
		if err := r.scanFixed(typeID, raw, 4, &v); err != nil {
			return "", err
		}
		return formatFloat(float64(v), 32, float4Digits), nil
	case pgtype.Float8OID:
		var v float64
		if err := r.scanFixed(typeID, raw, 8, &v); err != nil {
			return "", err
		}
		return formatFloat(v, 64, float8Digits), nil
	case pgtype.DateOID:
		var v pgtype.Date
		if err := r.scanFixed(typeID, raw, 4, &v); err != nil {
			return "", err
		}
		if v.InfinityModifier != pgtype.Finite {
			return v.InfinityModifier.String(), nil
		}
		return formatTime(v.Time, "", ""), nil
	case pgtype.TimeOID:
		var v pgtype.Time
		if err := r.scanFixed(typeID, raw, 8, &v); err != nil {
			return "", err
		}
		return time.UnixMicro(v.Microseconds).UTC().Format("15:04:05.999999"), nil
	case pgtype.TimestampOID:
		var v pgtype.Timestamp
		if err := r.scanFixed(typeID, raw, 8, &v); err != nil {
			return "", err
		}
		if v.InfinityModifier != pgtype.Finite {
			return v.InfinityModifier.String(), nil
		}
		return formatTime(v.Time, " 15:04:05.999999", ""), nil
	case pgtype.TimestamptzOID:
		var v pgtype.Timestamptz
		if err := r.scanFixed(typeID, raw, 8, &v); err != nil {
			return "", err
		}
		if v.InfinityModifier != pgtype.Finite {
			return v.InfinityModifier.String(), nil
		}
		t := v.Time.In(r.location)
		_, offset := t.Zone()
		return formatTime(t, " 15:04:05.999999", formatOffset(offset)), nil
	case timetzOID:
		if len(raw) != 12 {
			return "", errors.Newf("type %d datum must be 12 bytes, got %d", typeID, len(raw))
		}
		var v pgtype.Time
		if err := r.scanFixed(pgtype.TimeOID, raw[:8], 8, &v); err != nil {
			return "", err
		}
		// the zone is stored as seconds west of UTC
		zone := int32(binary.LittleEndian.Uint32(raw[8:]))
		return time.UnixMicro(v.Microseconds).UTC().Format("15:04:05.999999") + formatOffset(-int(zone)), nil
	case pgtype.IntervalOID:
		var v pgtype.Interval
		if err := r.scanFields(typeID, raw, &v, 8, 4, 4); err != nil {
			return "", err
		}
		return formatInterval(v), nil
	case moneyOID:
		if len(raw) != 8 {
			return "", errors.Newf("type %d datum must be 8 bytes, got %d", typeID, len(raw))
		}
		return formatMoney(int64(binary.LittleEndian.Uint64(raw))), nil
	case pgtype.InetOID, pgtype.CIDROID:
		payload, ok := r.payload(raw)
		if !ok {
			return r.fallback(typeID, raw), nil
		}
		return r.renderInet(typeID, payload)
	case pgtype.UUIDOID:
		id, err := uuid.FromBytes(raw)
		if err != nil {
			return "", errors.Wrap(err, "uuid")
		}
		return id.String(), nil
	case pgtype.NameOID:
		if len(raw) != nameDataLen {
			return "", errors.Newf("name datum must be %d bytes, got %d", nameDataLen, len(raw))
		}
		if i := strings.IndexByte(string(raw), 0); i >= 0 {
			raw = raw[:i]
		}
		return string(raw), nil
	case pgtype.QCharOID:
		if len(raw) != 1 {
			return "", errors.Newf("\"char\" datum must be 1 byte, got %d", len(raw))
		}
		if raw[0] == 0 {
			return "", nil
		}
		return string(raw), nil
	case pgtype.TextOID, pgtype.VarcharOID, pgtype.BPCharOID, pgtype.JSONOID, xmlOID:
		payload, ok := r.payload(raw)
		if !ok {
			return r.fallback(typeID, raw), nil
		}
		return string(payload), nil
	case pgtype.ByteaOID:
		payload, ok := r.payload(raw)
		if !ok {
			return r.fallback(typeID, raw), nil
		}
		return hexText(payload), nil
	case pgtype.NumericOID:
		payload, ok := r.payload(raw)
		if !ok {
			return r.fallback(typeID, raw), nil
		}
		return formatNumeric(payload)
	}

	if info, ok := r.types.info(typeID); ok {
		switch {
		case info.Kind == typeKindEnum:
			return r.renderEnum(typeID, raw)
		case info.Category == typeCategoryArray && info.Elem != 0:
			return r.renderArray(typeID, raw)
		}
	}

	return r.fallback(typeID, raw), nil
}

// scanFixed decodes a fixed-width little-endian datum through the binary wire format.
func (r *Renderer) scanFixed(typeID uint32, raw []byte, width int, dst any) error {
	if len(raw) != width {
		return errors.Newf("type %d datum must be %d bytes, got %d", typeID, width, len(raw))
	}

	wire := make([]byte, width)
	for i := range raw {
		wire[width-1-i] = raw[i]
	}

	if err := r.typeMap.Scan(typeID, pgtype.BinaryFormatCode, wire, dst); err != nil {
		return errors.Wrap(err, "binary decode")
	}
	return nil
}

// scanFields decodes a datum made of consecutive little-endian fields of the given widths,
// which the wire format sends in the same order.
func (r *Renderer) scanFields(typeID uint32, raw []byte, dst any, widths ...int) error {
	total := 0
	for _, w := range widths {
		total += w
	}
	if len(raw) != total {
		return errors.Newf("type %d datum must be %d bytes, got %d", typeID, total, len(raw))
	}

	wire := make([]byte, 0, total)
	for _, w := range widths {
		for i := w - 1; i >= 0; i-- {
			wire = append(wire, raw[i])
		}
		raw = raw[w:]
	}

	if err := r.typeMap.Scan(typeID, pgtype.BinaryFormatCode, wire, dst); err != nil {
		return errors.Wrap(err, "binary decode")
	}
	return nil
}

// renderInet decodes the stored family, bits and address through the wire format, which
// adds the cidr flag and the address length.
func (r *Renderer) renderInet(typeID uint32, payload []byte) (string, error) {
	if len(payload) < 2 {
		return "", errors.Newf("type %d datum too short: %d bytes", typeID, len(payload))
	}

	family, bits, addr := payload[0], payload[1], payload[2:]
	if !(family == inetFamily4 && len(addr) == 4) && !(family == inetFamily6 && len(addr) == 16) {
		return "", errors.Newf("type %d datum has family %d with a %d byte address", typeID, family, len(addr))
	}

	var cidr byte
	if typeID == pgtype.CIDROID {
		cidr = 1
	}
	wire := append([]byte{family, bits, cidr, byte(len(addr))}, addr...)

	var v netip.Prefix
	if err := r.typeMap.Scan(typeID, pgtype.BinaryFormatCode, wire, &v); err != nil {
		return "", errors.Wrap(err, "binary decode")
	}

	if typeID == pgtype.InetOID && v.Bits() == v.Addr().BitLen() {
		return v.Addr().String(), nil
	}
	return v.String(), nil
}

// renderEnum looks the label up by the oid of its pg_enum row.
func (r *Renderer) renderEnum(typeID uint32, raw []byte) (string, error) {
	if len(raw) != 4 {
		return "", errors.Newf("enum %d datum must be 4 bytes, got %d", typeID, len(raw))
	}

	label, ok := r.types.enumLabel(binary.LittleEndian.Uint32(raw))
	if !ok {
		return r.fallback(typeID, raw), nil
	}
	return label, nil
}

// payload strips the varlena header of a value read without detoasting. Compressed and
// out-of-line values cannot be decoded here.
func (r *Renderer) payload(raw []byte) ([]byte, bool) {
	if r.detoast {
		return raw, true
	}

	if len(raw) == 0 {
		return nil, false
	}

	if raw[0]&0x01 == 0x01 {
		// 1-byte header; 0x01 alone is a TOAST pointer
		n := int(raw[0] >> 1)
		if raw[0] == 0x01 || n > len(raw) {
			return nil, false
		}
		return raw[1:n], true
	}

	if len(raw) < 4 {
		return nil, false
	}
	header := binary.LittleEndian.Uint32(raw)
	if header&0x03 == 0x02 {
		return nil, false
	}
	n := int(header >> 2)
	if n < 4 || n > len(raw) {
		return nil, false
	}
	return raw[4:n], true
}

func (r *Renderer) fallback(typeID uint32, raw []byte) string {
	logger.Debug("[tuple] no text conversion for type, rendering raw datum", "typeID", typeID, "length", len(raw))
	return hexText(raw)
}

func hexText(b []byte) string {
	return `\x` + hex.EncodeToString(b)
}

// formatTime prints the date of t followed by the clock layout and zone, with a trailing BC
// for years before 1 AD as the server's ISO date style does.
func formatTime(t time.Time, clock, zone string) string {
	year, suffix := t.Year(), ""
	if year <= 0 {
		year, suffix = 1-year, " BC"
	}
	return fmt.Sprintf("%04d-%02d-%02d", year, int(t.Month()), t.Day()) + t.Format(clock) + zone + suffix
}

// formatOffset prints a UTC offset in seconds east as +HH, +HH:MM or +HH:MM:SS.
func formatOffset(seconds int) string {
	sign := '+'
	if seconds < 0 {
		sign, seconds = '-', -seconds
	}

	s := fmt.Sprintf("%c%02d", sign, seconds/3600)
	if minutes, rest := seconds/60%60, seconds%60; minutes != 0 || rest != 0 {
		s += fmt.Sprintf(":%02d", minutes)
		if rest != 0 {
			s += fmt.Sprintf(":%02d", rest)
		}
	}
	return s
}

// formatInterval prints v in the postgres IntervalStyle.
func formatInterval(v pgtype.Interval) string {
	var b strings.Builder
	zero, negative := true, false

	part := func(value int64, unit string) {
		if value == 0 {
			return
		}
		if !zero {
			b.WriteByte(' ')
		}
		if negative && value > 0 {
			b.WriteByte('+')
		}
		fmt.Fprintf(&b, "%d %s", value, unit)
		if value != 1 {
			b.WriteByte('s')
		}
		zero, negative = false, value < 0
	}
	part(int64(v.Months/12), "year")
	part(int64(v.Months%12), "mon")
	part(int64(v.Days), "day")

	us := v.Microseconds
	if zero || us != 0 {
		if !zero {
			b.WriteByte(' ')
		}
		if us < 0 {
			b.WriteByte('-')
			us = -us
		} else if negative {
			b.WriteByte('+')
		}
		fmt.Fprintf(&b, "%02d:%02d:%02d", us/3600_000_000, us/60_000_000%60, us/1_000_000%60)
		if frac := us % 1_000_000; frac != 0 {
			b.WriteString(strings.TrimRight(fmt.Sprintf(".%06d", frac), "0"))
		}
	}
	return b.String()
}

// formatMoney prints cents the way cash_out does under a C or en_US lc_monetary.
func formatMoney(cents int64) string {
	u := uint64(cents)
	if cents < 0 {
		u = -u
	}

	whole := strconv.FormatUint(u/100, 10)
	var b strings.Builder
	if cents < 0 {
		b.WriteByte('-')
	}
	b.WriteByte('$')
	for i := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteByte(whole[i])
	}
	fmt.Fprintf(&b, ".%02d", u%100)
	return b.String()
}

// formatFloat prints the shortest text that reads back as v, switching to exponent
// notation outside [1e-4, 1e<digits>) like float8out.
func formatFloat(v float64, bitSize, digits int) string {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "Infinity"
	case math.IsInf(v, -1):
		return "-Infinity"
	case v == 0:
		if math.Signbit(v) {
			return "-0"
		}
		return "0"
	}

	e := strconv.FormatFloat(v, 'e', -1, bitSize)
	exp, _ := strconv.Atoi(e[strings.LastIndexByte(e, 'e')+1:])
	if exp < -4 || exp >= digits {
		return e
	}

	return strconv.FormatFloat(v, 'f', -1, bitSize)
}
