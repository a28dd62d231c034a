package snapshot

import (
	goerrors "errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/vskurikhin/go-pq-debugscan/pq"
)

var (
	ErrFormat = goerrors.New("malformed snapshot specification")
	ErrRange  = goerrors.New("snapshot value out of range")
)

// FormatError reports a specification that is not xmin:xmax:xip-csv of unsigned integers.
type FormatError struct {
	Spec   string
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unable to parse snapshot data %q: %s: %v", e.Spec, e.Reason, e.Err)
	}
	return fmt.Sprintf("unable to parse snapshot data %q: %s", e.Spec, e.Reason)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

func (e *FormatError) Is(target error) bool {
	return target == ErrFormat
}

// RangeError reports an in-progress id outside [Xmin, Xmax), or Xmin above Xmax when Value == Xmin.
type RangeError struct {
	Value pq.XID
	Xmin  pq.XID
	Xmax  pq.XID
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("xip value %d is outside of %d..%d", e.Value, e.Xmin, e.Xmax)
}

func (e *RangeError) Is(target error) bool {
	return target == ErrRange
}

// Descriptor is a parsed snapshot specification. Xip keeps the caller's order and duplicates.
type Descriptor struct {
	Xip  []pq.XID
	Xmin pq.XID
	Xmax pq.XID
}

// String renders the descriptor in the form accepted by Parse.
func (d Descriptor) String() string {
	return formatFields(uint64(d.Xmin), uint64(d.Xmax), d.Xip)
}

// Parse reads "xmin:xmax:xip1,xip2,...", e.g. "4:45:23,35". The xip list may be empty ("4:45:").
// See pg_current_snapshot() in the PostgreSQL documentation for the meaning of the fields.
func Parse(spec string) (Descriptor, error) {
	xmin, xmax, tokens, err := parseFields(spec, 32)
	if err != nil {
		return Descriptor{}, err
	}

	d := Descriptor{Xmin: pq.XID(xmin), Xmax: pq.XID(xmax)}
	if xmin > xmax {
		return Descriptor{}, &RangeError{Value: d.Xmin, Xmin: d.Xmin, Xmax: d.Xmax}
	}

	if len(tokens) > 0 {
		d.Xip = make([]pq.XID, 0, len(tokens))
	}
	for _, token := range tokens {
		v, err := parseMember(spec, token, 32)
		if err != nil {
			return Descriptor{}, err
		}

		// all ids in xip satisfy xmin <= xip[i] < xmax
		if v < xmin || v >= xmax {
			return Descriptor{}, &RangeError{Value: pq.XID(v), Xmin: d.Xmin, Xmax: d.Xmax}
		}
		d.Xip = append(d.Xip, pq.XID(v))
	}

	return d, nil
}

// parseFields splits spec and parses the bounds. The xip members are returned unparsed.
func parseFields(spec string, bitSize int) (xmin, xmax uint64, xip []string, err error) {
	parts := strings.Split(spec, ":")
	if len(parts) != 3 {
		return 0, 0, nil, &FormatError{Spec: spec, Reason: fmt.Sprintf("expected 3 colon separated fields, got %d", len(parts))}
	}

	xmin, err = strconv.ParseUint(parts[0], 10, bitSize)
	if err != nil {
		return 0, 0, nil, &FormatError{Spec: spec, Reason: "unable to parse xmin value", Err: err}
	}

	xmax, err = strconv.ParseUint(parts[1], 10, bitSize)
	if err != nil {
		return 0, 0, nil, &FormatError{Spec: spec, Reason: "unable to parse xmax value", Err: err}
	}

	if parts[2] == "" {
		return xmin, xmax, nil, nil
	}

	return xmin, xmax, strings.Split(parts[2], ","), nil
}

func parseMember(spec, token string, bitSize int) (uint64, error) {
	v, err := strconv.ParseUint(token, 10, bitSize)
	if err != nil {
		return 0, &FormatError{Spec: spec, Reason: fmt.Sprintf("unable to parse xip member %q", token), Err: err}
	}
	return v, nil
}

func formatFields[T ~uint32 | ~uint64](xmin, xmax uint64, xip []T) string {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(xmin, 10))
	b.WriteByte(':')
	b.WriteString(strconv.FormatUint(xmax, 10))
	b.WriteByte(':')
	for i, v := range xip {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatUint(uint64(v), 10))
	}
	return b.String()
}
