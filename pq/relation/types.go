package relation

import (
	"context"
	"slices"
	"strconv"
	"strings"

	"github.com/go-playground/errors"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/vskurikhin/go-pq-debugscan/pq"
	"github.com/vskurikhin/go-pq-debugscan/pq/tuple"
)

const (
	typesSQL = `SELECT oid, typtype, typcategory, typelem, typlen, typalign
FROM pg_type
WHERE oid = ANY($1::oid[])
   OR oid IN (SELECT typelem FROM pg_type WHERE oid = ANY($1::oid[]))`

	enumLabelsSQL = `SELECT oid, enumlabel FROM pg_enum WHERE enumtypid = ANY($1::oid[])`
)

// Types loads the storage description of the types of attrs and of their array elements,
// and the labels of the enums among them.
func Types(ctx context.Context, conn pq.Querier, attrs []tuple.Attribute) (*tuple.Types, error) {
	types := &tuple.Types{Info: map[uint32]tuple.TypeInfo{}, EnumLabels: map[uint32]string{}}

	var ids []uint32
	for _, attr := range attrs {
		if !attr.Dropped && !slices.Contains(ids, attr.TypeID) {
			ids = append(ids, attr.TypeID)
		}
	}
	if len(ids) == 0 {
		return types, nil
	}

	result, err := conn.Query(ctx, typesSQL, pq.Param(oidArray(ids)))
	if err != nil {
		return nil, errors.Wrap(err, "types query")
	}
	if err = decodeTypes(result, types); err != nil {
		return nil, errors.Wrap(err, "types decode")
	}

	var enums []uint32
	for id, info := range types.Info {
		if info.Kind == 'e' {
			enums = append(enums, id)
		}
	}
	if len(enums) == 0 {
		return types, nil
	}
	slices.Sort(enums)

	result, err = conn.Query(ctx, enumLabelsSQL, pq.Param(oidArray(enums)))
	if err != nil {
		return nil, errors.Wrap(err, "enum labels query")
	}
	for _, row := range result.Rows {
		if len(row) != 2 {
			return nil, errors.Newf("expected 2 enum label columns, got %d", len(row))
		}
		oid, err := parseOID(row[0])
		if err != nil {
			return nil, errors.Wrap(err, "enum label oid")
		}
		types.EnumLabels[oid] = string(row[1])
	}

	return types, nil
}

func decodeTypes(result *pgconn.Result, types *tuple.Types) error {
	for _, row := range result.Rows {
		if len(row) != 6 {
			return errors.Newf("expected 6 type columns, got %d", len(row))
		}
		if len(row[1]) != 1 || len(row[2]) != 1 || len(row[5]) != 1 {
			return errors.Newf("type %s: malformed typtype, typcategory or typalign", row[0])
		}

		id, err := parseOID(row[0])
		if err != nil {
			return errors.Wrap(err, "type oid")
		}
		elem, err := parseOID(row[3])
		if err != nil {
			return errors.Wrap(err, "typelem")
		}
		length, err := strconv.ParseInt(string(row[4]), 10, 16)
		if err != nil {
			return errors.Wrap(err, "typlen")
		}

		types.Info[id] = tuple.TypeInfo{
			ID:       id,
			Kind:     row[1][0],
			Category: row[2][0],
			Elem:     elem,
			Len:      int16(length),
			Align:    row[5][0],
		}
	}
	return nil
}

func parseOID(b []byte) (uint32, error) {
	oid, err := strconv.ParseUint(string(b), 10, 32)
	return uint32(oid), err
}

func oidArray(ids []uint32) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(uint64(id), 10)
	}
	return "{" + strings.Join(parts, ",") + "}"
}
