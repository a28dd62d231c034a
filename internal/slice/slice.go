package slice

import (
	"strconv"
	"strings"
)

type unsigned interface {
	~uint16 | ~uint32 | ~uint64
}

// ArrayLiteral formats ss as a PostgreSQL array literal, e.g. {3,17,42}.
func ArrayLiteral[T unsigned](ss []T) string {
	var b strings.Builder
	b.WriteByte('{')
	for i, s := range ss {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatUint(uint64(s), 10))
	}
	b.WriteByte('}')
	return b.String()
}

// Distinct returns the values of ss in first-seen order without repeats.
func Distinct[T comparable](ss []T) []T {
	seen := make(map[T]struct{}, len(ss))
	r := make([]T, 0, len(ss))
	for _, s := range ss {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		r = append(r, s)
	}

	return r
}
