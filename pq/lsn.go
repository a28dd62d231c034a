package pq

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/errors"
)

// LSN is a write-ahead log position, printed by the server as two hex halves (16/B374D848).
type LSN uint64

const InvalidLSN LSN = 0

func (lsn LSN) String() string {
	return fmt.Sprintf("%X/%X", uint32(lsn>>32), uint32(lsn))
}

func (lsn LSN) IsValid() bool {
	return lsn != InvalidLSN
}

func ParseLSN(s string) (LSN, error) {
	upper, lower, found := strings.Cut(strings.TrimSpace(s), "/")
	if !found {
		return 0, errors.Newf("lsn parse: %s", s)
	}

	upperHalf, err := strconv.ParseUint(upper, 16, 32)
	if err != nil {
		return 0, errors.Wrap(err, "lsn parse")
	}

	lowerHalf, err := strconv.ParseUint(lower, 16, 32)
	if err != nil {
		return 0, errors.Wrap(err, "lsn parse")
	}

	return LSN((upperHalf << 32) + lowerHalf), nil
}
