package pq

import (
	"context"
	"fmt"
	"strconv"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/errors"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/vskurikhin/go-pq-debugscan/logger"
)

// MinServerVersion is the first release with pg_current_snapshot() and pg_xact_status(xid8).
const MinServerVersion = 130000

const timeZoneSQL = "SELECT current_setting('TimeZone')"

const serverInfoSQL = "SELECT current_setting('server_version_num'), current_setting('block_size'), pg_is_in_recovery(), current_database(), EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'pageinspect')"

type ServerInfo struct {
	Database       string
	VersionNum     int
	BlockSize      int
	InRecovery     bool
	HasPageInspect bool
}

func IdentifyServer(ctx context.Context, conn Connection) (ServerInfo, error) {
	res, err := ParseServerInfo(conn.Exec(ctx, serverInfoSQL))
	if err != nil {
		return ServerInfo{}, errors.Wrap(err, "identify server")
	}
	return res, nil
}

func ParseServerInfo(mrr *pgconn.MultiResultReader) (ServerInfo, error) {
	var si ServerInfo
	results, err := mrr.ReadAll()
	if err != nil {
		return si, err
	}

	if len(results) != 1 {
		return si, fmt.Errorf("expected 1 result set, got %d", len(results))
	}

	return decodeServerInfo(results[0])
}

func decodeServerInfo(result *pgconn.Result) (ServerInfo, error) {
	var si ServerInfo
	if len(result.Rows) != 1 {
		return si, fmt.Errorf("expected 1 result row, got %d", len(result.Rows))
	}

	row := result.Rows[0]
	if len(row) != 5 {
		return si, fmt.Errorf("expected 5 result columns, got %d", len(row))
	}

	var err error
	si.VersionNum, err = strconv.Atoi(string(row[0]))
	if err != nil {
		return si, fmt.Errorf("failed to parse server_version_num: %w", err)
	}

	si.BlockSize, err = strconv.Atoi(string(row[1]))
	if err != nil {
		return si, fmt.Errorf("failed to parse block_size: %w", err)
	}

	si.InRecovery = string(row[2]) == "t"
	si.Database = string(row[3])
	si.HasPageInspect = string(row[4]) == "t"

	return si, nil
}

// Check reports why the server cannot be used for debug scans.
func (si ServerInfo) Check() error {
	if si.VersionNum < MinServerVersion {
		return errors.Newf("server version %d is not supported, at least %d is required", si.VersionNum, MinServerVersion)
	}

	if !si.HasPageInspect {
		return errors.Newf("pageinspect extension is not installed in database %q. Run: CREATE EXTENSION pageinspect", si.Database)
	}

	return nil
}

// SessionLocation returns the location named by the session TimeZone setting, the zone the
// server shows timestamptz values in. Zones Go does not know, such as POSIX specs with custom
// abbreviations, fall back to UTC.
func SessionLocation(ctx context.Context, conn Querier) (*time.Location, error) {
	result, err := conn.Query(ctx, timeZoneSQL)
	if err != nil {
		return nil, errors.Wrap(err, "time zone query")
	}

	if len(result.Rows) != 1 || len(result.Rows[0]) != 1 {
		return nil, errors.New("expected 1 time zone row with 1 column")
	}

	return lookupLocation(string(result.Rows[0][0])), nil
}

func lookupLocation(name string) *time.Location {
	location, err := time.LoadLocation(name)
	if err != nil {
		logger.Warn("session time zone is unknown, showing timestamptz in UTC", "timeZone", name, "error", err)
		return time.UTC
	}
	return location
}
