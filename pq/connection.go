package pq

import (
	"context"
	goerrors "errors"
	"strings"

	"github.com/go-playground/errors"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/vskurikhin/go-pq-debugscan/internal/retry"
)

// Querier is the part of a connection the scan components need.
type Querier interface {
	// Query runs sql with text-format parameters through the extended protocol. A nil param is NULL.
	Query(ctx context.Context, sql string, params ...*string) (*pgconn.Result, error)
	// ExecSQL runs statements through the simple protocol and discards their results.
	ExecSQL(ctx context.Context, sql string) error
}

type Connection interface {
	Querier
	IsClosed() bool
	Close(ctx context.Context) error
	Exec(ctx context.Context, sql string) *pgconn.MultiResultReader
	ExecParams(ctx context.Context, sql string, paramValues [][]byte, paramOIDs []uint32, paramFormats []int16, resultFormats []int16) *pgconn.ResultReader
	EnsureConnection(ctx context.Context) error
}

type connection struct {
	*pgconn.PgConn
	dsn string
}

func NewConnection(ctx context.Context, dsn string) (Connection, error) {
	conn, err := connect(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "postgres connection")
	}

	return &connection{
		PgConn: conn,
		dsn:    dsn,
	}, nil
}

func (c *connection) EnsureConnection(ctx context.Context) error {
	if c.IsClosed() {
		conn, err := connect(ctx, c.dsn)
		if err != nil {
			return errors.Wrap(err, "reconnect postgres connection")
		}
		c.PgConn = conn
		return nil
	}

	if err := c.Ping(ctx); err != nil {
		conn, err := connect(ctx, c.dsn)
		if err != nil {
			return errors.Wrap(err, "reconnect postgres connection")
		}
		c.PgConn = conn
		return nil
	}

	return nil
}

func connect(ctx context.Context, dsn string) (*pgconn.PgConn, error) {
	retryConfig := retry.OnErrorConfig[*pgconn.PgConn](ctx, 5, isTransientError)
	conn, err := retryConfig.Do(func() (*pgconn.PgConn, error) {
		conn, err := pgconn.Connect(ctx, dsn)
		if err != nil {
			return nil, err
		}

		if err = conn.Ping(ctx); err != nil {
			_ = conn.Close(ctx)
			return nil, err
		}

		return conn, nil
	})

	if err != nil {
		return nil, errors.Wrap(err, "postgres connection")
	}

	return conn, nil
}

func (c *connection) ExecSQL(ctx context.Context, sql string) error {
	resultReader := c.Exec(ctx, sql)
	_, err := resultReader.ReadAll()
	if err != nil {
		return err
	}
	return resultReader.Close()
}

func (c *connection) Query(ctx context.Context, sql string, params ...*string) (*pgconn.Result, error) {
	values := make([][]byte, len(params))
	for i, p := range params {
		if p != nil {
			values[i] = []byte(*p)
		}
	}

	result := c.ExecParams(ctx, sql, values, nil, nil, nil).Read()
	if result.Err != nil {
		return nil, result.Err
	}

	return result, nil
}

// Param is a shorthand for a non-NULL text parameter of Query.
func Param(s string) *string {
	return &s
}

// isTransientError reports errors worth another connection attempt.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if goerrors.As(err, &pgErr) {
		// 57P03: cannot_connect_now (server starting up)
		return pgErr.Code == "57P03"
	}

	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset",
		"connection refused",
		"i/o timeout",
		"broken pipe",
		"temporary failure",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
