package pg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Connection is a thin wrapper over a single pgconn connection. It exists so
// the query layer can be exercised in tests without a running database.
type Connection interface {
	Exec(ctx context.Context, sql string) *pgconn.MultiResultReader
	ExecParams(ctx context.Context, sql string, paramValues [][]byte) *pgconn.ResultReader
	IsClosed() bool
	Close(ctx context.Context) error
}

type connection struct {
	conn *pgconn.PgConn
}

func NewConnection(ctx context.Context, dsn string) (Connection, error) {
	cfg, err := pgconn.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse connection config: %w", err)
	}

	conn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connection: %w", err)
	}

	return connection{conn: conn}, nil
}

func (c connection) Exec(ctx context.Context, sql string) *pgconn.MultiResultReader {
	return c.conn.Exec(ctx, sql)
}

func (c connection) ExecParams(ctx context.Context, sql string, paramValues [][]byte) *pgconn.ResultReader {
	return c.conn.ExecParams(ctx, sql, paramValues, nil, nil, nil)
}

func (c connection) IsClosed() bool {
	return c.conn.IsClosed()
}

func (c connection) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}
