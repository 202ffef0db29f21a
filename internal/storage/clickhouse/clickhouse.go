// Package clickhouse stores the append-only verification event log.
package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Conn is a native-protocol connection to the event database.
type Conn struct {
	driver.Conn
}

// NewConn opens the database named in dsn, e.g.
// clickhouse://default:@localhost:9000/cashbridge?dial_timeout=5s.
func NewConn(ctx context.Context, dsn string) (*Conn, error) {
	opts, err := parseOptions(dsn)
	if err != nil {
		return nil, err
	}
	return open(ctx, opts)
}

// NewConnWithDatabase opens dsn with its database replaced. An empty
// database selects the server default.
func NewConnWithDatabase(ctx context.Context, dsn, database string) (*Conn, error) {
	opts, err := parseOptions(dsn)
	if err != nil {
		return nil, err
	}
	opts.Auth.Database = database
	return open(ctx, opts)
}

func parseOptions(dsn string) (*clickhouse.Options, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	opts.Protocol = clickhouse.Native
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.Compression == nil {
		opts.Compression = &clickhouse.Compression{Method: clickhouse.CompressionLZ4}
	}
	return opts, nil
}

func open(ctx context.Context, opts *clickhouse.Options) (*Conn, error) {
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse %v: %w", opts.Addr, err)
	}
	return &Conn{Conn: conn}, nil
}
