package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

const (
	postgresMaxOpenConns    = 20
	postgresMaxIdleConns    = 5
	postgresConnMaxIdleTime = 5 * time.Minute
	postgresPingTimeout     = 5 * time.Second
)

// openPostgres connects through pgx's database/sql driver. Connections are
// tagged with application_name so they are identifiable in pg_stat_activity.
func openPostgres(dsn string) (*DB, error) {
	if dsn == "" {
		return nil, errors.New("postgres: DATABASE_URL is empty")
	}
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse DATABASE_URL: %w", err)
	}
	if cfg.RuntimeParams == nil {
		cfg.RuntimeParams = map[string]string{}
	}
	if _, ok := cfg.RuntimeParams["application_name"]; !ok {
		cfg.RuntimeParams["application_name"] = "punypage"
	}

	handle := stdlib.OpenDB(*cfg)
	handle.SetMaxOpenConns(postgresMaxOpenConns)
	handle.SetMaxIdleConns(postgresMaxIdleConns)
	handle.SetConnMaxIdleTime(postgresConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), postgresPingTimeout)
	defer cancel()
	if err := handle.PingContext(ctx); err != nil {
		handle.Close()
		return nil, fmt.Errorf("postgres: connect %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return &DB{DB: handle, Driver: "postgres"}, nil
}
