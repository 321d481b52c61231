// Package db is the Postgres backend. It runs raw SQL through gorm and
// implements every sieve store interface over the sieve schema.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"horse.fit/sieve/internal/config"
	"horse.fit/sieve/internal/failure"
)

const slowQueryThreshold = 500 * time.Millisecond

// Tx executes statements either on the pool or inside a transaction.
type Tx interface {
	QueryRow(ctx context.Context, query string, args ...any) *Row
	Query(ctx context.Context, query string, args ...any) (*Rows, error)
	Exec(ctx context.Context, query string, args ...any) (CommandTag, error)
}

type CommandTag struct {
	rowsAffected int64
}

func (c CommandTag) RowsAffected() int64 {
	return c.rowsAffected
}

type Row struct {
	row *sql.Row
}

func (r *Row) Scan(dest ...any) error {
	return r.row.Scan(dest...)
}

type Rows struct {
	rows *sql.Rows
}

func (r *Rows) Next() bool            { return r.rows.Next() }
func (r *Rows) Scan(dest ...any) error { return r.rows.Scan(dest...) }
func (r *Rows) Err() error             { return r.rows.Err() }
func (r *Rows) Close()                 { _ = r.rows.Close() }

// conn is a gorm handle used only for raw SQL.
type conn struct {
	db *gorm.DB
}

func (c conn) QueryRow(ctx context.Context, query string, args ...any) *Row {
	return &Row{row: c.db.WithContext(ctx).Raw(query, args...).Row()}
}

func (c conn) Query(ctx context.Context, query string, args ...any) (*Rows, error) {
	rows, err := c.db.WithContext(ctx).Raw(query, args...).Rows()
	if err != nil {
		return nil, err
	}
	return &Rows{rows: rows}, nil
}

func (c conn) Exec(ctx context.Context, query string, args ...any) (CommandTag, error) {
	res := c.db.WithContext(ctx).Exec(query, args...)
	return CommandTag{rowsAffected: res.RowsAffected}, res.Error
}

type Pool struct {
	conn
	sqlDB *sql.DB
}

// NewPool connects, sizes the connection pool from cfg and migrates the
// schema. gorm's own logging is routed into log.
func NewPool(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Pool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	gdb, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger: logger.New(gormWriter{log: log}, logger.Config{
			SlowThreshold:             slowQueryThreshold,
			LogLevel:                  gormLogLevel(cfg.LogLevel),
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(int(cfg.DBMaxConns))
	sqlDB.SetMaxIdleConns(max(1, int(cfg.DBMinConns)))
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := migrate(ctx, gdb, log); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Pool{conn: conn{db: gdb}, sqlDB: sqlDB}, nil
}

func (p *Pool) Close() error {
	if p == nil || p.sqlDB == nil {
		return nil
	}
	return p.sqlDB.Close()
}

func (p *Pool) Ping(ctx context.Context) error {
	if p == nil || p.sqlDB == nil {
		return fmt.Errorf("database pool is not initialized")
	}
	return p.sqlDB.PingContext(ctx)
}

// inTx runs fn in one transaction; fn's error is returned unwrapped so
// failure kinds survive.
func (p *Pool) inTx(ctx context.Context, fn func(tx Tx) error) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(conn{db: tx})
	})
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// uuidParam normalizes an externally supplied key. Anything that is not a
// uuid cannot name a row, so it is reported as not found.
func uuidParam(kind, id string) (string, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return "", failure.NotFound(fmt.Errorf("%s %s not found", kind, id))
	}
	return parsed.String(), nil
}

// gormLogLevel maps LOG_LEVEL onto gorm: SQL tracing only at debug and below.
func gormLogLevel(appLevel string) logger.LogLevel {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(appLevel)))
	if err != nil {
		return logger.Warn
	}
	switch {
	case level == zerolog.NoLevel:
		return logger.Warn
	case level == zerolog.Disabled:
		return logger.Silent
	case level <= zerolog.DebugLevel:
		return logger.Info
	case level >= zerolog.ErrorLevel:
		return logger.Error
	default:
		return logger.Warn
	}
}

type gormWriter struct {
	log zerolog.Logger
}

func (w gormWriter) Printf(format string, args ...any) {
	w.log.Log().Str("component", "gorm").Msgf(format, args...)
}
