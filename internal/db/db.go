package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/garnizeh/krishi/internal/retry"
	"github.com/garnizeh/krishi/pkg/repository"
)

// PoolOptions bounds the connection pool.
type PoolOptions struct {
	Size        int           // idle connections kept open
	MaxOverflow int           // extra connections allowed above Size
	Recycle     time.Duration // connections older than this are replaced
	Timeout     time.Duration // max wait for a connection when the pool is exhausted
}

type Options struct {
	Pool   PoolOptions
	Retry  retry.Policy
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Pool.Size <= 0 {
		o.Pool.Size = 5
	}
	if o.Pool.MaxOverflow < 0 {
		o.Pool.MaxOverflow = 0
	}
	if o.Pool.Recycle <= 0 {
		o.Pool.Recycle = 30 * time.Minute
	}
	if o.Pool.Timeout <= 0 {
		o.Pool.Timeout = 30 * time.Second
	}
	if o.Retry.Attempts <= 0 {
		o.Retry = retry.Default()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// DB wraps a pooled gorm connection with per-operation session management.
type DB struct {
	gorm    *gorm.DB
	conn    *sql.DB
	dialect string
	opts    Options
	logger  *slog.Logger
}

// New connects to the relational store named by descriptor, retrying up to
// opts.Retry.Attempts times. Exhausted retries, an empty descriptor or an
// unknown scheme yield an error wrapping repository.ErrConfiguration.
func New(ctx context.Context, descriptor string, opts Options) (*DB, error) {
	opts = opts.withDefaults()
	logger := opts.Logger.With(slog.String("component", "db"))

	descriptor = NormalizeDescriptor(descriptor)
	if descriptor == "" {
		return nil, fmt.Errorf("%w: empty database descriptor", repository.ErrConfiguration)
	}
	if _, _, err := dialectorFor(descriptor); err != nil {
		return nil, fmt.Errorf("%w: %v", repository.ErrConfiguration, err)
	}

	var (
		gdb     *gorm.DB
		dialect string
	)
	err := retry.Do(ctx, opts.Retry, func(attempt int) error {
		dialector, d, err := dialectorFor(descriptor)
		if err != nil {
			return retry.Permanent(err)
		}
		g, err := gorm.Open(dialector, &gorm.Config{
			Logger:         gormlogger.Discard,
			TranslateError: true,
			NowFunc:        func() time.Time { return time.Now().UTC() },
		})
		if err != nil {
			closeQuietly(g)
			logger.Warn("database connect failed",
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", opts.Retry.Attempts),
				slog.String("descriptor", Redact(descriptor)),
				slog.Any("err", err))
			return err
		}
		gdb, dialect = g, d
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: connect to %s: %v", repository.ErrConfiguration, Redact(descriptor), err)
	}

	conn, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", repository.ErrConfiguration, err)
	}
	conn.SetMaxIdleConns(opts.Pool.Size)
	conn.SetMaxOpenConns(opts.Pool.Size + opts.Pool.MaxOverflow)
	conn.SetConnMaxLifetime(opts.Pool.Recycle)

	logger.Info("database connected",
		slog.String("dialect", dialect),
		slog.String("descriptor", Redact(descriptor)),
		slog.Int("pool_size", opts.Pool.Size),
		slog.Int("max_overflow", opts.Pool.MaxOverflow))

	return &DB{gorm: gdb, conn: conn, dialect: dialect, opts: opts, logger: logger}, nil
}

// Close closes the pool.
func (d *DB) Close() error {
	return d.conn.Close()
}

// GetConn returns the underlying sql.DB.
func (d *DB) GetConn() *sql.DB {
	return d.conn
}

// Dialect returns DialectPostgres or DialectSQLite.
func (d *DB) Dialect() string {
	return d.dialect
}

// Ping checks out a connection and runs the liveness probe.
func (d *DB) Ping(ctx context.Context) error {
	return d.WithSession(ctx, func(*gorm.DB) error { return nil })
}

// WithSession runs fn on a dedicated pooled connection that passed a
// liveness probe. Acquisition and probe are retried with the connect policy;
// the connection is released on every exit path.
func (d *DB) WithSession(ctx context.Context, fn func(tx *gorm.DB) error) error {
	conn, err := d.acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			d.logger.Warn("release connection", slog.Any("err", cerr))
		}
	}()

	tx := d.gorm.Session(&gorm.Session{NewDB: true, Context: ctx})
	tx.Statement.ConnPool = conn
	return fn(tx)
}

// WithTransaction runs fn inside a transaction on a probed session. The
// transaction is rolled back when fn returns an error or panics.
func (d *DB) WithTransaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return d.WithSession(ctx, func(s *gorm.DB) error {
		return s.Transaction(fn)
	})
}

func (d *DB) acquire(ctx context.Context) (*sql.Conn, error) {
	var conn *sql.Conn
	err := retry.Do(ctx, d.opts.Retry, func(attempt int) error {
		waitCtx, cancel := context.WithTimeout(ctx, d.opts.Pool.Timeout)
		defer cancel()

		c, err := d.conn.Conn(waitCtx)
		if err != nil {
			if isClosed(err) {
				return retry.Permanent(err)
			}
			d.logger.Warn("acquire connection failed", slog.Int("attempt", attempt), slog.Any("err", err))
			return err
		}
		if _, err := c.ExecContext(waitCtx, "SELECT 1"); err != nil {
			if cerr := c.Close(); cerr != nil {
				d.logger.Debug("close failed connection", slog.Any("err", cerr))
			}
			d.logger.Warn("liveness probe failed", slog.Int("attempt", attempt), slog.Any("err", err))
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", repository.ErrConnectivity, err)
	}
	return conn, nil
}

// IsUniqueViolation reports whether err is a unique-constraint failure.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key value")
}

func isClosed(err error) bool {
	return err != nil && strings.Contains(err.Error(), "database is closed")
}

func closeQuietly(g *gorm.DB) {
	if g == nil {
		return
	}
	if conn, err := g.DB(); err == nil && conn != nil {
		_ = conn.Close()
	}
}
