package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrNotFound is returned when a row does not exist or the identifier is malformed.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write violates a uniqueness constraint.
	ErrConflict = errors.New("conflict")
)

// DB wraps the Postgres pool shared by the stores with retry and tracing.
type DB struct {
	pool       *pgxpool.Pool
	tracer     trace.Tracer
	maxRetries int
	retryDelay time.Duration
}

// Option configures the DB helper.
type Option func(*DB)

// WithMaxRetries sets the maximum retry count for transient failures.
func WithMaxRetries(n int) Option {
	return func(db *DB) {
		db.maxRetries = n
	}
}

// WithRetryDelay sets the base delay between retries.
func WithRetryDelay(d time.Duration) Option {
	return func(db *DB) {
		db.retryDelay = d
	}
}

// WithTracer overrides the tracer used for store spans.
func WithTracer(t trace.Tracer) Option {
	return func(db *DB) {
		db.tracer = t
	}
}

// NewDB constructs the helper around the provided Postgres pool.
func NewDB(pool *pgxpool.Pool, opts ...Option) *DB {
	db := &DB{
		pool:       pool,
		tracer:     storeTracer,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

// Pool exposes the underlying pool.
func (db *DB) Pool() *pgxpool.Pool { return db.pool }

// run traces and times op, retrying transient failures.
func (db *DB) run(ctx context.Context, table, op string, attrs []attribute.KeyValue, fn func(context.Context) error) error {
	start := time.Now()
	attrs = append([]attribute.KeyValue{
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", table),
	}, attrs...)
	err := ExecuteAndTrace(ctx, db.tracer, "postgres."+table+"."+op, attrs, func(ctx context.Context) error {
		return db.retry(ctx, fn)
	})
	queryLatency.WithLabelValues(table, op).Observe(time.Since(start).Seconds())
	if err != nil && !errors.Is(err, ErrNotFound) {
		queryFailures.WithLabelValues(table, op).Inc()
	}
	return err
}

// execBatch sends every queued statement inside one transaction.
func (db *DB) execBatch(ctx context.Context, batch *pgx.Batch) error {
	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	results := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		tag, err := results.Exec()
		if err != nil {
			results.Close()
			return fmt.Errorf("batch statement %d: %w", i, err)
		}
		if tag.RowsAffected() == 0 {
			results.Close()
			return fmt.Errorf("batch statement %d: %w", i, ErrNotFound)
		}
	}
	if err := results.Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (db *DB) retry(ctx context.Context, fn func(context.Context) error) error {
	delay := db.retryDelay
	for attempt := 0; attempt <= db.maxRetries; attempt++ {
		if err := fn(ctx); err != nil {
			if !isTransient(err) || attempt == db.maxRetries {
				return err
			}
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return nil
	}
	return nil
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}
	}

	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// parseID rejects identifiers that are not UUIDs before they reach the database.
func parseID(id string) (string, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", fmt.Errorf("id %q: %w", id, ErrNotFound)
	}
	return parsed.String(), nil
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}
