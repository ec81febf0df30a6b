package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient(&pgconn.PgError{Code: "40001"}))
	assert.True(t, isTransient(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "40P01"})))
	assert.False(t, isTransient(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isTransient(context.DeadlineExceeded))
	assert.False(t, isTransient(errors.New("boom")))
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	db := NewDB(nil, WithMaxRetries(3), WithRetryDelay(time.Millisecond))

	attempts := 0
	err := db.retry(context.Background(), func(context.Context) error {
		attempts++
		return &pgconn.PgError{Code: "23505"}
	})
	require.Error(t, err)
	assert.True(t, isUniqueViolation(err))
	assert.Equal(t, 1, attempts)
}

func TestRetryRecoversFromTransientError(t *testing.T) {
	db := NewDB(nil, WithMaxRetries(3), WithRetryDelay(time.Millisecond))

	attempts := 0
	err := db.retry(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryGivesUpAfterMaxRetries(t *testing.T) {
	db := NewDB(nil, WithMaxRetries(2), WithRetryDelay(time.Millisecond))

	attempts := 0
	err := db.retry(context.Background(), func(context.Context) error {
		attempts++
		return &pgconn.PgError{Code: "40P01"}
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryHonorsCancellation(t *testing.T) {
	db := NewDB(nil, WithMaxRetries(5), WithRetryDelay(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := db.retry(ctx, func(context.Context) error {
		return &pgconn.PgError{Code: "40001"}
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseID(t *testing.T) {
	id, err := parseID("6F9619FF-8B86-D011-B42D-00C04FC964FF")
	require.NoError(t, err)
	assert.Equal(t, "6f9619ff-8b86-d011-b42d-00c04fc964ff", id)

	_, err = parseID("not-a-uuid")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExecuteAndTraceReturnsOperationError(t *testing.T) {
	tracer := noop.NewTracerProvider().Tracer("test")
	want := errors.New("boom")

	err := ExecuteAndTrace(context.Background(), tracer, "op", nil, func(context.Context) error { return want })
	assert.ErrorIs(t, err, want)
	assert.NoError(t, ExecuteAndTrace(context.Background(), tracer, "op", nil, func(context.Context) error { return nil }))
}
