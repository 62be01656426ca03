package database

import (
	"context"
	"testing"

	"github.com/folioreader/folio/pkg/config"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Parallel()

	cfg := config.NewForTest()

	db, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Close()
	})

	var mode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.NotEmpty(t, mode)
}

func TestRetryWithBackoffRetriesBusyErrors(t *testing.T) {
	t.Parallel()

	attempts := 0
	err := retryWithBackoff(context.Background(), 3, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryWithBackoffPassesThroughOtherErrors(t *testing.T) {
	t.Parallel()

	attempts := 0
	err := retryWithBackoff(context.Background(), 3, func() error {
		attempts++
		return errors.New("UNIQUE constraint failed: books.id")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryWithBackoffGivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	attempts := 0
	err := retryWithBackoff(context.Background(), 2, func() error {
		attempts++
		return errors.New("SQLITE_BUSY")
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestIsBusyError(t *testing.T) {
	t.Parallel()

	assert.True(t, isBusyError(errors.New("database is locked")))
	assert.True(t, isBusyError(errors.New("sqlite3: SQLITE_LOCKED")))
	assert.False(t, isBusyError(nil))
	assert.False(t, isBusyError(errors.New("no such table: books")))
}
