package activitylog

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/folioreader/folio/pkg/migrations"
	"github.com/folioreader/folio/pkg/models"
	"github.com/robinjoseph08/golib/pointerutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

func setupTestDB(t *testing.T) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)

	db := bun.NewDB(sqldb, sqlitedialect.New())

	_, err = migrations.BringUpToDate(context.Background(), db)
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

func TestLogStartFinish(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()
	svc := NewService(db)

	entry := svc.LogStart(ctx, &models.ActivityLogEntry{
		Type:   models.ActivityTypeMetadataFetch,
		BookID: pointerutil.String("book-1"),
		Method: "GET",
		URL:    "http://books.local/get/json/7/library",
	})
	require.NotNil(t, entry)
	assert.NotZero(t, entry.ID)
	assert.False(t, entry.StartedAt.IsZero())
	assert.Nil(t, entry.FinishedAt)

	svc.LogFinish(ctx, entry, "ok")

	entries, err := svc.ListEntries(ctx, ListEntriesOptions{BookID: pointerutil.String("book-1")})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].FinishedAt)
	require.NotNil(t, entries[0].Outcome)
	assert.Equal(t, "ok", *entries[0].Outcome)
}

func TestLogFinishNilEntry(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	svc := NewService(db)

	// A failed LogStart returns nil; LogFinish must tolerate it.
	svc.LogFinish(context.Background(), nil, "ok")
}

func TestListEntriesFilters(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()
	svc := NewService(db)

	svc.LogStart(ctx, &models.ActivityLogEntry{
		Type:      models.ActivityTypeSync,
		LibraryID: pointerutil.String("lib-1"),
		Method:    "POST",
		URL:       "http://books.local/cdb/cmd/list/0",
	})
	svc.LogStart(ctx, &models.ActivityLogEntry{
		Type:   models.ActivityTypeDownload,
		BookID: pointerutil.String("book-2"),
		Method: "GET",
		URL:    "http://books.local/get/EPUB/2/library",
	})

	entries, err := svc.ListEntries(ctx, ListEntriesOptions{LibraryID: pointerutil.String("lib-1")})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.ActivityTypeSync, entries[0].Type)

	entries, err = svc.ListEntries(ctx, ListEntriesOptions{Types: []string{models.ActivityTypeDownload}})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.ActivityTypeDownload, entries[0].Type)
}

func TestBodyTruncation(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()
	svc := NewService(db)

	long := make([]byte, maxBodyLen*2)
	for i := range long {
		long[i] = 'x'
	}
	body := string(long)

	entry := svc.LogStart(ctx, &models.ActivityLogEntry{
		Type:   models.ActivityTypePositionPush,
		Method: "POST",
		URL:    "http://books.local/cdb/cmd/set_metadata/0",
		Body:   &body,
	})
	require.NotNil(t, entry)
	assert.Len(t, *entry.Body, maxBodyLen)
}

func TestPrune(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()
	svc := NewService(db)

	old := svc.LogStart(ctx, &models.ActivityLogEntry{
		Type:      models.ActivityTypeSync,
		Method:    "POST",
		URL:       "http://books.local/cdb/cmd/list/0",
		StartedAt: time.Now().Add(-48 * time.Hour),
	})
	require.NotNil(t, old)
	recent := svc.LogStart(ctx, &models.ActivityLogEntry{
		Type:   models.ActivityTypeSync,
		Method: "POST",
		URL:    "http://books.local/cdb/cmd/list/0",
	})
	require.NotNil(t, recent)

	n, err := svc.Prune(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	entries, err := svc.ListEntries(ctx, ListEntriesOptions{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
