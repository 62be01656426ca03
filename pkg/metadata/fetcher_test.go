package metadata

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/folioreader/folio/pkg/activitylog"
	"github.com/folioreader/folio/pkg/books"
	"github.com/folioreader/folio/pkg/calibre"
	"github.com/folioreader/folio/pkg/credentials"
	"github.com/folioreader/folio/pkg/errcodes"
	"github.com/folioreader/folio/pkg/migrations"
	"github.com/folioreader/folio/pkg/models"
	"github.com/folioreader/folio/pkg/servers"
	"github.com/robinjoseph08/golib/pointerutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

const testDeviceID = "test-device"

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

func setupLibrary(t *testing.T, db *bun.DB, baseURL string) *models.Library {
	t.Helper()
	ctx := context.Background()
	svc := servers.NewService(db)

	server := &models.Server{
		BaseURL:  baseURL,
		Username: "reader",
	}
	require.NoError(t, svc.UpsertServer(ctx, server))

	library := &models.Library{
		ServerID:       server.ID,
		Key:            "library",
		Name:           "Library",
		PositionColumn: pointerutil.String("#read_pos"),
	}
	require.NoError(t, svc.CreateLibrary(ctx, library))

	return library
}

func newFetchClient(t *testing.T, handler http.Handler) (*calibre.Client, string) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := calibre.New(srv.URL, credentials.NewStore(), calibre.WithRequestsPerSecond(1000))
	require.NoError(t, err)

	return client, srv.URL
}

func positionBlob(t *testing.T, raw string) string {
	t.Helper()
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

func metadataDoc(blob string, lastModified string) string {
	return fmt.Sprintf(`{
		"title": "A Wizard of Earthsea",
		"authors": ["Ursula K. Le Guin"],
		"tags": ["fantasy"],
		"last_modified": %q,
		"format_metadata": {"EPUB": {"size": 1000, "mtime": "2026-05-20T08:30:00+00:00"}},
		"user_metadata": {"#read_pos": {"#value#": %q}}
	}`, lastModified, blob)
}

func TestFetchBookInsertsNewRecord(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()

	blob := positionBlob(t, `{"phone": {"device": "phone", "pos_type": "page", "page": 50, "progress": 0.35, "epoch": 100}}`)
	client, baseURL := newFetchClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, metadataDoc(blob, "2026-06-01T10:00:00+00:00"))
	}))

	library := setupLibrary(t, db, baseURL)
	booksSvc := books.NewService(db)
	fetcher := NewFetcher(booksSvc, activitylog.NewService(db), testDeviceID)

	res, err := fetcher.FetchBook(ctx, client, library, 7)
	require.NoError(t, err)
	require.True(t, res.Updated)
	assert.Nil(t, res.Conflict)

	book, err := booksSvc.RetrieveBook(ctx, books.RetrieveBookOptions{
		LibraryID: &library.ID,
		CalibreID: int64Ptr(7),
	})
	require.NoError(t, err)
	assert.Equal(t, "A Wizard of Earthsea", book.Title)
	assert.Equal(t, models.StringList{"Ursula K. Le Guin"}, book.Authors)
	require.Len(t, book.Formats, 1)
	assert.Equal(t, models.FormatEPUB, book.Formats[0].Format)
	assert.Equal(t, int64(1000), book.Formats[0].ServerSize)
	require.Len(t, book.Positions, 1)
	assert.Equal(t, "phone", book.Positions[0].DeviceID)
	require.NotNil(t, book.LastSynced)
}

func TestFetchBookSelfEchoDiscarded(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()

	// The server echoes an older position for this device than the one we
	// hold locally. The local value must survive the merge.
	blob := positionBlob(t, fmt.Sprintf(
		`{%q: {"device": %q, "pos_type": "page", "page": 80, "progress": 0.35, "epoch": 100}}`,
		testDeviceID, testDeviceID))
	client, baseURL := newFetchClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, metadataDoc(blob, "2026-06-02T10:00:00+00:00"))
	}))

	library := setupLibrary(t, db, baseURL)
	booksSvc := books.NewService(db)
	fetcher := NewFetcher(booksSvc, activitylog.NewService(db), testDeviceID)

	require.NoError(t, booksSvc.UpsertBook(ctx, &models.Book{
		ServerID:     library.ServerID,
		LibraryID:    library.ID,
		CalibreID:    7,
		Title:        "A Wizard of Earthsea",
		LastModified: time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC),
		Positions: []*models.DeviceReadingPosition{{
			DeviceID: testDeviceID,
			PosType:  "page",
			Page:     95,
			Progress: 0.4,
			Epoch:    200,
		}},
	}))

	res, err := fetcher.FetchBook(ctx, client, library, 7)
	require.NoError(t, err)
	require.True(t, res.Updated)
	require.NotNil(t, res.Conflict)
	assert.InDelta(t, -0.05, res.Conflict.Delta, 1e-9)

	book, err := booksSvc.RetrieveBook(ctx, books.RetrieveBookOptions{
		LibraryID: &library.ID,
		CalibreID: int64Ptr(7),
	})
	require.NoError(t, err)
	require.Len(t, book.Positions, 1)
	assert.Equal(t, 95, book.Positions[0].Page)
	assert.InDelta(t, 0.4, book.Positions[0].Progress, 1e-9)
}

func TestFetchBookSkipsWhenNotNewer(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()

	client, baseURL := newFetchClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, metadataDoc(positionBlob(t, `{}`), "2026-06-01T10:00:00+00:00"))
	}))

	library := setupLibrary(t, db, baseURL)
	booksSvc := books.NewService(db)
	fetcher := NewFetcher(booksSvc, activitylog.NewService(db), testDeviceID)

	require.NoError(t, booksSvc.UpsertBook(ctx, &models.Book{
		ServerID:     library.ServerID,
		LibraryID:    library.ID,
		CalibreID:    7,
		Title:        "Locally Edited Title",
		LastModified: time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC),
	}))

	res, err := fetcher.FetchBook(ctx, client, library, 7)
	require.NoError(t, err)
	assert.False(t, res.Updated)

	book, err := booksSvc.RetrieveBook(ctx, books.RetrieveBookOptions{
		LibraryID: &library.ID,
		CalibreID: int64Ptr(7),
	})
	require.NoError(t, err)
	assert.Equal(t, "Locally Edited Title", book.Title)
}

func TestFetchBookTombstonesOn404(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()

	client, baseURL := newFetchClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	library := setupLibrary(t, db, baseURL)
	booksSvc := books.NewService(db)
	fetcher := NewFetcher(booksSvc, activitylog.NewService(db), testDeviceID)

	require.NoError(t, booksSvc.UpsertBook(ctx, &models.Book{
		ServerID:     library.ServerID,
		LibraryID:    library.ID,
		CalibreID:    7,
		Title:        "Gone",
		LastModified: time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC),
	}))

	res, err := fetcher.FetchBook(ctx, client, library, 7)
	require.NoError(t, err)
	assert.True(t, res.Tombstoned)

	book, err := booksSvc.RetrieveBook(ctx, books.RetrieveBookOptions{
		LibraryID: &library.ID,
		CalibreID: int64Ptr(7),
	})
	require.NoError(t, err)
	require.NotNil(t, book.TombstonedAt)
	assert.Equal(t, "Gone", book.Title)
}

func TestFetchBookServerErrorLeavesRecordUntouched(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()

	client, baseURL := newFetchClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	library := setupLibrary(t, db, baseURL)
	booksSvc := books.NewService(db)
	fetcher := NewFetcher(booksSvc, activitylog.NewService(db), testDeviceID)

	require.NoError(t, booksSvc.UpsertBook(ctx, &models.Book{
		ServerID:     library.ServerID,
		LibraryID:    library.ID,
		CalibreID:    7,
		Title:        "Still Here",
		LastModified: time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC),
	}))

	_, err := fetcher.FetchBook(ctx, client, library, 7)
	require.Error(t, err)
	assert.True(t, errcodes.IsServer(err))

	book, err := booksSvc.RetrieveBook(ctx, books.RetrieveBookOptions{
		LibraryID: &library.ID,
		CalibreID: int64Ptr(7),
	})
	require.NoError(t, err)
	assert.Equal(t, "Still Here", book.Title)
	assert.Nil(t, book.TombstonedAt)
}

func TestFetchBookBadBlobFailsWithoutWrite(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()

	client, baseURL := newFetchClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, metadataDoc("*** not base64 ***", "2026-06-01T10:00:00+00:00"))
	}))

	library := setupLibrary(t, db, baseURL)
	booksSvc := books.NewService(db)
	fetcher := NewFetcher(booksSvc, activitylog.NewService(db), testDeviceID)

	_, err := fetcher.FetchBook(ctx, client, library, 7)
	require.Error(t, err)
	assert.True(t, errcodes.IsParse(err))

	_, err = booksSvc.RetrieveBook(ctx, books.RetrieveBookOptions{
		LibraryID: &library.ID,
		CalibreID: int64Ptr(7),
	})
	require.Error(t, err)
	assert.True(t, errcodes.IsNotFound(err))
}

func TestFetchBookPullsShortcutReadingState(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()

	blob := positionBlob(t, `{"phone": {"device": "phone", "pos_type": "page", "page": 50, "progress": 0.35, "epoch": 100}}`)
	client, baseURL := newFetchClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasPrefix(r.URL.Path, "/get/json/"):
			fmt.Fprint(w, metadataDoc(blob, "2026-06-01T10:00:00+00:00"))
		case r.URL.Path == "/book-get-last-read-position/library/7-EPUB":
			fmt.Fprint(w, `{
				"phone":  {"device": "phone", "pos_type": "page", "page": 60, "progress": 0.42, "epoch": 200},
				"tablet": {"device": "tablet", "pos_type": "page", "page": 12, "progress": 0.08, "epoch": 150}
			}`)
		case r.URL.Path == "/book-get-annotations/library/7-EPUB":
			fmt.Fprint(w, `{
				"highlights": [{"uuid": "hl-1", "start_cfi": "/6/4!/2/2", "end_cfi": "/6/4!/2/8", "highlighted_text": "a passage"}],
				"bookmarks":  [{"uuid": "bm-1", "title": "Chapter 2", "page": 31}]
			}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	library := setupLibrary(t, db, baseURL)
	library.UseShortcutEndpoints = true
	booksSvc := books.NewService(db)
	fetcher := NewFetcher(booksSvc, activitylog.NewService(db), testDeviceID)

	res, err := fetcher.FetchBook(ctx, client, library, 7)
	require.NoError(t, err)
	require.True(t, res.Updated)

	book, err := booksSvc.RetrieveBook(ctx, books.RetrieveBookOptions{
		LibraryID: &library.ID,
		CalibreID: int64Ptr(7),
	})
	require.NoError(t, err)

	byDevice := map[string]*models.DeviceReadingPosition{}
	for _, p := range book.Positions {
		byDevice[p.DeviceID] = p
	}
	require.Contains(t, byDevice, "phone")
	require.Contains(t, byDevice, "tablet")
	assert.Equal(t, 60, byDevice["phone"].Page, "higher-epoch endpoint position should beat the column blob")
	assert.Equal(t, 12, byDevice["tablet"].Page)

	require.Len(t, book.Highlights, 1)
	assert.Equal(t, "hl-1", book.Highlights[0].ID)
	assert.Equal(t, "a passage", book.Highlights[0].HighlightedText)
	require.Len(t, book.Bookmarks, 1)
	assert.Equal(t, "Chapter 2", book.Bookmarks[0].Title)
}

func TestFetchBookShortcutEndpointsAbsent(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()

	blob := positionBlob(t, `{"phone": {"device": "phone", "pos_type": "page", "page": 50, "progress": 0.35, "epoch": 100}}`)
	client, baseURL := newFetchClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/get/json/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, metadataDoc(blob, "2026-06-01T10:00:00+00:00"))
	}))

	library := setupLibrary(t, db, baseURL)
	library.UseShortcutEndpoints = true
	booksSvc := books.NewService(db)
	fetcher := NewFetcher(booksSvc, activitylog.NewService(db), testDeviceID)

	res, err := fetcher.FetchBook(ctx, client, library, 7)
	require.NoError(t, err)
	require.True(t, res.Updated)

	book, err := booksSvc.RetrieveBook(ctx, books.RetrieveBookOptions{
		LibraryID: &library.ID,
		CalibreID: int64Ptr(7),
	})
	require.NoError(t, err)
	require.Len(t, book.Positions, 1)
	assert.Equal(t, 50, book.Positions[0].Page)
	assert.Empty(t, book.Highlights)
}

func int64Ptr(v int64) *int64 {
	return &v
}
