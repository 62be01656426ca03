package engine

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/folioreader/folio/pkg/books"
	"github.com/folioreader/folio/pkg/config"
	"github.com/folioreader/folio/pkg/errcodes"
	"github.com/folioreader/folio/pkg/migrations"
	"github.com/folioreader/folio/pkg/models"
	"github.com/folioreader/folio/pkg/servers"
	"github.com/folioreader/folio/pkg/syncer"
	"github.com/robinjoseph08/golib/pointerutil"
	"github.com/segmentio/encoding/json"
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

func newTestEngine(t *testing.T, db *bun.DB) *Engine {
	t.Helper()

	cfg := config.NewForTest()
	cfg.CacheDir = t.TempDir()
	return New(cfg, db)
}

func TestAddServerAndDiscoverLibraries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := setupTestDB(t)
	e := newTestEngine(t, db)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ajax/library-info", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"default_library": "library", "library_map": {"library": "Books", "scifi": "Science Fiction"}}`)
	}))
	t.Cleanup(srv.Close)

	server, err := e.AddServer(ctx, srv.URL, "", "")
	require.NoError(t, err)
	require.NotEmpty(t, server.ID)

	libraries, err := e.DiscoverLibraries(ctx, server.ID)
	require.NoError(t, err)
	require.Len(t, libraries, 2)

	// Rediscovery keeps existing rows and follows a rename.
	libraries, err = e.DiscoverLibraries(ctx, server.ID)
	require.NoError(t, err)
	assert.Len(t, libraries, 2)

	all, err := servers.NewService(db).ListLibraries(ctx, servers.ListLibrariesOptions{ServerID: &server.ID})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSyncLibraryPublishesEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := setupTestDB(t)
	e := newTestEngine(t, db)

	blob := base64.StdEncoding.EncodeToString([]byte(`{}`))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasPrefix(r.URL.Path, "/cdb/cmd/list"):
			fmt.Fprint(w, `{"result": {"book_ids": [1]}}`)
		case strings.HasPrefix(r.URL.Path, "/get/json/"):
			fmt.Fprintf(w, `{
				"title": "One",
				"authors": ["Author"],
				"last_modified": "2026-06-01T10:00:00+00:00",
				"format_metadata": {},
				"user_metadata": {"#read_pos": {"#value#": %q}}
			}`, blob)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	server, err := e.AddServer(ctx, srv.URL, "", "")
	require.NoError(t, err)

	library := &models.Library{ServerID: server.ID, Key: "library", Name: "Library"}
	require.NoError(t, servers.NewService(db).CreateLibrary(ctx, library))

	res, err := e.SyncLibrary(ctx, library.ID, syncer.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)

	types := []EventType{}
	for len(e.Events()) > 0 {
		types = append(types, (<-e.Events()).Type)
	}
	assert.Contains(t, types, EventSyncStarted)
	assert.Contains(t, types, EventSyncFinished)
}

func TestPushReadingPositionWriteback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := setupTestDB(t)
	e := newTestEngine(t, db)

	var mu sync.Mutex
	var setBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/cdb/cmd/set_metadata/0", r.URL.Path)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		mu.Lock()
		setBody = string(body)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"result": {}}`)
	}))
	t.Cleanup(srv.Close)

	server, err := e.AddServer(ctx, srv.URL, "", "")
	require.NoError(t, err)
	library := &models.Library{
		ServerID:       server.ID,
		Key:            "library",
		Name:           "Library",
		PositionColumn: pointerutil.String("#read_pos"),
	}
	require.NoError(t, servers.NewService(db).CreateLibrary(ctx, library))

	booksSvc := books.NewService(db)
	book := &models.Book{
		ServerID:     server.ID,
		LibraryID:    library.ID,
		CalibreID:    7,
		Title:        "One",
		LastModified: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		Positions: []*models.DeviceReadingPosition{{
			DeviceID: "phone",
			PosType:  "page",
			Page:     10,
			Progress: 0.1,
			Epoch:    100,
		}},
	}
	require.NoError(t, booksSvc.UpsertBook(ctx, book))

	err = e.PushReadingPosition(ctx, book.ID, models.FormatEPUB, &models.DeviceReadingPosition{
		PosType:  "page",
		Page:     42,
		Progress: 0.3,
	})
	require.NoError(t, err)

	// Local record committed with both devices.
	stored, err := booksSvc.RetrieveBook(ctx, books.RetrieveBookOptions{ID: &book.ID})
	require.NoError(t, err)
	require.Len(t, stored.Positions, 2)
	mine := stored.PositionFor("test-device")
	require.NotNil(t, mine)
	assert.Equal(t, 42, mine.Page)
	assert.NotZero(t, mine.Epoch)

	// The writeback body carries the whole device map under the column.
	mu.Lock()
	defer mu.Unlock()
	var cmd []interface{}
	require.NoError(t, json.Unmarshal([]byte(setBody), &cmd))
	require.Len(t, cmd, 3)
	assert.Equal(t, "fields", cmd[0])

	fields := cmd[2].([]interface{})
	require.Len(t, fields, 1)
	pair := fields[0].([]interface{})
	assert.Equal(t, "#read_pos", pair[0])

	decoded, err := base64.StdEncoding.DecodeString(pair[1].(string))
	require.NoError(t, err)
	devices := map[string]map[string]interface{}{}
	require.NoError(t, json.Unmarshal(decoded, &devices))
	assert.Contains(t, devices, "phone")
	assert.Contains(t, devices, "test-device")
}

func TestPushReadingPositionShortcutEndpoint(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := setupTestDB(t)
	e := newTestEngine(t, db)

	var mu sync.Mutex
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		path = r.URL.Path
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{}`)
	}))
	t.Cleanup(srv.Close)

	server, err := e.AddServer(ctx, srv.URL, "", "")
	require.NoError(t, err)
	library := &models.Library{
		ServerID:             server.ID,
		Key:                  "library",
		Name:                 "Library",
		UseShortcutEndpoints: true,
	}
	require.NoError(t, servers.NewService(db).CreateLibrary(ctx, library))

	booksSvc := books.NewService(db)
	book := &models.Book{
		ServerID:     server.ID,
		LibraryID:    library.ID,
		CalibreID:    7,
		Title:        "One",
		LastModified: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, booksSvc.UpsertBook(ctx, book))

	err = e.PushReadingPosition(ctx, book.ID, models.FormatEPUB, &models.DeviceReadingPosition{
		PosType:  "epub_cfi",
		Progress: 0.5,
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/book-set-last-read-position/library/7-EPUB", path)
}

func TestPushAnnotations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := setupTestDB(t)
	e := newTestEngine(t, db)

	var mu sync.Mutex
	var path string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		path = r.URL.Path
		body, _ = io.ReadAll(r.Body)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{}`)
	}))
	t.Cleanup(srv.Close)

	server, err := e.AddServer(ctx, srv.URL, "", "")
	require.NoError(t, err)
	library := &models.Library{
		ServerID:             server.ID,
		Key:                  "library",
		Name:                 "Library",
		UseShortcutEndpoints: true,
	}
	require.NoError(t, servers.NewService(db).CreateLibrary(ctx, library))

	booksSvc := books.NewService(db)
	book := &models.Book{
		ServerID:     server.ID,
		LibraryID:    library.ID,
		CalibreID:    7,
		Title:        "One",
		LastModified: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		Highlights: []*models.Highlight{{
			ID:              "hl-1",
			StartCFI:        "/6/4!/2/2",
			EndCFI:          "/6/4!/2/8",
			HighlightedText: "a passage",
		}},
		Bookmarks: []*models.Bookmark{{
			ID:    "bm-1",
			Title: "Chapter 2",
			Page:  31,
		}},
	}
	require.NoError(t, booksSvc.UpsertBook(ctx, book))

	require.NoError(t, e.PushAnnotations(ctx, book.ID, models.FormatEPUB))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/book-update-annotations/library/7-EPUB", path)
	assert.Contains(t, string(body), "hl-1")
	assert.Contains(t, string(body), "Chapter 2")
}

func TestPushAnnotationsRequiresShortcutEndpoints(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := setupTestDB(t)
	e := newTestEngine(t, db)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{}`)
	}))
	t.Cleanup(srv.Close)

	server, err := e.AddServer(ctx, srv.URL, "", "")
	require.NoError(t, err)
	library := &models.Library{ServerID: server.ID, Key: "library", Name: "Library"}
	require.NoError(t, servers.NewService(db).CreateLibrary(ctx, library))

	book := &models.Book{
		ServerID:     server.ID,
		LibraryID:    library.ID,
		CalibreID:    7,
		Title:        "One",
		LastModified: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, books.NewService(db).UpsertBook(ctx, book))

	err = e.PushAnnotations(ctx, book.ID, models.FormatEPUB)
	require.Error(t, err)
	assert.True(t, errcodes.IsConflict(err))
}

func TestRequestSyncDebounces(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	e := newTestEngine(t, db)

	e.RequestSync("lib-1")
	e.RequestSync("lib-1")
	e.RequestSync("lib-2")

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Len(t, e.debounce, 2)

	for _, timer := range e.debounce {
		timer.Stop()
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	e := newTestEngine(t, db)

	e.Start()
	e.Stop()
}

func TestStopWithoutStart(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	e := newTestEngine(t, db)

	done := make(chan struct{})
	go func() {
		e.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop blocked with no background loop running")
	}
}
