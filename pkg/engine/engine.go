package engine

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/folioreader/folio/pkg/activitylog"
	"github.com/folioreader/folio/pkg/books"
	"github.com/folioreader/folio/pkg/calibre"
	"github.com/folioreader/folio/pkg/config"
	"github.com/folioreader/folio/pkg/credentials"
	"github.com/folioreader/folio/pkg/download"
	"github.com/folioreader/folio/pkg/errcodes"
	"github.com/folioreader/folio/pkg/metadata"
	"github.com/folioreader/folio/pkg/models"
	"github.com/folioreader/folio/pkg/servers"
	"github.com/folioreader/folio/pkg/syncer"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"github.com/uptrace/bun"
)

// Engine is the top-level service: it owns the stores, the per-server
// clients, the sync coordinator, and the download manager, and publishes
// everything observable on a single event stream.
type Engine struct {
	config *config.Config
	log    logger.Logger

	servers     *servers.Service
	books       *books.Service
	activity    *activitylog.Service
	creds       *credentials.Store
	coordinator *syncer.Coordinator
	downloads   *download.Manager

	mu       sync.Mutex
	clients  map[string]*calibre.Client
	debounce map[string]*time.Timer
	started  bool

	events   chan Event
	shutdown chan struct{}
	done     chan struct{}
}

// debounceDelay coalesces bursts of RequestSync calls for the same library
// into one sync.
const debounceDelay = 2 * time.Second

func New(cfg *config.Config, db *bun.DB) *Engine {
	booksSvc := books.NewService(db)
	serversSvc := servers.NewService(db)
	activity := activitylog.NewService(db)
	fetcher := metadata.NewFetcher(booksSvc, activity, cfg.DeviceID)

	e := &Engine{
		config:      cfg,
		log:         logger.New(),
		servers:     serversSvc,
		books:       booksSvc,
		activity:    activity,
		creds:       credentials.NewStore(),
		coordinator: syncer.NewCoordinator(booksSvc, fetcher, activity, cfg.FetchConcurrency),
		clients:     map[string]*calibre.Client{},
		debounce:    map[string]*time.Timer{},
		events:      make(chan Event, 64),
		shutdown:    make(chan struct{}),
		done:        make(chan struct{}),
	}
	e.downloads = download.NewManager(booksSvc, activity, cfg.CacheDir, download.WithProgressFunc(e.publishDownload))

	return e
}

// Events is the engine's broadcast stream. Slow consumers lose events rather
// than blocking transfers.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Start launches the background auto-sync loop. Calling it twice is a no-op.
func (e *Engine) Start() {
	e.mu.Lock()
	started := e.started
	e.started = true
	e.mu.Unlock()
	if started {
		return
	}
	go e.autoSyncLoop()
}

// Stop pauses live downloads and stops the background loop. Safe to call
// once, whether or not Start ran.
func (e *Engine) Stop() {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()

	close(e.shutdown)
	if started {
		<-e.done
	}
	e.downloads.PauseAll()
}

// AddServer registers a content server, installing its credentials for the
// session when a username is given. The server row is keyed by URL plus
// username, so re-adding is an update.
func (e *Engine) AddServer(ctx context.Context, baseURL, username, password string) (*models.Server, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid server URL %q", baseURL)
	}

	if username != "" {
		e.creds.Install(u, username, password)
	}

	server := &models.Server{
		BaseURL:  baseURL,
		Username: username,
		UsesAuth: username != "",
	}
	if err := e.servers.UpsertServer(ctx, server); err != nil {
		return nil, err
	}
	return server, nil
}

// client returns the cached calibre client for a server, creating it on
// first use.
func (e *Engine) client(server *models.Server) (*calibre.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if c, ok := e.clients[server.ID]; ok {
		return c, nil
	}

	c, err := calibre.New(
		server.BaseURL,
		e.creds,
		calibre.WithTimeout(e.config.HTTPTimeout),
		calibre.WithRequestsPerSecond(e.config.RequestsPerSecond),
	)
	if err != nil {
		return nil, err
	}
	e.clients[server.ID] = c
	return c, nil
}

// DiscoverLibraries asks a server what libraries it hosts and mirrors them
// locally. Known libraries keep their sync settings; only the display name
// follows the server.
func (e *Engine) DiscoverLibraries(ctx context.Context, serverID string) ([]*models.Library, error) {
	server, err := e.servers.RetrieveServer(ctx, serverID)
	if err != nil {
		return nil, err
	}
	client, err := e.client(server)
	if err != nil {
		return nil, err
	}

	entry := e.activity.LogStart(ctx, &models.ActivityLogEntry{
		Type:   models.ActivityTypeLibraryInfo,
		Method: http.MethodGet,
		URL:    client.URL("/ajax/library-info", nil),
	})
	info, err := client.LibraryInfo(ctx)
	if err != nil {
		e.activity.LogFinish(ctx, entry, "error")
		return nil, err
	}
	e.activity.LogFinish(ctx, entry, "ok")

	libraries := make([]*models.Library, 0, len(info.LibraryMap))
	for key, name := range info.LibraryMap {
		existing, err := e.servers.RetrieveLibrary(ctx, servers.RetrieveLibraryOptions{
			ServerID: &server.ID,
			Key:      &key,
		})
		if err != nil && !errcodes.IsNotFound(err) {
			return nil, err
		}

		if existing == nil {
			library := &models.Library{
				ServerID:     server.ID,
				Key:          key,
				Name:         name,
				Discoverable: true,
			}
			if err := e.servers.CreateLibrary(ctx, library); err != nil {
				return nil, err
			}
			libraries = append(libraries, library)
			continue
		}

		if existing.Name != name {
			existing.Name = name
			err := e.servers.UpdateLibrary(ctx, existing, servers.UpdateLibraryOptions{Columns: []string{"name"}})
			if err != nil {
				return nil, err
			}
		}
		libraries = append(libraries, existing)
	}

	return libraries, nil
}

// SyncLibrary runs one library sync and publishes its lifecycle on the event
// stream.
func (e *Engine) SyncLibrary(ctx context.Context, libraryID string, opts syncer.Options) (*syncer.Result, error) {
	library, client, err := e.libraryClient(ctx, libraryID)
	if err != nil {
		return nil, err
	}

	e.publish(Event{Type: EventSyncStarted, LibraryID: libraryID})

	res, err := e.coordinator.SyncLibrary(ctx, client, library, opts)
	if err != nil {
		e.publish(Event{Type: EventSyncFailed, LibraryID: libraryID, Err: err})
		return nil, err
	}

	for _, conflict := range res.Conflicts {
		e.publish(Event{Type: EventPositionConflict, LibraryID: libraryID, Conflict: conflict})
	}
	e.publish(Event{Type: EventSyncFinished, LibraryID: libraryID, Sync: res})

	return res, nil
}

// RequestSync schedules a debounced incremental sync. Bursts of requests for
// the same library within the debounce window collapse into one run.
func (e *Engine) RequestSync(libraryID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if timer, ok := e.debounce[libraryID]; ok {
		timer.Reset(debounceDelay)
		return
	}

	e.debounce[libraryID] = time.AfterFunc(debounceDelay, func() {
		e.mu.Lock()
		delete(e.debounce, libraryID)
		e.mu.Unlock()

		ctx := context.Background()
		if _, err := e.SyncLibrary(ctx, libraryID, syncer.Options{}); err != nil {
			e.log.Err(err).Error("debounced sync error", logger.Data{"library_id": libraryID})
		}
	})
}

// FetchBook refreshes one book's metadata, single-flighted with any running
// sync.
func (e *Engine) FetchBook(ctx context.Context, libraryID string, calibreID int64) (*models.Book, error) {
	library, client, err := e.libraryClient(ctx, libraryID)
	if err != nil {
		return nil, err
	}

	res, err := e.coordinator.FetchBook(ctx, client, library, calibreID)
	if err != nil {
		return nil, err
	}
	if res.Conflict != nil {
		e.publish(Event{Type: EventPositionConflict, LibraryID: libraryID, BookID: res.Book.ID, Conflict: res.Conflict})
	}
	if res.Updated {
		e.publish(Event{Type: EventBookUpdated, LibraryID: libraryID, BookID: res.Book.ID})
	}
	return res.Book, nil
}

// DownloadFormat starts a format download and returns its handle.
func (e *Engine) DownloadFormat(ctx context.Context, bookID, format string) (*download.Download, error) {
	book, library, client, err := e.downloadTarget(ctx, bookID)
	if err != nil {
		return nil, err
	}
	return e.downloads.Start(ctx, client, library, book, format)
}

// ResumeDownload restarts a paused transfer from its recorded offset. It
// fails when the transfer was never paused.
func (e *Engine) ResumeDownload(ctx context.Context, bookID, format string) (*download.Download, error) {
	book, library, client, err := e.downloadTarget(ctx, bookID)
	if err != nil {
		return nil, err
	}
	return e.downloads.Resume(ctx, client, library, book, format)
}

func (e *Engine) downloadTarget(ctx context.Context, bookID string) (*models.Book, *models.Library, *calibre.Client, error) {
	book, err := e.books.RetrieveBook(ctx, books.RetrieveBookOptions{ID: &bookID})
	if err != nil {
		return nil, nil, nil, err
	}
	library, client, err := e.libraryClient(ctx, book.LibraryID)
	if err != nil {
		return nil, nil, nil, err
	}
	return book, library, client, nil
}

// PauseDownload stops a live transfer, keeping the partial file for resume.
func (e *Engine) PauseDownload(bookID, format string) error {
	return e.downloads.Pause(bookID, format)
}

// CancelDownload stops a live transfer and discards the partial file.
func (e *Engine) CancelDownload(bookID, format string) error {
	return e.downloads.Cancel(bookID, format)
}

// DownloadStatus returns the live handle for a transfer, or nil when none is
// running.
func (e *Engine) DownloadStatus(bookID, format string) *download.Download {
	return e.downloads.Status(bookID, format)
}

// libraryClient resolves a library row and the client for its server.
func (e *Engine) libraryClient(ctx context.Context, libraryID string) (*models.Library, *calibre.Client, error) {
	library, err := e.servers.RetrieveLibrary(ctx, servers.RetrieveLibraryOptions{ID: &libraryID})
	if err != nil {
		return nil, nil, err
	}
	server, err := e.servers.RetrieveServer(ctx, library.ServerID)
	if err != nil {
		return nil, nil, err
	}
	client, err := e.client(server)
	if err != nil {
		return nil, nil, err
	}
	return library, client, nil
}

func (e *Engine) autoSyncLoop() {
	defer close(e.done)

	interval := time.Duration(e.config.AutoSyncIntervalMinutes) * time.Minute
	if interval <= 0 {
		<-e.shutdown
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.shutdown:
			return
		case <-ticker.C:
			e.runAutoSync()
		}
	}
}

func (e *Engine) runAutoSync() {
	ctx := context.Background()

	libraries, err := e.servers.ListLibraries(ctx, servers.ListLibrariesOptions{AutoUpdate: boolPtr(true)})
	if err != nil {
		e.log.Err(err).Error("auto-sync library listing error")
		return
	}

	for _, library := range libraries {
		if _, err := e.SyncLibrary(ctx, library.ID, syncer.Options{}); err != nil {
			e.log.Err(err).Error("auto-sync error", logger.Data{"library_id": library.ID})
		}
	}
}

func boolPtr(v bool) *bool {
	return &v
}
