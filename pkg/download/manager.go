package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/folioreader/folio/pkg/activitylog"
	"github.com/folioreader/folio/pkg/books"
	"github.com/folioreader/folio/pkg/calibre"
	"github.com/folioreader/folio/pkg/errcodes"
	"github.com/folioreader/folio/pkg/models"
	"github.com/gabriel-vasile/mimetype"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
)

// State is a download's lifecycle phase. Completed, Failed, and Cancelled
// are terminal; the handle is dropped from the manager once one is reached.
type State string

const (
	StateIdle        State = "idle"
	StateDownloading State = "downloading"
	StatePaused      State = "paused"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

// Progress is a point-in-time snapshot of one transfer, delivered to the
// progress callback and returned by Status.
type Progress struct {
	BookID        string
	Format        string
	State         State
	BytesReceived int64
	TotalBytes    int64
	Err           error
}

// ProgressFunc receives transfer snapshots. Called from the transfer
// goroutine; implementations must not block.
type ProgressFunc func(Progress)

// resumeToken records where a paused transfer stopped and which server copy
// the partial bytes belong to. The validator goes out as If-Range so a
// changed file restarts from zero instead of splicing mismatched halves.
type resumeToken struct {
	offset    int64
	validator string
}

// Manager runs format downloads: one live transfer per (book, format),
// resumable across pauses and process restarts, committed to the cache
// directory only after verification.
type Manager struct {
	books      *books.Service
	activity   *activitylog.Service
	cacheDir   string
	onProgress ProgressFunc
	log        logger.Logger

	mu     sync.Mutex
	active map[string]*Download
	tokens map[string]resumeToken
}

type Option func(*Manager)

// WithProgressFunc registers a callback for transfer snapshots.
func WithProgressFunc(fn ProgressFunc) Option {
	return func(m *Manager) {
		m.onProgress = fn
	}
}

func NewManager(booksSvc *books.Service, activity *activitylog.Service, cacheDir string, opts ...Option) *Manager {
	m := &Manager{
		books:    booksSvc,
		activity: activity,
		cacheDir: cacheDir,
		log:      logger.New(),
		active:   map[string]*Download{},
		tokens:   map[string]resumeToken{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Download is the handle for one transfer. Reads are snapshot-consistent via
// Progress(); the manager owns all transitions.
type Download struct {
	BookID string
	Format string

	mu       sync.Mutex
	state    State
	received int64
	total    int64
	err       error
	intent    State // StatePaused or StateCancelled while a stop is pending
	validator string
	cancel    context.CancelFunc
	done      chan struct{}
}

// Progress returns a snapshot of the transfer.
func (d *Download) Progress() Progress {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Progress{
		BookID:        d.BookID,
		Format:        d.Format,
		State:         d.state,
		BytesReceived: d.received,
		TotalBytes:    d.total,
		Err:           d.err,
	}
}

// Done is closed when the transfer goroutine exits, whatever the outcome.
func (d *Download) Done() <-chan struct{} {
	return d.done
}

func key(bookID, format string) string {
	return bookID + "/" + format
}

// Start begins a download for one of the book's formats, picking up a held
// resume token when one exists. Calling Start while the same (book, format)
// is already transferring is rejected. A format whose cache is already up to
// date completes immediately without touching the network.
func (m *Manager) Start(ctx context.Context, client *calibre.Client, library *models.Library, book *models.Book, format string) (*Download, error) {
	info := book.FormatFor(format)
	if info == nil {
		return nil, errcodes.NotFound("Format")
	}

	m.mu.Lock()
	if _, ok := m.active[key(book.ID, format)]; ok {
		m.mu.Unlock()
		return nil, errcodes.Conflict("A download is already in progress for this format.")
	}

	if info.CacheUpToDate() {
		m.mu.Unlock()
		d := &Download{
			BookID: book.ID,
			Format: format,
			state:  StateCompleted,
			done:   make(chan struct{}),
		}
		d.received = info.CacheSize
		d.total = info.CacheSize
		close(d.done)
		return d, nil
	}

	token := m.tokens[key(book.ID, format)]
	delete(m.tokens, key(book.ID, format))

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d := &Download{
		BookID: book.ID,
		Format: format,
		state:  StateDownloading,
		total:  info.ServerSize,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.active[key(book.ID, format)] = d
	m.mu.Unlock()

	go m.run(runCtx, client, library, book, info, d, token)

	return d, nil
}

// Resume restarts a paused download from its recorded offset. It fails when
// no resume token is held for the (book, format).
func (m *Manager) Resume(ctx context.Context, client *calibre.Client, library *models.Library, book *models.Book, format string) (*Download, error) {
	m.mu.Lock()
	_, ok := m.tokens[key(book.ID, format)]
	m.mu.Unlock()
	if !ok {
		return nil, errcodes.Conflict("No paused download to resume for this format.")
	}
	return m.Start(ctx, client, library, book, format)
}

// Pause stops a live transfer, keeping the partial file and a resume token.
func (m *Manager) Pause(bookID, format string) error {
	return m.stop(bookID, format, StatePaused)
}

// Cancel stops a live transfer and discards the partial file.
func (m *Manager) Cancel(bookID, format string) error {
	return m.stop(bookID, format, StateCancelled)
}

func (m *Manager) stop(bookID, format string, intent State) error {
	m.mu.Lock()
	d, ok := m.active[key(bookID, format)]
	m.mu.Unlock()
	if !ok {
		return errcodes.Conflict("No download is in progress for this format.")
	}

	d.mu.Lock()
	d.intent = intent
	cancel := d.cancel
	d.mu.Unlock()

	cancel()
	<-d.done
	return nil
}

// Status returns the live handle for a transfer, or nil.
func (m *Manager) Status(bookID, format string) *Download {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[key(bookID, format)]
}

// PauseAll stops every live transfer, keeping partials and resume tokens.
// Called on shutdown.
func (m *Manager) PauseAll() {
	m.mu.Lock()
	downloads := make([]*Download, 0, len(m.active))
	for _, d := range m.active {
		downloads = append(downloads, d)
	}
	m.mu.Unlock()

	for _, d := range downloads {
		_ = m.Pause(d.BookID, d.Format)
	}
}

func (m *Manager) finalPath(bookID, format string) string {
	return filepath.Join(m.cacheDir, bookID, "book."+strings.ToLower(format))
}

func (m *Manager) partialPath(bookID, format string) string {
	return m.finalPath(bookID, format) + ".partial"
}

func (m *Manager) run(ctx context.Context, client *calibre.Client, library *models.Library, book *models.Book, info *models.FormatInfo, d *Download, token resumeToken) {
	defer close(d.done)

	url := client.FormatURL(library.Key, info.Format, book.CalibreID)
	entry := m.activity.LogStart(ctx, &models.ActivityLogEntry{
		Type:      models.ActivityTypeDownload,
		BookID:    &book.ID,
		LibraryID: &library.ID,
		Method:    http.MethodGet,
		URL:       url,
	})

	err := m.transfer(ctx, client, url, book, info, d, token)
	switch {
	case err == nil:
		m.finish(d, StateCompleted, nil)
		m.activity.LogFinish(context.WithoutCancel(ctx), entry, "ok")
	case errors.Is(err, context.Canceled):
		d.mu.Lock()
		intent := d.intent
		d.mu.Unlock()

		if intent == StatePaused {
			d.mu.Lock()
			validator := d.validator
			d.mu.Unlock()

			m.mu.Lock()
			m.tokens[key(d.BookID, d.Format)] = resumeToken{
				offset:    d.Progress().BytesReceived,
				validator: validator,
			}
			m.mu.Unlock()
			m.finish(d, StatePaused, nil)
			m.activity.LogFinish(context.WithoutCancel(ctx), entry, "paused")
		} else {
			_ = os.Remove(m.partialPath(d.BookID, d.Format))
			m.finish(d, StateCancelled, nil)
			m.activity.LogFinish(context.WithoutCancel(ctx), entry, "canceled")
		}
	default:
		m.log.Err(err).Error("format download error", logger.Data{
			"book_id": d.BookID,
			"format":  d.Format,
		})
		m.finish(d, StateFailed, err)
		m.activity.LogFinish(context.WithoutCancel(ctx), entry, "error")
	}
}

// finish publishes the terminal snapshot and drops the handle.
func (m *Manager) finish(d *Download, state State, err error) {
	d.mu.Lock()
	d.state = state
	d.err = err
	d.mu.Unlock()

	m.mu.Lock()
	delete(m.active, key(d.BookID, d.Format))
	m.mu.Unlock()

	m.publish(d)
}

func (m *Manager) publish(d *Download) {
	if m.onProgress != nil {
		m.onProgress(d.Progress())
	}
}

func (m *Manager) transfer(ctx context.Context, client *calibre.Client, url string, book *models.Book, info *models.FormatInfo, d *Download, token resumeToken) error {
	partial := m.partialPath(d.BookID, d.Format)
	if err := os.MkdirAll(filepath.Dir(partial), 0o755); err != nil {
		return errors.WithStack(err)
	}

	offset := token.offset
	if offset > 0 {
		// Only trust the token if the partial file still matches it.
		fi, err := os.Stat(partial)
		if err != nil || fi.Size() != offset {
			offset = 0
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.WithStack(err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		if token.validator != "" {
			req.Header.Set("If-Range", token.validator)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// Full payload, either a fresh start or a server that ignored
		// the Range header. Restart from zero.
		offset = 0
	case http.StatusPartialContent:
	case http.StatusUnauthorized:
		return errcodes.Auth(url)
	case http.StatusNotFound:
		return errcodes.NotFound("Format")
	default:
		return errcodes.Server(resp.StatusCode, url)
	}

	validator := resp.Header.Get("ETag")
	if validator == "" {
		validator = resp.Header.Get("Last-Modified")
	}
	d.mu.Lock()
	d.validator = validator
	d.mu.Unlock()

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(partial, flags, 0o644)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()

	total := info.ServerSize
	if resp.ContentLength > 0 {
		total = offset + resp.ContentLength
	}
	d.mu.Lock()
	d.received = offset
	d.total = total
	d.mu.Unlock()
	m.publish(d)

	if err := m.copyBody(d, f, resp.Body); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return errors.WithStack(err)
	}

	return m.commit(context.WithoutCancel(ctx), book, info, partial)
}

// copyBody streams the response into the partial file, publishing progress
// at most once per chunk.
func (m *Manager) copyBody(d *Download, dst io.Writer, src io.Reader) error {
	buf := make([]byte, 128*1024)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return errors.WithStack(err)
			}
			d.mu.Lock()
			d.received += int64(n)
			d.mu.Unlock()
			m.publish(d)
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			if errors.Is(readErr, context.Canceled) {
				return context.Canceled
			}
			return errcodes.Network(readErr)
		}
	}
}

// commit verifies the finished payload, stamps the server mtime on it, moves
// it into place, and records the cache state. A payload that fails
// verification is discarded so a login page can never masquerade as a book.
func (m *Manager) commit(ctx context.Context, book *models.Book, info *models.FormatInfo, partial string) error {
	fi, err := os.Stat(partial)
	if err != nil {
		return errors.WithStack(err)
	}
	if fi.Size() == 0 {
		_ = os.Remove(partial)
		return errcodes.Parse("Downloaded payload is empty.")
	}

	mtype, err := mimetype.DetectFile(partial)
	if err != nil {
		return errors.WithStack(err)
	}
	if mtype.Is("text/html") {
		_ = os.Remove(partial)
		return errcodes.Parse("Downloaded payload is an HTML page, not a book file.")
	}

	if !info.ServerMTime.IsZero() {
		if err := os.Chtimes(partial, info.ServerMTime, info.ServerMTime); err != nil {
			return errors.WithStack(err)
		}
	}

	final := m.finalPath(book.ID, info.Format)
	if err := os.Rename(partial, final); err != nil {
		return errors.WithStack(err)
	}

	info.Cached = true
	info.CacheSize = fi.Size()
	info.CachePath = &final
	mtime := info.ServerMTime
	info.CacheMTime = &mtime

	err = m.books.UpdateFormat(ctx, info, "cached", "cache_size", "cache_mtime", "cache_path")
	if err != nil {
		return err
	}

	m.log.Info("format download complete", logger.Data{
		"book_id": book.ID,
		"format":  info.Format,
		"size":    fi.Size(),
	})
	return nil
}
