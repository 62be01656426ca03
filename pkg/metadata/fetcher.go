package metadata

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/folioreader/folio/pkg/activitylog"
	"github.com/folioreader/folio/pkg/books"
	"github.com/folioreader/folio/pkg/calibre"
	"github.com/folioreader/folio/pkg/errcodes"
	"github.com/folioreader/folio/pkg/models"
	"github.com/folioreader/folio/pkg/reconcile"
	"github.com/robinjoseph08/golib/logger"
)

// Fetcher pulls one book's metadata document from a server, reconciles the
// embedded reading state against the local record, and commits the merged
// result. FetchBook is safe to call concurrently for distinct books; callers
// serialize calls for the same book.
type Fetcher struct {
	books    *books.Service
	activity *activitylog.Service
	deviceID string
}

func NewFetcher(booksSvc *books.Service, activity *activitylog.Service, deviceID string) *Fetcher {
	return &Fetcher{
		books:    booksSvc,
		activity: activity,
		deviceID: deviceID,
	}
}

// Result describes what one fetch did to the local record.
type Result struct {
	Book *models.Book
	// Updated is false when the server document was not newer than the
	// cached record and the fetch was a no-op.
	Updated bool
	// Tombstoned is true when the server reported the book gone and the
	// local record was tombstoned in response.
	Tombstoned bool
	// Conflict is set when the merge discarded a server echo for the
	// current device that disagreed with the local position.
	Conflict *reconcile.PositionConflict
}

// FetchBook performs one metadata round trip for (library, calibreID). On a
// 404 the local record is tombstoned. The local record is otherwise replaced
// wholesale only when the server document is newer than what we hold.
func (f *Fetcher) FetchBook(ctx context.Context, client *calibre.Client, library *models.Library, calibreID int64) (*Result, error) {
	log := logger.FromContext(ctx)

	entry := f.activity.LogStart(ctx, &models.ActivityLogEntry{
		Type:      models.ActivityTypeMetadataFetch,
		LibraryID: &library.ID,
		Method:    http.MethodGet,
		URL:       client.URL(fmt.Sprintf("/get/json/%d/%s", calibreID, url.PathEscape(library.Key)), nil),
	})

	doc, err := client.BookMetadata(ctx, library.Key, calibreID)
	if err != nil {
		if errcodes.IsNotFound(err) {
			f.activity.LogFinish(ctx, entry, "deleted")
			return f.tombstone(ctx, library, calibreID)
		}
		f.activity.LogFinish(ctx, entry, "error")
		return nil, err
	}
	f.activity.LogFinish(ctx, entry, "ok")

	local, err := f.books.RetrieveBook(ctx, books.RetrieveBookOptions{
		LibraryID: &library.ID,
		CalibreID: &calibreID,
	})
	if err != nil && !errcodes.IsNotFound(err) {
		return nil, err
	}
	if local == nil {
		local = &models.Book{
			ServerID:  library.ServerID,
			LibraryID: library.ID,
			CalibreID: calibreID,
		}
	}

	serverModified := time.Time{}
	if doc.LastModified != nil {
		serverModified = doc.LastModified.Time
	}
	if !local.LastModified.IsZero() && !serverModified.After(local.LastModified) {
		log.Debug("book metadata unchanged", logger.Data{
			"library_id": library.ID,
			"calibre_id": calibreID,
		})
		return &Result{Book: local}, nil
	}

	state, err := f.serverState(ctx, client, doc, library, calibreID)
	if err != nil {
		return nil, err
	}

	conflict := reconcile.DetectConflict(local, state, f.deviceID)
	merged := reconcile.Merge(local, state, f.deviceID)
	applyDocument(merged, doc)

	now := time.Now()
	merged.LastSynced = &now
	merged.TombstonedAt = nil

	if err := f.books.UpsertBook(ctx, merged); err != nil {
		return nil, err
	}

	log.Info("book metadata updated", logger.Data{
		"library_id": library.ID,
		"calibre_id": calibreID,
		"title":      merged.Title,
	})

	return &Result{Book: merged, Updated: true, Conflict: conflict}, nil
}

// serverState gathers the per-device reading state for the book: the blob
// in the configured position column, plus the dedicated position and
// annotation endpoints when the library's server exposes them.
func (f *Fetcher) serverState(ctx context.Context, client *calibre.Client, doc *calibre.BookDocument, library *models.Library, calibreID int64) (reconcile.ServerState, error) {
	state := reconcile.ServerState{Positions: map[string]*models.DeviceReadingPosition{}}

	if library.PositionColumn != nil {
		if field, ok := doc.UserMetadata[*library.PositionColumn]; ok {
			positions, err := calibre.DecodeDeviceMap(field.StringValue())
			if err != nil {
				return state, err
			}
			state.Positions = positions
		}
	}

	if library.UseShortcutEndpoints {
		if err := f.pullReadingState(ctx, client, doc, library, calibreID, &state); err != nil {
			return state, err
		}
	}

	return state, nil
}

// pullReadingState fetches per-format positions and annotations from the
// shortcut endpoints. Positions are folded across formats by highest epoch
// per device; a 404 means the server holds nothing for that format.
func (f *Fetcher) pullReadingState(ctx context.Context, client *calibre.Client, doc *calibre.BookDocument, library *models.Library, calibreID int64, state *reconcile.ServerState) error {
	formats := make([]string, 0, len(doc.FormatMetadata))
	for name := range doc.FormatMetadata {
		formats = append(formats, name)
	}
	sort.Strings(formats)

	for _, format := range formats {
		positions, err := client.LastReadPosition(ctx, library.Key, calibreID, format)
		if err != nil && !errcodes.IsNotFound(err) {
			return err
		}
		for deviceID, pos := range positions {
			if existing, ok := state.Positions[deviceID]; ok && existing.Epoch >= pos.Epoch {
				continue
			}
			state.Positions[deviceID] = pos
		}

		ann, err := client.Annotations(ctx, library.Key, calibreID, format)
		if err != nil {
			if errcodes.IsNotFound(err) {
				continue
			}
			return err
		}
		for _, h := range ann.Highlights {
			state.Highlights = append(state.Highlights, h.ToModel())
		}
		for _, bm := range ann.Bookmarks {
			state.Bookmarks = append(state.Bookmarks, bm.ToModel())
		}
	}

	return nil
}

// applyDocument replaces the server-authoritative metadata fields wholesale
// and refreshes per-format server size and mtime, carrying local cache state
// over untouched.
func applyDocument(book *models.Book, doc *calibre.BookDocument) {
	book.Title = doc.Title
	book.Authors = models.StringList(doc.Authors)
	book.Tags = models.StringList(doc.Tags)
	book.Series = doc.Series
	book.SeriesIndex = doc.SeriesIndex
	book.Identifiers = models.StringMap(doc.Identifiers)
	book.Rating = doc.Rating
	book.Pubdate = doc.Pubdate.TimeOrNil()
	book.Timestamp = doc.Timestamp.TimeOrNil()
	if doc.LastModified != nil {
		book.LastModified = doc.LastModified.Time
	}

	formats := make([]*models.FormatInfo, 0, len(doc.FormatMetadata))
	for name, fd := range doc.FormatMetadata {
		f := book.FormatFor(name)
		if f == nil {
			f = &models.FormatInfo{Format: name}
		}
		f.ServerSize = fd.Size
		if fd.MTime != nil {
			f.ServerMTime = fd.MTime.Time
		}
		formats = append(formats, f)
	}
	sort.Slice(formats, func(i, j int) bool { return formats[i].Format < formats[j].Format })
	book.Formats = formats
}

// tombstone marks the local record deleted-on-server, if one exists.
func (f *Fetcher) tombstone(ctx context.Context, library *models.Library, calibreID int64) (*Result, error) {
	local, err := f.books.RetrieveBook(ctx, books.RetrieveBookOptions{
		LibraryID: &library.ID,
		CalibreID: &calibreID,
	})
	if err != nil {
		if errcodes.IsNotFound(err) {
			return &Result{Tombstoned: true}, nil
		}
		return nil, err
	}

	if err := f.books.Tombstone(ctx, library.ID, []int64{calibreID}); err != nil {
		return nil, err
	}
	now := time.Now()
	local.TombstonedAt = &now
	return &Result{Book: local, Tombstoned: true}, nil
}
