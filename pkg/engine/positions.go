package engine

import (
	"context"
	"net/http"
	"time"

	"github.com/folioreader/folio/pkg/books"
	"github.com/folioreader/folio/pkg/calibre"
	"github.com/folioreader/folio/pkg/errcodes"
	"github.com/folioreader/folio/pkg/models"
)

// PushReadingPosition records where the current device is in a book and
// pushes it to the server. The local record is committed first, so a push
// failure never loses the position; the next push or sync carries it up.
func (e *Engine) PushReadingPosition(ctx context.Context, bookID, format string, pos *models.DeviceReadingPosition) error {
	book, err := e.books.RetrieveBook(ctx, books.RetrieveBookOptions{ID: &bookID})
	if err != nil {
		return err
	}
	library, client, err := e.libraryClient(ctx, book.LibraryID)
	if err != nil {
		return err
	}

	pos.DeviceID = e.config.DeviceID
	if pos.Epoch == 0 {
		pos.Epoch = float64(time.Now().Unix())
	}

	if existing := book.PositionFor(pos.DeviceID); existing != nil {
		pos.ID = existing.ID
		pos.BookID = existing.BookID
		pos.CreatedAt = existing.CreatedAt
		*existing = *pos
	} else {
		book.Positions = append(book.Positions, pos)
	}

	if err := e.books.UpsertBook(ctx, book); err != nil {
		return err
	}

	return e.pushPosition(ctx, client, library, book, format, pos)
}

// pushPosition uploads the current device's position, either through the
// dedicated endpoint or by writing the whole device map back into the
// configured custom column.
func (e *Engine) pushPosition(ctx context.Context, client *calibre.Client, library *models.Library, book *models.Book, format string, pos *models.DeviceReadingPosition) error {
	if !library.UseShortcutEndpoints && library.PositionColumn == nil {
		return nil
	}

	entry := e.activity.LogStart(ctx, &models.ActivityLogEntry{
		Type:      models.ActivityTypePositionPush,
		BookID:    &book.ID,
		LibraryID: &library.ID,
		Method:    http.MethodPost,
		URL:       client.BaseURL().String(),
	})

	var err error
	if library.UseShortcutEndpoints {
		err = client.SetLastReadPosition(ctx, library.Key, book.CalibreID, format, pos)
	} else {
		err = e.writebackPositionColumn(ctx, client, library, book)
	}
	if err != nil {
		e.activity.LogFinish(ctx, entry, "error")
		return err
	}
	e.activity.LogFinish(ctx, entry, "ok")
	return nil
}

// writebackPositionColumn re-encodes every device position we hold into the
// custom-column blob and sets it via the command endpoint.
func (e *Engine) writebackPositionColumn(ctx context.Context, client *calibre.Client, library *models.Library, book *models.Book) error {
	positions := make(map[string]*models.DeviceReadingPosition, len(book.Positions))
	for _, p := range book.Positions {
		positions[p.DeviceID] = p
	}

	blob, err := calibre.EncodeDeviceMap(positions)
	if err != nil {
		return err
	}

	return client.SetFields(ctx, library.Key, book.CalibreID, map[string]interface{}{
		*library.PositionColumn: blob,
	})
}

// PushAnnotations uploads the book's highlights and bookmarks for one
// format.
func (e *Engine) PushAnnotations(ctx context.Context, bookID, format string) error {
	book, err := e.books.RetrieveBook(ctx, books.RetrieveBookOptions{ID: &bookID})
	if err != nil {
		return err
	}
	library, client, err := e.libraryClient(ctx, book.LibraryID)
	if err != nil {
		return err
	}
	if !library.UseShortcutEndpoints {
		return errcodes.Conflict("This library's server does not expose annotation endpoints.")
	}

	doc := &calibre.AnnotationsDocument{
		Highlights: make([]*calibre.HighlightDocument, 0, len(book.Highlights)),
		Bookmarks:  make([]*calibre.BookmarkDocument, 0, len(book.Bookmarks)),
	}
	for _, h := range book.Highlights {
		doc.Highlights = append(doc.Highlights, calibre.HighlightDocumentFromModel(h))
	}
	for _, bm := range book.Bookmarks {
		doc.Bookmarks = append(doc.Bookmarks, calibre.BookmarkDocumentFromModel(bm))
	}

	entry := e.activity.LogStart(ctx, &models.ActivityLogEntry{
		Type:      models.ActivityTypeAnnotationPush,
		BookID:    &book.ID,
		LibraryID: &library.ID,
		Method:    http.MethodPost,
		URL:       client.BaseURL().String(),
	})

	if err := client.UpdateAnnotations(ctx, library.Key, book.CalibreID, format, doc); err != nil {
		e.activity.LogFinish(ctx, entry, "error")
		return err
	}
	e.activity.LogFinish(ctx, entry, "ok")
	return nil
}
