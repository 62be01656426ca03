package books

import (
	"context"
	"database/sql"
	"time"

	"github.com/folioreader/folio/pkg/errcodes"
	"github.com/folioreader/folio/pkg/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

type RetrieveBookOptions struct {
	ID        *string
	LibraryID *string
	CalibreID *int64
}

type ListBooksOptions struct {
	Limit             *int
	Offset            *int
	LibraryID         *string
	ServerID          *string
	IncludeTombstoned bool

	includeTotal bool
}

// Service is the typed repository over the local book store. All writes are
// whole-record replacements committed atomically per book, which is what
// lets the fetcher and the download manager share the store without
// fine-grained locking.
type Service struct {
	db *bun.DB
}

func NewService(db *bun.DB) *Service {
	return &Service{db}
}

func (svc *Service) RetrieveBook(ctx context.Context, opts RetrieveBookOptions) (*models.Book, error) {
	book := &models.Book{}

	q := svc.db.
		NewSelect().
		Model(book).
		Relation("Library").
		Relation("Formats", func(sq *bun.SelectQuery) *bun.SelectQuery {
			return sq.Order("bf.format ASC")
		}).
		Relation("Positions", func(sq *bun.SelectQuery) *bun.SelectQuery {
			return sq.Order("rp.device_id ASC")
		}).
		Relation("Highlights", func(sq *bun.SelectQuery) *bun.SelectQuery {
			return sq.Order("h.created_date ASC")
		}).
		Relation("Bookmarks", func(sq *bun.SelectQuery) *bun.SelectQuery {
			return sq.Order("bm.created_date ASC")
		})

	if opts.ID != nil {
		q = q.Where("b.id = ?", *opts.ID)
	}
	if opts.LibraryID != nil {
		q = q.Where("b.library_id = ?", *opts.LibraryID)
	}
	if opts.CalibreID != nil {
		q = q.Where("b.calibre_id = ?", *opts.CalibreID)
	}

	err := q.Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errcodes.NotFound("Book")
		}
		return nil, errors.WithStack(err)
	}

	return book, nil
}

func (svc *Service) ListBooks(ctx context.Context, opts ListBooksOptions) ([]*models.Book, error) {
	b, _, err := svc.listBooksWithTotal(ctx, opts)
	return b, errors.WithStack(err)
}

func (svc *Service) ListBooksWithTotal(ctx context.Context, opts ListBooksOptions) ([]*models.Book, int, error) {
	opts.includeTotal = true
	return svc.listBooksWithTotal(ctx, opts)
}

func (svc *Service) listBooksWithTotal(ctx context.Context, opts ListBooksOptions) ([]*models.Book, int, error) {
	books := []*models.Book{}
	var total int
	var err error

	q := svc.db.
		NewSelect().
		Model(&books).
		Relation("Formats", func(sq *bun.SelectQuery) *bun.SelectQuery {
			return sq.Order("bf.format ASC")
		}).
		Order("b.title ASC")

	if opts.Limit != nil {
		q = q.Limit(*opts.Limit)
	}
	if opts.Offset != nil {
		q = q.Offset(*opts.Offset)
	}
	if opts.LibraryID != nil {
		q = q.Where("b.library_id = ?", *opts.LibraryID)
	}
	if opts.ServerID != nil {
		q = q.Where("b.server_id = ?", *opts.ServerID)
	}
	if !opts.IncludeTombstoned {
		q = q.Where("b.tombstoned_at IS NULL")
	}

	if opts.includeTotal {
		total, err = q.ScanAndCount(ctx)
	} else {
		err = q.Scan(ctx)
	}
	if err != nil {
		return nil, 0, errors.WithStack(err)
	}

	return books, total, nil
}

// ListCalibreIDs returns the server-assigned ids of every non-tombstoned
// book cached for the library. This is the local side of a sync diff.
func (svc *Service) ListCalibreIDs(ctx context.Context, libraryID string) ([]int64, error) {
	var ids []int64

	err := svc.db.
		NewSelect().
		Model((*models.Book)(nil)).
		Column("b.calibre_id").
		Where("b.library_id = ?", libraryID).
		Where("b.tombstoned_at IS NULL").
		Order("b.calibre_id ASC").
		Scan(ctx, &ids)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return ids, nil
}

// UpsertBook commits a merged Book value wholesale: the books row plus all
// child rows are replaced in one transaction. Fetch failures never reach this
// point, so a cached record is either fully replaced or untouched.
func (svc *Service) UpsertBook(ctx context.Context, book *models.Book) error {
	now := time.Now()
	if book.CreatedAt.IsZero() {
		book.CreatedAt = now
	}
	book.UpdatedAt = now

	if book.ID == "" {
		id, err := uuid.NewRandom()
		if err != nil {
			return errors.WithStack(err)
		}
		book.ID = id.String()
	}

	err := svc.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.
			NewInsert().
			Model(book).
			On("CONFLICT (id) DO UPDATE").
			Set("updated_at = EXCLUDED.updated_at").
			Set("title = EXCLUDED.title").
			Set("authors = EXCLUDED.authors").
			Set("tags = EXCLUDED.tags").
			Set("series = EXCLUDED.series").
			Set("series_index = EXCLUDED.series_index").
			Set("identifiers = EXCLUDED.identifiers").
			Set("rating = EXCLUDED.rating").
			Set("pubdate = EXCLUDED.pubdate").
			Set("timestamp = EXCLUDED.timestamp").
			Set("last_modified = EXCLUDED.last_modified").
			Set("last_synced = EXCLUDED.last_synced").
			Set("tombstoned_at = EXCLUDED.tombstoned_at").
			Exec(ctx)
		if err != nil {
			return errors.WithStack(err)
		}

		// Replace all child rows. Whole-record semantics keep partial
		// merges from ever being observable.
		for _, model := range []interface{}{
			(*models.FormatInfo)(nil),
			(*models.DeviceReadingPosition)(nil),
			(*models.Highlight)(nil),
			(*models.Bookmark)(nil),
		} {
			_, err := tx.
				NewDelete().
				Model(model).
				Where("book_id = ?", book.ID).
				Exec(ctx)
			if err != nil {
				return errors.WithStack(err)
			}
		}

		for _, f := range book.Formats {
			if f.ID == "" {
				id, err := uuid.NewRandom()
				if err != nil {
					return errors.WithStack(err)
				}
				f.ID = id.String()
			}
			f.BookID = book.ID
			if f.CreatedAt.IsZero() {
				f.CreatedAt = now
			}
			f.UpdatedAt = now
		}
		if len(book.Formats) > 0 {
			_, err := tx.NewInsert().Model(&book.Formats).Exec(ctx)
			if err != nil {
				return errors.WithStack(err)
			}
		}

		for _, p := range book.Positions {
			if p.ID == "" {
				id, err := uuid.NewRandom()
				if err != nil {
					return errors.WithStack(err)
				}
				p.ID = id.String()
			}
			p.BookID = book.ID
			if p.CreatedAt.IsZero() {
				p.CreatedAt = now
			}
			p.UpdatedAt = now
		}
		if len(book.Positions) > 0 {
			_, err := tx.NewInsert().Model(&book.Positions).Exec(ctx)
			if err != nil {
				return errors.WithStack(err)
			}
		}

		for _, h := range book.Highlights {
			h.BookID = book.ID
			if h.CreatedAt.IsZero() {
				h.CreatedAt = now
			}
			h.UpdatedAt = now
		}
		if len(book.Highlights) > 0 {
			_, err := tx.NewInsert().Model(&book.Highlights).Exec(ctx)
			if err != nil {
				return errors.WithStack(err)
			}
		}

		for _, bm := range book.Bookmarks {
			bm.BookID = book.ID
			if bm.CreatedAt.IsZero() {
				bm.CreatedAt = now
			}
			bm.UpdatedAt = now
		}
		if len(book.Bookmarks) > 0 {
			_, err := tx.NewInsert().Model(&book.Bookmarks).Exec(ctx)
			if err != nil {
				return errors.WithStack(err)
			}
		}

		return nil
	})
	if err != nil {
		return errors.WithStack(err)
	}

	return nil
}

// UpdateFormat persists download results for a single format row without
// touching the rest of the book.
func (svc *Service) UpdateFormat(ctx context.Context, format *models.FormatInfo, columns ...string) error {
	if len(columns) == 0 {
		return nil
	}

	format.UpdatedAt = time.Now()
	columns = append(columns, "updated_at")

	_, err := svc.db.
		NewUpdate().
		Model(format).
		Column(columns...).
		WherePK().
		Exec(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errcodes.NotFound("Format")
		}
		return errors.WithStack(err)
	}

	return nil
}

// Tombstone marks books the server no longer reports. Rows and any cached
// files survive so offline copies stay readable.
func (svc *Service) Tombstone(ctx context.Context, libraryID string, calibreIDs []int64) error {
	if len(calibreIDs) == 0 {
		return nil
	}

	now := time.Now()
	_, err := svc.db.
		NewUpdate().
		Model((*models.Book)(nil)).
		Set("tombstoned_at = ?", now).
		Set("updated_at = ?", now).
		Where("library_id = ?", libraryID).
		Where("calibre_id IN (?)", bun.In(calibreIDs)).
		Where("tombstoned_at IS NULL").
		Exec(ctx)
	if err != nil {
		return errors.WithStack(err)
	}

	return nil
}

// DeleteBook removes a book and its children outright. Only used when the
// user explicitly discards a tombstoned record.
func (svc *Service) DeleteBook(ctx context.Context, id string) error {
	err := svc.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		for _, model := range []interface{}{
			(*models.FormatInfo)(nil),
			(*models.DeviceReadingPosition)(nil),
			(*models.Highlight)(nil),
			(*models.Bookmark)(nil),
		} {
			_, err := tx.
				NewDelete().
				Model(model).
				Where("book_id = ?", id).
				Exec(ctx)
			if err != nil {
				return errors.WithStack(err)
			}
		}

		res, err := tx.
			NewDelete().
			Model((*models.Book)(nil)).
			Where("id = ?", id).
			Exec(ctx)
		if err != nil {
			return errors.WithStack(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.WithStack(err)
		}
		if n == 0 {
			return errcodes.NotFound("Book")
		}
		return nil
	})
	if err != nil {
		return errors.WithStack(err)
	}

	return nil
}
