package activitylog

import (
	"context"
	"time"

	"github.com/folioreader/folio/pkg/models"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"github.com/uptrace/bun"
)

const maxBodyLen = 2048

type ListEntriesOptions struct {
	BookID    *string
	LibraryID *string
	Types     []string
	Limit     *int
	AfterID   *int64
}

// Service records every outbound request for diagnostics. It is a pure sink:
// insert failures are logged and swallowed so they can never affect sync
// correctness.
type Service struct {
	db  *bun.DB
	log logger.Logger
}

func NewService(db *bun.DB) *Service {
	return &Service{db: db, log: logger.New()}
}

// LogStart records the beginning of a request and returns the entry so the
// caller can hand it back to LogFinish. A nil entry is safe to pass on.
func (svc *Service) LogStart(ctx context.Context, entry *models.ActivityLogEntry) *models.ActivityLogEntry {
	if entry.StartedAt.IsZero() {
		entry.StartedAt = time.Now()
	}
	if entry.Body != nil && len(*entry.Body) > maxBodyLen {
		truncated := (*entry.Body)[:maxBodyLen]
		entry.Body = &truncated
	}

	_, err := svc.db.
		NewInsert().
		Model(entry).
		Returning("*").
		Exec(ctx)
	if err != nil {
		svc.log.Err(err).Warn("activity log insert error")
		return nil
	}

	return entry
}

// LogFinish stamps the finish time and outcome on a started entry.
func (svc *Service) LogFinish(ctx context.Context, entry *models.ActivityLogEntry, outcome string) {
	if entry == nil {
		return
	}

	now := time.Now()
	entry.FinishedAt = &now
	entry.Outcome = &outcome

	_, err := svc.db.
		NewUpdate().
		Model(entry).
		Column("finished_at", "outcome").
		WherePK().
		Exec(ctx)
	if err != nil {
		svc.log.Err(err).Warn("activity log update error")
	}
}

// ListEntries returns log entries for troubleshooting views, newest first.
func (svc *Service) ListEntries(ctx context.Context, opts ListEntriesOptions) ([]*models.ActivityLogEntry, error) {
	entries := []*models.ActivityLogEntry{}

	q := svc.db.
		NewSelect().
		Model(&entries).
		Order("al.id DESC")

	if opts.BookID != nil {
		q = q.Where("al.book_id = ?", *opts.BookID)
	}
	if opts.LibraryID != nil {
		q = q.Where("al.library_id = ?", *opts.LibraryID)
	}
	if len(opts.Types) > 0 {
		q = q.Where("al.type IN (?)", bun.In(opts.Types))
	}
	if opts.AfterID != nil {
		q = q.Where("al.id > ?", *opts.AfterID)
	}
	if opts.Limit != nil {
		q = q.Limit(*opts.Limit)
	}

	err := q.Scan(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return entries, nil
}

// Prune deletes entries older than the given cutoff. The log is append-only
// in normal operation, so this is the only deletion path.
func (svc *Service) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := svc.db.
		NewDelete().
		Model((*models.ActivityLogEntry)(nil)).
		Where("al.started_at < ?", olderThan).
		Exec(ctx)
	if err != nil {
		return 0, errors.WithStack(err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return n, nil
}
