package models

import (
	"time"

	"github.com/uptrace/bun"
)

const (
	ActivityTypeSync           = "sync"
	ActivityTypeMetadataFetch  = "metadata_fetch"
	ActivityTypeDownload       = "download"
	ActivityTypePositionPush   = "position_push"
	ActivityTypeAnnotationPush = "annotation_push"
	ActivityTypeLibraryInfo    = "library_info"
)

// ActivityLogEntry records one outbound request. Append-only; never consulted
// by control flow, so a failed insert can't affect sync correctness.
type ActivityLogEntry struct {
	bun.BaseModel `bun:"table:activity_log,alias:al"`

	ID   int64  `bun:",pk,autoincrement" json:"id"`
	Type string `bun:",nullzero" json:"type"`

	BookID    *string `json:"book_id,omitempty"`
	LibraryID *string `json:"library_id,omitempty"`

	Method string  `json:"method"`
	URL    string  `json:"url"`
	Body   *string `json:"body,omitempty"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Outcome    *string    `json:"outcome,omitempty"`
}
