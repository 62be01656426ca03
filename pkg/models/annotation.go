package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Highlight is a content-span annotation. Identity is the stable ID; merges
// are idempotent upserts keyed by it. Note, style, and creation date are the
// mutable fields.
type Highlight struct {
	bun.BaseModel `bun:"table:highlights,alias:h"`

	ID     string `bun:",pk,nullzero" json:"id"`
	BookID string `bun:",nullzero" json:"book_id"`

	StartCFI        string  `json:"start_cfi"`
	EndCFI          string  `json:"end_cfi"`
	HighlightedText string  `json:"highlighted_text"`
	Note            *string `json:"note,omitempty"`
	Style           *string `json:"style,omitempty"`

	CreatedDate time.Time `json:"created_date"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Bookmark is a page or offset anchor with an optional title. Same identity
// rules as Highlight.
type Bookmark struct {
	bun.BaseModel `bun:"table:bookmarks,alias:bm"`

	ID     string `bun:",pk,nullzero" json:"id"`
	BookID string `bun:",nullzero" json:"book_id"`

	Title  string  `json:"title"`
	Page   int     `json:"page"`
	Offset int64   `json:"offset"`
	CFI    *string `json:"cfi,omitempty"`

	CreatedDate time.Time `json:"created_date"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
