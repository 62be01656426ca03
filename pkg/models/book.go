package models

import (
	"time"

	"github.com/uptrace/bun"
)

const (
	FormatEPUB = "EPUB"
	FormatPDF  = "PDF"
	FormatMOBI = "MOBI"
	FormatAZW3 = "AZW3"
	FormatCBZ  = "CBZ"
	FormatTXT  = "TXT"
)

// Book is the canonical per-(server, library, book) record: the merged
// server metadata plus local reading state. Rows are replaced wholesale on
// every successful fetch; components never mutate individual fields of a
// shared instance.
type Book struct {
	bun.BaseModel `bun:"table:books,alias:b"`

	ID        string   `bun:",pk,nullzero" json:"id"`
	ServerID  string   `bun:",nullzero" json:"server_id"`
	LibraryID string   `bun:",nullzero" json:"library_id"`
	Library   *Library `bun:"rel:belongs-to" json:"library,omitempty"`

	// CalibreID is the server-assigned numeric book id. Unique together
	// with LibraryID.
	CalibreID int64 `bun:",nullzero" json:"calibre_id"`

	Title       string     `json:"title"`
	Authors     StringList `bun:"authors,type:text" json:"authors"`
	Tags        StringList `bun:"tags,type:text" json:"tags"`
	Series      *string    `json:"series,omitempty"`
	SeriesIndex *float64   `json:"series_index,omitempty"`
	Identifiers StringMap  `bun:"identifiers,type:text" json:"identifiers"`
	Rating      *float64   `json:"rating,omitempty"`

	Pubdate      *time.Time `json:"pubdate,omitempty"`
	Timestamp    *time.Time `json:"timestamp,omitempty"`
	LastModified time.Time  `json:"last_modified"`

	// LastSynced tracks the last successful metadata fetch for this book.
	LastSynced *time.Time `json:"last_synced,omitempty"`

	// TombstonedAt marks a book the server no longer reports. The row is
	// kept so a locally cached format stays readable offline.
	TombstonedAt *time.Time `json:"tombstoned_at,omitempty"`

	Formats    []*FormatInfo            `bun:"rel:has-many" json:"formats,omitempty"`
	Positions  []*DeviceReadingPosition `bun:"rel:has-many" json:"positions,omitempty"`
	Highlights []*Highlight             `bun:"rel:has-many" json:"highlights,omitempty"`
	Bookmarks  []*Bookmark              `bun:"rel:has-many" json:"bookmarks,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FormatFor returns the FormatInfo for the given format name, or nil.
func (b *Book) FormatFor(format string) *FormatInfo {
	for _, f := range b.Formats {
		if f.Format == format {
			return f
		}
	}
	return nil
}

// PositionFor returns the reading position for the given device, or nil.
func (b *Book) PositionFor(deviceID string) *DeviceReadingPosition {
	for _, p := range b.Positions {
		if p.DeviceID == deviceID {
			return p
		}
	}
	return nil
}

// HighlightByID returns the highlight with the given stable id, or nil.
func (b *Book) HighlightByID(id string) *Highlight {
	for _, h := range b.Highlights {
		if h.ID == id {
			return h
		}
	}
	return nil
}

// BookmarkByID returns the bookmark with the given stable id, or nil.
func (b *Book) BookmarkByID(id string) *Bookmark {
	for _, bm := range b.Bookmarks {
		if bm.ID == id {
			return bm
		}
	}
	return nil
}

// Clone returns a deep copy. The reconciler operates on copies so neither
// the local nor the server input is ever mutated in place.
func (b *Book) Clone() *Book {
	if b == nil {
		return nil
	}
	clone := *b

	clone.Authors = append(StringList(nil), b.Authors...)
	clone.Tags = append(StringList(nil), b.Tags...)
	if b.Identifiers != nil {
		clone.Identifiers = make(StringMap, len(b.Identifiers))
		for k, v := range b.Identifiers {
			clone.Identifiers[k] = v
		}
	}

	clone.SeriesIndex = clonePtr(b.SeriesIndex)
	clone.Series = clonePtr(b.Series)
	clone.Rating = clonePtr(b.Rating)
	clone.Pubdate = clonePtr(b.Pubdate)
	clone.Timestamp = clonePtr(b.Timestamp)
	clone.LastSynced = clonePtr(b.LastSynced)
	clone.TombstonedAt = clonePtr(b.TombstonedAt)

	clone.Formats = make([]*FormatInfo, len(b.Formats))
	for i, f := range b.Formats {
		fc := *f
		fc.CacheMTime = clonePtr(f.CacheMTime)
		fc.CachePath = clonePtr(f.CachePath)
		clone.Formats[i] = &fc
	}
	clone.Positions = make([]*DeviceReadingPosition, len(b.Positions))
	for i, p := range b.Positions {
		pc := *p
		pc.CFI = clonePtr(p.CFI)
		pc.ChapterName = clonePtr(p.ChapterName)
		clone.Positions[i] = &pc
	}
	clone.Highlights = make([]*Highlight, len(b.Highlights))
	for i, h := range b.Highlights {
		hc := *h
		hc.Note = clonePtr(h.Note)
		hc.Style = clonePtr(h.Style)
		clone.Highlights[i] = &hc
	}
	clone.Bookmarks = make([]*Bookmark, len(b.Bookmarks))
	for i, bm := range b.Bookmarks {
		bc := *bm
		bc.CFI = clonePtr(bm.CFI)
		clone.Bookmarks[i] = &bc
	}

	return &clone
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
