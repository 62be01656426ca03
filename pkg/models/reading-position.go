package models

import (
	"time"

	"github.com/uptrace/bun"
)

// DeviceReadingPosition is one device's last-known reading location for a
// book. At most one row exists per (book, device); Epoch is the wall clock
// of the last update on that device and is non-decreasing under normal
// operation.
type DeviceReadingPosition struct {
	bun.BaseModel `bun:"table:reading_positions,alias:rp"`

	ID       string `bun:",pk,nullzero" json:"id"`
	BookID   string `bun:",nullzero" json:"book_id"`
	DeviceID string `bun:",nullzero" json:"device_id"`

	ReaderName string `json:"reader_name"`

	// PosType is the position-tracking style the reader used, e.g.
	// "epubcfi" for reflowable content or "page" for fixed layout.
	PosType string `json:"pos_type"`

	Page       int   `json:"page"`
	PageOffset int   `json:"page_offset"`
	CharOffset int64 `json:"char_offset"`

	CFI             *string `json:"cfi,omitempty"`
	ChapterName     *string `json:"chapter_name,omitempty"`
	ChapterProgress float64 `json:"chapter_progress"`
	Progress        float64 `json:"progress"`

	Epoch      float64 `json:"epoch"`
	Precedence bool    `json:"precedence"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Equal compares the position payload, ignoring row bookkeeping fields.
func (p *DeviceReadingPosition) Equal(other *DeviceReadingPosition) bool {
	if p == nil || other == nil {
		return p == other
	}
	return p.DeviceID == other.DeviceID &&
		p.ReaderName == other.ReaderName &&
		p.PosType == other.PosType &&
		p.Page == other.Page &&
		p.PageOffset == other.PageOffset &&
		p.CharOffset == other.CharOffset &&
		ptrEqual(p.CFI, other.CFI) &&
		ptrEqual(p.ChapterName, other.ChapterName) &&
		p.ChapterProgress == other.ChapterProgress &&
		p.Progress == other.Progress &&
		p.Epoch == other.Epoch &&
		p.Precedence == other.Precedence
}

func ptrEqual[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
