package calibre

import (
	"context"
	"fmt"
	"net/url"

	"github.com/folioreader/folio/pkg/models"
)

// AnnotationsDocument is the wire form of a book's highlights and bookmarks
// on the annotation endpoints.
type AnnotationsDocument struct {
	Highlights []*HighlightDocument `json:"highlights"`
	Bookmarks  []*BookmarkDocument  `json:"bookmarks"`
}

type HighlightDocument struct {
	UUID            string     `json:"uuid"`
	StartCFI        string     `json:"start_cfi"`
	EndCFI          string     `json:"end_cfi"`
	HighlightedText string     `json:"highlighted_text"`
	Note            string     `json:"notes,omitempty"`
	Style           string     `json:"style,omitempty"`
	Timestamp       *Timestamp `json:"timestamp,omitempty"`
}

type BookmarkDocument struct {
	UUID      string     `json:"uuid"`
	Title     string     `json:"title"`
	Page      int        `json:"page"`
	Offset    int64      `json:"offset"`
	CFI       string     `json:"cfi,omitempty"`
	Timestamp *Timestamp `json:"timestamp,omitempty"`
}

// ToModel converts a wire highlight into the canonical record.
func (d *HighlightDocument) ToModel() *models.Highlight {
	h := &models.Highlight{
		ID:              d.UUID,
		StartCFI:        d.StartCFI,
		EndCFI:          d.EndCFI,
		HighlightedText: d.HighlightedText,
	}
	if d.Note != "" {
		note := d.Note
		h.Note = &note
	}
	if d.Style != "" {
		style := d.Style
		h.Style = &style
	}
	if d.Timestamp != nil && !d.Timestamp.IsZero() {
		h.CreatedDate = d.Timestamp.Time
	}
	return h
}

// ToModel converts a wire bookmark into the canonical record.
func (d *BookmarkDocument) ToModel() *models.Bookmark {
	bm := &models.Bookmark{
		ID:     d.UUID,
		Title:  d.Title,
		Page:   d.Page,
		Offset: d.Offset,
	}
	if d.CFI != "" {
		cfi := d.CFI
		bm.CFI = &cfi
	}
	if d.Timestamp != nil && !d.Timestamp.IsZero() {
		bm.CreatedDate = d.Timestamp.Time
	}
	return bm
}

// HighlightDocumentFromModel converts a canonical highlight to wire form.
func HighlightDocumentFromModel(h *models.Highlight) *HighlightDocument {
	d := &HighlightDocument{
		UUID:            h.ID,
		StartCFI:        h.StartCFI,
		EndCFI:          h.EndCFI,
		HighlightedText: h.HighlightedText,
	}
	if h.Note != nil {
		d.Note = *h.Note
	}
	if h.Style != nil {
		d.Style = *h.Style
	}
	if !h.CreatedDate.IsZero() {
		d.Timestamp = &Timestamp{h.CreatedDate}
	}
	return d
}

// BookmarkDocumentFromModel converts a canonical bookmark to wire form.
func BookmarkDocumentFromModel(bm *models.Bookmark) *BookmarkDocument {
	d := &BookmarkDocument{
		UUID:   bm.ID,
		Title:  bm.Title,
		Page:   bm.Page,
		Offset: bm.Offset,
	}
	if bm.CFI != nil {
		d.CFI = *bm.CFI
	}
	if !bm.CreatedDate.IsZero() {
		d.Timestamp = &Timestamp{bm.CreatedDate}
	}
	return d
}

// Annotations fetches the highlights and bookmarks for one (book, format).
func (c *Client) Annotations(ctx context.Context, libraryKey string, bookID int64, format string) (*AnnotationsDocument, error) {
	doc := &AnnotationsDocument{}
	err := c.getJSON(ctx, c.annotationURL("book-get-annotations", libraryKey, bookID, format), doc)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// UpdateAnnotations uploads locally created or edited highlights and
// bookmarks for one (book, format).
func (c *Client) UpdateAnnotations(ctx context.Context, libraryKey string, bookID int64, format string, doc *AnnotationsDocument) error {
	return c.postJSON(ctx, c.annotationURL("book-update-annotations", libraryKey, bookID, format), doc, nil)
}

func (c *Client) annotationURL(endpoint, libraryKey string, bookID int64, format string) string {
	return c.URL(fmt.Sprintf("/%s/%s/%d-%s", endpoint, url.PathEscape(libraryKey), bookID, format), nil)
}
