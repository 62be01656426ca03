package calibre

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"

	"github.com/folioreader/folio/pkg/errcodes"
	"github.com/folioreader/folio/pkg/models"
	"github.com/segmentio/encoding/json"
)

// PositionDocument is the wire form of one device's reading position, both
// inside the base64 custom-column blob and on the shortcut endpoints.
type PositionDocument struct {
	Device          string  `json:"device"`
	Reader          string  `json:"reader"`
	PosType         string  `json:"pos_type"`
	Page            int     `json:"page"`
	PageOffset      int     `json:"page_offset"`
	CharOffset      int64   `json:"char_offset"`
	CFI             string  `json:"cfi,omitempty"`
	Chapter         string  `json:"chapter,omitempty"`
	ChapterProgress float64 `json:"chapter_progress"`
	Progress        float64 `json:"progress"`
	Epoch           float64 `json:"epoch"`
	Precedence      bool    `json:"precedence"`
}

// ToModel converts a wire position into the canonical record for deviceID.
func (d *PositionDocument) ToModel(deviceID string) *models.DeviceReadingPosition {
	p := &models.DeviceReadingPosition{
		DeviceID:        deviceID,
		ReaderName:      d.Reader,
		PosType:         d.PosType,
		Page:            d.Page,
		PageOffset:      d.PageOffset,
		CharOffset:      d.CharOffset,
		ChapterProgress: d.ChapterProgress,
		Progress:        d.Progress,
		Epoch:           d.Epoch,
		Precedence:      d.Precedence,
	}
	if d.CFI != "" {
		cfi := d.CFI
		p.CFI = &cfi
	}
	if d.Chapter != "" {
		chapter := d.Chapter
		p.ChapterName = &chapter
	}
	return p
}

// PositionDocumentFromModel converts a canonical record into its wire form.
func PositionDocumentFromModel(p *models.DeviceReadingPosition) *PositionDocument {
	d := &PositionDocument{
		Device:          p.DeviceID,
		Reader:          p.ReaderName,
		PosType:         p.PosType,
		Page:            p.Page,
		PageOffset:      p.PageOffset,
		CharOffset:      p.CharOffset,
		ChapterProgress: p.ChapterProgress,
		Progress:        p.Progress,
		Epoch:           p.Epoch,
		Precedence:      p.Precedence,
	}
	if p.CFI != nil {
		d.CFI = *p.CFI
	}
	if p.ChapterName != nil {
		d.Chapter = *p.ChapterName
	}
	return d
}

// DecodeDeviceMap decodes the base64-encoded per-device position blob found
// in a configured custom column.
func DecodeDeviceMap(blob string) (map[string]*models.DeviceReadingPosition, error) {
	if blob == "" {
		return map[string]*models.DeviceReadingPosition{}, nil
	}

	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, errcodes.Parse(fmt.Sprintf("Reading-position blob is not valid base64: %v.", err))
	}

	docs := map[string]*PositionDocument{}
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, errcodes.Parse(fmt.Sprintf("Reading-position blob is not valid JSON: %v.", err))
	}

	out := make(map[string]*models.DeviceReadingPosition, len(docs))
	for deviceID, doc := range docs {
		if doc == nil {
			continue
		}
		out[deviceID] = doc.ToModel(deviceID)
	}
	return out, nil
}

// EncodeDeviceMap encodes a per-device position map back into the blob
// format expected by the custom column.
func EncodeDeviceMap(positions map[string]*models.DeviceReadingPosition) (string, error) {
	docs := make(map[string]*PositionDocument, len(positions))
	for deviceID, p := range positions {
		docs[deviceID] = PositionDocumentFromModel(p)
		docs[deviceID].Device = deviceID
	}

	data, err := json.Marshal(docs)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// LastReadPosition fetches per-device positions for one (book, format) via
// the dedicated shortcut endpoint.
func (c *Client) LastReadPosition(ctx context.Context, libraryKey string, bookID int64, format string) (map[string]*models.DeviceReadingPosition, error) {
	docs := map[string]*PositionDocument{}
	err := c.getJSON(ctx, c.positionURL("book-get-last-read-position", libraryKey, bookID, format), &docs)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*models.DeviceReadingPosition, len(docs))
	for deviceID, doc := range docs {
		if doc == nil {
			continue
		}
		out[deviceID] = doc.ToModel(deviceID)
	}
	return out, nil
}

// SetLastReadPosition pushes the current device's position for one
// (book, format) via the dedicated shortcut endpoint.
func (c *Client) SetLastReadPosition(ctx context.Context, libraryKey string, bookID int64, format string, pos *models.DeviceReadingPosition) error {
	doc := PositionDocumentFromModel(pos)
	return c.postJSON(ctx, c.positionURL("book-set-last-read-position", libraryKey, bookID, format), doc, nil)
}

func (c *Client) positionURL(endpoint, libraryKey string, bookID int64, format string) string {
	return c.URL(fmt.Sprintf("/%s/%s/%d-%s", endpoint, url.PathEscape(libraryKey), bookID, format), nil)
}
