package reconcile

import (
	"sort"

	"github.com/folioreader/folio/pkg/models"
)

// ServerState is the per-book reading state a metadata fetch decoded from
// the server document.
type ServerState struct {
	// Positions is keyed by device id.
	Positions  map[string]*models.DeviceReadingPosition
	Highlights []*models.Highlight
	Bookmarks  []*models.Bookmark
}

// Merge folds the server's view of per-device reading state into the local
// book and returns a new value; neither input is mutated.
//
// The current device is always trusted over a stale round-trip of its own
// data: a server entry for currentDeviceID is discarded whenever a local
// entry exists. Every other device's entry replaces the local one
// unconditionally (last fetch wins across foreign devices). Highlights and
// bookmarks are upserted by their stable ids.
//
// Merge is idempotent: Merge(Merge(b, s), s) == Merge(b, s).
func Merge(local *models.Book, server ServerState, currentDeviceID string) *models.Book {
	merged := local.Clone()

	merged.Positions = mergePositions(merged.Positions, server.Positions, currentDeviceID)
	merged.Highlights = mergeHighlights(merged.Highlights, server.Highlights)
	merged.Bookmarks = mergeBookmarks(merged.Bookmarks, server.Bookmarks)

	return merged
}

func mergePositions(local []*models.DeviceReadingPosition, server map[string]*models.DeviceReadingPosition, currentDeviceID string) []*models.DeviceReadingPosition {
	byDevice := make(map[string]*models.DeviceReadingPosition, len(local))
	for _, p := range local {
		byDevice[p.DeviceID] = p
	}

	for deviceID, serverPos := range server {
		if deviceID == currentDeviceID {
			if _, ok := byDevice[deviceID]; ok {
				// Our own entry echoed back, possibly stale. Local wins.
				continue
			}
		}

		p := *serverPos
		p.DeviceID = deviceID
		if existing, ok := byDevice[deviceID]; ok {
			// Keep row identity so the store replaces instead of
			// accumulating.
			p.ID = existing.ID
			p.CreatedAt = existing.CreatedAt
		}
		byDevice[deviceID] = &p
	}

	out := make([]*models.DeviceReadingPosition, 0, len(byDevice))
	for _, p := range byDevice {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func mergeHighlights(local []*models.Highlight, server []*models.Highlight) []*models.Highlight {
	byID := make(map[string]*models.Highlight, len(local))
	for _, h := range local {
		byID[h.ID] = h
	}

	for _, sh := range server {
		if existing, ok := byID[sh.ID]; ok {
			// Known id: overwrite the mutable fields only.
			existing.Note = clonePtr(sh.Note)
			existing.Style = clonePtr(sh.Style)
			existing.CreatedDate = sh.CreatedDate
			continue
		}
		h := *sh
		h.Note = clonePtr(sh.Note)
		h.Style = clonePtr(sh.Style)
		byID[h.ID] = &h
	}

	out := make([]*models.Highlight, 0, len(byID))
	for _, h := range byID {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func mergeBookmarks(local []*models.Bookmark, server []*models.Bookmark) []*models.Bookmark {
	byID := make(map[string]*models.Bookmark, len(local))
	for _, bm := range local {
		byID[bm.ID] = bm
	}

	for _, sb := range server {
		if existing, ok := byID[sb.ID]; ok {
			existing.Title = sb.Title
			existing.Page = sb.Page
			existing.Offset = sb.Offset
			existing.CFI = clonePtr(sb.CFI)
			existing.CreatedDate = sb.CreatedDate
			continue
		}
		bm := *sb
		bm.CFI = clonePtr(sb.CFI)
		byID[bm.ID] = &bm
	}

	out := make([]*models.Bookmark, 0, len(byID))
	for _, bm := range byID {
		out = append(out, bm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
