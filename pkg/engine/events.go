package engine

import (
	"github.com/folioreader/folio/pkg/download"
	"github.com/folioreader/folio/pkg/reconcile"
	"github.com/folioreader/folio/pkg/syncer"
	"github.com/robinjoseph08/golib/logger"
)

type EventType string

const (
	EventSyncStarted      EventType = "sync_started"
	EventSyncFinished     EventType = "sync_finished"
	EventSyncFailed       EventType = "sync_failed"
	EventBookUpdated      EventType = "book_updated"
	EventPositionConflict EventType = "position_conflict"
	EventDownloadProgress EventType = "download_progress"
)

// Event is one entry on the engine's broadcast stream. Only the fields
// relevant to the type are set.
type Event struct {
	Type      EventType
	LibraryID string
	BookID    string

	Sync     *syncer.Result
	Conflict *reconcile.PositionConflict
	Download *download.Progress
	Err      error
}

// publish sends without blocking. The transfer and sync paths must never
// stall on a consumer that stopped reading.
func (e *Engine) publish(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.log.Warn("event dropped", logger.Data{"type": string(ev.Type)})
	}
}

func (e *Engine) publishDownload(p download.Progress) {
	e.publish(Event{Type: EventDownloadProgress, BookID: p.BookID, Download: &p})
}
