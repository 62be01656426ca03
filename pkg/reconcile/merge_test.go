package reconcile

import (
	"testing"
	"time"

	"github.com/folioreader/folio/pkg/models"
	"github.com/robinjoseph08/golib/pointerutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func position(deviceID string, progress float64, epoch float64) *models.DeviceReadingPosition {
	return &models.DeviceReadingPosition{
		DeviceID:   deviceID,
		ReaderName: "folio",
		PosType:    "epubcfi",
		Progress:   progress,
		Epoch:      epoch,
	}
}

func bookWithPositions(positions ...*models.DeviceReadingPosition) *models.Book {
	return &models.Book{
		ID:        "book-1",
		Title:     "The Test Book",
		Authors:   models.StringList{"A. Author"},
		Positions: positions,
	}
}

func TestMergeSelfDevicePrecedence(t *testing.T) {
	t.Parallel()

	local := bookWithPositions(position("device-a", 0.40, 100))
	server := ServerState{Positions: map[string]*models.DeviceReadingPosition{
		"device-a": position("device-a", 0.35, 90), // stale echo
		"device-b": position("device-b", 0.60, 120),
	}}

	merged := Merge(local, server, "device-a")

	require.NotNil(t, merged.PositionFor("device-a"))
	assert.Equal(t, 0.40, merged.PositionFor("device-a").Progress)
	require.NotNil(t, merged.PositionFor("device-b"))
	assert.Equal(t, 0.60, merged.PositionFor("device-b").Progress)
}

func TestMergeSelfDeviceInsertedWhenNoLocalEntry(t *testing.T) {
	t.Parallel()

	// A fresh install has no local position yet; the server's entry for
	// this device is the best available and is applied.
	local := bookWithPositions()
	server := ServerState{Positions: map[string]*models.DeviceReadingPosition{
		"device-a": position("device-a", 0.35, 90),
	}}

	merged := Merge(local, server, "device-a")

	require.NotNil(t, merged.PositionFor("device-a"))
	assert.Equal(t, 0.35, merged.PositionFor("device-a").Progress)
}

func TestMergeForeignDeviceReplaces(t *testing.T) {
	t.Parallel()

	local := bookWithPositions(position("device-b", 0.10, 50))
	server := ServerState{Positions: map[string]*models.DeviceReadingPosition{
		"device-b": position("device-b", 0.05, 40), // even "backwards" wins
	}}

	merged := Merge(local, server, "device-a")

	require.NotNil(t, merged.PositionFor("device-b"))
	assert.Equal(t, 0.05, merged.PositionFor("device-b").Progress)
}

func TestMergeIdempotent(t *testing.T) {
	t.Parallel()

	note := "a note"
	local := bookWithPositions(position("device-a", 0.40, 100))
	local.Highlights = []*models.Highlight{{
		ID:              "hl-1",
		StartCFI:        "epubcfi(/6/4!/4/10)",
		EndCFI:          "epubcfi(/6/4!/4/12)",
		HighlightedText: "some text",
	}}
	server := ServerState{
		Positions: map[string]*models.DeviceReadingPosition{
			"device-a": position("device-a", 0.35, 90),
			"device-b": position("device-b", 0.60, 120),
		},
		Highlights: []*models.Highlight{
			{ID: "hl-1", Note: &note, CreatedDate: time.Unix(1700000000, 0)},
			{ID: "hl-2", HighlightedText: "other text"},
		},
		Bookmarks: []*models.Bookmark{
			{ID: "bm-1", Title: "Chapter 3", Page: 41},
		},
	}

	once := Merge(local, server, "device-a")
	twice := Merge(once, server, "device-a")

	assert.Equal(t, once, twice)
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	t.Parallel()

	local := bookWithPositions(position("device-b", 0.10, 50))
	serverPos := position("device-b", 0.90, 200)
	server := ServerState{Positions: map[string]*models.DeviceReadingPosition{"device-b": serverPos}}

	merged := Merge(local, server, "device-a")

	assert.Equal(t, 0.10, local.Positions[0].Progress)
	assert.Equal(t, 0.90, serverPos.Progress)
	require.NotNil(t, merged.PositionFor("device-b"))
	assert.Equal(t, 0.90, merged.PositionFor("device-b").Progress)

	// Mutating the merged value must not leak back into inputs.
	merged.PositionFor("device-b").Progress = 0.5
	assert.Equal(t, 0.90, serverPos.Progress)
}

func TestMergeHighlightUpsert(t *testing.T) {
	t.Parallel()

	oldNote := "old"
	newNote := "new"
	style := "yellow"
	local := bookWithPositions()
	local.Highlights = []*models.Highlight{{
		ID:              "hl-1",
		StartCFI:        "epubcfi(/6/4!/4/10)",
		EndCFI:          "epubcfi(/6/4!/4/12)",
		HighlightedText: "original text",
		Note:            &oldNote,
	}}

	server := ServerState{Highlights: []*models.Highlight{
		{ID: "hl-1", HighlightedText: "ignored", Note: &newNote, Style: &style},
		{ID: "hl-2", HighlightedText: "brand new"},
	}}

	merged := Merge(local, server, "device-a")

	require.Len(t, merged.Highlights, 2)
	h1 := merged.HighlightByID("hl-1")
	require.NotNil(t, h1)
	// Immutable span fields keep their local values; only note/style/date
	// are overwritten.
	assert.Equal(t, "original text", h1.HighlightedText)
	assert.Equal(t, "new", *h1.Note)
	assert.Equal(t, "yellow", *h1.Style)
	require.NotNil(t, merged.HighlightByID("hl-2"))
}

func TestMergeBookmarkUpsert(t *testing.T) {
	t.Parallel()

	local := bookWithPositions()
	local.Bookmarks = []*models.Bookmark{{ID: "bm-1", Title: "Old Title", Page: 10}}

	server := ServerState{Bookmarks: []*models.Bookmark{
		{ID: "bm-1", Title: "New Title", Page: 12, CFI: pointerutil.String("epubcfi(/6/4!/4)")},
	}}

	merged := Merge(local, server, "device-a")

	require.Len(t, merged.Bookmarks, 1)
	assert.Equal(t, "New Title", merged.Bookmarks[0].Title)
	assert.Equal(t, 12, merged.Bookmarks[0].Page)
	require.NotNil(t, merged.Bookmarks[0].CFI)
}

func TestMergeKeepsRowIdentityForReplacedPositions(t *testing.T) {
	t.Parallel()

	localPos := position("device-b", 0.10, 50)
	localPos.ID = "row-1"
	local := bookWithPositions(localPos)

	server := ServerState{Positions: map[string]*models.DeviceReadingPosition{
		"device-b": position("device-b", 0.90, 200),
	}}

	merged := Merge(local, server, "device-a")
	require.NotNil(t, merged.PositionFor("device-b"))
	assert.Equal(t, "row-1", merged.PositionFor("device-b").ID)
}

func TestDetectConflict(t *testing.T) {
	t.Parallel()

	local := bookWithPositions(position("device-a", 0.40, 100))
	server := ServerState{Positions: map[string]*models.DeviceReadingPosition{
		"device-a": position("device-a", 0.35, 90),
	}}

	conflict := DetectConflict(local, server, "device-a")
	require.NotNil(t, conflict)
	assert.Equal(t, 0.40, conflict.LocalProgress)
	assert.Equal(t, 0.35, conflict.ServerProgress)
	assert.InDelta(t, -0.05, conflict.Delta, 1e-9)

	// No conflict when the echo matches the local position.
	server.Positions["device-a"] = position("device-a", 0.40, 100)
	assert.Nil(t, DetectConflict(local, server, "device-a"))

	// No conflict for foreign devices.
	assert.Nil(t, DetectConflict(local, server, "device-z"))
}
