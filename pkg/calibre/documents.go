package calibre

import (
	"strings"
	"time"

	"github.com/segmentio/encoding/json"
)

// LibraryInfo is the response of GET /ajax/library-info.
type LibraryInfo struct {
	DefaultLibrary string            `json:"default_library"`
	LibraryMap     map[string]string `json:"library_map"`
}

// listResponse is the envelope of POST /cdb/cmd/list/0.
type listResponse struct {
	Result struct {
		BookIDs []int64 `json:"book_ids"`
	} `json:"result"`
}

// BookDocument is the per-book metadata document served by
// GET /get/json/<bookId>/<libraryKey>. Fields the engine doesn't consume are
// left out; unknown fields are ignored on decode.
type BookDocument struct {
	Title        string            `json:"title"`
	Authors      []string          `json:"authors"`
	Tags         []string          `json:"tags"`
	Series       *string           `json:"series"`
	SeriesIndex  *float64          `json:"series_index"`
	Identifiers  map[string]string `json:"identifiers"`
	Rating       *float64          `json:"rating"`
	Pubdate      *Timestamp        `json:"pubdate"`
	Timestamp    *Timestamp        `json:"timestamp"`
	LastModified *Timestamp        `json:"last_modified"`

	Formats        []string                  `json:"formats"`
	FormatMetadata map[string]FormatDocument `json:"format_metadata"`

	// UserMetadata carries custom columns. The reading-position blob, when
	// the library has one configured, lives under its column's lookup name.
	UserMetadata map[string]UserMetadataField `json:"user_metadata"`
}

// FormatDocument describes one format's file on the server.
type FormatDocument struct {
	Size  int64      `json:"size"`
	MTime *Timestamp `json:"mtime"`
}

// UserMetadataField is one custom column's value wrapper.
type UserMetadataField struct {
	Value json.RawMessage `json:"#value#"`
}

// StringValue extracts the field value as a string, or "" when it is null or
// not a string.
func (f UserMetadataField) StringValue() string {
	var s string
	if err := json.Unmarshal(f.Value, &s); err != nil {
		return ""
	}
	return s
}

// Timestamp handles the server's ISO-8601 dates, including the sentinel
// "0101-01-01" values calibre uses for undefined dates.
type Timestamp struct {
	time.Time
}

const undefinedDatePrefix = "0101-01-01"

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == "" || strings.HasPrefix(raw, undefinedDatePrefix) {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		// Some servers omit the timezone.
		parsed, err = time.Parse("2006-01-02T15:04:05", raw)
		if err != nil {
			return err
		}
	}
	t.Time = parsed
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return json.Marshal("0101-01-01T00:00:00+00:00")
	}
	return json.Marshal(t.Format(time.RFC3339))
}

// TimeOrNil converts an optional document timestamp into *time.Time.
func (t *Timestamp) TimeOrNil() *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.Time
	return &v
}
