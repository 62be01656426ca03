package models

import (
	"crypto/sha1"
	"encoding/hex"
	"time"

	"github.com/uptrace/bun"
)

// Server is a configured remote content-server endpoint. Identity is derived
// from the base URL plus username, so re-adding the same server for the same
// user rekeys to the same row.
type Server struct {
	bun.BaseModel `bun:"table:servers,alias:srv"`

	ID        string    `bun:",pk,nullzero" json:"id"`
	BaseURL   string    `bun:",nullzero" json:"base_url"`
	PublicURL *string   `json:"public_url,omitempty"`
	Username  string    `json:"username"`
	UsesAuth  bool      `json:"uses_auth"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ServerID derives the stable server identity from base URL and username.
func ServerID(baseURL, username string) string {
	sum := sha1.Sum([]byte(baseURL + "\x00" + username))
	return hex.EncodeToString(sum[:])
}

// Library is a named book collection hosted by a Server, identified by a
// server-assigned key.
type Library struct {
	bun.BaseModel `bun:"table:libraries,alias:lib"`

	ID       string  `bun:",pk,nullzero" json:"id"`
	ServerID string  `bun:",nullzero" json:"server_id"`
	Server   *Server `bun:"rel:belongs-to" json:"server,omitempty"`
	Key      string  `bun:",nullzero" json:"key"`
	Name     string  `bun:",nullzero" json:"name"`

	// AutoUpdate opts the library into the background sync loop.
	// Discoverable controls whether it shows up in library listings.
	AutoUpdate   bool `json:"auto_update"`
	Discoverable bool `json:"discoverable"`

	// PositionColumn is the custom-column lookup name that stores the
	// base64-encoded per-device reading-position blob (e.g. "#read_pos").
	// Nil disables reading-position sync for this library.
	PositionColumn *string `json:"position_column,omitempty"`

	// UseShortcutEndpoints selects the dedicated
	// book-set-last-read-position endpoints over set_metadata writeback.
	UseShortcutEndpoints bool `json:"use_shortcut_endpoints"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
