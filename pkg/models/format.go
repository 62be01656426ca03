package models

import (
	"time"

	"github.com/uptrace/bun"
)

// FormatInfo tracks one downloadable encoding of a book and the state of its
// local cache. The cache is up to date only when CacheMTime equals
// ServerMTime exactly; any mismatch marks the format stale.
type FormatInfo struct {
	bun.BaseModel `bun:"table:book_formats,alias:bf"`

	ID     string `bun:",pk,nullzero" json:"id"`
	BookID string `bun:",nullzero" json:"book_id"`
	Format string `bun:",nullzero" json:"format"`

	ServerSize  int64     `json:"server_size"`
	ServerMTime time.Time `json:"server_mtime"`

	Cached     bool       `json:"cached"`
	CacheSize  int64      `json:"cache_size"`
	CacheMTime *time.Time `json:"cache_mtime,omitempty"`
	CachePath  *string    `json:"cache_path,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CacheUpToDate reports whether the cached file matches the server copy.
func (f *FormatInfo) CacheUpToDate() bool {
	return f.Cached && f.CacheMTime != nil && f.CacheMTime.Equal(f.ServerMTime)
}
