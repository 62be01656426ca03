package migrations

import (
	"context"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

func init() {
	up := func(_ context.Context, db *bun.DB) error {
		_, err := db.Exec(`
			CREATE TABLE servers (
				id TEXT PRIMARY KEY,
				created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				base_url TEXT NOT NULL,
				public_url TEXT,
				username TEXT NOT NULL DEFAULT '',
				uses_auth BOOLEAN NOT NULL DEFAULT FALSE
			)
`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`
			CREATE TABLE libraries (
				id TEXT PRIMARY KEY,
				created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				server_id TEXT REFERENCES servers (id) NOT NULL,
				key TEXT NOT NULL,
				name TEXT NOT NULL,
				auto_update BOOLEAN NOT NULL DEFAULT FALSE,
				discoverable BOOLEAN NOT NULL DEFAULT TRUE,
				position_column TEXT,
				use_shortcut_endpoints BOOLEAN NOT NULL DEFAULT FALSE
			)
`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`CREATE UNIQUE INDEX ux_libraries_server_id_key ON libraries (server_id, key)`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`
			CREATE TABLE books (
				id TEXT PRIMARY KEY,
				created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				server_id TEXT REFERENCES servers (id) NOT NULL,
				library_id TEXT REFERENCES libraries (id) NOT NULL,
				calibre_id INTEGER NOT NULL,
				title TEXT NOT NULL DEFAULT '',
				authors TEXT NOT NULL DEFAULT '[]',
				tags TEXT NOT NULL DEFAULT '[]',
				series TEXT,
				series_index REAL,
				identifiers TEXT NOT NULL DEFAULT '{}',
				rating REAL,
				pubdate TIMESTAMPTZ,
				timestamp TIMESTAMPTZ,
				last_modified TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				last_synced TIMESTAMPTZ,
				tombstoned_at TIMESTAMPTZ
			)
`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`CREATE UNIQUE INDEX ux_books_library_id_calibre_id ON books (library_id, calibre_id)`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`CREATE INDEX ix_books_server_id ON books (server_id)`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`
			CREATE TABLE book_formats (
				id TEXT PRIMARY KEY,
				created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				book_id TEXT REFERENCES books (id) ON DELETE CASCADE NOT NULL,
				format TEXT NOT NULL,
				server_size INTEGER NOT NULL DEFAULT 0,
				server_mtime TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				cached BOOLEAN NOT NULL DEFAULT FALSE,
				cache_size INTEGER NOT NULL DEFAULT 0,
				cache_mtime TIMESTAMPTZ,
				cache_path TEXT
			)
`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`CREATE UNIQUE INDEX ux_book_formats_book_id_format ON book_formats (book_id, format)`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`
			CREATE TABLE reading_positions (
				id TEXT PRIMARY KEY,
				created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				book_id TEXT REFERENCES books (id) ON DELETE CASCADE NOT NULL,
				device_id TEXT NOT NULL,
				reader_name TEXT NOT NULL DEFAULT '',
				pos_type TEXT NOT NULL DEFAULT '',
				page INTEGER NOT NULL DEFAULT 0,
				page_offset INTEGER NOT NULL DEFAULT 0,
				char_offset INTEGER NOT NULL DEFAULT 0,
				cfi TEXT,
				chapter_name TEXT,
				chapter_progress REAL NOT NULL DEFAULT 0,
				progress REAL NOT NULL DEFAULT 0,
				epoch REAL NOT NULL DEFAULT 0,
				precedence BOOLEAN NOT NULL DEFAULT FALSE
			)
`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`CREATE UNIQUE INDEX ux_reading_positions_book_id_device_id ON reading_positions (book_id, device_id)`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`
			CREATE TABLE highlights (
				id TEXT PRIMARY KEY,
				created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				book_id TEXT REFERENCES books (id) ON DELETE CASCADE NOT NULL,
				start_cfi TEXT NOT NULL DEFAULT '',
				end_cfi TEXT NOT NULL DEFAULT '',
				highlighted_text TEXT NOT NULL DEFAULT '',
				note TEXT,
				style TEXT,
				created_date TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
			)
`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`CREATE INDEX ix_highlights_book_id ON highlights (book_id)`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`
			CREATE TABLE bookmarks (
				id TEXT PRIMARY KEY,
				created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				book_id TEXT REFERENCES books (id) ON DELETE CASCADE NOT NULL,
				title TEXT NOT NULL DEFAULT '',
				page INTEGER NOT NULL DEFAULT 0,
				"offset" INTEGER NOT NULL DEFAULT 0,
				cfi TEXT,
				created_date TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
			)
`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`CREATE INDEX ix_bookmarks_book_id ON bookmarks (book_id)`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`
			CREATE TABLE activity_log (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				type TEXT NOT NULL,
				book_id TEXT,
				library_id TEXT,
				method TEXT NOT NULL DEFAULT '',
				url TEXT NOT NULL DEFAULT '',
				body TEXT,
				started_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				finished_at TIMESTAMPTZ,
				outcome TEXT
			)
`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`CREATE INDEX ix_activity_log_book_id ON activity_log (book_id)`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`CREATE INDEX ix_activity_log_library_id ON activity_log (library_id)`)
		return errors.WithStack(err)
	}

	down := func(_ context.Context, db *bun.DB) error {
		for _, table := range []string{
			"activity_log",
			"bookmarks",
			"highlights",
			"reading_positions",
			"book_formats",
			"books",
			"libraries",
			"servers",
		} {
			_, err := db.Exec("DROP TABLE IF EXISTS " + table)
			if err != nil {
				return errors.WithStack(err)
			}
		}
		return nil
	}

	Migrations.MustRegister(up, down)
}
