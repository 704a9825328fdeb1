// Package store provides the embedded sqlite persistence for mind maps: a
// snapshot store holding whole-document binary state, and a record store
// holding the static map rows. The two live in separate database files so
// that snapshot churn never contends with record reads.
package store

import (
	"database/sql"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// open opens a sqlite database and tries to switch it into WAL mode for
// read/write concurrency. Some filesystems (network mounts, mostly) refuse
// WAL; sqlite then stays on its default rollback journal. That fallback is
// deliberately silent to callers and only logged here.
func open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	var mode string
	if err := db.QueryRow(`PRAGMA journal_mode=WAL`).Scan(&mode); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to set journal mode")
	}
	if mode != "wal" {
		slog.Warn("wal mode unavailable, falling back", "path", path, "mode", mode)
	}
	return db, nil
}
