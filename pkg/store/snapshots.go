package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/mindmesh/mindmesh/pkg/faults"
	"github.com/mindmesh/mindmesh/pkg/model"
)

// SnapshotStore persists whole-document binary state, one row per map id,
// overwritten wholesale on each save.
type SnapshotStore struct {
	db *sql.DB
}

// OpenSnapshotStore opens (or creates) the snapshot database at path.
func OpenSnapshotStore(path string) (*SnapshotStore, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS yjs_snapshots (
		map_id text not null primary key,
		snapshot_data blob not null,
		updated_at timestamp not null,
		size_bytes integer not null
		)`,
	); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to create snapshots table")
	}
	return &SnapshotStore{db: db}, nil
}

func (s *SnapshotStore) Close() error {
	return s.db.Close()
}

// Save upserts the full binary state for a map id.
func (s *SnapshotStore) Save(ctx context.Context, mapID string, state []byte) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO yjs_snapshots (map_id, snapshot_data, updated_at, size_bytes)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (map_id) DO UPDATE SET
		snapshot_data = excluded.snapshot_data,
		updated_at = excluded.updated_at,
		size_bytes = excluded.size_bytes`,
		mapID, state, time.Now().UTC(), len(state),
	); err != nil {
		return faults.Persistence(err, "failed to save snapshot for %q", mapID)
	}
	return nil
}

// Get returns the binary state, or a not-found fault when no row exists.
func (s *SnapshotStore) Get(ctx context.Context, mapID string) ([]byte, error) {
	var state []byte
	if err := s.db.QueryRowContext(ctx,
		`SELECT snapshot_data FROM yjs_snapshots WHERE map_id = ?`, mapID,
	).Scan(&state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, faults.NotFound("no snapshot for %q", mapID)
		}
		return nil, faults.Persistence(err, "failed to query snapshot for %q", mapID)
	}
	return state, nil
}

// Delete removes the row and reports whether one existed.
func (s *SnapshotStore) Delete(ctx context.Context, mapID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM yjs_snapshots WHERE map_id = ?`, mapID)
	if err != nil {
		return false, faults.Persistence(err, "failed to delete snapshot for %q", mapID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, faults.Persistence(err, "failed to count rows affected by snapshot delete")
	}
	return n > 0, nil
}

// Info returns metadata for one map id without loading the payload.
func (s *SnapshotStore) Info(ctx context.Context, mapID string) (model.SnapshotInfo, error) {
	var info model.SnapshotInfo
	if err := s.db.QueryRowContext(ctx,
		`SELECT map_id, updated_at, size_bytes FROM yjs_snapshots WHERE map_id = ?`, mapID,
	).Scan(&info.MapID, &info.UpdatedAt, &info.SizeBytes); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return info, faults.NotFound("no snapshot for %q", mapID)
		}
		return info, faults.Persistence(err, "failed to query snapshot info for %q", mapID)
	}
	return info, nil
}

// List returns metadata for every snapshot, payloads excluded.
func (s *SnapshotStore) List(ctx context.Context) ([]model.SnapshotInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT map_id, updated_at, size_bytes FROM yjs_snapshots ORDER BY map_id`)
	if err != nil {
		return nil, faults.Persistence(err, "failed to list snapshots")
	}
	defer rows.Close()

	infos := make([]model.SnapshotInfo, 0)
	for rows.Next() {
		var info model.SnapshotInfo
		if err := rows.Scan(&info.MapID, &info.UpdatedAt, &info.SizeBytes); err != nil {
			return nil, faults.Persistence(err, "failed to scan snapshot row")
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Persistence(err, "failed to iterate snapshot rows")
	}
	return infos, nil
}

// Stats returns the aggregate row count and total payload bytes.
func (s *SnapshotStore) Stats(ctx context.Context) (model.SnapshotStats, error) {
	var stats model.SnapshotStats
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM yjs_snapshots`,
	).Scan(&stats.Count, &stats.TotalBytes); err != nil {
		return stats, faults.Persistence(err, "failed to query snapshot stats")
	}
	return stats, nil
}
