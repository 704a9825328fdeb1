package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/mindmesh/mindmesh/pkg/faults"
	"github.com/mindmesh/mindmesh/pkg/model"
)

// MapStore holds the static map records with integer optimistic-concurrency
// versioning.
type MapStore struct {
	db *sql.DB
}

// OpenMapStore opens (or creates) the static maps database at path.
func OpenMapStore(path string) (*MapStore, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS maps (
		id text not null primary key,
		name text not null,
		version integer not null,
		updated_at timestamp not null,
		state_json text not null,
		size_bytes integer not null
		)`,
	); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to create maps table")
	}
	return &MapStore{db: db}, nil
}

func (s *MapStore) Close() error {
	return s.db.Close()
}

// Insert writes a brand new record. The caller assigns id and version.
func (s *MapStore) Insert(ctx context.Context, rec model.MapRecord) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO maps (id, name, version, updated_at, state_json, size_bytes)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Name, rec.Version, rec.UpdatedAt, rec.StateJSON, rec.SizeBytes,
	); err != nil {
		return faults.Persistence(err, "failed to insert map %q", rec.ID)
	}
	return nil
}

// Upsert writes a record unconditionally, used for import-mirrored records
// where versioning is bookkeeping rather than concurrency control.
func (s *MapStore) Upsert(ctx context.Context, rec model.MapRecord) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO maps (id, name, version, updated_at, state_json, size_bytes)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
		name = excluded.name,
		updated_at = excluded.updated_at,
		state_json = excluded.state_json,
		size_bytes = excluded.size_bytes`,
		rec.ID, rec.Name, rec.Version, rec.UpdatedAt, rec.StateJSON, rec.SizeBytes,
	); err != nil {
		return faults.Persistence(err, "failed to upsert map %q", rec.ID)
	}
	return nil
}

// Get returns one record including its stored state.
func (s *MapStore) Get(ctx context.Context, id string) (model.MapRecord, error) {
	var rec model.MapRecord
	if err := s.db.QueryRowContext(ctx,
		`SELECT id, name, version, updated_at, state_json, size_bytes FROM maps WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.Name, &rec.Version, &rec.UpdatedAt, &rec.StateJSON, &rec.SizeBytes); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, faults.NotFound("no map record for %q", id)
		}
		return rec, faults.Persistence(err, "failed to query map %q", id)
	}
	return rec, nil
}

// UpdateVersioned performs the single conditional write that backs optimistic
// concurrency: the row is only touched when its stored version still equals
// expected. Zero affected rows means another writer won the race, even if a
// pre-check passed.
func (s *MapStore) UpdateVersioned(ctx context.Context, id string, expected int, name, stateJSON string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE maps SET
		name = ?,
		version = version + 1,
		updated_at = ?,
		state_json = ?,
		size_bytes = ?
		WHERE id = ? AND version = ?`,
		name, time.Now().UTC(), stateJSON, len(stateJSON), id, expected,
	)
	if err != nil {
		return 0, faults.Persistence(err, "failed to update map %q", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, faults.Persistence(err, "failed to count rows affected by map update")
	}
	if n == 0 {
		return 0, faults.Conflict("version %d is stale for map %q", expected, id)
	}
	return expected + 1, nil
}

// Delete removes the record and reports whether one existed.
func (s *MapStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM maps WHERE id = ?`, id)
	if err != nil {
		return false, faults.Persistence(err, "failed to delete map %q", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, faults.Persistence(err, "failed to count rows affected by map delete")
	}
	return n > 0, nil
}

// List returns every record without its stored state.
func (s *MapStore) List(ctx context.Context) ([]model.MapRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, version, updated_at, size_bytes FROM maps ORDER BY updated_at DESC`)
	if err != nil {
		return nil, faults.Persistence(err, "failed to list maps")
	}
	defer rows.Close()

	recs := make([]model.MapRecord, 0)
	for rows.Next() {
		var rec model.MapRecord
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Version, &rec.UpdatedAt, &rec.SizeBytes); err != nil {
			return nil, faults.Persistence(err, "failed to scan map row")
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Persistence(err, "failed to iterate map rows")
	}
	return recs, nil
}
