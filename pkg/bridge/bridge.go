// Package bridge resolves, per map id, whether the live collaborative
// document or the static stored record is authoritative, and exposes one
// external shape with version/ETag semantics over both.
package bridge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"

	"github.com/mindmesh/mindmesh/pkg/doc"
	"github.com/mindmesh/mindmesh/pkg/faults"
	"github.com/mindmesh/mindmesh/pkg/model"
	"github.com/mindmesh/mindmesh/pkg/session"
	"github.com/mindmesh/mindmesh/pkg/store"
)

// Resolved is the uniform read shape. Source is "live" when the exported
// document content won, "static" otherwise.
type Resolved struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Version   int             `json:"version"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Source    string          `json:"source"`
	Data      json.RawMessage `json:"data"`

	ETag string `json:"-"`
}

// Bridge reads from and conditionally writes to both stores; it owns neither.
type Bridge struct {
	records  *store.MapStore
	registry *session.Registry
	// liveFirst mirrors the sync-enabled deployment flag: when false the
	// live store is never consulted on reads.
	liveFirst bool
}

func New(records *store.MapStore, registry *session.Registry, liveFirst bool) *Bridge {
	return &Bridge{records: records, registry: registry, liveFirst: liveFirst}
}

// GetByID prefers the live document when its export carries content (at
// least one note with non-empty text, or any connection), falling back to
// the static record, and reports not-found only when neither side has
// anything.
func (b *Bridge) GetByID(ctx context.Context, id string) (*Resolved, error) {
	rec, recErr := b.records.Get(ctx, id)
	if recErr != nil && !faults.Is(recErr, faults.KindNotFound) {
		return nil, recErr
	}
	haveRecord := recErr == nil

	if b.liveFirst {
		s, err := b.registry.GetOrCreate(ctx, id)
		if err != nil {
			return nil, err
		}
		exported, err := s.Export()
		if err != nil {
			return nil, err
		}
		if !exported.IsEmpty() {
			data, err := json.Marshal(exported)
			if err != nil {
				return nil, err
			}
			etag, err := etagOf(exported)
			if err != nil {
				return nil, err
			}
			res := &Resolved{
				ID:        id,
				Name:      liveName(exported, rec),
				UpdatedAt: s.LastUpdate(),
				Source:    "live",
				Data:      data,
				ETag:      etag,
			}
			if haveRecord {
				res.Version = rec.Version
			}
			return res, nil
		}
	}

	if !haveRecord {
		return nil, faults.NotFound("no map %q", id)
	}
	etag, err := etagOfJSON([]byte(rec.StateJSON))
	if err != nil {
		return nil, err
	}
	return &Resolved{
		ID:        rec.ID,
		Name:      rec.Name,
		Version:   rec.Version,
		UpdatedAt: rec.UpdatedAt,
		Source:    "static",
		Data:      json.RawMessage(rec.StateJSON),
		ETag:      etag,
	}, nil
}

// Create assigns a fresh id and writes the static record at version 1.
func (b *Bridge) Create(ctx context.Context, name string, data *model.MapJSON) (model.MapRecord, error) {
	if data == nil {
		data = &model.MapJSON{Notes: []model.Note{}, Connections: []model.Connection{}}
	}
	state, err := json.Marshal(data)
	if err != nil {
		return model.MapRecord{}, faults.Validation("failed to serialize map data: %v", err)
	}
	rec := model.MapRecord{
		ID:        uuid.NewString(),
		Name:      name,
		Version:   1,
		UpdatedAt: time.Now().UTC(),
		StateJSON: string(state),
		SizeBytes: int64(len(state)),
	}
	if err := b.records.Insert(ctx, rec); err != nil {
		return model.MapRecord{}, err
	}
	return rec, nil
}

// Update performs the versioned write. The stored version must equal the
// caller's; the conditional UPDATE treats zero affected rows as a conflict
// even when the pre-check passed, guarding against racing writers. ifMatch,
// when non-empty, is additionally checked against the record's current ETag.
func (b *Bridge) Update(ctx context.Context, id string, data *model.MapJSON, version int, ifMatch string) (int, error) {
	rec, err := b.records.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if ifMatch != "" {
		etag, err := etagOfJSON([]byte(rec.StateJSON))
		if err != nil {
			return 0, err
		}
		if ifMatch != etag {
			return 0, faults.Conflict("etag precondition failed for map %q", id)
		}
	}
	if version != rec.Version {
		return 0, faults.Conflict("version %d is stale for map %q, current is %d", version, id, rec.Version)
	}
	state, err := json.Marshal(data)
	if err != nil {
		return 0, faults.Validation("failed to serialize map data: %v", err)
	}
	name := rec.Name
	if n, ok := data.Meta["mapName"].(string); ok && n != "" {
		name = n
	}
	return b.records.UpdateVersioned(ctx, id, version, name, string(state))
}

// Delete removes the static record, the snapshot, and the live session.
func (b *Bridge) Delete(ctx context.Context, id string) error {
	existed, err := b.records.Delete(ctx, id)
	if err != nil {
		return err
	}
	_, hadSession := b.registry.Peek(id)
	if err := b.registry.Remove(ctx, id); err != nil {
		return err
	}
	if !existed && !hadSession {
		return faults.NotFound("no map %q", id)
	}
	return nil
}

// Import seeds (replacing, not merging) the live document from the payload
// and awaits the snapshot write before returning. When createStaticRecord is
// set a minimal record is mirrored purely so the map shows up in listings;
// the live document remains the rich source of truth.
func (b *Bridge) Import(ctx context.Context, id string, data *model.MapJSON, createStaticRecord bool) error {
	s, err := b.registry.GetOrCreate(ctx, id)
	if err != nil {
		return err
	}
	if err := s.MutateSync(session.OriginImport, func(d *automerge.Doc) error {
		return doc.ToDocument(data, d, false)
	}); err != nil {
		return err
	}
	if !createStaticRecord {
		return nil
	}
	state, err := json.Marshal(data)
	if err != nil {
		return faults.Validation("failed to serialize map data: %v", err)
	}
	name := doc.DefaultMapName
	if n, ok := data.Meta["mapName"].(string); ok && n != "" {
		name = n
	}
	return b.records.Upsert(ctx, model.MapRecord{
		ID:        id,
		Name:      name,
		Version:   1,
		UpdatedAt: time.Now().UTC(),
		StateJSON: string(state),
		SizeBytes: int64(len(state)),
	})
}

// List enumerates static records only. Documents living purely as sessions
// without a mirrored record are not listed; a known scope limitation.
func (b *Bridge) List(ctx context.Context) ([]model.MapRecord, error) {
	return b.records.List(ctx)
}

func liveName(exported *model.MapJSON, rec model.MapRecord) string {
	if n, ok := exported.Meta["mapName"].(string); ok && n != "" {
		return n
	}
	if rec.Name != "" {
		return rec.Name
	}
	return doc.DefaultMapName
}
