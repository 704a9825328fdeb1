package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/automerge/automerge-go"

	"github.com/mindmesh/mindmesh/pkg/doc"
)

// SnapshotStore is the durable side of the registry. Implemented by
// store.SnapshotStore; tests substitute fakes.
type SnapshotStore interface {
	Save(ctx context.Context, mapID string, state []byte) error
	Get(ctx context.Context, mapID string) ([]byte, error)
	Delete(ctx context.Context, mapID string) (bool, error)
}

// Broadcaster fans an applied update out to the other connections bound to a
// map. Implemented by the websocket hub.
type Broadcaster interface {
	Broadcast(mapID, origin string, payload []byte)
}

const (
	defaultHydrateTimeout = 3 * time.Second
	persistTimeout        = 10 * time.Second
)

// Registry exclusively owns the live sessions. Sessions are created on first
// access and cached until explicit deletion; there is no idle eviction.
type Registry struct {
	snapshots      SnapshotStore
	hydrateTimeout time.Duration

	mu          sync.Mutex
	sessions    map[string]*Session
	broadcaster Broadcaster

	wg sync.WaitGroup
}

// NewRegistry builds an empty registry over the given snapshot store.
func NewRegistry(snapshots SnapshotStore) *Registry {
	return &Registry{
		snapshots:      snapshots,
		hydrateTimeout: defaultHydrateTimeout,
		sessions:       make(map[string]*Session),
	}
}

// SetBroadcaster wires the fan-out sink. Done after construction because the
// hub itself needs the registry to resolve sessions.
func (r *Registry) SetBroadcaster(b Broadcaster) {
	r.mu.Lock()
	r.broadcaster = b
	r.mu.Unlock()
}

// GetOrCreate returns the live session for mapID, hydrating from the
// snapshot store on first access. Any hydration failure degrades to a fresh
// empty document with default metadata: an empty document is always
// obtainable.
func (r *Registry) GetOrCreate(ctx context.Context, mapID string) (*Session, error) {
	r.mu.Lock()
	if s, ok := r.sessions[mapID]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	d, hydrated := r.hydrate(ctx, mapID)

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[mapID]; ok {
		// lost the race, the winner's session is authoritative
		return s, nil
	}
	s := newSession(mapID, d)
	if hydrated {
		s.lastPersisted = s.lastUpdate
	}
	r.sessions[mapID] = s
	r.wg.Add(1)
	go r.consume(s)
	return s, nil
}

// Peek returns the session only if it is already live.
func (r *Registry) Peek(mapID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[mapID]
	return s, ok
}

// Remove evicts the session and deletes its snapshot. Only explicit document
// deletion goes through here.
func (r *Registry) Remove(ctx context.Context, mapID string) error {
	r.mu.Lock()
	s, ok := r.sessions[mapID]
	if ok {
		delete(r.sessions, mapID)
	}
	r.mu.Unlock()
	if ok {
		s.stop()
	}
	if _, err := r.snapshots.Delete(ctx, mapID); err != nil {
		return err
	}
	return nil
}

// SnapshotDirty persists every session whose document changed since its last
// snapshot. Driven by the periodic sweep in cmd/server, this is the durable
// path for live-edited content whose per-update persistence is skipped.
func (r *Registry) SnapshotDirty(ctx context.Context) {
	for _, s := range r.snapshot() {
		if !s.dirty() {
			continue
		}
		if err := r.persist(ctx, s); err != nil {
			slog.Error("failed to persist snapshot", "map", s.MapID, "err", err)
		} else {
			slog.Info("persisted snapshot", "map", s.MapID)
		}
	}
}

// Close stops every session loop after a final snapshot of dirty documents.
func (r *Registry) Close(ctx context.Context) {
	r.SnapshotDirty(ctx)
	for _, s := range r.snapshot() {
		s.stop()
	}
	r.wg.Wait()
}

func (r *Registry) snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Registry) hydrate(ctx context.Context, mapID string) (d *automerge.Doc, hydrated bool) {
	hctx, cancel := context.WithTimeout(ctx, r.hydrateTimeout)
	defer cancel()

	state, err := r.snapshots.Get(hctx, mapID)
	if err == nil {
		d, lerr := doc.Load(state)
		if lerr == nil {
			return d, true
		}
		slog.Error("failed to load snapshot, starting empty", "map", mapID, "err", lerr)
	}
	d, err = doc.New(doc.DefaultMapName)
	if err != nil {
		// doc.New only fails if automerge itself is broken; an empty doc
		// without metadata is still better than no session at all.
		slog.Error("failed to initialize metadata", "map", mapID, "err", err)
		d = automerge.New()
	}
	return d, false
}

// consume is the per-session persistence/broadcast loop. Updates originating
// from a bound connection are not snapshotted here (see SnapshotDirty);
// everything else is persisted before the optional ack fires. Every update is
// broadcast to the other connections on the map.
func (r *Registry) consume(s *Session) {
	defer r.wg.Done()
	for {
		select {
		case u := <-s.events:
			var perr error
			if !strings.HasPrefix(u.Origin, ConnOriginPrefix) {
				if perr = r.persist(context.Background(), s); perr != nil {
					slog.Error("failed to persist snapshot", "map", s.MapID, "origin", u.Origin, "err", perr)
				}
			}
			r.mu.Lock()
			b := r.broadcaster
			r.mu.Unlock()
			if b != nil && len(u.Payload) > 0 {
				b.Broadcast(s.MapID, u.Origin, u.Payload)
			}
			if u.ack != nil {
				u.ack <- perr
			}
		case <-s.quit:
			return
		}
	}
}

func (r *Registry) persist(ctx context.Context, s *Session) error {
	pctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	if err := r.snapshots.Save(pctx, s.MapID, s.Snapshot()); err != nil {
		return err
	}
	s.markPersisted()
	return nil
}
