// Package session owns the set of live in-memory documents. A session wraps
// one replicated document; all mutation is serialized through its mutex and
// every applied update flows as an event through a per-session channel,
// consumed by a dedicated persistence/broadcast loop owned by the registry.
package session

import (
	"sync"
	"time"

	"github.com/automerge/automerge-go"

	"github.com/mindmesh/mindmesh/pkg/doc"
	"github.com/mindmesh/mindmesh/pkg/faults"
	"github.com/mindmesh/mindmesh/pkg/model"
)

const (
	// ConnOriginPrefix tags updates arriving from a bound transport
	// connection. The persistence loop skips snapshotting these; they are
	// covered by the periodic snapshot sweep instead.
	ConnOriginPrefix = "conn:"
	// OriginImport tags bulk seeds routed through the converter.
	OriginImport = "import"
)

// Update is one applied document change flowing out of a session.
type Update struct {
	Origin  string
	Payload []byte

	ack chan error
}

// Session is a live document keyed by map id. Created on first access,
// destroyed only on explicit deletion.
type Session struct {
	MapID   string
	Created time.Time

	mu            sync.Mutex
	doc           *automerge.Doc
	lastUpdate    time.Time
	lastPersisted time.Time

	events chan Update
	quit   chan struct{}
	once   sync.Once
}

func newSession(mapID string, d *automerge.Doc) *Session {
	now := time.Now()
	return &Session{
		MapID:      mapID,
		Created:    now,
		doc:        d,
		lastUpdate: now,
		events:     make(chan Update, 64),
		quit:       make(chan struct{}),
	}
}

// ApplyUpdate merges one binary delta into the document, tagging the
// resulting event with origin. Malformed payloads are a protocol fault; the
// document is untouched by them.
func (s *Session) ApplyUpdate(origin string, payload []byte) error {
	s.mu.Lock()
	if err := s.doc.LoadIncremental(payload); err != nil {
		s.mu.Unlock()
		return faults.Protocol(err, "failed to apply update to %q", s.MapID)
	}
	s.lastUpdate = time.Now()
	s.mu.Unlock()

	s.emit(Update{Origin: origin, Payload: payload})
	return nil
}

// Mutate runs fn against the document under the session lock and emits the
// resulting incremental delta tagged with origin. The event is emitted even
// when fn returns an error, because fn may have already mutated the document
// (the post-mutation resource-limit check relies on this).
func (s *Session) Mutate(origin string, fn func(d *automerge.Doc) error) error {
	return s.mutate(origin, fn, nil)
}

// MutateSync is Mutate plus waiting for the persistence/broadcast loop to
// finish handling the event, so request/response flows reply only after the
// snapshot write completed.
func (s *Session) MutateSync(origin string, fn func(d *automerge.Doc) error) error {
	ack := make(chan error, 1)
	if err := s.mutate(origin, fn, ack); err != nil {
		return err
	}
	select {
	case err := <-ack:
		return err
	case <-s.quit:
		return nil
	}
}

func (s *Session) mutate(origin string, fn func(d *automerge.Doc) error, ack chan error) error {
	s.mu.Lock()
	ferr := fn(s.doc)
	s.lastUpdate = time.Now()
	delta := s.doc.SaveIncremental()
	s.mu.Unlock()

	if len(delta) > 0 {
		s.emit(Update{Origin: origin, Payload: delta, ack: ack})
	} else if ack != nil {
		ack <- nil
	}
	return ferr
}

// Snapshot serializes the full current state.
func (s *Session) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Save()
}

// Export converts the current state to the interchange format.
func (s *Session) Export() (*model.MapJSON, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return doc.FromDocument(s.doc)
}

// LastUpdate reports when the document last changed, from any origin.
func (s *Session) LastUpdate() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUpdate
}

func (s *Session) dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUpdate.After(s.lastPersisted)
}

func (s *Session) markPersisted() {
	s.mu.Lock()
	s.lastPersisted = time.Now()
	s.mu.Unlock()
}

func (s *Session) emit(u Update) {
	select {
	case s.events <- u:
	case <-s.quit:
	}
}

func (s *Session) stop() {
	s.once.Do(func() { close(s.quit) })
}
