package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindmesh/mindmesh/pkg/doc"
	"github.com/mindmesh/mindmesh/pkg/faults"
	"github.com/mindmesh/mindmesh/pkg/model"
)

type fakeSnapshots struct {
	mu      sync.Mutex
	rows    map[string][]byte
	saves   int
	failGet bool
}

func newFakeSnapshots() *fakeSnapshots {
	return &fakeSnapshots{rows: map[string][]byte{}}
}

func (f *fakeSnapshots) Save(_ context.Context, mapID string, state []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[mapID] = state
	f.saves++
	return nil
}

func (f *fakeSnapshots) Get(_ context.Context, mapID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGet {
		return nil, faults.Persistence(nil, "injected failure")
	}
	state, ok := f.rows[mapID]
	if !ok {
		return nil, faults.NotFound("no snapshot for %q", mapID)
	}
	return state, nil
}

func (f *fakeSnapshots) Delete(_ context.Context, mapID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.rows[mapID]
	delete(f.rows, mapID)
	return ok, nil
}

func (f *fakeSnapshots) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

type fakeBroadcaster struct {
	mu    sync.Mutex
	calls []Update
}

func (f *fakeBroadcaster) Broadcast(mapID, origin string, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Update{Origin: origin, Payload: payload})
}

func (f *fakeBroadcaster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func seedSnapshot(t *testing.T, snaps *fakeSnapshots, mapID string, data *model.MapJSON) {
	t.Helper()
	d, err := doc.New("")
	require.NoError(t, err)
	require.NoError(t, doc.ToDocument(data, d, false))
	require.NoError(t, snaps.Save(context.Background(), mapID, d.Save()))
	snaps.mu.Lock()
	snaps.saves = 0
	snaps.mu.Unlock()
}

func TestGetOrCreateHydratesFromSnapshot(t *testing.T) {
	snaps := newFakeSnapshots()
	seedSnapshot(t, snaps, "m1", &model.MapJSON{
		Notes: []model.Note{{ID: "a", Content: "persisted", Position: []float64{1, 2}}},
	})

	// a fresh registry simulates a process restart
	r := NewRegistry(snaps)
	defer r.Close(context.Background())

	s, err := r.GetOrCreate(context.Background(), "m1")
	require.NoError(t, err)
	out, err := s.Export()
	require.NoError(t, err)
	require.Len(t, out.Notes, 1)
	assert.Equal(t, "persisted", out.Notes[0].Content)
}

func TestGetOrCreateReturnsCachedSession(t *testing.T) {
	r := NewRegistry(newFakeSnapshots())
	defer r.Close(context.Background())

	s1, err := r.GetOrCreate(context.Background(), "m1")
	require.NoError(t, err)
	s2, err := r.GetOrCreate(context.Background(), "m1")
	require.NoError(t, err)
	assert.Same(t, s1, s2)
}

func TestLoadFailureDegradesToEmptyDocument(t *testing.T) {
	snaps := newFakeSnapshots()
	snaps.failGet = true
	r := NewRegistry(snaps)
	defer r.Close(context.Background())

	s, err := r.GetOrCreate(context.Background(), "m1")
	require.NoError(t, err)
	out, err := s.Export()
	require.NoError(t, err)
	assert.Empty(t, out.Notes)
	// default metadata is in place
	assert.Equal(t, doc.DefaultMapName, out.Meta["mapName"])
}

func TestCorruptSnapshotDegradesToEmptyDocument(t *testing.T) {
	snaps := newFakeSnapshots()
	snaps.rows["m1"] = []byte("not an automerge document")
	r := NewRegistry(snaps)
	defer r.Close(context.Background())

	s, err := r.GetOrCreate(context.Background(), "m1")
	require.NoError(t, err)
	out, err := s.Export()
	require.NoError(t, err)
	assert.Empty(t, out.Notes)
}

func TestImportOriginIsPersistedSynchronously(t *testing.T) {
	snaps := newFakeSnapshots()
	r := NewRegistry(snaps)
	defer r.Close(context.Background())

	s, err := r.GetOrCreate(context.Background(), "m1")
	require.NoError(t, err)
	require.NoError(t, s.MutateSync(OriginImport, func(d *automerge.Doc) error {
		return doc.ToDocument(&model.MapJSON{
			Notes: []model.Note{{ID: "a", Content: "x", Position: []float64{0, 0}}},
		}, d, false)
	}))
	assert.Equal(t, 1, snaps.saveCount())

	state, err := snaps.Get(context.Background(), "m1")
	require.NoError(t, err)
	reloaded, err := doc.Load(state)
	require.NoError(t, err)
	out, err := doc.FromDocument(reloaded)
	require.NoError(t, err)
	require.Len(t, out.Notes, 1)
}

func TestConnectionOriginUpdatesAreNotPersistedPerUpdate(t *testing.T) {
	snaps := newFakeSnapshots()
	r := NewRegistry(snaps)
	b := &fakeBroadcaster{}
	r.SetBroadcaster(b)
	defer r.Close(context.Background())

	s, err := r.GetOrCreate(context.Background(), "m1")
	require.NoError(t, err)

	require.NoError(t, s.ApplyUpdate(ConnOriginPrefix+"c1", makeUpdate(t, s)))

	// the broadcast proves the event loop ran, yet no snapshot was written
	require.Eventually(t, func() bool { return b.count() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, snaps.saveCount())
	assert.True(t, s.dirty())
}

func TestSnapshotDirtyPersistsLiveEdits(t *testing.T) {
	snaps := newFakeSnapshots()
	r := NewRegistry(snaps)
	defer r.Close(context.Background())

	s, err := r.GetOrCreate(context.Background(), "m1")
	require.NoError(t, err)
	require.NoError(t, s.ApplyUpdate(ConnOriginPrefix+"c1", makeUpdate(t, s)))

	r.SnapshotDirty(context.Background())
	assert.Equal(t, 1, snaps.saveCount())
	assert.False(t, s.dirty())

	// a clean session is skipped by the next sweep
	r.SnapshotDirty(context.Background())
	assert.Equal(t, 1, snaps.saveCount())
}

func TestMalformedUpdateIsProtocolFault(t *testing.T) {
	r := NewRegistry(newFakeSnapshots())
	defer r.Close(context.Background())

	s, err := r.GetOrCreate(context.Background(), "m1")
	require.NoError(t, err)
	err = s.ApplyUpdate(ConnOriginPrefix+"c1", []byte("garbage"))
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindProtocol))
}

func TestRemoveEvictsSessionAndSnapshot(t *testing.T) {
	snaps := newFakeSnapshots()
	r := NewRegistry(snaps)
	defer r.Close(context.Background())

	s, err := r.GetOrCreate(context.Background(), "m1")
	require.NoError(t, err)
	require.NoError(t, s.MutateSync(OriginImport, func(d *automerge.Doc) error {
		return doc.ToDocument(&model.MapJSON{
			Notes: []model.Note{{ID: "a", Content: "x", Position: []float64{0, 0}}},
		}, d, false)
	}))

	require.NoError(t, r.Remove(context.Background(), "m1"))
	_, ok := r.Peek("m1")
	assert.False(t, ok)
	_, err = snaps.Get(context.Background(), "m1")
	assert.True(t, faults.Is(err, faults.KindNotFound))
}

// makeUpdate produces incremental update bytes a peer could have sent: a
// change made on a fork of the session's current state.
func makeUpdate(t *testing.T, s *Session) []byte {
	t.Helper()
	fork, err := automerge.Load(s.Snapshot())
	require.NoError(t, err)
	require.NoError(t, doc.ToDocument(&model.MapJSON{
		Notes: []model.Note{{ID: "x", Content: "live edit", Position: []float64{5, 5}}},
	}, fork, true))
	return fork.SaveIncremental()
}
