package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindmesh/mindmesh/pkg/faults"
	"github.com/mindmesh/mindmesh/pkg/model"
)

func openSnapshots(t *testing.T) *SnapshotStore {
	t.Helper()
	s, err := OpenSnapshotStore(filepath.Join(t.TempDir(), "snapshots.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testTime(t *testing.T) time.Time {
	t.Helper()
	return time.Now().UTC().Truncate(time.Second)
}

func openMaps(t *testing.T) *MapStore {
	t.Helper()
	s, err := OpenMapStore(filepath.Join(t.TempDir(), "maps.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSnapshotSaveOverwritesWholesale(t *testing.T) {
	s := openSnapshots(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "m1", []byte("first")))
	require.NoError(t, s.Save(ctx, "m1", []byte("second, longer")))

	got, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, []byte("second, longer"), got)

	info, err := s.Info(ctx, "m1")
	require.NoError(t, err)
	assert.EqualValues(t, len("second, longer"), info.SizeBytes)
}

func TestSnapshotGetMissing(t *testing.T) {
	s := openSnapshots(t)
	_, err := s.Get(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindNotFound))
}

func TestSnapshotDeleteReportsExistence(t *testing.T) {
	s := openSnapshots(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "m1", []byte("x")))
	existed, err := s.Delete(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = s.Delete(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestSnapshotListAndStatsExcludePayload(t *testing.T) {
	s := openSnapshots(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "a", []byte("aaaa")))
	require.NoError(t, s.Save(ctx, "b", []byte("bb")))

	infos, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "a", infos[0].MapID)
	assert.EqualValues(t, 4, infos[0].SizeBytes)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Count)
	assert.EqualValues(t, 6, stats.TotalBytes)
}

func TestMapInsertGetRoundTrip(t *testing.T) {
	s := openMaps(t)
	ctx := context.Background()

	rec := model.MapRecord{
		ID: "m1", Name: "my map", Version: 1,
		UpdatedAt: testTime(t), StateJSON: `{"n":[],"c":[]}`, SizeBytes: 15,
	}
	require.NoError(t, s.Insert(ctx, rec))

	got, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "my map", got.Name)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, `{"n":[],"c":[]}`, got.StateJSON)
}

func TestMapVersionedUpdateConflicts(t *testing.T) {
	s := openMaps(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, model.MapRecord{
		ID: "m1", Name: "v1", Version: 1, UpdatedAt: testTime(t), StateJSON: "{}",
	}))

	newVersion, err := s.UpdateVersioned(ctx, "m1", 1, "v2", `{"n":[]}`)
	require.NoError(t, err)
	assert.Equal(t, 2, newVersion)

	// replaying the same expected version is now a conflict
	_, err = s.UpdateVersioned(ctx, "m1", 1, "v2-again", `{}`)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindConflict))

	got, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, "v2", got.Name)
}

func TestMapUpsertKeepsVersion(t *testing.T) {
	s := openMaps(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, model.MapRecord{
		ID: "m1", Name: "old", Version: 3, UpdatedAt: testTime(t), StateJSON: "{}",
	}))
	require.NoError(t, s.Upsert(ctx, model.MapRecord{
		ID: "m1", Name: "refreshed", Version: 1, UpdatedAt: testTime(t), StateJSON: `{"n":[]}`,
	}))

	got, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "refreshed", got.Name)
	// upsert refreshes content but never rolls the version back
	assert.Equal(t, 3, got.Version)
}

func TestMapDeleteAndList(t *testing.T) {
	s := openMaps(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, model.MapRecord{ID: "m1", Name: "a", Version: 1, UpdatedAt: testTime(t), StateJSON: "{}"}))
	require.NoError(t, s.Insert(ctx, model.MapRecord{ID: "m2", Name: "b", Version: 1, UpdatedAt: testTime(t), StateJSON: "{}"}))

	recs, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	// listing skips the state payload
	for _, r := range recs {
		assert.Empty(t, r.StateJSON)
	}

	existed, err := s.Delete(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, existed)
	existed, err = s.Delete(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, existed)
}
