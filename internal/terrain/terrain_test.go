package terrain

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Faultbox/terrastream/internal/layers"
	"github.com/Faultbox/terrastream/internal/taskservice"
	"github.com/Faultbox/terrastream/internal/tilekey"
)

const waitFor = 2 * time.Second

type fakeFactory struct {
	colors int
	calls  atomic.Int32

	elevationFn func(ctx context.Context, key tilekey.Key, progress ProgressMonitor) (*layers.Heightfield, error)
	colorFn     func(ctx context.Context, key tilekey.Key, index int, progress ProgressMonitor) (*layers.ColorLayer, error)
}

func (f *fakeFactory) NumColorLayers() int { return f.colors }

func (f *fakeFactory) CreateElevationLayer(ctx context.Context, key tilekey.Key, progress ProgressMonitor) (*layers.Heightfield, error) {
	f.calls.Add(1)
	if f.elevationFn != nil {
		return f.elevationFn(ctx, key, progress)
	}
	return layers.NewHeightfield(2, 2), nil
}

func (f *fakeFactory) CreateColorLayer(ctx context.Context, key tilekey.Key, index int, progress ProgressMonitor) (*layers.ColorLayer, error) {
	f.calls.Add(1)
	if f.colorFn != nil {
		return f.colorFn(ctx, key, index, progress)
	}
	return layers.NewColorLayer(index, "test", 2), nil
}

// blockUntilCanceled polls progress the way a slow factory would.
func blockUntilCanceled(progress ProgressMonitor) {
	for !progress.ReportProgress(0, 1) {
		time.Sleep(time.Millisecond)
	}
}

type updateCall struct {
	elevation, color bool
}

type recordingBuilder struct {
	mu       sync.Mutex
	updates  []updateCall
	rebuilds int
}

func (b *recordingBuilder) UpdateContent(key tilekey.Key, c Content, elevation, color bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updates = append(b.updates, updateCall{elevation, color})
}

func (b *recordingBuilder) Rebuild(key tilekey.Key, c Content) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rebuilds++
}

func newTestTerrain(t *testing.T, f LayerFactory) *Terrain {
	t.Helper()
	tr := New(f, WithNumTaskServiceThreads(4))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		require.NoError(t, tr.Close(ctx))
	})
	return tr
}

func allInState(tile *Tile, state taskservice.State) func() bool {
	return func() bool {
		reqs := tile.Requests()
		if len(reqs) == 0 {
			return false
		}
		for _, r := range reqs {
			if r.State() != state {
				return false
			}
		}
		return true
	}
}

func TestInstallCreatesPrioritizedRequests(t *testing.T) {
	f := &fakeFactory{colors: 2}
	tr := newTestTerrain(t, f)

	tile, err := tr.AddTile(tilekey.New(3, 1, 2), DefaultTileOptions())
	require.NoError(t, err)

	b := &recordingBuilder{}
	tile.Update(UpdatePass, 1, b)

	reqs := tile.Requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, layers.Elevation, reqs[0].Layer())
	assert.InDelta(t, 3.0, reqs[0].Priority(), 1e-6)
	assert.Equal(t, layers.Color(0), reqs[1].Layer())
	assert.InDelta(t, 3.0, reqs[1].Priority(), 1e-6)
	assert.Equal(t, layers.Color(1), reqs[2].Layer())
	assert.InDelta(t, 3.1, reqs[2].Priority(), 1e-6)
	assert.Equal(t, int64(0), tile.GeometryRevision())

	require.Eventually(t, allInState(tile, taskservice.StateCompleted), waitFor, time.Millisecond)

	tile.Update(UpdatePass, 2, b)

	assert.Equal(t, int64(1), tile.GeometryRevision())
	assert.Zero(t, tile.PendingRequests())
	assert.NotNil(t, tile.ElevationLayer())
	assert.NotNil(t, tile.ColorLayer(0))
	assert.NotNil(t, tile.ColorLayer(1))
	assert.Equal(t, []updateCall{{elevation: true, color: true}}, b.updates)
	assert.Zero(t, b.rebuilds)
	assert.False(t, tile.ElevationDirty())
	assert.False(t, tile.ColorLayersDirty())

	// Completed requests are never resubmitted.
	tile.Update(UpdatePass, 3, b)
	tile.Update(UpdatePass, 4, b)
	assert.Equal(t, int32(3), f.calls.Load())
	assert.Equal(t, int64(1), tile.GeometryRevision())
}

func TestWholeTileUpdates(t *testing.T) {
	f := &fakeFactory{colors: 2}
	tr := newTestTerrain(t, f)

	opts := DefaultTileOptions()
	opts.PerLayerUpdates = false
	tile, err := tr.AddTile(tilekey.New(3, 0, 0), opts)
	require.NoError(t, err)

	b := &recordingBuilder{}
	tile.Update(UpdatePass, 1, b)
	require.Eventually(t, allInState(tile, taskservice.StateCompleted), waitFor, time.Millisecond)
	tile.Update(UpdatePass, 2, b)

	assert.Equal(t, 1, b.rebuilds)
	assert.Empty(t, b.updates)
	assert.Equal(t, int64(1), tile.GeometryRevision())
	assert.False(t, tile.Dirty())
}

func TestInstallIsIdempotent(t *testing.T) {
	f := &fakeFactory{
		colors: 2,
		elevationFn: func(_ context.Context, _ tilekey.Key, p ProgressMonitor) (*layers.Heightfield, error) {
			blockUntilCanceled(p)
			return nil, nil
		},
		colorFn: func(_ context.Context, _ tilekey.Key, _ int, p ProgressMonitor) (*layers.ColorLayer, error) {
			blockUntilCanceled(p)
			return nil, nil
		},
	}
	tr := newTestTerrain(t, f)

	tile, err := tr.AddTile(tilekey.New(2, 0, 0), DefaultTileOptions())
	require.NoError(t, err)

	tile.ServicePendingRequests(1)
	tile.ServicePendingRequests(1)
	tile.ReinstallRequests()
	tile.ServicePendingRequests(1)

	reqs := tile.Requests()
	require.Len(t, reqs, 3)
	seen := map[layers.ID]int{}
	for _, r := range reqs {
		seen[r.Layer()]++
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "layer %s has %d requests", id, n)
	}
}

func TestStaleRequestIsCanceledAndRetried(t *testing.T) {
	var started atomic.Int32
	f := &fakeFactory{
		elevationFn: func(_ context.Context, _ tilekey.Key, p ProgressMonitor) (*layers.Heightfield, error) {
			started.Add(1)
			blockUntilCanceled(p)
			// A misbehaving factory that returns data after being cancelled.
			return layers.NewHeightfield(2, 2), nil
		},
	}
	tr := newTestTerrain(t, f)

	opts := DefaultTileOptions()
	opts.ColorLayers = 0
	tile, err := tr.AddTile(tilekey.New(1, 0, 0), opts)
	require.NoError(t, err)
	require.Zero(t, tile.NumColorLayers())

	tile.Update(UpdatePass, 1, nil)
	require.Eventually(t, func() bool { return started.Load() == 1 }, waitFor, time.Millisecond)

	service := tr.TaskService()
	service.SetStamp(2)
	service.SetStamp(3)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, taskservice.StateInProgress, tile.Requests()[0].State())

	service.SetStamp(4)
	require.Eventually(t, allInState(tile, taskservice.StateCanceled), waitFor, time.Millisecond)

	tile.ServiceCompletedRequests()

	reqs := tile.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, taskservice.StateIdle, reqs[0].State())
	assert.False(t, reqs[0].HasResult())
	assert.Nil(t, tile.ElevationLayer())

	// The reset request is resubmitted with a fresh stamp and monitor.
	tr.TaskService().SetStamp(4)
	tile.ServicePendingRequests(4)
	require.Eventually(t, func() bool { return started.Load() == 2 }, waitFor, time.Millisecond)
	assert.Same(t, reqs[0], tile.Requests()[0])
}

func TestProgressMonitorIsSticky(t *testing.T) {
	s := taskservice.New(1)
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	r := taskservice.NewRequest(0, func(context.Context, taskservice.ProgressCallback) {})
	r.SetStamp(5)
	m := newProgressMonitor(r, s)

	s.SetStamp(7)
	assert.False(t, m.ReportProgress(0, 1))

	s.SetStamp(8)
	assert.True(t, m.ReportProgress(0, 1))
	assert.True(t, m.Canceled())

	r.SetStamp(8)
	assert.True(t, m.ReportProgress(0, 1), "cancellation must stay set")
}

func TestAbsentResultClearsSlot(t *testing.T) {
	f := &fakeFactory{
		colors: 2,
		elevationFn: func(context.Context, tilekey.Key, ProgressMonitor) (*layers.Heightfield, error) {
			return nil, errors.New("no data")
		},
		colorFn: func(_ context.Context, _ tilekey.Key, index int, _ ProgressMonitor) (*layers.ColorLayer, error) {
			if index == 1 {
				panic("broken source")
			}
			return nil, nil
		},
	}
	tr := newTestTerrain(t, f)

	tile, err := tr.AddTile(tilekey.New(4, 3, 3), DefaultTileOptions())
	require.NoError(t, err)

	b := &recordingBuilder{}
	tile.Update(UpdatePass, 1, b)
	require.Eventually(t, allInState(tile, taskservice.StateCompleted), waitFor, time.Millisecond)
	tile.Update(UpdatePass, 2, b)

	assert.Zero(t, tile.PendingRequests())
	assert.Nil(t, tile.ElevationLayer())
	assert.Nil(t, tile.ColorLayer(0))
	assert.Nil(t, tile.ColorLayer(1))
	assert.Empty(t, b.updates)
	assert.Zero(t, b.rebuilds)
	assert.Equal(t, int64(0), tile.GeometryRevision())
}

func TestRevisionBumpReloadsTile(t *testing.T) {
	revisions := make(chan int64, 16)
	f := &fakeFactory{
		elevationFn: func(ctx context.Context, _ tilekey.Key, p ProgressMonitor) (*layers.Heightfield, error) {
			rev, _ := RevisionFromContext(ctx)
			revisions <- rev
			blockUntilCanceled(p)
			return nil, nil
		},
	}
	tr := newTestTerrain(t, f)

	opts := DefaultTileOptions()
	opts.ColorLayers = 0
	tile, err := tr.AddTile(tilekey.New(2, 1, 1), opts)
	require.NoError(t, err)
	require.Equal(t, int64(-1), tile.TerrainRevision())

	tile.Update(UpdatePass, 1, nil)
	assert.True(t, tile.IsInSyncWithTerrain())
	assert.Equal(t, int64(0), tile.TileRevision())
	old := tile.Requests()
	require.Len(t, old, 1)
	assert.Equal(t, int64(0), <-revisions)

	tr.IncrementRevision()
	assert.False(t, tile.IsInSyncWithTerrain())

	tile.Update(UpdatePass, 2, nil)

	assert.True(t, tile.IsInSyncWithTerrain())
	assert.Equal(t, int64(1), tile.TerrainRevision())
	assert.Equal(t, int64(1), tile.TileRevision())
	assert.Equal(t, taskservice.StateCanceled, old[0].State())

	fresh := tile.Requests()
	require.Len(t, fresh, 1)
	assert.NotEqual(t, old[0].ID(), fresh[0].ID())
	assert.Equal(t, int64(1), fresh[0].Revision())
	assert.Equal(t, int64(1), <-revisions)
}

func TestReloadDiscardsLayersMissingAtNewRevision(t *testing.T) {
	var gone atomic.Bool
	f := &fakeFactory{
		colors: 2,
		elevationFn: func(context.Context, tilekey.Key, ProgressMonitor) (*layers.Heightfield, error) {
			if gone.Load() {
				return nil, nil
			}
			return layers.NewHeightfield(2, 2), nil
		},
		colorFn: func(_ context.Context, _ tilekey.Key, index int, _ ProgressMonitor) (*layers.ColorLayer, error) {
			if gone.Load() && index == 1 {
				return nil, nil
			}
			return layers.NewColorLayer(index, "test", 2), nil
		},
	}
	tr := newTestTerrain(t, f)

	tile, err := tr.AddTile(tilekey.New(2, 2, 1), DefaultTileOptions())
	require.NoError(t, err)

	b := &recordingBuilder{}
	tile.Update(UpdatePass, 1, b)
	require.Eventually(t, allInState(tile, taskservice.StateCompleted), waitFor, time.Millisecond)
	tile.Update(UpdatePass, 2, b)
	require.NotNil(t, tile.ElevationLayer())
	require.NotNil(t, tile.ColorLayer(1))
	oldColor := tile.ColorLayer(0)
	geometry := tile.GeometryRevision()

	gone.Store(true)
	tr.IncrementRevision()
	tile.Update(UpdatePass, 3, b)

	// Old layers stay visible while the reload is in flight.
	require.Len(t, tile.Requests(), 3)
	assert.NotNil(t, tile.ElevationLayer())

	require.Eventually(t, allInState(tile, taskservice.StateCompleted), waitFor, time.Millisecond)
	tile.Update(UpdatePass, 4, b)

	assert.True(t, tile.IsInSyncWithTerrain())
	assert.Zero(t, tile.PendingRequests())
	assert.Nil(t, tile.ElevationLayer())
	assert.Nil(t, tile.ColorLayer(1))
	require.NotNil(t, tile.ColorLayer(0))
	assert.NotSame(t, oldColor, tile.ColorLayer(0))
	assert.Equal(t, geometry+1, tile.GeometryRevision())
	assert.Equal(t, updateCall{elevation: true, color: true}, b.updates[len(b.updates)-1])
}

func TestAbsentReloadKeepsPlaceholders(t *testing.T) {
	f := &fakeFactory{
		elevationFn: func(context.Context, tilekey.Key, ProgressMonitor) (*layers.Heightfield, error) {
			return nil, nil
		},
	}
	tr := newTestTerrain(t, f)

	placeholder := layers.NewHeightfield(2, 2)
	opts := DefaultTileOptions()
	opts.ColorLayers = 0
	opts.Elevation = placeholder
	tile, err := tr.AddTile(tilekey.New(1, 1, 0), opts)
	require.NoError(t, err)

	tile.Update(UpdatePass, 1, nil)
	require.Eventually(t, allInState(tile, taskservice.StateCompleted), waitFor, time.Millisecond)
	tile.Update(UpdatePass, 2, nil)
	assert.Same(t, placeholder, tile.ElevationLayer())

	tr.IncrementRevision()
	tile.Update(UpdatePass, 3, nil)
	require.Eventually(t, allInState(tile, taskservice.StateCompleted), waitFor, time.Millisecond)
	tile.Update(UpdatePass, 4, nil)
	assert.Same(t, placeholder, tile.ElevationLayer())
}

func TestTaskServiceCreatedOnce(t *testing.T) {
	tr := newTestTerrain(t, &fakeFactory{})

	const callers = 16
	got := make([]*taskservice.Service, callers)
	var start, done sync.WaitGroup
	start.Add(1)
	done.Add(callers)
	for i := range callers {
		go func() {
			defer done.Done()
			start.Wait()
			got[i] = tr.TaskService()
		}()
	}
	start.Done()
	done.Wait()

	for _, s := range got[1:] {
		assert.Same(t, got[0], s)
	}
	assert.Same(t, got[0], tr.serviceStarted.Load())
}

func TestNumTaskServiceThreads(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		tr := New(nil)
		assert.Equal(t, DefaultNumTaskServiceThreads, tr.NumTaskServiceThreads())
		require.NoError(t, tr.Close(context.Background()))
	})

	t.Run("environment", func(t *testing.T) {
		t.Setenv("TERRAIN_NUM_TASK_SERVICE_THREADS", "3")
		tr := New(nil)
		t.Cleanup(func() { require.NoError(t, tr.Close(context.Background())) })
		assert.Equal(t, 3, tr.NumTaskServiceThreads())
		assert.Equal(t, 3, tr.TaskService().Workers())
	})

	t.Run("option overrides environment", func(t *testing.T) {
		t.Setenv("TERRAIN_NUM_TASK_SERVICE_THREADS", "3")
		tr := New(nil, WithNumTaskServiceThreads(5))
		t.Cleanup(func() { require.NoError(t, tr.Close(context.Background())) })
		assert.Equal(t, 5, tr.NumTaskServiceThreads())
	})

	t.Run("zero option keeps environment", func(t *testing.T) {
		t.Setenv("TERRAIN_NUM_TASK_SERVICE_THREADS", "3")
		tr := New(nil, WithNumTaskServiceThreads(0))
		t.Cleanup(func() { require.NoError(t, tr.Close(context.Background())) })
		assert.Equal(t, 3, tr.NumTaskServiceThreads())
	})

	t.Run("setter before start", func(t *testing.T) {
		tr := newTestTerrain(t, nil)
		tr.SetNumTaskServiceThreads(2)
		assert.Equal(t, 2, tr.TaskService().Workers())

		tr.SetNumTaskServiceThreads(6)
		assert.Equal(t, 2, tr.NumTaskServiceThreads())
	})
}

func TestRegistry(t *testing.T) {
	tr := newTestTerrain(t, &fakeFactory{colors: 1})

	key := tilekey.New(1, 1, 0)
	_, ok := tr.Tile(key)
	assert.False(t, ok)
	assert.Zero(t, tr.Len(), "lookup must not create tiles")

	a, err := tr.AddTile(key, DefaultTileOptions())
	require.NoError(t, err)
	b, err := tr.AddTile(key, DefaultTileOptions())
	require.NoError(t, err)
	assert.Same(t, a, b)

	_, err = tr.AddTile(tilekey.New(1, 5, 0), DefaultTileOptions())
	assert.ErrorIs(t, err, tilekey.ErrInvalidKey)

	got, ok := tr.Tile(key)
	require.True(t, ok)
	assert.Same(t, a, got)
	assert.Len(t, tr.Tiles(), 1)

	assert.True(t, tr.RemoveTile(key))
	assert.False(t, tr.RemoveTile(key))
	assert.Empty(t, tr.Tiles())
}

func TestReleaseCancelsOutstandingRequests(t *testing.T) {
	f := &fakeFactory{
		colors: 1,
		elevationFn: func(_ context.Context, _ tilekey.Key, p ProgressMonitor) (*layers.Heightfield, error) {
			blockUntilCanceled(p)
			return nil, nil
		},
		colorFn: func(_ context.Context, _ tilekey.Key, _ int, p ProgressMonitor) (*layers.ColorLayer, error) {
			blockUntilCanceled(p)
			return nil, nil
		},
	}
	tr := newTestTerrain(t, f)

	key := tilekey.New(2, 2, 2)
	tile, err := tr.AddTile(key, DefaultTileOptions())
	require.NoError(t, err)
	tile.Update(UpdatePass, 1, nil)
	reqs := tile.Requests()
	require.Len(t, reqs, 2)

	require.True(t, tr.RemoveTile(key))
	for _, r := range reqs {
		assert.Equal(t, taskservice.StateCanceled, r.State())
	}
	assert.Zero(t, tile.PendingRequests())

	tile.Update(UpdatePass, 2, nil)
	assert.Zero(t, tile.PendingRequests(), "released tile must ignore updates")
}

func TestCullPassDoesNotService(t *testing.T) {
	f := &fakeFactory{colors: 1}
	tr := newTestTerrain(t, f)

	tile, err := tr.AddTile(tilekey.New(0, 0, 0), DefaultTileOptions())
	require.NoError(t, err)

	require.NoError(t, tr.Update(context.Background(), CullPass, 1, nil))
	assert.False(t, tile.RequestsInstalled())
	assert.Zero(t, f.calls.Load())

	require.NoError(t, tr.Update(context.Background(), UpdatePass, 1, nil))
	assert.True(t, tile.RequestsInstalled())
	assert.Equal(t, int64(1), tr.TaskService().Stamp())
}

func TestUpdateTilesSkipsUnlistedTiles(t *testing.T) {
	var started atomic.Int32
	f := &fakeFactory{
		elevationFn: func(_ context.Context, _ tilekey.Key, p ProgressMonitor) (*layers.Heightfield, error) {
			started.Add(1)
			blockUntilCanceled(p)
			return nil, nil
		},
	}
	tr := newTestTerrain(t, f)
	ctx := context.Background()

	opts := DefaultTileOptions()
	opts.ColorLayers = 0
	shown, err := tr.AddTile(tilekey.New(1, 0, 0), opts)
	require.NoError(t, err)
	hidden, err := tr.AddTile(tilekey.New(1, 1, 0), opts)
	require.NoError(t, err)

	require.NoError(t, tr.Update(ctx, UpdatePass, 1, nil))
	require.Eventually(t, func() bool { return started.Load() == 2 }, waitFor, time.Millisecond)

	visible := []tilekey.Key{shown.Key(), tilekey.New(3, 0, 0)}
	for stamp := int64(2); stamp <= 4; stamp++ {
		require.NoError(t, tr.UpdateTiles(ctx, UpdatePass, stamp, nil, visible))
	}
	assert.Equal(t, int64(4), tr.TaskService().Stamp())

	require.Eventually(t, allInState(hidden, taskservice.StateCanceled), waitFor, time.Millisecond)
	assert.Equal(t, taskservice.StateInProgress, shown.Requests()[0].State())
	assert.Equal(t, int64(4), shown.Requests()[0].Stamp())
}

func TestAddTileAfterClose(t *testing.T) {
	tr := New(&fakeFactory{})
	require.NoError(t, tr.Close(context.Background()))

	_, err := tr.AddTile(tilekey.Root, DefaultTileOptions())
	assert.ErrorIs(t, err, ErrTerrainClosed)
}

func TestUpdateAfterClose(t *testing.T) {
	tr := New(&fakeFactory{})
	require.NoError(t, tr.Close(context.Background()))

	err := tr.Update(context.Background(), UpdatePass, 1, nil)
	assert.ErrorIs(t, err, ErrTerrainClosed)

	_, started := tr.StartedTaskService()
	assert.False(t, started, "a closed terrain does not start its task service")
}

func TestStartedTaskService(t *testing.T) {
	tr := newTestTerrain(t, &fakeFactory{})

	_, ok := tr.StartedTaskService()
	assert.False(t, ok)

	svc := tr.TaskService()
	got, ok := tr.StartedTaskService()
	require.True(t, ok)
	assert.Same(t, svc, got)
}
