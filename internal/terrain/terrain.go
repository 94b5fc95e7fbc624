// Package terrain streams tile layers asynchronously. A Terrain owns a
// registry of tiles and a lazily started task service; each Tile installs
// layer requests, submits them to the service during update cycles and
// merges finished payloads back into its layer data.
package terrain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"

	"github.com/Faultbox/terrastream/internal/logger"
	"github.com/Faultbox/terrastream/internal/metrics"
	"github.com/Faultbox/terrastream/internal/taskservice"
	"github.com/Faultbox/terrastream/internal/tilekey"
)

// DefaultNumTaskServiceThreads is the worker count used when neither the
// environment nor an option sets one.
const DefaultNumTaskServiceThreads = 8

// ErrTerrainClosed is returned when registering tiles after Close.
var ErrTerrainClosed = errors.New("terrain closed")

// envOverrides is read once when a Terrain is constructed.
type envOverrides struct {
	NumTaskServiceThreads int `env:"TERRAIN_NUM_TASK_SERVICE_THREADS"`
}

// Terrain is the registry of live tiles and the owner of the task service
// that produces their layers.
//
// Thread safety: registry and revision methods are safe for concurrent
// use. Update must be called from a single consumer goroutine.
type Terrain struct {
	factory LayerFactory
	log     *zap.Logger

	revision   atomic.Int64
	numThreads atomic.Int32

	mu      sync.Mutex
	tiles   map[tilekey.Key]*Tile
	tileSet map[*Tile]struct{}
	closed  bool

	service        func() *taskservice.Service
	serviceStarted atomic.Pointer[taskservice.Service]
}

// Option configures a Terrain.
type Option func(*Terrain)

// WithNumTaskServiceThreads sets the worker count, overriding
// TERRAIN_NUM_TASK_SERVICE_THREADS. Zero or negative keeps the
// environment or default value.
func WithNumTaskServiceThreads(n int) Option {
	return func(t *Terrain) {
		if n > 0 {
			t.numThreads.Store(int32(n))
		}
	}
}

// WithLogger sets the terrain logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Terrain) {
		if l != nil {
			t.log = l
		}
	}
}

// New creates a terrain backed by factory. factory may be nil, in which
// case tiles install no requests.
func New(factory LayerFactory, opts ...Option) *Terrain {
	t := &Terrain{
		factory: factory,
		log:     logger.Named("terrain"),
		tiles:   make(map[tilekey.Key]*Tile),
		tileSet: make(map[*Tile]struct{}),
	}
	t.numThreads.Store(DefaultNumTaskServiceThreads)

	// Environment first so explicit options win.
	overrides, err := env.ParseAs[envOverrides]()
	if err != nil {
		t.log.Warn("ignoring invalid environment override", zap.Error(err))
	} else if overrides.NumTaskServiceThreads > 0 {
		t.numThreads.Store(int32(overrides.NumTaskServiceThreads))
	}

	for _, opt := range opts {
		opt(t)
	}

	t.service = sync.OnceValue(func() *taskservice.Service {
		n := t.NumTaskServiceThreads()
		s := taskservice.New(n, taskservice.WithLogger(t.log.Named("tasks")))
		t.serviceStarted.Store(s)
		t.log.Info("task service started", zap.Int("threads", n))
		return s
	})

	return t
}

// Factory returns the layer factory.
func (t *Terrain) Factory() LayerFactory {
	return t.factory
}

// NumTaskServiceThreads returns the configured worker count.
func (t *Terrain) NumTaskServiceThreads() int {
	return int(t.numThreads.Load())
}

// SetNumTaskServiceThreads changes the worker count used when the task
// service starts. It has no effect once the service is running.
func (t *Terrain) SetNumTaskServiceThreads(n int) {
	if n <= 0 {
		return
	}
	if t.serviceStarted.Load() != nil {
		t.log.Warn("task service already running, thread count unchanged", zap.Int("requested", n))
		return
	}
	t.numThreads.Store(int32(n))
}

// TaskService returns the shared task service, starting it on first use.
// Concurrent first calls observe the same instance.
func (t *Terrain) TaskService() *taskservice.Service {
	return t.service()
}

// StartedTaskService returns the task service if it has been started,
// without starting it.
func (t *Terrain) StartedTaskService() (*taskservice.Service, bool) {
	s := t.serviceStarted.Load()
	return s, s != nil
}

// Revision returns the terrain revision.
func (t *Terrain) Revision() int64 {
	return t.revision.Load()
}

// IncrementRevision signals that the underlying data changed. Tiles notice
// on their next update and reload their layers.
func (t *Terrain) IncrementRevision() int64 {
	rev := t.revision.Add(1)
	metrics.TerrainRevision.Set(float64(rev))
	t.log.Debug("terrain revision incremented", zap.Int64("revision", rev))
	return rev
}

// AddTile registers a tile for key, or returns the tile already registered
// there.
func (t *Terrain) AddTile(key tilekey.Key, opts TileOptions) (*Tile, error) {
	if !key.Valid() {
		return nil, fmt.Errorf("adding tile %s: %w", key, tilekey.ErrInvalidKey)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTerrainClosed
	}
	if tile, ok := t.tiles[key]; ok {
		return tile, nil
	}

	tile := newTile(key, t, opts)
	t.tiles[key] = tile
	t.tileSet[tile] = struct{}{}
	metrics.TilesRegistered.Set(float64(len(t.tiles)))
	return tile, nil
}

// RemoveTile unregisters the tile at key and releases it.
func (t *Terrain) RemoveTile(key tilekey.Key) bool {
	t.mu.Lock()
	tile, ok := t.tiles[key]
	if ok {
		delete(t.tiles, key)
		delete(t.tileSet, tile)
		metrics.TilesRegistered.Set(float64(len(t.tiles)))
	}
	t.mu.Unlock()

	if ok {
		tile.Release()
	}
	return ok
}

// Tile looks up a registered tile.
func (t *Terrain) Tile(key tilekey.Key) (*Tile, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tile, ok := t.tiles[key]
	return tile, ok
}

// Tiles returns a snapshot of the registered tiles.
func (t *Terrain) Tiles() []*Tile {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Tile, 0, len(t.tileSet))
	for tile := range t.tileSet {
		out = append(out, tile)
	}
	return out
}

// Len returns the number of registered tiles.
func (t *Terrain) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tiles)
}

// Update publishes stamp to the task service and updates every registered
// tile. It stops early when ctx is cancelled.
func (t *Terrain) Update(ctx context.Context, pass Pass, stamp int64, builder ContentBuilder) error {
	return t.update(ctx, pass, stamp, builder, t.Tiles())
}

// UpdateTiles is Update limited to the registered tiles among keys. Tiles
// left out are not serviced, so their in-flight requests fall behind the
// stamp and are cancelled by their progress monitors.
func (t *Terrain) UpdateTiles(ctx context.Context, pass Pass, stamp int64, builder ContentBuilder, keys []tilekey.Key) error {
	tiles := make([]*Tile, 0, len(keys))
	for _, k := range keys {
		if tile, ok := t.Tile(k); ok {
			tiles = append(tiles, tile)
		}
	}
	return t.update(ctx, pass, stamp, builder, tiles)
}

func (t *Terrain) update(ctx context.Context, pass Pass, stamp int64, builder ContentBuilder, tiles []*Tile) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrTerrainClosed
	}

	if pass == UpdatePass {
		t.TaskService().SetStamp(stamp)
	}
	for _, tile := range tiles {
		if err := ctx.Err(); err != nil {
			return err
		}
		tile.Update(pass, stamp, builder)
	}
	return nil
}

// Close releases every tile and stops the task service if it was started.
func (t *Terrain) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	tiles := make([]*Tile, 0, len(t.tileSet))
	for tile := range t.tileSet {
		tiles = append(tiles, tile)
	}
	clear(t.tiles)
	clear(t.tileSet)
	metrics.TilesRegistered.Set(0)
	t.mu.Unlock()

	for _, tile := range tiles {
		tile.Release()
	}

	if s := t.serviceStarted.Load(); s != nil {
		if err := s.Close(ctx); err != nil && !errors.Is(err, taskservice.ErrServiceClosed) {
			return fmt.Errorf("closing task service: %w", err)
		}
	}
	t.log.Info("terrain closed", zap.Int("tiles", len(tiles)))
	return nil
}
