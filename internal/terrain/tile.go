package terrain

import (
	"sync"

	"go.uber.org/zap"

	"github.com/Faultbox/terrastream/internal/layers"
	"github.com/Faultbox/terrastream/internal/metrics"
	"github.com/Faultbox/terrastream/internal/taskservice"
	"github.com/Faultbox/terrastream/internal/tilekey"
)

// Pass identifies the traversal a Tile.Update call belongs to. Requests
// are only serviced during the update pass.
type Pass int

const (
	UpdatePass Pass = iota
	CullPass
)

// String returns "update" or "cull".
func (p Pass) String() string {
	if p == UpdatePass {
		return "update"
	}
	return "cull"
}

// Content is the layer data of a tile handed to a ContentBuilder.
type Content struct {
	Elevation *layers.Heightfield
	Colors    []*layers.ColorLayer
}

// ContentBuilder turns tile layers into renderable content. It is called
// on the consumer goroutine during Tile.Update and must not call back
// into the tile.
type ContentBuilder interface {
	// UpdateContent refreshes only the parts flagged dirty.
	UpdateContent(key tilekey.Key, c Content, elevation, color bool)

	// Rebuild regenerates all content for the tile.
	Rebuild(key tilekey.Key, c Content)
}

// TileOptions configures a tile at registration.
type TileOptions struct {
	// ColorLayers is the number of color slots. Zero or negative means
	// the factory's NumColorLayers.
	ColorLayers int

	// HasElevation gives the tile an elevation slot.
	HasElevation bool

	// RequestElevation asks for the elevation layer to be fetched. It has
	// no effect without HasElevation.
	RequestElevation bool

	// PerLayerUpdates refreshes only the changed layers instead of
	// rebuilding the whole tile.
	PerLayerUpdates bool

	// UseLayerRequests enables asynchronous layer fetching. Without it the
	// tile keeps whatever layers it was given.
	UseLayerRequests bool

	// Elevation and Colors are placeholder layers shown until fetched
	// layers replace them.
	Elevation *layers.Heightfield
	Colors    []*layers.ColorLayer
}

// DefaultTileOptions fetches every layer and updates layers individually.
func DefaultTileOptions() TileOptions {
	return TileOptions{
		HasElevation:     true,
		RequestElevation: true,
		PerLayerUpdates:  true,
		UseLayerRequests: true,
	}
}

// Tile is one quadtree node of the terrain with its layer data and
// outstanding layer requests.
//
// Thread safety: Update and the Service methods are meant to be called
// from a single consumer goroutine. Accessors may be called from any
// goroutine.
type Tile struct {
	key     tilekey.Key
	terrain *Terrain
	log     *zap.Logger

	mu sync.RWMutex

	hasElevation     bool
	requestElevation bool
	perLayerUpdates  bool
	useLayerRequests bool

	terrainRevision  int64
	tileRevision     int64
	geometryRevision int64

	requestsInstalled bool
	requests          []*LayerRequest

	dirty            bool
	elevationDirty   bool
	colorLayersDirty bool

	released bool

	elevation *layers.Heightfield
	colors    []*layers.ColorLayer

	// Terrain revision each slot was loaded at; -1 for placeholders.
	elevationRevision int64
	colorRevisions    []int64
}

func newTile(key tilekey.Key, t *Terrain, opts TileOptions) *Tile {
	n := opts.ColorLayers
	if n <= 0 && t.factory != nil {
		n = t.factory.NumColorLayers()
	}
	if n < 0 {
		n = 0
	}

	colors := make([]*layers.ColorLayer, n)
	copy(colors, opts.Colors)
	colorRevisions := make([]int64, n)
	for i := range colorRevisions {
		colorRevisions[i] = -1
	}

	return &Tile{
		key:              key,
		terrain:          t,
		log:              t.log.With(zap.Stringer("tile", key)),
		hasElevation:     opts.HasElevation,
		requestElevation: opts.RequestElevation,
		perLayerUpdates:  opts.PerLayerUpdates,
		useLayerRequests: opts.UseLayerRequests,
		terrainRevision:  -1,
		elevation:         opts.Elevation,
		colors:            colors,
		elevationRevision: -1,
		colorRevisions:    colorRevisions,
	}
}

// Key returns the tile's quadtree key.
func (t *Tile) Key() tilekey.Key { return t.key }

// TerrainRevision returns the terrain revision the tile last synced to.
// It is -1 until the first update.
func (t *Tile) TerrainRevision() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.terrainRevision
}

// TileRevision counts full reloads of the tile.
func (t *Tile) TileRevision() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tileRevision
}

// GeometryRevision counts update cycles in which elevation changed.
func (t *Tile) GeometryRevision() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.geometryRevision
}

// IsInSyncWithTerrain reports whether the tile has seen the current
// terrain revision.
func (t *Tile) IsInSyncWithTerrain() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.inSync()
}

func (t *Tile) inSync() bool {
	return t.terrainRevision == t.terrain.Revision()
}

// ElevationLayer returns the current heightfield, or nil.
func (t *Tile) ElevationLayer() *layers.Heightfield {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.elevation
}

// ColorLayer returns the color layer at index, or nil.
func (t *Tile) ColorLayer(index int) *layers.ColorLayer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if index < 0 || index >= len(t.colors) {
		return nil
	}
	return t.colors[index]
}

// NumColorLayers returns the number of color slots.
func (t *Tile) NumColorLayers() int {
	return len(t.colors)
}

// SetElevationLayer replaces the heightfield and marks elevation dirty.
func (t *Tile) SetElevationLayer(h *layers.Heightfield) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.elevation = h
	t.elevationRevision = t.terrainRevision
	t.markDirty(layers.KindElevation)
}

// SetColorLayer replaces a color layer and marks color dirty. Out of range
// indices are ignored.
func (t *Tile) SetColorLayer(index int, l *layers.ColorLayer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.colors) {
		return
	}
	t.colors[index] = l
	t.colorRevisions[index] = t.terrainRevision
	t.markDirty(layers.KindColor)
}

// Dirty reports whether the tile needs a full rebuild.
func (t *Tile) Dirty() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dirty
}

// MarkDirty requests a full rebuild on the next update.
func (t *Tile) MarkDirty() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dirty = true
}

// ElevationDirty reports whether elevation changed since the last update.
func (t *Tile) ElevationDirty() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.elevationDirty
}

// ColorLayersDirty reports whether any color layer changed since the last
// update.
func (t *Tile) ColorLayersDirty() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.colorLayersDirty
}

// Requests returns a copy of the outstanding layer requests.
func (t *Tile) Requests() []*LayerRequest {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*LayerRequest, len(t.requests))
	copy(out, t.requests)
	return out
}

// PendingRequests returns the number of outstanding layer requests.
func (t *Tile) PendingRequests() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.requests)
}

// RequestsInstalled reports whether the tile has created its requests.
func (t *Tile) RequestsInstalled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.requestsInstalled
}

// ReinstallRequests makes the next servicing create requests for any layer
// that has none outstanding.
func (t *Tile) ReinstallRequests() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requestsInstalled = false
}

// Update runs one update cycle for the tile: harvest finished requests,
// catch up with the terrain revision, submit idle requests, then hand
// dirty content to the builder. builder may be nil.
func (t *Tile) Update(pass Pass, stamp int64, builder ContentBuilder) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.released {
		return
	}

	serviceRequests := t.useLayerRequests && pass == UpdatePass

	if serviceRequests {
		if !t.inSync() {
			t.resync()
		}

		t.serviceCompleted()
		t.servicePending(stamp)

		if t.dirty {
			t.elevationDirty = true
			t.colorLayersDirty = true
		} else if (t.elevationDirty || t.colorLayersDirty) && builder != nil {
			builder.UpdateContent(t.key, t.content(), t.elevationDirty, t.colorLayersDirty)
		}
	}

	if t.dirty {
		if builder != nil {
			builder.Rebuild(t.key, t.content())
		}
		t.dirty = false
	}

	if serviceRequests {
		if t.elevationDirty {
			t.geometryRevision++
			metrics.GeometryRebuilds.Inc()
		}
		t.elevationDirty = false
		t.colorLayersDirty = false
	}
}

// ServicePendingRequests installs the tile's requests if needed and
// submits idle ones. Requests already running get their stamp refreshed
// so they are not cancelled as stale.
func (t *Tile) ServicePendingRequests(stamp int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return
	}
	t.servicePending(stamp)
}

// ServiceCompletedRequests merges finished requests into the tile and
// resets cancelled ones for retry.
func (t *Tile) ServiceCompletedRequests() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return
	}
	t.serviceCompleted()
}

// Release cancels all outstanding requests. The tile ignores further
// updates.
func (t *Tile) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.released {
		return
	}
	t.released = true

	running := 0
	for _, r := range t.requests {
		if r.State() == taskservice.StateInProgress {
			running++
		}
		r.Cancel()
	}
	if running > 0 {
		t.log.Debug("released tile with requests in flight", zap.Int("running", running))
	}
	t.requests = nil
	t.requestsInstalled = false
}

// resync drops requests made for an older terrain revision and adopts the
// current one. Existing layers stay until the reload either replaces them
// or comes back absent, which discards them.
func (t *Tile) resync() {
	current := t.terrain.Revision()
	initial := t.terrainRevision < 0

	for _, r := range t.requests {
		r.Cancel()
	}
	t.requests = nil
	t.requestsInstalled = false
	t.terrainRevision = current

	if !initial {
		t.tileRevision++
		metrics.TileReloads.Inc()
		t.log.Debug("tile out of sync, reloading",
			zap.Int64("terrain_revision", current),
			zap.Int64("tile_revision", t.tileRevision))
	}
}

func (t *Tile) install(stamp int64) {
	factory := t.terrain.factory
	if factory == nil {
		t.requestsInstalled = true
		return
	}

	if t.hasElevation && t.requestElevation && !t.hasRequest(layers.Elevation) {
		t.addRequest(layers.Elevation, stamp)
	}
	for i := range t.colors {
		if id := layers.Color(i); !t.hasRequest(id) {
			t.addRequest(id, stamp)
		}
	}
	t.requestsInstalled = true
}

func (t *Tile) hasRequest(id layers.ID) bool {
	for _, r := range t.requests {
		if r.layer == id {
			return true
		}
	}
	return false
}

func (t *Tile) addRequest(id layers.ID, stamp int64) {
	r := newLayerRequest(t.key, id, t.terrainRevision, t.terrain.factory, t.log)
	r.SetStamp(stamp)
	r.SetProgressCallback(newProgressMonitor(r.Request, t.terrain.TaskService()))
	t.requests = append(t.requests, r)
	metrics.LayerRequestsInstalled.WithLabelValues(id.Kind.String()).Inc()
}

func (t *Tile) servicePending(stamp int64) {
	if !t.requestsInstalled {
		t.install(stamp)
	}
	if len(t.requests) == 0 {
		return
	}

	service := t.terrain.TaskService()
	for _, r := range t.requests {
		switch r.State() {
		case taskservice.StateIdle:
			r.SetStamp(stamp)
			if service.Add(r.Request) {
				metrics.LayerRequestsSubmitted.WithLabelValues(r.layer.Kind.String()).Inc()
			}
		case taskservice.StateCompleted:
		default:
			r.SetStamp(stamp)
		}
	}
}

func (t *Tile) serviceCompleted() {
	if len(t.requests) == 0 {
		return
	}

	var service *taskservice.Service
	kept := t.requests[:0]
	for _, r := range t.requests {
		switch r.State() {
		case taskservice.StateCompleted:
			t.apply(r)
		case taskservice.StateCanceled:
			if service == nil {
				service = t.terrain.TaskService()
			}
			r.resetForRetry(service)
			metrics.LayerRequestsCanceled.WithLabelValues(r.layer.Kind.String()).Inc()
			kept = append(kept, r)
		default:
			kept = append(kept, r)
		}
	}
	clear(t.requests[len(kept):])
	t.requests = kept
}

func (t *Tile) apply(r *LayerRequest) {
	kind := r.layer.Kind.String()
	switch r.layer.Kind {
	case layers.KindElevation:
		if hf := r.Elevation(); hf != nil {
			t.elevation = hf
			t.elevationRevision = r.revision
			t.markDirty(layers.KindElevation)
			metrics.LayerRequestsHarvested.WithLabelValues(kind, "applied").Inc()
			return
		}
		if t.elevation != nil && t.isStale(t.elevationRevision, r.revision) {
			t.elevation = nil
			t.elevationRevision = r.revision
			t.markDirty(layers.KindElevation)
			metrics.LayerRequestsHarvested.WithLabelValues(kind, "discarded").Inc()
			return
		}
	case layers.KindColor:
		i := r.layer.Index
		if i < 0 || i >= len(t.colors) {
			break
		}
		if cl := r.ColorLayer(); cl != nil {
			t.colors[i] = cl
			t.colorRevisions[i] = r.revision
			t.markDirty(layers.KindColor)
			metrics.LayerRequestsHarvested.WithLabelValues(kind, "applied").Inc()
			return
		}
		if t.colors[i] != nil && t.isStale(t.colorRevisions[i], r.revision) {
			t.colors[i] = nil
			t.colorRevisions[i] = r.revision
			t.markDirty(layers.KindColor)
			metrics.LayerRequestsHarvested.WithLabelValues(kind, "discarded").Inc()
			return
		}
	}
	metrics.LayerRequestsHarvested.WithLabelValues(kind, "absent").Inc()
}

// isStale reports whether a slot loaded at loaded must be dropped when the
// request for revision comes back absent. Placeholders are kept.
func (t *Tile) isStale(loaded, revision int64) bool {
	return loaded >= 0 && loaded < revision && revision == t.terrainRevision
}

func (t *Tile) markDirty(kind layers.Kind) {
	if !t.perLayerUpdates {
		t.dirty = true
		return
	}
	if kind == layers.KindElevation {
		t.elevationDirty = true
	} else {
		t.colorLayersDirty = true
	}
}

func (t *Tile) content() Content {
	colors := make([]*layers.ColorLayer, len(t.colors))
	copy(colors, t.colors)
	return Content{Elevation: t.elevation, Colors: colors}
}

// Info is a snapshot of a tile's state.
type Info struct {
	Key               string `json:"key"`
	TerrainRevision   int64  `json:"terrain_revision"`
	TileRevision      int64  `json:"tile_revision"`
	GeometryRevision  int64  `json:"geometry_revision"`
	InSync            bool   `json:"in_sync"`
	RequestsInstalled bool   `json:"requests_installed"`
	PendingRequests   int    `json:"pending_requests"`
	HasElevation      bool   `json:"has_elevation"`
	ColorLayers       int    `json:"color_layers"`
	LoadedColorLayers int    `json:"loaded_color_layers"`
}

// Info returns a snapshot of the tile.
func (t *Tile) Info() Info {
	t.mu.RLock()
	defer t.mu.RUnlock()

	loaded := 0
	for _, c := range t.colors {
		if c != nil {
			loaded++
		}
	}
	return Info{
		Key:               t.key.String(),
		TerrainRevision:   t.terrainRevision,
		TileRevision:      t.tileRevision,
		GeometryRevision:  t.geometryRevision,
		InSync:            t.inSync(),
		RequestsInstalled: t.requestsInstalled,
		PendingRequests:   len(t.requests),
		HasElevation:      t.elevation != nil,
		ColorLayers:       len(t.colors),
		LoadedColorLayers: loaded,
	}
}
