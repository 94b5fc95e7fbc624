package mesh

import (
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/Faultbox/terrastream/internal/layers"
	"github.com/Faultbox/terrastream/internal/logger"
	"github.com/Faultbox/terrastream/internal/terrain"
	"github.com/Faultbox/terrastream/internal/tilekey"
)

// DefaultWorldSize is the root tile side in world units.
const DefaultWorldSize = 1000

// Builder keeps one mesh per tile, rebuilt from the tile's layers during
// terrain updates. Meshes may be read from other goroutines.
type Builder struct {
	worldSize  float32
	colorLayer int
	log        *zap.Logger

	mu     sync.RWMutex
	meshes map[tilekey.Key]*Mesh
	stats  Stats
}

// Stats counts builder work.
type Stats struct {
	Rebuilds        int64 `json:"rebuilds"`
	GeometryUpdates int64 `json:"geometry_updates"`
	ColorUpdates    int64 `json:"color_updates"`
}

var _ terrain.ContentBuilder = (*Builder)(nil)

// Option configures a Builder.
type Option func(*Builder)

// WithWorldSize sets the root tile side in world units.
func WithWorldSize(size float32) Option {
	return func(b *Builder) {
		if size > 0 {
			b.worldSize = size
		}
	}
}

// WithColorLayer selects the color layer used for vertex colors.
func WithColorLayer(index int) Option {
	return func(b *Builder) { b.colorLayer = index }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Builder) {
		if l != nil {
			b.log = l
		}
	}
}

// NewBuilder creates an empty builder.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{
		worldSize: DefaultWorldSize,
		log:       logger.Named("mesh"),
		meshes:    make(map[tilekey.Key]*Mesh),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Rebuild implements terrain.ContentBuilder.
func (b *Builder) Rebuild(key tilekey.Key, c terrain.Content) {
	m := Build(key, c.Elevation, b.pickColor(c), b.worldSize)

	b.mu.Lock()
	if old, ok := b.meshes[key]; ok {
		m.Revision = old.Revision + 1
	}
	b.meshes[key] = m
	b.stats.Rebuilds++
	b.mu.Unlock()

	b.log.Debug("tile mesh rebuilt",
		zap.Stringer("key", key),
		zap.Int("vertices", len(m.Vertices)),
		zap.Int("triangles", m.Triangles()))
}

// UpdateContent implements terrain.ContentBuilder. A geometry change
// rebuilds the grid; a color-only change recolors a copy of the current
// vertices.
func (b *Builder) UpdateContent(key tilekey.Key, c terrain.Content, elevation, color bool) {
	b.mu.RLock()
	old, ok := b.meshes[key]
	b.mu.RUnlock()

	var m *Mesh
	switch {
	case !ok || elevation:
		m = Build(key, c.Elevation, b.pickColor(c), b.worldSize)
	case color:
		cp := *old
		cp.Vertices = slices.Clone(old.Vertices)
		if cl := b.pickColor(c); cl != nil {
			applyColors(cp.Vertices, cl)
		} else {
			for i := range cp.Vertices {
				cp.Vertices[i].Color = white
			}
		}
		m = &cp
	default:
		return
	}

	b.mu.Lock()
	if ok {
		m.Revision = old.Revision + 1
	}
	b.meshes[key] = m
	if elevation {
		b.stats.GeometryUpdates++
	}
	if color {
		b.stats.ColorUpdates++
	}
	b.mu.Unlock()
}

func (b *Builder) pickColor(c terrain.Content) *layers.ColorLayer {
	if b.colorLayer < 0 || b.colorLayer >= len(c.Colors) {
		return nil
	}
	return c.Colors[b.colorLayer]
}

// Mesh returns the current mesh of a tile.
func (b *Builder) Mesh(key tilekey.Key) (*Mesh, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.meshes[key]
	return m, ok
}

// Remove drops the mesh of a tile.
func (b *Builder) Remove(key tilekey.Key) {
	b.mu.Lock()
	delete(b.meshes, key)
	b.mu.Unlock()
}

// Len returns the number of meshes held.
func (b *Builder) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.meshes)
}

// Stats returns a copy of the work counters.
func (b *Builder) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stats
}
