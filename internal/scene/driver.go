// Package scene drives a terrain from a moving viewer. Each frame it picks
// the quadtree tiles to show, registers new ones, updates only the shown
// tiles and removes tiles that stayed hidden for RetireFrames frames.
package scene

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Faultbox/terrastream/internal/logger"
	"github.com/Faultbox/terrastream/internal/terrain"
	"github.com/Faultbox/terrastream/internal/tilekey"
	gmath "github.com/Faultbox/terrastream/pkg/math"
)

const (
	DefaultMaxLevel    = 4
	DefaultRangeFactor = 1.5
	DefaultWorldSize   = 1000

	// DefaultRetireFrames keeps hidden tiles long enough for their
	// unserviced requests to be cancelled as stale.
	DefaultRetireFrames = terrain.StaleThreshold + 2
)

// Remover is implemented by content builders that hold per-tile state.
type Remover interface {
	Remove(key tilekey.Key)
}

// Config tunes tile selection.
type Config struct {
	// MaxLevel is the deepest quadtree level selected.
	MaxLevel int
	// RangeFactor splits a tile while the viewer is closer than
	// RangeFactor times the tile side.
	RangeFactor float32
	// WorldSize is the root tile side in world units.
	WorldSize float32
	// RetireFrames is how many frames a tile that left the selection stays
	// registered, without updates, before it is removed. A tile selected
	// again within that window is reused.
	RetireFrames int64
	// Tile configures newly registered tiles.
	Tile terrain.TileOptions
}

// DefaultConfig returns the default selection settings.
func DefaultConfig() Config {
	return Config{
		MaxLevel:     DefaultMaxLevel,
		RangeFactor:  DefaultRangeFactor,
		WorldSize:    DefaultWorldSize,
		RetireFrames: DefaultRetireFrames,
		Tile:         terrain.DefaultTileOptions(),
	}
}

// FrameStats describes one frame.
type FrameStats struct {
	Stamp    int64         `json:"stamp"`
	Tiles    int           `json:"tiles"`
	Added    int           `json:"added"`
	Removed  int           `json:"removed"`
	Retiring int           `json:"retiring"`
	Pending  int           `json:"pending_requests"`
	Duration time.Duration `json:"duration"`
}

// Driver owns the frame loop of one terrain. Frame and Run must not be
// called concurrently.
type Driver struct {
	terrain *terrain.Terrain
	builder terrain.ContentBuilder
	cfg     Config
	log     *zap.Logger

	// stamp at which each hidden tile left the selection
	hidden map[tilekey.Key]int64

	stamp atomic.Int64
	last  atomic.Pointer[FrameStats]
}

// NewDriver creates a driver. builder receives tile content; when it also
// implements Remover it is told about removed tiles.
func NewDriver(t *terrain.Terrain, builder terrain.ContentBuilder, cfg Config) *Driver {
	def := DefaultConfig()
	if cfg.MaxLevel <= 0 || cfg.MaxLevel > tilekey.MaxLevel {
		cfg.MaxLevel = def.MaxLevel
	}
	if cfg.RangeFactor <= 0 {
		cfg.RangeFactor = def.RangeFactor
	}
	if cfg.WorldSize <= 0 {
		cfg.WorldSize = def.WorldSize
	}
	if cfg.RetireFrames <= 0 {
		cfg.RetireFrames = def.RetireFrames
	}
	return &Driver{
		terrain: t,
		builder: builder,
		cfg:     cfg,
		log:     logger.Named("scene"),
		hidden:  make(map[tilekey.Key]int64),
	}
}

// Stamp returns the stamp of the last frame.
func (d *Driver) Stamp() int64 { return d.stamp.Load() }

// LastFrame returns the stats of the last completed frame, or nil before
// the first one.
func (d *Driver) LastFrame() *FrameStats { return d.last.Load() }

// Bounds returns the world rectangle covered by key.
func (d *Driver) Bounds(key tilekey.Key) gmath.Rect {
	minX, minY, maxX, maxY := key.Extent()
	s := d.cfg.WorldSize
	return gmath.Rect{
		Min: gmath.Vec2{X: float32(minX) * s, Y: float32(minY) * s},
		Max: gmath.Vec2{X: float32(maxX) * s, Y: float32(maxY) * s},
	}
}

// Select returns the leaf tiles for a viewer at pos, in depth-first order.
// A tile is split while the viewer is within range of it.
func (d *Driver) Select(pos gmath.Vec2) []tilekey.Key {
	var out []tilekey.Key
	var visit func(k tilekey.Key)
	visit = func(k tilekey.Key) {
		b := d.Bounds(k)
		if int(k.Level) < d.cfg.MaxLevel && b.Distance(pos) < b.Size().X*d.cfg.RangeFactor {
			for _, c := range k.Children() {
				visit(c)
			}
			return
		}
		out = append(out, k)
	}
	visit(tilekey.Root)
	return out
}

// Frame advances the stamp, reconciles the registry with the selection for
// pos and updates the selected tiles.
func (d *Driver) Frame(ctx context.Context, pos gmath.Vec2) (FrameStats, error) {
	start := time.Now()
	stamp := d.stamp.Add(1)
	stats := FrameStats{Stamp: stamp}

	selected := d.Select(pos)
	want := make(map[tilekey.Key]struct{}, len(selected))
	for _, k := range selected {
		want[k] = struct{}{}
		delete(d.hidden, k)
		if _, ok := d.terrain.Tile(k); ok {
			continue
		}
		if _, err := d.terrain.AddTile(k, d.cfg.Tile); err != nil {
			return stats, fmt.Errorf("adding tile %s: %w", k, err)
		}
		stats.Added++
	}

	for _, tile := range d.terrain.Tiles() {
		k := tile.Key()
		if _, ok := want[k]; ok {
			continue
		}
		since, ok := d.hidden[k]
		if !ok {
			d.hidden[k] = stamp
			continue
		}
		if stamp-since < d.cfg.RetireFrames {
			continue
		}
		delete(d.hidden, k)
		if d.terrain.RemoveTile(k) {
			stats.Removed++
			if r, ok := d.builder.(Remover); ok {
				r.Remove(k)
			}
		}
	}
	for k := range d.hidden {
		if _, ok := d.terrain.Tile(k); !ok {
			delete(d.hidden, k)
		}
	}

	if err := d.terrain.UpdateTiles(ctx, terrain.UpdatePass, stamp, d.builder, selected); err != nil {
		return stats, err
	}

	for _, tile := range d.terrain.Tiles() {
		stats.Pending += tile.PendingRequests()
	}
	stats.Tiles = d.terrain.Len()
	stats.Retiring = len(d.hidden)
	stats.Duration = time.Since(start)
	d.last.Store(&stats)
	return stats, nil
}

// Path gives the viewer position for a frame stamp.
type Path interface {
	At(stamp int64) gmath.Vec2
}

// Orbit circles Center once every Period frames.
type Orbit struct {
	Center gmath.Vec2
	Radius float32
	Period int64
}

// At implements Path.
func (o Orbit) At(stamp int64) gmath.Vec2 {
	if o.Period <= 0 {
		return o.Center
	}
	angle := 2 * math.Pi * float64(stamp%o.Period) / float64(o.Period)
	return o.Center.Add(gmath.Vec2{
		X: o.Radius * float32(math.Cos(angle)),
		Y: o.Radius * float32(math.Sin(angle)),
	})
}

// Run renders a frame every interval until ctx is done, following path.
func (d *Driver) Run(ctx context.Context, interval time.Duration, path Path) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pos := path.At(d.stamp.Load() + 1)
			stats, err := d.Frame(ctx, pos)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if stats.Added > 0 || stats.Removed > 0 {
				d.log.Debug("tile selection changed",
					zap.Int64("stamp", stats.Stamp),
					zap.Int("tiles", stats.Tiles),
					zap.Int("added", stats.Added),
					zap.Int("removed", stats.Removed),
					zap.Int("pending", stats.Pending),
					zap.Float32("x", pos.X), zap.Float32("y", pos.Y))
			}
		}
	}
}
