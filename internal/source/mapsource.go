package source

import (
	"context"
	"fmt"
	"image"
	"image/color"

	"go.uber.org/zap"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"github.com/Faultbox/terrastream/internal/layers"
	"github.com/Faultbox/terrastream/internal/logger"
	"github.com/Faultbox/terrastream/internal/terrain"
	"github.com/Faultbox/terrastream/internal/tilekey"
	"github.com/Faultbox/terrastream/pkg/formats"
)

// DefaultResolution is the number of heightfield intervals and color
// pixels per tile side.
const DefaultResolution = 16

// Map color layer indices.
const (
	MapColorSurface = iota
	MapColorCellType
	mapColorLayers
)

var cellTypeColors = map[formats.GATCellType]color.RGBA{
	formats.GATWalkable:      {R: 110, G: 160, B: 80, A: 255},
	formats.GATBlocked:       {R: 90, G: 90, B: 90, A: 255},
	formats.GATWater:         {R: 60, G: 110, B: 200, A: 255},
	formats.GATWalkableWater: {R: 100, G: 170, B: 210, A: 255},
	formats.GATSnipeable:     {R: 170, G: 140, B: 90, A: 255},
	formats.GATBlockedSnipe:  {R: 130, G: 110, B: 80, A: 255},
}

// MapSource produces layers from one map's GAT and GND files. The whole
// map is the root tile.
type MapSource struct {
	name       string
	resolution int
	log        *zap.Logger

	gat *formats.GAT
	gnd *formats.GND

	// Source rasters, one pixel per GND tile and per GAT cell. Read-only
	// after load.
	surface  *image.RGBA
	cellType *image.RGBA
}

// MapOption configures a MapSource.
type MapOption func(*MapSource)

// WithResolution sets the samples per tile side.
func WithResolution(n int) MapOption {
	return func(m *MapSource) {
		if n > 0 {
			m.resolution = n
		}
	}
}

// WithMapLogger sets the logger.
func WithMapLogger(l *zap.Logger) MapOption {
	return func(m *MapSource) {
		if l != nil {
			m.log = l
		}
	}
}

var _ terrain.LayerFactory = (*MapSource)(nil)

// OpenMap loads data/<name>.gat and data/<name>.gnd through r.
func OpenMap(r FileReader, name string, opts ...MapOption) (*MapSource, error) {
	gatData, err := r.Read("data/" + name + ".gat")
	if err != nil {
		return nil, fmt.Errorf("reading %s.gat: %w", name, err)
	}
	gat, err := formats.ParseGAT(gatData)
	if err != nil {
		return nil, fmt.Errorf("parsing %s.gat: %w", name, err)
	}

	gndData, err := r.Read("data/" + name + ".gnd")
	if err != nil {
		return nil, fmt.Errorf("reading %s.gnd: %w", name, err)
	}
	gnd, err := formats.ParseGND(gndData)
	if err != nil {
		return nil, fmt.Errorf("parsing %s.gnd: %w", name, err)
	}

	return NewMapSource(name, gat, gnd, opts...), nil
}

// NewMapSource builds a source from already parsed map files.
func NewMapSource(name string, gat *formats.GAT, gnd *formats.GND, opts ...MapOption) *MapSource {
	m := &MapSource{
		name:       name,
		resolution: DefaultResolution,
		log:        logger.Named("source"),
		gat:        gat,
		gnd:        gnd,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.surface = image.NewRGBA(image.Rect(0, 0, int(gnd.Width), int(gnd.Height)))
	for y := range int(gnd.Height) {
		for x := range int(gnd.Width) {
			if c, ok := gnd.SurfaceColor(x, y); ok {
				m.surface.SetRGBA(x, y, c)
			}
		}
	}

	m.cellType = image.NewRGBA(image.Rect(0, 0, int(gat.Width), int(gat.Height)))
	for y := range int(gat.Height) {
		for x := range int(gat.Width) {
			m.cellType.SetRGBA(x, y, cellTypeColors[gat.GetCell(x, y).Type])
		}
	}

	lo, hi := gat.GetAltitudeRange()
	m.log.Info("map loaded",
		zap.String("map", name),
		zap.Uint32("cells_x", gat.Width), zap.Uint32("cells_y", gat.Height),
		zap.Int("textures", len(gnd.Textures)),
		zap.Float32("altitude_min", -hi), zap.Float32("altitude_max", -lo))
	return m
}

// Name returns the map name.
func (m *MapSource) Name() string { return m.name }

// NumColorLayers implements terrain.LayerFactory.
func (m *MapSource) NumColorLayers() int { return mapColorLayers }

// CreateElevationLayer samples GAT heights on a (N+1)x(N+1) grid spanning
// the tile.
func (m *MapSource) CreateElevationLayer(ctx context.Context, key tilekey.Key, progress terrain.ProgressMonitor) (*layers.Heightfield, error) {
	if !key.Valid() {
		return nil, nil
	}

	n := m.resolution
	minX, minY, maxX, maxY := key.Extent()
	w, h := float64(m.gat.Width), float64(m.gat.Height)

	hf := layers.NewHeightfield(n+1, n+1)
	for row := 0; row <= n; row++ {
		if canceled(ctx, progress, row, n+1) {
			return nil, nil
		}
		y := (minY + (maxY-minY)*float64(row)/float64(n)) * h
		for col := 0; col <= n; col++ {
			x := (minX + (maxX-minX)*float64(col)/float64(n)) * w
			hf.Set(col, row, m.gat.HeightAt(float32(x), float32(y)))
		}
	}
	return hf, nil
}

// CreateColorLayer resamples the surface or cell type raster onto the
// tile.
func (m *MapSource) CreateColorLayer(ctx context.Context, key tilekey.Key, index int, progress terrain.ProgressMonitor) (*layers.ColorLayer, error) {
	if !key.Valid() {
		return nil, nil
	}

	var (
		src    *image.RGBA
		name   string
		interp draw.Interpolator
	)
	switch index {
	case MapColorSurface:
		src, name, interp = m.surface, "surface", draw.BiLinear
	case MapColorCellType:
		src, name, interp = m.cellType, "cell_type", draw.NearestNeighbor
	default:
		return nil, nil
	}

	out := layers.NewColorLayer(index, name, m.resolution)
	if !resample(ctx, out.Image, src, key, interp, progress) {
		return nil, nil
	}
	return out, nil
}

// resample draws the part of src covered by key into dst one row at a
// time, polling progress between rows. It reports false when cancelled.
func resample(ctx context.Context, dst, src *image.RGBA, key tilekey.Key, interp draw.Interpolator, progress terrain.ProgressMonitor) bool {
	minX, minY, maxX, maxY := key.Extent()
	sw, sh := float64(src.Bounds().Dx()), float64(src.Bounds().Dy())
	size := dst.Bounds()

	sx := float64(size.Dx()) / ((maxX - minX) * sw)
	sy := float64(size.Dy()) / ((maxY - minY) * sh)
	s2d := f64.Aff3{
		sx, 0, -minX * sw * sx,
		0, sy, -minY * sh * sy,
	}

	for y := size.Min.Y; y < size.Max.Y; y++ {
		if canceled(ctx, progress, y, size.Dy()) {
			return false
		}
		row := dst.SubImage(image.Rect(size.Min.X, y, size.Max.X, y+1)).(*image.RGBA)
		interp.Transform(row, s2d, src, src.Bounds(), draw.Src, nil)
	}
	return true
}

func canceled(ctx context.Context, progress terrain.ProgressMonitor, current, total int) bool {
	if ctx.Err() != nil {
		return true
	}
	return progress != nil && progress.ReportProgress(float64(current), float64(total))
}
