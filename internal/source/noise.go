package source

import (
	"context"
	"image/color"
	"math"

	"github.com/aquilax/go-perlin"

	"github.com/Faultbox/terrastream/internal/layers"
	"github.com/Faultbox/terrastream/internal/terrain"
	"github.com/Faultbox/terrastream/internal/tilekey"
)

const (
	noiseAlpha   = 2.0
	noiseBeta    = 2.0
	noiseOctaves = 3

	// noiseScale is the number of noise periods across the root tile.
	noiseScale = 4.0
	// noiseHeight is the elevation range in world units.
	noiseHeight = 200.0
)

// Noise color layer indices.
const (
	NoiseColorTint = iota
	NoiseColorSlope
	noiseColorLayers
)

type hypsometricStop struct {
	height float64
	color  color.RGBA
}

var hypsometricTint = []hypsometricStop{
	{0.00, color.RGBA{R: 30, G: 70, B: 150, A: 255}},
	{0.30, color.RGBA{R: 70, G: 130, B: 200, A: 255}},
	{0.35, color.RGBA{R: 210, G: 200, B: 140, A: 255}},
	{0.50, color.RGBA{R: 90, G: 150, B: 70, A: 255}},
	{0.75, color.RGBA{R: 120, G: 100, B: 70, A: 255}},
	{1.00, color.RGBA{R: 245, G: 245, B: 245, A: 255}},
}

// NoiseSource produces procedural terrain from perlin noise. Output is
// deterministic for a seed.
type NoiseSource struct {
	resolution int
	noise      *perlin.Perlin
}

var _ terrain.LayerFactory = (*NoiseSource)(nil)

// NewNoiseSource creates a source with the given seed and samples per tile
// side.
func NewNoiseSource(seed int64, resolution int) *NoiseSource {
	if resolution <= 0 {
		resolution = DefaultResolution
	}
	return &NoiseSource{
		resolution: resolution,
		noise:      perlin.NewPerlin(noiseAlpha, noiseBeta, noiseOctaves, seed),
	}
}

// NumColorLayers implements terrain.LayerFactory.
func (s *NoiseSource) NumColorLayers() int { return noiseColorLayers }

// heightAt returns the normalized height in [0,1] at a map position.
func (s *NoiseSource) heightAt(x, y float64) float64 {
	v := (s.noise.Noise2D(x*noiseScale, y*noiseScale) + 1) / 2
	return math.Max(0, math.Min(1, v))
}

// CreateElevationLayer implements terrain.LayerFactory.
func (s *NoiseSource) CreateElevationLayer(ctx context.Context, key tilekey.Key, progress terrain.ProgressMonitor) (*layers.Heightfield, error) {
	if !key.Valid() {
		return nil, nil
	}

	n := s.resolution
	minX, minY, maxX, maxY := key.Extent()
	hf := layers.NewHeightfield(n+1, n+1)
	for row := 0; row <= n; row++ {
		if canceled(ctx, progress, row, n+1) {
			return nil, nil
		}
		y := minY + (maxY-minY)*float64(row)/float64(n)
		for col := 0; col <= n; col++ {
			x := minX + (maxX-minX)*float64(col)/float64(n)
			hf.Set(col, row, float32(s.heightAt(x, y)*noiseHeight))
		}
	}
	return hf, nil
}

// CreateColorLayer implements terrain.LayerFactory.
func (s *NoiseSource) CreateColorLayer(ctx context.Context, key tilekey.Key, index int, progress terrain.ProgressMonitor) (*layers.ColorLayer, error) {
	if !key.Valid() {
		return nil, nil
	}

	var name string
	var shade func(x, y, px float64) color.RGBA
	switch index {
	case NoiseColorTint:
		name = "tint"
		shade = func(x, y, _ float64) color.RGBA { return tint(s.heightAt(x, y)) }
	case NoiseColorSlope:
		name = "slope"
		shade = s.slopeShade
	default:
		return nil, nil
	}

	n := s.resolution
	minX, minY, maxX, _ := key.Extent()
	px := (maxX - minX) / float64(n)

	out := layers.NewColorLayer(index, name, n)
	for row := range n {
		if canceled(ctx, progress, row, n) {
			return nil, nil
		}
		y := minY + (float64(row)+0.5)*px
		for col := range n {
			x := minX + (float64(col)+0.5)*px
			out.Image.SetRGBA(col, row, shade(x, y, px))
		}
	}
	return out, nil
}

// slopeShade darkens steep ground using the central height difference
// over one pixel.
func (s *NoiseSource) slopeShade(x, y, px float64) color.RGBA {
	dx := s.heightAt(x+px, y) - s.heightAt(x-px, y)
	dy := s.heightAt(x, y+px) - s.heightAt(x, y-px)
	slope := math.Sqrt(dx*dx+dy*dy) / (2 * px) * noiseHeight / noiseScale / 100
	v := uint8(255 * (1 - math.Min(1, slope)))
	return color.RGBA{R: v, G: v, B: v, A: 255}
}

func tint(h float64) color.RGBA {
	for i := 1; i < len(hypsometricTint); i++ {
		hi := hypsometricTint[i]
		if h > hi.height {
			continue
		}
		lo := hypsometricTint[i-1]
		t := (h - lo.height) / (hi.height - lo.height)
		return lerpRGBA(lo.color, hi.color, t)
	}
	return hypsometricTint[len(hypsometricTint)-1].color
}

func lerpRGBA(a, b color.RGBA, t float64) color.RGBA {
	l := func(x, y uint8) uint8 { return uint8(float64(x) + (float64(y)-float64(x))*t + 0.5) }
	return color.RGBA{R: l(a.R, b.R), G: l(a.G, b.G), B: l(a.B, b.B), A: l(a.A, b.A)}
}
