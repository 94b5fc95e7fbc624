// Package layers defines the payloads produced for terrain tiles: one
// elevation heightfield and any number of indexed color rasters.
package layers

import (
	"fmt"
	"image"
	"image/color"
)

// Kind distinguishes the two layer variants a tile carries.
type Kind uint8

const (
	KindElevation Kind = iota
	KindColor
)

// String returns "elevation" or "color".
func (k Kind) String() string {
	if k == KindElevation {
		return "elevation"
	}
	return "color"
}

// ID names a layer of a tile: the elevation layer, or a color layer at an
// index.
type ID struct {
	Kind  Kind
	Index int
}

// Elevation is the ID of the elevation layer.
var Elevation = ID{Kind: KindElevation}

// Color returns the ID of the color layer at index.
func Color(index int) ID {
	return ID{Kind: KindColor, Index: index}
}

// String returns "elevation" or "color/<index>".
func (id ID) String() string {
	if id.Kind == KindElevation {
		return "elevation"
	}
	return fmt.Sprintf("color/%d", id.Index)
}

// Heightfield is a regular grid of heights covering one tile, stored
// row-major with row 0 at the tile's minimum Y edge.
type Heightfield struct {
	Columns int
	Rows    int
	Heights []float32
}

// NewHeightfield allocates a zeroed heightfield.
func NewHeightfield(columns, rows int) *Heightfield {
	return &Heightfield{
		Columns: columns,
		Rows:    rows,
		Heights: make([]float32, columns*rows),
	}
}

// At returns the height at column c, row r.
func (h *Heightfield) At(c, r int) float32 {
	return h.Heights[r*h.Columns+c]
}

// Set stores the height at column c, row r.
func (h *Heightfield) Set(c, r int, v float32) {
	h.Heights[r*h.Columns+c] = v
}

// Range returns the minimum and maximum height.
func (h *Heightfield) Range() (min, max float32) {
	if len(h.Heights) == 0 {
		return 0, 0
	}
	min, max = h.Heights[0], h.Heights[0]
	for _, v := range h.Heights[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max
}

// ColorLayer is an RGBA raster for one color layer of a tile.
type ColorLayer struct {
	Index int
	Name  string
	Image *image.RGBA
}

// NewColorLayer allocates a transparent raster of the given size.
func NewColorLayer(index int, name string, size int) *ColorLayer {
	return &ColorLayer{
		Index: index,
		Name:  name,
		Image: image.NewRGBA(image.Rect(0, 0, size, size)),
	}
}

// Fill paints the whole raster with c.
func (l *ColorLayer) Fill(c color.RGBA) {
	b := l.Image.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			l.Image.SetRGBA(x, y, c)
		}
	}
}
