package formats

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image/color"
	"io"

	"github.com/Faultbox/terrastream/pkg/encoding"
)

// GND format errors.
var (
	ErrInvalidGNDMagic       = errors.New("invalid GND magic: expected 'GRGN'")
	ErrUnsupportedGNDVersion = errors.New("unsupported GND version")
	ErrTruncatedGNDData      = errors.New("truncated GND data")
	ErrInvalidGNDDimensions  = errors.New("invalid GND dimensions")
)

const (
	gndMagic          = "GRGN"
	gndHeaderSize     = 18
	gndTextureNameLen = 80
	maxGNDSide        = 1024
)

// GNDVersion represents the GND file version.
type GNDVersion struct {
	Major uint8
	Minor uint8
}

// String returns the version as "Major.Minor".
func (v GNDVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// GNDSurface is a textured face with UV coordinates and a vertex color.
type GNDSurface struct {
	U          [4]float32
	V          [4]float32
	TextureID  int16 // -1 = no texture
	LightmapID int16
	Color      [4]uint8 // BGRA
}

// RGBA returns the surface vertex color.
func (s *GNDSurface) RGBA() color.RGBA {
	return color.RGBA{R: s.Color[2], G: s.Color[1], B: s.Color[0], A: s.Color[3]}
}

// GNDTile is one cell of the ground mesh. Each GND tile covers 2x2 GAT
// cells.
type GNDTile struct {
	Altitude     [4]float32 // bottom-left, bottom-right, top-left, top-right
	TopSurface   int32      // -1 = none
	FrontSurface int32
	RightSurface int32
}

// GNDLightmap holds the lightmap data of one surface.
type GNDLightmap struct {
	Brightness []uint8
	ColorRGB   []uint8
}

// GND is a parsed Ground file.
type GND struct {
	Version        GNDVersion
	Width          uint32
	Height         uint32
	Zoom           float32
	Textures       []string
	Lightmaps      []GNDLightmap
	LightmapWidth  uint32
	LightmapHeight uint32
	LightmapCells  uint32
	Surfaces       []GNDSurface
	Tiles          []GNDTile
}

// NewGND allocates a ground mesh with no surfaces.
func NewGND(width, height uint32) *GND {
	tiles := make([]GNDTile, int(width)*int(height))
	for i := range tiles {
		tiles[i].TopSurface, tiles[i].FrontSurface, tiles[i].RightSurface = -1, -1, -1
	}
	return &GND{
		Version:        GNDVersion{Major: 1, Minor: 7},
		Width:          width,
		Height:         height,
		Zoom:           10,
		LightmapWidth:  8,
		LightmapHeight: 8,
		LightmapCells:  1,
		Tiles:          tiles,
	}
}

// GetTile returns the tile at the given coordinates, or nil when out of
// bounds.
func (g *GND) GetTile(x, y int) *GNDTile {
	if x < 0 || y < 0 || x >= int(g.Width) || y >= int(g.Height) {
		return nil
	}
	return &g.Tiles[y*int(g.Width)+x]
}

// SurfaceColor returns the vertex color of the top surface of tile (x, y).
// ok is false for tiles without a top surface.
func (g *GND) SurfaceColor(x, y int) (c color.RGBA, ok bool) {
	tile := g.GetTile(x, y)
	if tile == nil || tile.TopSurface < 0 || int(tile.TopSurface) >= len(g.Surfaces) {
		return color.RGBA{}, false
	}
	return g.Surfaces[tile.TopSurface].RGBA(), true
}

// ParseGND parses a GND file from raw bytes.
func ParseGND(data []byte) (*GND, error) {
	if len(data) < gndHeaderSize {
		return nil, ErrTruncatedGNDData
	}
	if string(data[0:4]) != gndMagic {
		return nil, ErrInvalidGNDMagic
	}

	// Version is stored as [major, minor]
	version := GNDVersion{Major: data[4], Minor: data[5]}
	if version.Major != 1 || version.Minor < 5 || version.Minor > 9 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedGNDVersion, version)
	}

	r := bytes.NewReader(data[6:])

	var dims struct {
		Width, Height uint32
		Zoom          float32
	}
	if err := binary.Read(r, binary.LittleEndian, &dims); err != nil {
		return nil, fmt.Errorf("%w: reading dimensions", ErrTruncatedGNDData)
	}
	if dims.Width == 0 || dims.Height == 0 || dims.Width > maxGNDSide || dims.Height > maxGNDSide {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidGNDDimensions, dims.Width, dims.Height)
	}

	gnd := &GND{
		Version: version,
		Width:   dims.Width,
		Height:  dims.Height,
		Zoom:    dims.Zoom,
	}

	if err := gnd.readTextures(r); err != nil {
		return nil, err
	}
	if err := gnd.readLightmaps(r); err != nil {
		return nil, err
	}

	var surfaceCount uint32
	if err := binary.Read(r, binary.LittleEndian, &surfaceCount); err != nil {
		return nil, fmt.Errorf("%w: reading surface count", ErrTruncatedGNDData)
	}
	if int64(surfaceCount)*40 > int64(r.Len()) {
		return nil, fmt.Errorf("%w: %d surfaces", ErrTruncatedGNDData, surfaceCount)
	}
	gnd.Surfaces = make([]GNDSurface, surfaceCount)
	if err := binary.Read(r, binary.LittleEndian, gnd.Surfaces); err != nil {
		return nil, fmt.Errorf("%w: reading surfaces", ErrTruncatedGNDData)
	}

	gnd.Tiles = make([]GNDTile, int(dims.Width)*int(dims.Height))
	if err := binary.Read(r, binary.LittleEndian, gnd.Tiles); err != nil {
		return nil, fmt.Errorf("%w: reading %d tiles", ErrTruncatedGNDData, len(gnd.Tiles))
	}

	return gnd, nil
}

func (g *GND) readTextures(r *bytes.Reader) error {
	var hdr struct{ Count, NameLen uint32 }
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("%w: reading texture header", ErrTruncatedGNDData)
	}
	if int64(hdr.Count)*int64(hdr.NameLen) > int64(r.Len()) {
		return fmt.Errorf("%w: %d textures", ErrTruncatedGNDData, hdr.Count)
	}

	g.Textures = make([]string, hdr.Count)
	name := make([]byte, hdr.NameLen)
	for i := range g.Textures {
		if _, err := io.ReadFull(r, name); err != nil {
			return fmt.Errorf("%w: reading texture %d name", ErrTruncatedGNDData, i)
		}
		g.Textures[i] = encoding.FixedStringToUTF8(name)
	}
	return nil
}

func (g *GND) readLightmaps(r *bytes.Reader) error {
	var hdr struct{ Count, Width, Height, Cells uint32 }
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("%w: reading lightmap header", ErrTruncatedGNDData)
	}
	g.LightmapWidth, g.LightmapHeight, g.LightmapCells = hdr.Width, hdr.Height, hdr.Cells

	pixels := int64(hdr.Width) * int64(hdr.Height) * int64(hdr.Cells)
	if int64(hdr.Count)*pixels*4 > int64(r.Len()) {
		return fmt.Errorf("%w: %d lightmaps", ErrTruncatedGNDData, hdr.Count)
	}

	g.Lightmaps = make([]GNDLightmap, hdr.Count)
	for i := range g.Lightmaps {
		lm := &g.Lightmaps[i]
		lm.Brightness = make([]byte, pixels)
		lm.ColorRGB = make([]byte, pixels*3)
		if _, err := io.ReadFull(r, lm.Brightness); err != nil {
			return fmt.Errorf("%w: reading lightmap %d brightness", ErrTruncatedGNDData, i)
		}
		if _, err := io.ReadFull(r, lm.ColorRGB); err != nil {
			return fmt.Errorf("%w: reading lightmap %d color", ErrTruncatedGNDData, i)
		}
	}
	return nil
}

// MarshalBinary encodes the ground mesh in GND file layout.
func (g *GND) MarshalBinary() ([]byte, error) {
	if len(g.Tiles) != int(g.Width)*int(g.Height) {
		return nil, fmt.Errorf("%w: %d tiles for %dx%d", ErrInvalidGNDDimensions, len(g.Tiles), g.Width, g.Height)
	}

	buf := new(bytes.Buffer)
	buf.WriteString(gndMagic)
	buf.WriteByte(g.Version.Major)
	buf.WriteByte(g.Version.Minor)

	w := func(v any) {
		// bytes.Buffer writes never fail.
		_ = binary.Write(buf, binary.LittleEndian, v)
	}

	w(g.Width)
	w(g.Height)
	w(g.Zoom)

	w(uint32(len(g.Textures)))
	w(uint32(gndTextureNameLen))
	for _, name := range g.Textures {
		buf.Write(encoding.UTF8ToFixedString(name, gndTextureNameLen))
	}

	w([4]uint32{uint32(len(g.Lightmaps)), g.LightmapWidth, g.LightmapHeight, g.LightmapCells})
	pixels := int(g.LightmapWidth) * int(g.LightmapHeight) * int(g.LightmapCells)
	for i, lm := range g.Lightmaps {
		if len(lm.Brightness) != pixels || len(lm.ColorRGB) != pixels*3 {
			return nil, fmt.Errorf("lightmap %d has wrong size", i)
		}
		buf.Write(lm.Brightness)
		buf.Write(lm.ColorRGB)
	}

	w(uint32(len(g.Surfaces)))
	w(g.Surfaces)
	w(g.Tiles)

	return buf.Bytes(), nil
}

// CountSurfacesByTexture returns the count of surfaces using each texture.
func (g *GND) CountSurfacesByTexture() map[int]int {
	counts := make(map[int]int)
	for _, surface := range g.Surfaces {
		if surface.TextureID >= 0 {
			counts[int(surface.TextureID)]++
		}
	}
	return counts
}
