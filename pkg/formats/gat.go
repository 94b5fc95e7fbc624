package formats

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// GAT format errors.
var (
	ErrInvalidGATMagic       = errors.New("invalid GAT magic: expected 'GRAT'")
	ErrUnsupportedGATVersion = errors.New("unsupported GAT version")
	ErrTruncatedGATData      = errors.New("truncated GAT data")
	ErrInvalidGATDimensions  = errors.New("invalid GAT dimensions")
)

const (
	gatMagic      = "GRAT"
	gatHeaderSize = 14
	maxGATSide    = 4096
)

// GATVersion represents the GAT file version.
type GATVersion struct {
	Major uint8
	Minor uint8
}

// String returns the version as "Major.Minor".
func (v GATVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// GATCellType represents the walkability type of a cell.
type GATCellType uint32

// Cell type constants.
const (
	GATWalkable      GATCellType = 0 // Normal walkable ground
	GATBlocked       GATCellType = 1 // Cannot walk through
	GATWater         GATCellType = 2 // Water (walkable with certain skills)
	GATWalkableWater GATCellType = 3 // Shore/shallow water
	GATSnipeable     GATCellType = 4 // Can attack over but not walk (cliffs)
	GATBlockedSnipe  GATCellType = 5 // Blocked but can shoot over
)

// String returns a human-readable cell type name.
func (t GATCellType) String() string {
	switch t {
	case GATWalkable:
		return "Walkable"
	case GATBlocked:
		return "Blocked"
	case GATWater:
		return "Water"
	case GATWalkableWater:
		return "Walkable+Water"
	case GATSnipeable:
		return "Snipeable"
	case GATBlockedSnipe:
		return "Blocked+Snipe"
	default:
		return fmt.Sprintf("Unknown(%d)", t)
	}
}

// IsWalkable returns true if the cell type allows walking.
func (t GATCellType) IsWalkable() bool {
	return t == GATWalkable || t == GATWalkableWater
}

// IsBlocked returns true if the cell blocks movement.
func (t GATCellType) IsBlocked() bool {
	return t == GATBlocked || t == GATBlockedSnipe
}

// IsWater returns true if the cell contains water.
func (t GATCellType) IsWater() bool {
	return t == GATWater || t == GATWalkableWater
}

// GATCell is a single cell of the altitude grid. Heights are stored in
// file order: bottom-left, bottom-right, top-left, top-right. The file
// uses negative values for higher ground.
type GATCell struct {
	Heights [4]float32
	Type    GATCellType
}

// GAT is a parsed Ground Altitude Table.
type GAT struct {
	Version GATVersion
	Width   uint32
	Height  uint32
	Cells   []GATCell
}

// NewGAT allocates a flat, walkable table.
func NewGAT(width, height uint32) *GAT {
	return &GAT{
		Version: GATVersion{Major: 1, Minor: 2},
		Width:   width,
		Height:  height,
		Cells:   make([]GATCell, int(width)*int(height)),
	}
}

// GetCell returns the cell at the given coordinates, or nil when out of
// bounds.
func (g *GAT) GetCell(x, y int) *GATCell {
	if x < 0 || y < 0 || x >= int(g.Width) || y >= int(g.Height) {
		return nil
	}
	return &g.Cells[y*int(g.Width)+x]
}

// cellAt clamps a position in cell units to a cell index and returns the
// fractional offset inside it.
func (g *GAT) cellAt(x, y float32) (cx, cy int, fx, fy float32) {
	x = clampf(x, 0, float32(g.Width))
	y = clampf(y, 0, float32(g.Height))

	cx = min(int(x), int(g.Width)-1)
	cy = min(int(y), int(g.Height)-1)
	return cx, cy, x - float32(cx), y - float32(cy)
}

// HeightAt returns the bilinearly interpolated ground height at a position
// measured in cells from the map's bottom-left corner. Positions outside
// the map are clamped to its edge. The result is positive-up.
func (g *GAT) HeightAt(x, y float32) float32 {
	if len(g.Cells) == 0 {
		return 0
	}

	cx, cy, fx, fy := g.cellAt(x, y)
	cell := &g.Cells[cy*int(g.Width)+cx]

	south := cell.Heights[0]*(1-fx) + cell.Heights[1]*fx
	north := cell.Heights[2]*(1-fx) + cell.Heights[3]*fx
	return -(south*(1-fy) + north*fy)
}

// TypeAt returns the cell type under a position in cell units.
func (g *GAT) TypeAt(x, y float32) GATCellType {
	if len(g.Cells) == 0 {
		return GATBlocked
	}
	cx, cy, _, _ := g.cellAt(x, y)
	return g.Cells[cy*int(g.Width)+cx].Type
}

// ParseGAT parses a GAT file from raw bytes.
func ParseGAT(data []byte) (*GAT, error) {
	if len(data) < gatHeaderSize {
		return nil, ErrTruncatedGATData
	}
	if string(data[0:4]) != gatMagic {
		return nil, ErrInvalidGATMagic
	}

	// Version is stored as [minor, major]
	version := GATVersion{Major: data[5], Minor: data[4]}

	// Cell layout is identical for 1.x through 3.x.
	if version.Major < 1 || version.Major > 3 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedGATVersion, version)
	}

	width := binary.LittleEndian.Uint32(data[6:])
	height := binary.LittleEndian.Uint32(data[10:])
	if width == 0 || height == 0 || width > maxGATSide || height > maxGATSide {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidGATDimensions, width, height)
	}

	gat := &GAT{
		Version: version,
		Width:   width,
		Height:  height,
		Cells:   make([]GATCell, int(width)*int(height)),
	}

	r := bytes.NewReader(data[gatHeaderSize:])
	if err := binary.Read(r, binary.LittleEndian, gat.Cells); err != nil {
		return nil, fmt.Errorf("%w: reading %d cells", ErrTruncatedGATData, len(gat.Cells))
	}

	return gat, nil
}

// MarshalBinary encodes the table in GAT file layout.
func (g *GAT) MarshalBinary() ([]byte, error) {
	if len(g.Cells) != int(g.Width)*int(g.Height) {
		return nil, fmt.Errorf("%w: %d cells for %dx%d", ErrInvalidGATDimensions, len(g.Cells), g.Width, g.Height)
	}

	buf := bytes.NewBuffer(make([]byte, 0, gatHeaderSize+len(g.Cells)*20))
	buf.WriteString(gatMagic)
	buf.WriteByte(g.Version.Minor)
	buf.WriteByte(g.Version.Major)
	if err := binary.Write(buf, binary.LittleEndian, [2]uint32{g.Width, g.Height}); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, g.Cells); err != nil {
		return nil, fmt.Errorf("writing cells: %w", err)
	}
	return buf.Bytes(), nil
}

// CountByType returns the count of cells for each type.
func (g *GAT) CountByType() map[GATCellType]int {
	counts := make(map[GATCellType]int)
	for _, cell := range g.Cells {
		counts[cell.Type]++
	}
	return counts
}

// GetAltitudeRange returns the minimum and maximum raw altitude.
func (g *GAT) GetAltitudeRange() (lo, hi float32) {
	if len(g.Cells) == 0 {
		return 0, 0
	}

	lo, hi = float32(math.Inf(1)), float32(math.Inf(-1))
	for _, cell := range g.Cells {
		for _, h := range cell.Heights {
			lo = min(lo, h)
			hi = max(hi, h)
		}
	}
	return lo, hi
}

func clampf(v, lo, hi float32) float32 {
	return max(lo, min(v, hi))
}
