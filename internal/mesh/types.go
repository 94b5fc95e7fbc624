// Package mesh builds tile grid meshes from terrain layers. Builder is the
// default terrain.ContentBuilder.
package mesh

import "github.com/Faultbox/terrastream/internal/tilekey"

// Vertex is a tile mesh vertex.
type Vertex struct {
	Position [3]float32
	Normal   [3]float32
	TexCoord [2]float32
	Color    [4]float32
}

// Bounds is an axis-aligned bounding box.
type Bounds struct {
	Min [3]float32
	Max [3]float32
}

// Center returns the midpoint of the box.
func (b Bounds) Center() [3]float32 {
	return [3]float32{
		(b.Min[0] + b.Max[0]) / 2,
		(b.Min[1] + b.Max[1]) / 2,
		(b.Min[2] + b.Max[2]) / 2,
	}
}

// Mesh is the triangulated surface of one tile. A Mesh is never modified
// after it is published by a Builder.
type Mesh struct {
	Key      tilekey.Key
	Columns  int
	Rows     int
	Vertices []Vertex
	Indices  []uint32
	Bounds   Bounds

	// Revision counts rebuilds and content updates of this tile's mesh.
	Revision int64
}

// Triangles returns the number of triangles.
func (m *Mesh) Triangles() int {
	return len(m.Indices) / 3
}
