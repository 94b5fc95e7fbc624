package mesh

import (
	"github.com/Faultbox/terrastream/internal/layers"
	"github.com/Faultbox/terrastream/internal/tilekey"
	gmath "github.com/Faultbox/terrastream/pkg/math"
)

var white = [4]float32{1, 1, 1, 1}

// Build triangulates a heightfield over the tile's extent. The root tile
// spans worldSize units on X and Z; Y is up. A nil heightfield gives a
// flat quad. Vertex colors are sampled from color when it is non-nil.
func Build(key tilekey.Key, hf *layers.Heightfield, color *layers.ColorLayer, worldSize float32) *Mesh {
	if hf == nil || hf.Columns < 2 || hf.Rows < 2 {
		hf = layers.NewHeightfield(2, 2)
	}

	minX, minZ, maxX, maxZ := key.Extent()
	cols, rows := hf.Columns, hf.Rows

	m := &Mesh{
		Key:      key,
		Columns:  cols,
		Rows:     rows,
		Vertices: make([]Vertex, 0, cols*rows),
		Indices:  make([]uint32, 0, (cols-1)*(rows-1)*6),
		Bounds: Bounds{
			Min: [3]float32{1e10, 1e10, 1e10},
			Max: [3]float32{-1e10, -1e10, -1e10},
		},
	}

	for row := range rows {
		v := float32(row) / float32(rows-1)
		z := float32(minZ+(maxZ-minZ)*float64(v)) * worldSize
		for col := range cols {
			u := float32(col) / float32(cols-1)
			x := float32(minX+(maxX-minX)*float64(u)) * worldSize
			p := [3]float32{x, hf.At(col, row), z}
			updateBounds(&m.Bounds, p)
			m.Vertices = append(m.Vertices, Vertex{
				Position: p,
				TexCoord: [2]float32{u, v},
				Color:    white,
			})
		}
	}

	for row := range rows - 1 {
		for col := range cols - 1 {
			i := uint32(row*cols + col)
			c := uint32(cols)
			m.Indices = append(m.Indices,
				i, i+1, i+c,
				i+c, i+1, i+c+1,
			)
		}
	}

	computeNormals(m.Vertices, m.Indices)
	if color != nil {
		applyColors(m.Vertices, color)
	}
	return m
}

// computeNormals accumulates face normals into each shared grid vertex.
func computeNormals(vertices []Vertex, indices []uint32) {
	sums := make([]gmath.Vec3, len(vertices))
	for i := 0; i+2 < len(indices); i += 3 {
		a, b, c := indices[i], indices[i+1], indices[i+2]
		p0 := vec3(vertices[a].Position)
		e1 := vec3(vertices[b].Position).Sub(p0)
		e2 := vec3(vertices[c].Position).Sub(p0)
		n := e2.Cross(e1)
		sums[a] = sums[a].Add(n)
		sums[b] = sums[b].Add(n)
		sums[c] = sums[c].Add(n)
	}
	for i, s := range sums {
		n := s.Normalize()
		if n == (gmath.Vec3{}) {
			n = gmath.Vec3{Y: 1}
		}
		vertices[i].Normal = [3]float32{n.X, n.Y, n.Z}
	}
}

// applyColors samples the raster at each vertex's texture coordinate.
func applyColors(vertices []Vertex, color *layers.ColorLayer) {
	b := color.Image.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return
	}
	for i := range vertices {
		uv := vertices[i].TexCoord
		px := b.Min.X + min(int(uv[0]*float32(w)), w-1)
		py := b.Min.Y + min(int(uv[1]*float32(h)), h-1)
		c := color.Image.RGBAAt(px, py)
		vertices[i].Color = [4]float32{
			float32(c.R) / 255.0,
			float32(c.G) / 255.0,
			float32(c.B) / 255.0,
			float32(c.A) / 255.0,
		}
	}
}

func vec3(p [3]float32) gmath.Vec3 {
	return gmath.Vec3{X: p[0], Y: p[1], Z: p[2]}
}

func updateBounds(b *Bounds, p [3]float32) {
	for i := range 3 {
		b.Min[i] = min(b.Min[i], p[i])
		b.Max[i] = max(b.Max[i], p[i])
	}
}
