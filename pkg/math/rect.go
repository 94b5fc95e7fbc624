package math

// Rect is an axis-aligned rectangle with Min <= Max on both axes.
type Rect struct {
	Min, Max Vec2
}

// Size returns the width and height.
func (r Rect) Size() Vec2 {
	return r.Max.Sub(r.Min)
}

// Distance returns the distance from p to the nearest point of r, zero
// when p is inside.
func (r Rect) Distance(p Vec2) float32 {
	nearest := Vec2{
		X: max(r.Min.X, min(p.X, r.Max.X)),
		Y: max(r.Min.Y, min(p.Y, r.Max.Y)),
	}
	return p.Distance(nearest)
}
