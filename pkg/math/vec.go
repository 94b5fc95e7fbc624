// Package math holds the small geometry types terrain code shares: plane
// positions for viewers and tile bounds, and 3D vectors for mesh normals.
package math

import "math"

// Vec2 is a point or offset in the world plane.
type Vec2 struct {
	X, Y float32
}

func (v Vec2) Add(o Vec2) Vec2 { return Vec2{v.X + o.X, v.Y + o.Y} }
func (v Vec2) Sub(o Vec2) Vec2 { return Vec2{v.X - o.X, v.Y - o.Y} }

// Distance is the euclidean distance between two points.
func (v Vec2) Distance(o Vec2) float32 {
	return float32(math.Hypot(float64(v.X-o.X), float64(v.Y-o.Y)))
}

// Vec3 is a mesh-space vector with Y up.
type Vec3 struct {
	X, Y, Z float32
}

func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }
func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }

// Cross returns v x o.
func (v Vec3) Cross(o Vec3) Vec3 {
	return Vec3{
		v.Y*o.Z - v.Z*o.Y,
		v.Z*o.X - v.X*o.Z,
		v.X*o.Y - v.Y*o.X,
	}
}

// Normalize returns v scaled to unit length, or the zero vector.
func (v Vec3) Normalize() Vec3 {
	l := float32(math.Sqrt(float64(v.X*v.X + v.Y*v.Y + v.Z*v.Z)))
	if l == 0 {
		return Vec3{}
	}
	return Vec3{v.X / l, v.Y / l, v.Z / l}
}
