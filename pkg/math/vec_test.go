package math

import (
	"testing"
)

func TestVec2(t *testing.T) {
	a := Vec2{1, 2}
	b := Vec2{4, 6}
	if got := a.Add(b); got != (Vec2{5, 8}) {
		t.Errorf("expected {5 8}, got %v", got)
	}
	if got := b.Sub(a); got != (Vec2{3, 4}) {
		t.Errorf("expected {3 4}, got %v", got)
	}
	if got := a.Distance(b); got != 5 {
		t.Errorf("expected distance 5, got %v", got)
	}
}

func TestVec3Normals(t *testing.T) {
	x := Vec3{1, 0, 0}
	z := Vec3{0, 0, 1}
	if got := z.Cross(x); got != (Vec3{0, 1, 0}) {
		t.Errorf("expected Y up, got %v", got)
	}
	if got := (Vec3{0, 3, 4}).Normalize(); got != (Vec3{0, 0.6, 0.8}) {
		t.Errorf("expected {0 0.6 0.8}, got %v", got)
	}
	if got := (Vec3{}).Normalize(); got != (Vec3{}) {
		t.Errorf("expected zero vector, got %v", got)
	}
	if got := x.Add(z).Sub(x); got != z {
		t.Errorf("expected %v, got %v", z, got)
	}
}

func TestRectDistance(t *testing.T) {
	r := Rect{Min: Vec2{0, 0}, Max: Vec2{10, 10}}

	tests := []struct {
		name string
		p    Vec2
		want float32
	}{
		{"inside", Vec2{5, 5}, 0},
		{"edge", Vec2{10, 3}, 0},
		{"right", Vec2{13, 5}, 3},
		{"corner", Vec2{13, 14}, 5},
		{"below", Vec2{2, -2}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Distance(tt.p); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}

	if got := (Rect{Min: Vec2{2, 4}, Max: Vec2{6, 12}}).Size(); got != (Vec2{4, 8}) {
		t.Errorf("expected size {4 8}, got %v", got)
	}
}
