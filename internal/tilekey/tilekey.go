// Package tilekey provides quadtree tile addressing for terrain tiles.
package tilekey

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MaxLevel is the deepest quadtree level a key may address.
const MaxLevel = 31

// ErrInvalidKey is returned when a key string cannot be parsed or the
// parsed key lies outside its level.
var ErrInvalidKey = errors.New("invalid tile key")

// Key identifies one node of the terrain quadtree. Level 0 is the single
// root tile covering the whole map; level L has 2^L x 2^L tiles.
type Key struct {
	Level uint8
	X     uint32
	Y     uint32
}

// Root is the level-0 key.
var Root = Key{}

// New returns the key for the given level and position.
func New(level uint8, x, y uint32) Key {
	return Key{Level: level, X: x, Y: y}
}

// Valid reports whether the position fits inside the key's level.
func (k Key) Valid() bool {
	if k.Level > MaxLevel {
		return false
	}
	n := uint32(1) << k.Level
	return k.X < n && k.Y < n
}

// TilesPerSide returns 2^Level.
func (k Key) TilesPerSide() uint32 {
	return uint32(1) << k.Level
}

// Parent returns the key one level up. The root is its own parent.
func (k Key) Parent() Key {
	if k.Level == 0 {
		return k
	}
	return Key{Level: k.Level - 1, X: k.X >> 1, Y: k.Y >> 1}
}

// Children returns the four child keys in row-major order
// (top-left, top-right, bottom-left, bottom-right).
func (k Key) Children() [4]Key {
	l := k.Level + 1
	x, y := k.X<<1, k.Y<<1
	return [4]Key{
		{Level: l, X: x, Y: y},
		{Level: l, X: x + 1, Y: y},
		{Level: l, X: x, Y: y + 1},
		{Level: l, X: x + 1, Y: y + 1},
	}
}

// Extent returns the tile bounds in normalized map coordinates, where the
// root tile spans [0,1] on both axes.
func (k Key) Extent() (minX, minY, maxX, maxY float64) {
	size := 1.0 / float64(k.TilesPerSide())
	minX = float64(k.X) * size
	minY = float64(k.Y) * size
	return minX, minY, minX + size, minY + size
}

// String returns the key as "level/x/y".
func (k Key) String() string {
	return fmt.Sprintf("%d/%d/%d", k.Level, k.X, k.Y)
}

// Parse parses a key in "level/x/y" form.
func Parse(s string) (Key, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	var fields [3]uint32
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
		}
		fields[i] = uint32(v)
	}
	level, x, y := fields[0], fields[1], fields[2]
	if level > MaxLevel {
		return Key{}, fmt.Errorf("%w: level %d", ErrInvalidKey, level)
	}
	k := Key{Level: uint8(level), X: x, Y: y}
	if !k.Valid() {
		return Key{}, fmt.Errorf("%w: %s outside level", ErrInvalidKey, k)
	}
	return k, nil
}
