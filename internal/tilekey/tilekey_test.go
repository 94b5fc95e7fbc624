package tilekey

import (
	"errors"
	"testing"
)

func TestValid(t *testing.T) {
	tests := []struct {
		key  Key
		want bool
	}{
		{Root, true},
		{New(1, 1, 1), true},
		{New(1, 2, 0), false},
		{New(3, 7, 7), true},
		{New(3, 8, 0), false},
		{Key{Level: 32}, false},
	}

	for _, tt := range tests {
		if got := tt.key.Valid(); got != tt.want {
			t.Errorf("%s.Valid() = %v, want %v", tt.key, got, tt.want)
		}
	}
}

func TestParentChildren(t *testing.T) {
	k := New(3, 5, 2)
	for _, c := range k.Children() {
		if c.Parent() != k {
			t.Errorf("expected parent of %s to be %s, got %s", c, k, c.Parent())
		}
		if !c.Valid() {
			t.Errorf("expected child %s to be valid", c)
		}
	}
	if Root.Parent() != Root {
		t.Error("expected root to be its own parent")
	}
}

func TestExtent(t *testing.T) {
	minX, minY, maxX, maxY := New(2, 1, 3).Extent()
	if minX != 0.25 || maxX != 0.5 {
		t.Errorf("expected x extent [0.25,0.5], got [%v,%v]", minX, maxX)
	}
	if minY != 0.75 || maxY != 1.0 {
		t.Errorf("expected y extent [0.75,1], got [%v,%v]", minY, maxY)
	}
}

func TestParse(t *testing.T) {
	k, err := Parse("4/3/9")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if k != New(4, 3, 9) {
		t.Errorf("expected 4/3/9, got %s", k)
	}
	if k.String() != "4/3/9" {
		t.Errorf("expected round trip string 4/3/9, got %s", k.String())
	}

	for _, bad := range []string{
		"", "a/b/c", "1/2/0", "40/0/0",
		"3/1/2/9", "3/1/2abc", "3/1/", "/1/2", "3/-1/2", "3/+1/2", " 3/1/2",
	} {
		if _, err := Parse(bad); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Parse(%q): expected ErrInvalidKey, got %v", bad, err)
		}
	}
}
