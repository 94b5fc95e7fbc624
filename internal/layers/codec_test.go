package layers

import (
	"errors"
	"image/color"
	"testing"
)

func TestHeightfieldRoundTrip(t *testing.T) {
	h := NewHeightfield(3, 2)
	for i := range h.Heights {
		h.Heights[i] = float32(i) * 1.5
	}

	data, err := EncodeHeightfield(h)
	if err != nil {
		t.Fatalf("EncodeHeightfield failed: %v", err)
	}

	got, err := DecodeHeightfield(data)
	if err != nil {
		t.Fatalf("DecodeHeightfield failed: %v", err)
	}

	if got.Columns != 3 || got.Rows != 2 {
		t.Fatalf("expected 3x2, got %dx%d", got.Columns, got.Rows)
	}
	if got.At(2, 1) != 7.5 {
		t.Errorf("expected height 7.5 at (2,1), got %v", got.At(2, 1))
	}
	min, max := got.Range()
	if min != 0 || max != 7.5 {
		t.Errorf("expected range [0,7.5], got [%v,%v]", min, max)
	}
}

func TestColorLayerRoundTrip(t *testing.T) {
	l := NewColorLayer(1, "walkability", 4)
	l.Fill(color.RGBA{R: 10, G: 20, B: 30, A: 255})
	l.Image.SetRGBA(3, 3, color.RGBA{R: 200, A: 255})

	data, err := EncodeColorLayer(l)
	if err != nil {
		t.Fatalf("EncodeColorLayer failed: %v", err)
	}

	got, err := DecodeColorLayer(data)
	if err != nil {
		t.Fatalf("DecodeColorLayer failed: %v", err)
	}

	if got.Index != 1 || got.Name != "walkability" {
		t.Errorf("expected index 1 name walkability, got %d %q", got.Index, got.Name)
	}
	if c := got.Image.RGBAAt(0, 0); c != (color.RGBA{R: 10, G: 20, B: 30, A: 255}) {
		t.Errorf("unexpected pixel at (0,0): %v", c)
	}
	if c := got.Image.RGBAAt(3, 3); c.R != 200 {
		t.Errorf("expected red 200 at (3,3), got %v", c)
	}
}

func TestDecodeWrongKind(t *testing.T) {
	data, err := EncodeHeightfield(NewHeightfield(2, 2))
	if err != nil {
		t.Fatalf("EncodeHeightfield failed: %v", err)
	}

	if _, err := DecodeColorLayer(data); !errors.Is(err, ErrInvalidPayloadMagic) && !errors.Is(err, ErrTruncatedPayload) {
		t.Errorf("expected magic or truncation error, got %v", err)
	}
}

func TestIDString(t *testing.T) {
	if Elevation.String() != "elevation" {
		t.Errorf("expected elevation, got %s", Elevation)
	}
	if Color(2).String() != "color/2" {
		t.Errorf("expected color/2, got %s", Color(2))
	}
}
