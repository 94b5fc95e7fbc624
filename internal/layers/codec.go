package layers

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"

	"github.com/klauspost/compress/zstd"
)

// Codec errors.
var (
	ErrInvalidPayloadMagic = errors.New("invalid payload magic")
	ErrTruncatedPayload    = errors.New("truncated payload")
)

const (
	heightfieldMagic = "TSHF"
	colorMagic       = "TSCL"
	codecVersion     = 1
)

// encoder and decoder are safe for concurrent EncodeAll/DecodeAll calls.
var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

type heightfieldHeader struct {
	Magic   [4]byte
	Version uint8
	_       [3]byte
	Columns uint32
	Rows    uint32
}

type colorHeader struct {
	Magic   [4]byte
	Version uint8
	_       [3]byte
	Index   int32
	Width   uint32
	Height  uint32
	NameLen uint32
}

// EncodeHeightfield serializes a heightfield into a compressed blob.
func EncodeHeightfield(h *Heightfield) ([]byte, error) {
	buf := new(bytes.Buffer)
	hdr := heightfieldHeader{Version: codecVersion, Columns: uint32(h.Columns), Rows: uint32(h.Rows)}
	copy(hdr.Magic[:], heightfieldMagic)

	if err := binary.Write(buf, binary.LittleEndian, hdr); err != nil {
		return nil, fmt.Errorf("writing heightfield header: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, h.Heights); err != nil {
		return nil, fmt.Errorf("writing heights: %w", err)
	}
	return encoder.EncodeAll(buf.Bytes(), nil), nil
}

// DecodeHeightfield parses a blob written by EncodeHeightfield.
func DecodeHeightfield(data []byte) (*Heightfield, error) {
	raw, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing heightfield: %w", err)
	}

	r := bytes.NewReader(raw)
	var hdr heightfieldHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: reading heightfield header", ErrTruncatedPayload)
	}
	if string(hdr.Magic[:]) != heightfieldMagic {
		return nil, ErrInvalidPayloadMagic
	}

	h := NewHeightfield(int(hdr.Columns), int(hdr.Rows))
	if err := binary.Read(r, binary.LittleEndian, h.Heights); err != nil {
		return nil, fmt.Errorf("%w: reading heights", ErrTruncatedPayload)
	}
	return h, nil
}

// EncodeColorLayer serializes a color layer into a compressed blob.
func EncodeColorLayer(l *ColorLayer) ([]byte, error) {
	b := l.Image.Bounds()
	buf := new(bytes.Buffer)
	hdr := colorHeader{
		Version: codecVersion,
		Index:   int32(l.Index),
		Width:   uint32(b.Dx()),
		Height:  uint32(b.Dy()),
		NameLen: uint32(len(l.Name)),
	}
	copy(hdr.Magic[:], colorMagic)

	if err := binary.Write(buf, binary.LittleEndian, hdr); err != nil {
		return nil, fmt.Errorf("writing color header: %w", err)
	}
	buf.WriteString(l.Name)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := l.Image.PixOffset(b.Min.X, y)
		buf.Write(l.Image.Pix[off : off+b.Dx()*4])
	}
	return encoder.EncodeAll(buf.Bytes(), nil), nil
}

// DecodeColorLayer parses a blob written by EncodeColorLayer.
func DecodeColorLayer(data []byte) (*ColorLayer, error) {
	raw, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing color layer: %w", err)
	}

	r := bytes.NewReader(raw)
	var hdr colorHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: reading color header", ErrTruncatedPayload)
	}
	if string(hdr.Magic[:]) != colorMagic {
		return nil, ErrInvalidPayloadMagic
	}

	name := make([]byte, hdr.NameLen)
	if _, err := r.Read(name); err != nil && hdr.NameLen > 0 {
		return nil, fmt.Errorf("%w: reading name", ErrTruncatedPayload)
	}

	img := image.NewRGBA(image.Rect(0, 0, int(hdr.Width), int(hdr.Height)))
	if n, _ := r.Read(img.Pix); n != len(img.Pix) {
		return nil, fmt.Errorf("%w: reading pixels", ErrTruncatedPayload)
	}

	return &ColorLayer{Index: int(hdr.Index), Name: string(name), Image: img}, nil
}
