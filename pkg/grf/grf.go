// Package grf reads and writes Ragnarok Online GRF archives.
package grf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/klauspost/compress/zlib"

	"github.com/Faultbox/terrastream/pkg/encoding"
)

const (
	grfMagic   = "Master of Magic"
	headerSize = 46
	version200 = 0x200

	// fileCountBias is added to the real entry count in the header.
	fileCountBias = 7
)

// Entry flags.
const (
	FlagFile      uint8 = 0x01
	FlagEncrypted uint8 = 0x02
)

// GRF errors.
var (
	ErrInvalidMagic       = errors.New("invalid GRF magic")
	ErrUnsupportedVersion = errors.New("unsupported GRF version")
	ErrNotFound           = errors.New("file not found in archive")
	ErrEncrypted          = errors.New("encrypted entries are not supported")
	ErrCorruptTable       = errors.New("corrupt GRF file table")
)

// Archive is an opened GRF archive. Reads go through io.ReaderAt, so an
// Archive is safe for concurrent use once opened.
type Archive struct {
	r        io.ReaderAt
	closer   io.Closer
	header   Header
	fileList map[string]*Entry
}

// Header contains GRF file header information.
type Header struct {
	Magic         [15]byte
	EncryptionKey [15]byte
	TableOffset   uint32
	Seed          uint32
	FileCount     uint32
	Version       uint32
}

// Entry is a file entry in the archive.
type Entry struct {
	Name             string
	CompressedSize   uint32
	AlignedSize      uint32
	UncompressedSize uint32
	Flags            uint8
	Offset           uint32
}

// Open opens a GRF archive on disk.
func Open(path string) (*Archive, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}

	a, err := NewReader(file)
	if err != nil {
		file.Close()
		return nil, err
	}
	a.closer = file
	return a, nil
}

// NewReader reads the header and file table from r.
func NewReader(r io.ReaderAt) (*Archive, error) {
	a := &Archive{
		r:        r,
		fileList: make(map[string]*Entry),
	}

	if err := a.readHeader(); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if err := a.readFileTable(); err != nil {
		return nil, fmt.Errorf("reading file table: %w", err)
	}
	return a, nil
}

// Close closes the underlying file when the archive was opened with Open.
func (a *Archive) Close() error {
	if a.closer != nil {
		return a.closer.Close()
	}
	return nil
}

// Version returns the archive format version.
func (a *Archive) Version() uint32 {
	return a.header.Version
}

// Len returns the number of files in the archive.
func (a *Archive) Len() int {
	return len(a.fileList)
}

func (a *Archive) readHeader() error {
	sr := io.NewSectionReader(a.r, 0, headerSize)
	if err := binary.Read(sr, binary.LittleEndian, &a.header); err != nil {
		return err
	}
	if string(a.header.Magic[:]) != grfMagic {
		return ErrInvalidMagic
	}
	if a.header.Version != version200 {
		return fmt.Errorf("%w: 0x%x", ErrUnsupportedVersion, a.header.Version)
	}
	return nil
}

func (a *Archive) readFileTable() error {
	tableOffset := int64(a.header.TableOffset) + headerSize

	var sizes [8]byte
	if _, err := a.r.ReadAt(sizes[:], tableOffset); err != nil {
		return fmt.Errorf("reading table sizes: %w", err)
	}
	compressedSize := binary.LittleEndian.Uint32(sizes[0:])
	uncompressedSize := binary.LittleEndian.Uint32(sizes[4:])

	compressed := make([]byte, compressedSize)
	if _, err := a.r.ReadAt(compressed, tableOffset+8); err != nil {
		return fmt.Errorf("reading table: %w", err)
	}

	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return fmt.Errorf("decompressing table: %w", err)
	}
	defer zr.Close()

	table := make([]byte, uncompressedSize)
	if _, err := io.ReadFull(zr, table); err != nil {
		return fmt.Errorf("decompressing table: %w", err)
	}

	if a.header.FileCount < a.header.Seed+fileCountBias {
		return fmt.Errorf("%w: file count %d", ErrCorruptTable, a.header.FileCount)
	}
	fileCount := a.header.FileCount - a.header.Seed - fileCountBias

	offset := 0
	for i := uint32(0); i < fileCount; i++ {
		nameEnd := bytes.IndexByte(table[offset:], 0)
		if nameEnd < 0 {
			return fmt.Errorf("%w: entry %d has no name terminator", ErrCorruptTable, i)
		}
		name := encoding.EUCKRToUTF8(table[offset : offset+nameEnd])
		offset += nameEnd + 1

		if offset+17 > len(table) {
			return fmt.Errorf("%w: entry %d truncated", ErrCorruptTable, i)
		}

		entry := &Entry{
			Name:             encoding.NormalizeGRFPath(name),
			CompressedSize:   binary.LittleEndian.Uint32(table[offset:]),
			AlignedSize:      binary.LittleEndian.Uint32(table[offset+4:]),
			UncompressedSize: binary.LittleEndian.Uint32(table[offset+8:]),
			Flags:            table[offset+12],
			Offset:           binary.LittleEndian.Uint32(table[offset+13:]),
		}
		offset += 17

		if entry.Flags&FlagFile != 0 {
			a.fileList[entry.Name] = entry
		}
	}

	return nil
}

// List returns all file paths in the archive, sorted.
func (a *Archive) List() []string {
	result := make([]string, 0, len(a.fileList))
	for path := range a.fileList {
		result = append(result, path)
	}
	sort.Strings(result)
	return result
}

// Contains checks if a file exists. Lookup is case-insensitive and accepts
// either slash style.
func (a *Archive) Contains(path string) bool {
	_, ok := a.fileList[encoding.NormalizeGRFPath(path)]
	return ok
}

// Stat returns the entry for path.
func (a *Archive) Stat(path string) (*Entry, bool) {
	e, ok := a.fileList[encoding.NormalizeGRFPath(path)]
	return e, ok
}

// Read reads and decompresses a file from the archive.
func (a *Archive) Read(path string) ([]byte, error) {
	entry, ok := a.fileList[encoding.NormalizeGRFPath(path)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if entry.Flags&FlagEncrypted != 0 {
		return nil, fmt.Errorf("%w: %s", ErrEncrypted, path)
	}

	raw := make([]byte, entry.AlignedSize)
	if _, err := a.r.ReadAt(raw, int64(entry.Offset)+headerSize); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	if entry.CompressedSize == entry.UncompressedSize {
		return raw[:entry.UncompressedSize], nil
	}

	zr, err := zlib.NewReader(bytes.NewReader(raw[:entry.CompressedSize]))
	if err != nil {
		return nil, fmt.Errorf("decompressing %s: %w", path, err)
	}
	defer zr.Close()

	result := make([]byte, entry.UncompressedSize)
	if _, err := io.ReadFull(zr, result); err != nil {
		return nil, fmt.Errorf("decompressing %s: %w", path, err)
	}
	return result, nil
}
