package grf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zlib"

	"github.com/Faultbox/terrastream/pkg/encoding"
)

// File is one file to store with Write.
type File struct {
	Name    string
	Content []byte
}

// Write builds a version 0x200 archive containing files. Names use forward
// slashes and are stored EUC-KR encoded with backslashes, as the client
// does.
func Write(w io.Writer, files []File) error {
	var body bytes.Buffer
	var table bytes.Buffer
	offset := uint32(0)

	for _, f := range files {
		var compressed bytes.Buffer
		zw := zlib.NewWriter(&compressed)
		if _, err := zw.Write(f.Content); err != nil {
			return fmt.Errorf("compressing %s: %w", f.Name, err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("compressing %s: %w", f.Name, err)
		}

		size := uint32(compressed.Len())
		aligned := size
		if aligned%8 != 0 {
			aligned += 8 - aligned%8
		}

		body.Write(compressed.Bytes())
		body.Write(make([]byte, aligned-size))

		table.Write(encoding.UTF8ToEUCKR(strings.ReplaceAll(f.Name, "/", "\\")))
		table.WriteByte(0)
		var rec [17]byte
		binary.LittleEndian.PutUint32(rec[0:], size)
		binary.LittleEndian.PutUint32(rec[4:], aligned)
		binary.LittleEndian.PutUint32(rec[8:], uint32(len(f.Content)))
		rec[12] = FlagFile
		binary.LittleEndian.PutUint32(rec[13:], offset)
		table.Write(rec[:])

		offset += aligned
	}

	var compressedTable bytes.Buffer
	zw := zlib.NewWriter(&compressedTable)
	if _, err := zw.Write(table.Bytes()); err != nil {
		return fmt.Errorf("compressing table: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("compressing table: %w", err)
	}

	hdr := Header{
		TableOffset: offset,
		FileCount:   uint32(len(files)) + fileCountBias,
		Version:     version200,
	}
	copy(hdr.Magic[:], grfMagic)

	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if _, err := w.Write(body.Bytes()); err != nil {
		return fmt.Errorf("writing data: %w", err)
	}
	sizes := [2]uint32{uint32(compressedTable.Len()), uint32(table.Len())}
	if err := binary.Write(w, binary.LittleEndian, sizes); err != nil {
		return fmt.Errorf("writing table sizes: %w", err)
	}
	if _, err := w.Write(compressedTable.Bytes()); err != nil {
		return fmt.Errorf("writing table: %w", err)
	}
	return nil
}
