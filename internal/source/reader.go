// Package source provides layer factories for the terrain engine: a map
// source that samples Ragnarok Online map files, a procedural noise
// source, and a caching decorator.
package source

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/Faultbox/terrastream/pkg/grf"
)

// ErrFileNotFound is returned when no reader holds a requested file.
var ErrFileNotFound = errors.New("file not found")

// FileReader reads a file by its archive path, e.g. "data/prontera.gat".
// *grf.Archive implements it.
type FileReader interface {
	Read(path string) ([]byte, error)
}

// DirReader reads archive paths from an extracted data directory.
type DirReader string

// Read implements FileReader.
func (d DirReader) Read(path string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(string(d), filepath.FromSlash(path)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
	}
	return data, err
}

// MultiReader tries each reader in order, like the client does with its
// list of GRF archives.
type MultiReader []FileReader

// Read implements FileReader.
func (m MultiReader) Read(path string) ([]byte, error) {
	for _, r := range m {
		data, err := r.Read(path)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, grf.ErrNotFound) && !errors.Is(err, ErrFileNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
}

// OpenReaders opens the given GRF archives followed by an optional data
// directory. The returned close function closes every opened archive.
func OpenReaders(grfPaths []string, dataDir string) (MultiReader, func() error, error) {
	var readers MultiReader
	var archives []*grf.Archive

	closeAll := func() error {
		var errs []error
		for _, a := range archives {
			errs = append(errs, a.Close())
		}
		return errors.Join(errs...)
	}

	for _, p := range grfPaths {
		a, err := grf.Open(p)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("opening %s: %w", p, err)
		}
		archives = append(archives, a)
		readers = append(readers, a)
	}
	if dataDir != "" {
		readers = append(readers, DirReader(dataDir))
	}
	if len(readers) == 0 {
		return nil, nil, errors.New("no GRF archive or data directory configured")
	}
	return readers, closeAll, nil
}
