// Package fs serves catalog images from a local directory.
package fs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/marmos91/imgpull/pkg/catalog"
)

// FSSource lists the regular files of one directory, sorted by name.
// Subdirectories and other special files are skipped.
type FSSource struct {
	root string
}

// NewFSSource checks that root is a directory.
func NewFSSource(root string) (*FSSource, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("image directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("image directory %s is not a directory", root)
	}
	return &FSSource{root: root}, nil
}

func (s *FSSource) List(ctx context.Context) ([]catalog.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}

	items := make([]catalog.Item, 0, len(dirEntries))
	for _, de := range dirEntries {
		if !de.Type().IsRegular() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		items = append(items, catalog.Item{Name: de.Name(), Size: info.Size()})
	}
	return items, nil
}

func (s *FSSource) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" || strings.ContainsRune(name, '/') || name == "." || name == ".." {
		return nil, fmt.Errorf("invalid image name %q", name)
	}
	return os.Open(filepath.Join(s.root, name))
}
