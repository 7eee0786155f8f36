// Package catalog enumerates the disk images offered for download.
//
// Listings are derived on every call: an entry's ID is its 1-based position
// in the enumeration that produced it and has no meaning outside it. Resolve
// re-enumerates, so an ID taken from an older listing may point at a
// different image, or at nothing, once the source has changed.
package catalog

import (
	"context"
	"fmt"
	"io"

	"github.com/marmos91/imgpull/pkg/digest"
)

// Item is one object in a catalog source.
type Item struct {
	Name string
	Size int64
}

// Source is a backend holding image files.
type Source interface {
	// List returns every image in a stable order.
	List(ctx context.Context) ([]Item, error)

	// Open returns the content of the named image.
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// Entry is one line of a catalog listing.
type Entry struct {
	ID     int
	Name   string
	Size   int64
	Digest string
}

// Catalog numbers the items of a source and attaches their digests.
type Catalog struct {
	source Source
	alg    digest.Algorithm
}

// New returns a catalog over source using alg for listing digests.
func New(source Source, alg digest.Algorithm) (*Catalog, error) {
	if _, err := digest.New(alg); err != nil {
		return nil, err
	}
	if alg == "" {
		alg = digest.Default
	}
	return &Catalog{source: source, alg: alg}, nil
}

// Algorithm returns the digest shown in listings.
func (c *Catalog) Algorithm() digest.Algorithm {
	return c.alg
}

// List enumerates the source and hashes every image.
func (c *Catalog) List(ctx context.Context) ([]Entry, error) {
	items, err := c.source.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}

	entries := make([]Entry, 0, len(items))
	for i, item := range items {
		sum, err := c.hash(ctx, item.Name)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{ID: i + 1, Name: item.Name, Size: item.Size, Digest: sum})
	}
	return entries, nil
}

// Resolve maps a listing ID to the image currently at that position.
// It does not compute the digest.
func (c *Catalog) Resolve(ctx context.Context, id int) (Entry, error) {
	items, err := c.source.List(ctx)
	if err != nil {
		return Entry{}, fmt.Errorf("list images: %w", err)
	}
	if id < 1 || id > len(items) {
		return Entry{}, &NotFoundError{ID: id}
	}
	item := items[id-1]
	return Entry{ID: id, Name: item.Name, Size: item.Size}, nil
}

// Open returns the content of a resolved entry.
func (c *Catalog) Open(ctx context.Context, e Entry) (io.ReadCloser, error) {
	return c.source.Open(ctx, e.Name)
}

func (c *Catalog) hash(ctx context.Context, name string) (string, error) {
	rc, err := c.source.Open(ctx, name)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", name, err)
	}
	defer func() { _ = rc.Close() }()

	sum, _, err := digest.Reader(c.alg, rc)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", name, err)
	}
	return sum, nil
}

// NotFoundError is returned by Resolve for an ID outside the listing.
type NotFoundError struct {
	ID int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("image ID %d not found", e.ID)
}
