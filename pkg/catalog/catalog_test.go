package catalog_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/imgpull/pkg/catalog"
	catalogfs "github.com/marmos91/imgpull/pkg/catalog/fs"
	"github.com/marmos91/imgpull/pkg/digest"
)

func newCatalog(t *testing.T, files map[string]string) (*catalog.Catalog, string) {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(content), 0o644))
	}
	src, err := catalogfs.NewFSSource(root)
	require.NoError(t, err)
	c, err := catalog.New(src, digest.MD5)
	require.NoError(t, err)
	return c, root
}

func TestListIsPositionalAndIdempotent(t *testing.T) {
	c, _ := newCatalog(t, map[string]string{
		"alpha.img": "hello world",
		"beta.img":  "",
	})
	ctx := context.Background()

	first, err := c.List(ctx)
	require.NoError(t, err)
	second, err := c.List(ctx)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, []catalog.Entry{
		{ID: 1, Name: "alpha.img", Size: 11, Digest: "5eb63bbbe01eeed093cb22bb8f5acdc3"},
		{ID: 2, Name: "beta.img", Size: 0, Digest: "d41d8cd98f00b204e9800998ecf8427e"},
	}, first)
}

func TestResolveFollowsCurrentListing(t *testing.T) {
	c, root := newCatalog(t, map[string]string{"b.img": "b"})
	ctx := context.Background()

	e, err := c.Resolve(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "b.img", e.Name)

	// A new image sorting first shifts every ID.
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.img"), []byte("a"), 0o644))
	e, err = c.Resolve(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "a.img", e.Name)

	_, err = c.Resolve(ctx, 3)
	var nf *catalog.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, 3, nf.ID)

	_, err = c.Resolve(ctx, 0)
	assert.ErrorAs(t, err, &nf)
}

func TestNewRejectsUnknownDigest(t *testing.T) {
	src, err := catalogfs.NewFSSource(t.TempDir())
	require.NoError(t, err)
	_, err = catalog.New(src, "crc32")
	assert.Error(t, err)

	c, err := catalog.New(src, "")
	require.NoError(t, err)
	assert.Equal(t, digest.MD5, c.Algorithm())
}
