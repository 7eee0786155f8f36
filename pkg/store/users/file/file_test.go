package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/imgpull/pkg/store/users"
	storetesting "github.com/marmos91/imgpull/pkg/store/users/testing"
)

func TestFileUserStore(t *testing.T) {
	suite := &storetesting.StoreTestSuite{
		NewStore: func(t *testing.T) users.Store {
			s, err := NewFileUserStore(context.Background(), FileUserStoreConfig{
				Path: filepath.Join(t.TempDir(), "users.db"),
			})
			require.NoError(t, err)
			return s
		},
	}
	suite.Run(t)
}

func TestFileUserStoreFormat(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "users.db")
	require.NoError(t, os.WriteFile(path, []byte("usuario 1234 0 0\nadmin admin 2 1\n\n"), 0o600))

	s, err := NewFileUserStore(ctx, FileUserStoreConfig{Path: path})
	require.NoError(t, err)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []users.User{
		{Name: "usuario", Password: "1234"},
		{Name: "admin", Password: "admin", Strikes: 2, Banned: true},
	}, list)

	require.NoError(t, s.Update(ctx, "usuario", func(u *users.User) error {
		u.Password = "abcd"
		return nil
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "usuario abcd 0 0\nadmin admin 2 1\n", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestFileUserStoreRejectsCorruptFile(t *testing.T) {
	tests := map[string]string{
		"missing field": "admin admin 0\n",
		"bad strikes":   "admin admin x 0\n",
		"bad ban flag":  "admin admin 0 7\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "users.db")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

			_, err := NewFileUserStore(context.Background(), FileUserStoreConfig{Path: path})
			assert.Error(t, err)
		})
	}
}

func TestFileUserStoreCreatesParentDirectory(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "dir", "users.db")

	s, err := NewFileUserStore(ctx, FileUserStoreConfig{Path: path})
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, users.User{Name: "seba", Password: "1234"}))

	_, err = os.Stat(path)
	assert.NoError(t, err)
}
