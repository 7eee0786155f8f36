// Package testing holds the conformance suite every users.Store backend runs.
package testing

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/imgpull/pkg/store/users"
)

// StoreTestSuite tests the users.Store contract.
//
// Usage:
//
//	func TestMyUserStore(t *testing.T) {
//	    suite := &storetesting.StoreTestSuite{
//	        NewStore: func(t *testing.T) users.Store {
//	            return mystore.New(t.TempDir())
//	        },
//	    }
//	    suite.Run(t)
//	}
type StoreTestSuite struct {
	// NewStore returns a fresh, empty store for each test.
	NewStore func(t *testing.T) users.Store
}

// Run executes all tests in the suite.
func (suite *StoreTestSuite) Run(t *testing.T) {
	t.Run("Get_NotFound", suite.testGetNotFound)
	t.Run("Create_Get", suite.testCreateGet)
	t.Run("Create_Duplicate", suite.testCreateDuplicate)
	t.Run("Create_Invalid", suite.testCreateInvalid)
	t.Run("List_Stable", suite.testListStable)
	t.Run("Update_Persists", suite.testUpdatePersists)
	t.Run("Update_NotFound", suite.testUpdateNotFound)
	t.Run("Update_CallbackError", suite.testUpdateCallbackError)
	t.Run("Update_KeepsName", suite.testUpdateKeepsName)
	t.Run("Update_Concurrent", suite.testUpdateConcurrent)
	t.Run("Seed", suite.testSeed)
}

func testContext() context.Context {
	return context.Background()
}

func (suite *StoreTestSuite) newStore(t *testing.T) users.Store {
	t.Helper()
	s := suite.NewStore(t)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func (suite *StoreTestSuite) testGetNotFound(t *testing.T) {
	s := suite.newStore(t)

	_, err := s.Get(testContext(), "nobody")
	require.Error(t, err)
	assert.True(t, users.IsCode(err, users.ErrNotFound), "got %v", err)
}

func (suite *StoreTestSuite) testCreateGet(t *testing.T) {
	s := suite.newStore(t)
	want := users.User{Name: "admin", Password: "admin", Strikes: 2, Banned: true}

	require.NoError(t, s.Create(testContext(), want))

	got, err := s.Get(testContext(), "admin")
	require.NoError(t, err)
	assert.Equal(t, want, *got)
}

func (suite *StoreTestSuite) testCreateDuplicate(t *testing.T) {
	s := suite.newStore(t)
	require.NoError(t, s.Create(testContext(), users.User{Name: "seba", Password: "1234"}))

	err := s.Create(testContext(), users.User{Name: "seba", Password: "other"})
	assert.True(t, users.IsCode(err, users.ErrAlreadyExists), "got %v", err)

	got, err := s.Get(testContext(), "seba")
	require.NoError(t, err)
	assert.Equal(t, "1234", got.Password)
}

func (suite *StoreTestSuite) testCreateInvalid(t *testing.T) {
	s := suite.newStore(t)

	for _, u := range []users.User{
		{Name: "", Password: "x"},
		{Name: "two words", Password: "x"},
		{Name: "ok", Password: ""},
		{Name: "ok", Password: "has space"},
	} {
		err := s.Create(testContext(), u)
		assert.True(t, users.IsCode(err, users.ErrInvalidRecord), "record %+v: got %v", u, err)
	}

	list, err := s.List(testContext())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func (suite *StoreTestSuite) testListStable(t *testing.T) {
	s := suite.newStore(t)
	for _, u := range users.DefaultUsers() {
		require.NoError(t, s.Create(testContext(), u))
	}

	first, err := s.List(testContext())
	require.NoError(t, err)
	second, err := s.List(testContext())
	require.NoError(t, err)

	assert.ElementsMatch(t, users.DefaultUsers(), first)
	assert.Equal(t, first, second)
}

func (suite *StoreTestSuite) testUpdatePersists(t *testing.T) {
	s := suite.newStore(t)
	require.NoError(t, s.Create(testContext(), users.User{Name: "alumno", Password: "alu1234", Strikes: 2}))

	err := s.Update(testContext(), "alumno", func(u *users.User) error {
		u.Password = "newpass"
		u.Strikes = 0
		return nil
	})
	require.NoError(t, err)

	got, err := s.Get(testContext(), "alumno")
	require.NoError(t, err)
	assert.Equal(t, users.User{Name: "alumno", Password: "newpass"}, *got)
}

func (suite *StoreTestSuite) testUpdateNotFound(t *testing.T) {
	s := suite.newStore(t)
	called := false

	err := s.Update(testContext(), "ghost", func(*users.User) error {
		called = true
		return nil
	})
	assert.True(t, users.IsCode(err, users.ErrNotFound), "got %v", err)
	assert.False(t, called)
}

func (suite *StoreTestSuite) testUpdateCallbackError(t *testing.T) {
	s := suite.newStore(t)
	require.NoError(t, s.Create(testContext(), users.User{Name: "client", Password: "client"}))

	boom := errors.New("boom")
	err := s.Update(testContext(), "client", func(u *users.User) error {
		u.Password = "changed"
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.Get(testContext(), "client")
	require.NoError(t, err)
	assert.Equal(t, "client", got.Password)
}

func (suite *StoreTestSuite) testUpdateKeepsName(t *testing.T) {
	s := suite.newStore(t)
	require.NoError(t, s.Create(testContext(), users.User{Name: "usuario", Password: "1234"}))

	require.NoError(t, s.Update(testContext(), "usuario", func(u *users.User) error {
		u.Name = "renamed"
		return nil
	}))

	_, err := s.Get(testContext(), "renamed")
	assert.True(t, users.IsCode(err, users.ErrNotFound))
	_, err = s.Get(testContext(), "usuario")
	assert.NoError(t, err)
}

func (suite *StoreTestSuite) testUpdateConcurrent(t *testing.T) {
	s := suite.newStore(t)
	require.NoError(t, s.Create(testContext(), users.User{Name: "admin", Password: "admin"}))

	const workers = 8
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Update(testContext(), "admin", func(u *users.User) error {
				u.Strikes++
				return nil
			})
			if err != nil {
				t.Errorf("update: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := s.Get(testContext(), "admin")
	require.NoError(t, err)
	assert.Equal(t, workers, got.Strikes)
}

func (suite *StoreTestSuite) testSeed(t *testing.T) {
	s := suite.newStore(t)
	require.NoError(t, s.Create(testContext(), users.User{Name: "admin", Password: "changed"}))

	added, err := users.Seed(testContext(), s, users.DefaultUsers())
	require.NoError(t, err)
	assert.Equal(t, len(users.DefaultUsers())-1, added)

	got, err := s.Get(testContext(), "admin")
	require.NoError(t, err)
	assert.Equal(t, "changed", got.Password)

	added, err = users.Seed(testContext(), s, users.DefaultUsers())
	require.NoError(t, err)
	assert.Zero(t, added)
}
