package credstore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisBackend(t *testing.T) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return NewRedisBackend(rdb, ""), mr
}

func TestRedisBackend_StoreRoundTrip(t *testing.T) {
	backend, mr := newRedisBackend(t)

	s := New(backend, "acct")
	require.NoError(t, s.SaveSession(Credential{
		AccessToken:  "tok1",
		RefreshToken: "ref1",
		Profile:      map[string]any{"username": "a"},
	}))
	assert.True(t, mr.Exists("scan:cred:acct"))

	reloaded := New(backend, "acct")
	require.NoError(t, reloaded.Load())
	c, ok := reloaded.Credential()
	require.True(t, ok)
	assert.Equal(t, "tok1", c.AccessToken)
	assert.Equal(t, "a", c.Profile["username"])

	reloaded.Clear()
	assert.False(t, mr.Exists("scan:cred:acct"))
}

func TestRedisBackend_MissingKey(t *testing.T) {
	backend, _ := newRedisBackend(t)

	_, ok, err := backend.Get(context.Background(), "nobody")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, backend.Remove(context.Background(), "nobody"))
}

func TestRedisBackend_UnavailableServerIsStorageError(t *testing.T) {
	backend, mr := newRedisBackend(t)
	mr.Close()

	s := New(backend, "acct")
	err := s.Save("tok", "ref")
	var se *StorageError
	require.ErrorAs(t, err, &se)

	tok, ok := s.AccessToken()
	assert.True(t, ok)
	assert.Equal(t, "tok", tok)
}
