package credstore

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealed_RoundTripHidesPlaintext(t *testing.T) {
	inner := NewMemoryBackend()
	sealed, err := Sealed(inner, []byte("device secret"))
	require.NoError(t, err)

	s := New(sealed, "acct")
	require.NoError(t, s.Save("very-secret-access", "very-secret-refresh"))

	raw, ok, err := inner.Get(context.Background(), "acct")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, bytes.Contains(raw, []byte("very-secret-access")))

	reloaded := New(sealed, "acct")
	require.NoError(t, reloaded.Load())
	tok, _ := reloaded.AccessToken()
	assert.Equal(t, "very-secret-access", tok)
}

func TestSealed_WrongSecretFailsToOpen(t *testing.T) {
	inner := NewMemoryBackend()
	right, err := Sealed(inner, []byte("right"))
	require.NoError(t, err)
	require.NoError(t, right.Set(context.Background(), "acct", []byte(`{"access":"t"}`)))

	wrong, err := Sealed(inner, []byte("wrong"))
	require.NoError(t, err)
	_, _, err = wrong.Get(context.Background(), "acct")
	assert.ErrorIs(t, err, ErrUnseal)
}

func TestSealed_ValueBoundToKey(t *testing.T) {
	inner := NewMemoryBackend()
	sealed, err := Sealed(inner, []byte("secret"))
	require.NoError(t, err)
	require.NoError(t, sealed.Set(context.Background(), "a", []byte("payload")))

	raw, _, _ := inner.Get(context.Background(), "a")
	require.NoError(t, inner.Set(context.Background(), "b", raw))

	_, _, err = sealed.Get(context.Background(), "b")
	assert.ErrorIs(t, err, ErrUnseal)
}

func TestSealed_RejectsEmptySecret(t *testing.T) {
	_, err := Sealed(NewMemoryBackend(), nil)
	assert.Error(t, err)
}
