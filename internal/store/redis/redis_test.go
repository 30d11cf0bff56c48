package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupcal/internal/store"
	"groupcal/internal/store/storetest"
)

func newTestBackend(t *testing.T, prefix string) (*Backend, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	b := New(client, prefix)
	t.Cleanup(func() { _ = b.Close() })
	return b, srv
}

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend {
		b, _ := newTestBackend(t, "")
		return b
	})
}

func TestKeysAreNamespaced(t *testing.T) {
	b, srv := newTestBackend(t, "club:")
	ctx := context.Background()
	require.NoError(t, b.Put(ctx, "events:g1", []byte("x")))
	require.NoError(t, srv.Set("other:events:g2", "y"))

	assert.True(t, srv.Exists("club:events:g1"))

	keys, err := b.Keys(ctx, "events:")
	require.NoError(t, err)
	assert.Equal(t, []string{"events:g1"}, keys)
}

func TestKeysEscapesGlob(t *testing.T) {
	b, _ := newTestBackend(t, "")
	ctx := context.Background()
	require.NoError(t, b.Put(ctx, "events:a*", []byte("1")))
	require.NoError(t, b.Put(ctx, "events:ab", []byte("2")))

	keys, err := b.Keys(ctx, "events:a*")
	require.NoError(t, err)
	assert.Equal(t, []string{"events:a*"}, keys)
}

func TestDialFailsWithoutServer(t *testing.T) {
	srv := miniredis.RunT(t)
	addr := srv.Addr()
	srv.Close()

	_, err := Dial(Options{Addr: addr})
	require.Error(t, err)
}

func TestDialRequiresAddr(t *testing.T) {
	_, err := Dial(Options{})
	require.Error(t, err)
}
