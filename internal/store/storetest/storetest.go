// Package storetest is the behavior every store.Backend must share. Backend
// packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupcal/internal/store"
)

// Factory opens a fresh, empty backend for one subtest.
type Factory func(t *testing.T) store.Backend

func Run(t *testing.T, open Factory) {
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, open(t)) })
	t.Run("PutGet", func(t *testing.T) { testPutGet(t, open(t)) })
	t.Run("Overwrite", func(t *testing.T) { testOverwrite(t, open(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, open(t)) })
	t.Run("KeysPrefix", func(t *testing.T) { testKeysPrefix(t, open(t)) })
	t.Run("BinaryValues", func(t *testing.T) { testBinaryValues(t, open(t)) })
	t.Run("ConcurrentWriters", func(t *testing.T) { testConcurrentWriters(t, open(t)) })
	t.Run("RecordStore", func(t *testing.T) { testRecordStore(t, open(t)) })
}

func testGetMissing(t *testing.T, b store.Backend) {
	_, err := b.Get(context.Background(), "events:none")
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func testPutGet(t *testing.T, b store.Backend) {
	ctx := context.Background()
	require.NoError(t, b.Put(ctx, "events:g1", []byte("payload")))

	got, err := b.Get(ctx, "events:g1")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
}

func testOverwrite(t *testing.T, b store.Backend) {
	ctx := context.Background()
	require.NoError(t, b.Put(ctx, "events:g1", []byte("first")))
	require.NoError(t, b.Put(ctx, "events:g1", []byte("second")))

	got, err := b.Get(ctx, "events:g1")
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))
}

func testDelete(t *testing.T, b store.Backend) {
	ctx := context.Background()
	require.NoError(t, b.Put(ctx, "events:g1", []byte("x")))
	require.NoError(t, b.Delete(ctx, "events:g1"))

	_, err := b.Get(ctx, "events:g1")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	// Deleting an absent key is not an error.
	require.NoError(t, b.Delete(ctx, "events:g1"))
}

func testKeysPrefix(t *testing.T, b store.Backend) {
	ctx := context.Background()
	for _, k := range []string{"events:b", "events:a", "events-quarantine:a:1", "other"} {
		require.NoError(t, b.Put(ctx, k, []byte(k)))
	}

	keys, err := b.Keys(ctx, "events:")
	require.NoError(t, err)
	assert.Equal(t, []string{"events:a", "events:b"}, keys)

	keys, err = b.Keys(ctx, "nothing:")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func testBinaryValues(t *testing.T, b store.Backend) {
	ctx := context.Background()
	value := []byte{0, 1, 2, 0xff, '\r', '\n'}
	require.NoError(t, b.Put(ctx, "events:bin", value))

	got, err := b.Get(ctx, "events:bin")
	require.NoError(t, err)
	assert.Equal(t, value, got)
}

func testConcurrentWriters(t *testing.T, b store.Backend) {
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("events:g%d", i)
			assert.NoError(t, b.Put(ctx, key, []byte(key)))
		}(i)
	}
	wg.Wait()

	keys, err := b.Keys(ctx, "events:")
	require.NoError(t, err)
	assert.Len(t, keys, 8)
}
