package memory_test

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwn-go/store/internal/backend"
	"github.com/dwn-go/store/internal/backend/memory"
	"github.com/dwn-go/store/pkg/types"
)

func TestStore_GetPutDelete(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	_, err := s.Get(ctx, []byte("absent"))
	assert.ErrorIs(t, err, types.ErrNotFound)

	require.NoError(t, s.Put(ctx, []byte("k"), []byte("v1")))
	got, err := s.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	require.NoError(t, s.Delete(ctx, []byte("k")))
	require.NoError(t, s.Delete(ctx, []byte("k")), "deleting an absent key is idempotent")
	_, err = s.Get(ctx, []byte("k"))
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestStore_ScanOrdering(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	for _, k := range []string{"p/c", "p/a", "q/x", "p/b"} {
		require.NoError(t, s.Put(ctx, []byte(k), []byte(k)))
	}

	collect := func(opts backend.ScanOptions) []string {
		var keys []string
		require.NoError(t, s.Scan(ctx, opts, func(key, _ []byte) (bool, error) {
			keys = append(keys, string(key))
			return true, nil
		}))
		return keys
	}

	assert.Equal(t, []string{"p/a", "p/b", "p/c"}, collect(backend.ScanOptions{Prefix: []byte("p/")}))
	assert.Equal(t, []string{"p/c", "p/b", "p/a"}, collect(backend.ScanOptions{Prefix: []byte("p/"), Reverse: true}))
	assert.Equal(t, []string{"p/b", "p/c"}, collect(backend.ScanOptions{Prefix: []byte("p/"), Start: []byte("p/b")}))
	assert.Equal(t, []string{"p/b", "p/a"}, collect(backend.ScanOptions{Prefix: []byte("p/"), Start: []byte("p/b"), Reverse: true}))
}

func TestStore_DeletePrefix(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	require.NoError(t, s.Put(ctx, []byte("p/a"), []byte("1")))
	require.NoError(t, s.Put(ctx, []byte("p/b"), []byte("2")))
	require.NoError(t, s.Put(ctx, []byte("q/a"), []byte("3")))

	require.NoError(t, s.DeletePrefix(ctx, []byte("p/")))
	_, err := s.Get(ctx, []byte("p/a"))
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = s.Get(ctx, []byte("q/a"))
	assert.NoError(t, err, "other prefixes survive")
}

func TestStore_NextSeqGapFreeUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	counter := []byte("ctr")

	const n = 64
	var wg sync.WaitGroup
	seqs := make(chan uint64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq, err := s.NextSeq(ctx, counter, func(seq uint64) ([]byte, []byte) {
				k := make([]byte, 8)
				binary.BigEndian.PutUint64(k, seq)
				return append([]byte("e/"), k...), []byte("event")
			})
			assert.NoError(t, err)
			seqs <- seq
		}()
	}
	wg.Wait()
	close(seqs)

	seen := make(map[uint64]bool)
	for seq := range seqs {
		assert.False(t, seen[seq], "sequence %d handed out twice", seq)
		seen[seq] = true
	}
	for i := uint64(1); i <= n; i++ {
		assert.True(t, seen[i], "sequence %d missing", i)
	}

	// entry for every sequence was written in the same transaction
	count := 0
	require.NoError(t, s.Scan(ctx, backend.ScanOptions{Prefix: []byte("e/")}, func(_, _ []byte) (bool, error) {
		count++
		return true, nil
	}))
	assert.Equal(t, n, count)
}

func TestStore_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	key := []byte("task")

	// nil expect asserts absence
	require.NoError(t, s.CompareAndSwap(ctx, key, nil, []byte("v1")))
	assert.ErrorIs(t, s.CompareAndSwap(ctx, key, nil, []byte("v1")), types.ErrConflict)

	// swap with matching expectation
	require.NoError(t, s.CompareAndSwap(ctx, key, []byte("v1"), []byte("v2")))
	assert.ErrorIs(t, s.CompareAndSwap(ctx, key, []byte("v1"), []byte("v3")), types.ErrConflict)

	// nil next deletes
	require.NoError(t, s.CompareAndSwap(ctx, key, []byte("v2"), nil))
	_, err := s.Get(ctx, key)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestStore_SubscribeObservesCommitOrder(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	var got []string
	cancel, err := s.Subscribe(ctx, []byte("p/"), func(key, _ []byte) {
		got = append(got, string(key))
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, s.Put(ctx, []byte("p/1"), []byte("a")))
	require.NoError(t, s.Put(ctx, []byte("q/1"), []byte("b"))) // outside prefix
	require.NoError(t, s.Put(ctx, []byte("p/2"), []byte("c")))

	assert.Equal(t, []string{"p/1", "p/2"}, got)

	cancel()
	require.NoError(t, s.Put(ctx, []byte("p/3"), []byte("d")))
	assert.Len(t, got, 2, "no delivery after cancel")
}

func TestStore_ContextErrors(t *testing.T) {
	s := memory.New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Put(ctx, []byte("k"), []byte("v"))
	assert.Error(t, err)
}
