//go:build !race

package strategy_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/carve/memutils"
)

// Holders overwrite the link word of every block they hold, so a Get that read a head block just
// before another goroutine popped it sees garbage as the next link. The race detector reports that
// read, which is why this test is excluded from -race runs.
func TestLockFreePoolHoldersWriteBlocks(t *testing.T) {
	const blockCount = 4
	const blockSize = 64
	const workers = 8
	const iterations = 20000

	pool := newLockFreePool(t, blockSize, blockCount, 64)
	owners := make([]atomic.Int32, blockCount)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int32) {
			defer wg.Done()

			for i := 0; i < iterations; i++ {
				offset, err := pool.Get()
				if errors.Is(err, memutils.PoolExhaustedError) {
					continue
				}
				if err != nil {
					t.Error(err)
					return
				}

				if !owners[offset/blockSize].CompareAndSwap(0, worker+1) {
					t.Errorf("block %d was handed out twice", offset/blockSize)
					return
				}

				block := pool.Region().Bytes(offset, blockSize)
				for j := range block {
					block[j] = 0xAB
				}

				owners[offset/blockSize].Store(0)
				if !pool.Put(offset) {
					t.Errorf("put of held block %d was rejected", offset)
					return
				}
			}
		}(int32(w))
	}
	wg.Wait()

	require.Equal(t, blockCount, pool.Available())
	require.Zero(t, pool.AllocationCount())
	require.NoError(t, pool.Validate())

	var offsets []int
	for i := 0; i < blockCount; i++ {
		offset, err := pool.Get()
		require.NoError(t, err)
		offsets = append(offsets, offset)
	}
	require.ElementsMatch(t, []int{0, 64, 128, 192}, offsets)
}
