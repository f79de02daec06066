package strategy_test

import (
	"bytes"
	"math"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/carve/memutils"
	"github.com/vkngwrapper/carve/memutils/region"
	"github.com/vkngwrapper/carve/memutils/strategy"
	"golang.org/x/exp/slog"
)

func newRegion(t testing.TB, size int) *region.Region {
	r, err := region.New(region.HeapBacking{}, size, 64)
	require.NoError(t, err)
	return r
}

type span struct {
	offset int
	size   int
}

func requireDisjoint(t testing.TB, spans []span) {
	t.Helper()

	sorted := append([]span(nil), spans...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].offset < sorted[j].offset
	})

	for i := 1; i < len(sorted); i++ {
		require.LessOrEqual(t, sorted[i-1].offset+sorted[i-1].size, sorted[i].offset,
			"allocation at %d overlaps allocation at %d", sorted[i-1].offset, sorted[i].offset)
	}
}

func TestBumpAlloc(t *testing.T) {
	bump := strategy.NewBumpAllocator(newRegion(t, 1000), strategy.CreateOptions{})

	offset, err := bump.Allocate(100, 1)
	require.NoError(t, err)
	require.Equal(t, 0, offset)

	offset, err = bump.Allocate(10, 16)
	require.NoError(t, err)
	require.Equal(t, 112, offset)

	require.Equal(t, 122, bump.Used())
	require.Equal(t, 878, bump.Remaining())
	require.Equal(t, 2, bump.AllocationCount())
	require.NoError(t, bump.Validate())

	var stats memutils.DetailedStatistics
	stats.Clear()
	bump.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			RegionCount:     1,
			RegionBytes:     1000,
			AllocationCount: 2,
			AllocationBytes: 122,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  10,
		AllocationSizeMax:  100,
		UnusedRangeSizeMin: 878,
		UnusedRangeSizeMax: 878,
	}, stats)
}

func TestBumpAlignmentAndMonotonicity(t *testing.T) {
	bump := strategy.NewBumpAllocator(newRegion(t, 1<<16), strategy.CreateOptions{})
	rnd := rand.New(rand.NewSource(1))

	var spans []span
	previous := bump.Used()
	for {
		size := rnd.Intn(200) + 1
		alignment := uint(1) << rnd.Intn(7)

		offset, err := bump.Allocate(size, alignment)
		if err != nil {
			require.True(t, errors.Is(err, memutils.OutOfMemoryError))
			require.Equal(t, previous, bump.Used())
			break
		}

		require.Zero(t, bump.Region().Address(offset)%uintptr(alignment))
		require.GreaterOrEqual(t, offset, 0)
		require.LessOrEqual(t, offset+size, bump.Region().Size())
		require.GreaterOrEqual(t, bump.Used(), previous)
		previous = bump.Used()

		spans = append(spans, span{offset, size})
	}

	require.NotEmpty(t, spans)
	requireDisjoint(t, spans)
	require.NoError(t, bump.Validate())
}

func TestBumpOutOfMemory(t *testing.T) {
	bump := strategy.NewBumpAllocator(newRegion(t, 256), strategy.CreateOptions{})

	for i := 0; i < 4; i++ {
		_, err := bump.Allocate(64, 64)
		require.NoError(t, err)
	}

	_, err := bump.Allocate(1, 1)
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.OutOfMemoryError))
	require.Equal(t, 256, bump.Used())
	require.Equal(t, 4, bump.AllocationCount())
}

func TestBumpNeverWraps(t *testing.T) {
	bump := strategy.NewBumpAllocator(newRegion(t, 256), strategy.CreateOptions{})

	_, err := bump.Allocate(math.MaxInt, 1)
	require.True(t, errors.Is(err, memutils.OutOfMemoryError))

	_, err = bump.Allocate(1, 1)
	require.NoError(t, err)

	_, err = bump.Allocate(math.MaxInt, 1)
	require.True(t, errors.Is(err, memutils.OutOfMemoryError))

	_, err = bump.Allocate(math.MaxInt-1, 64)
	require.True(t, errors.Is(err, memutils.OutOfMemoryError))

	require.Equal(t, 1, bump.Used())
}

func TestBumpInvalidRequest(t *testing.T) {
	bump := strategy.NewBumpAllocator(newRegion(t, 256), strategy.CreateOptions{})

	_, err := bump.Allocate(0, 8)
	require.True(t, errors.Is(err, memutils.InvalidRequestError))

	_, err = bump.Allocate(8, 0)
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))

	_, err = bump.Allocate(8, 24)
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))

	require.Zero(t, bump.Used())
}

func TestBumpConcurrent(t *testing.T) {
	const workers = 8
	const perWorker = 200

	bump := strategy.NewBumpAllocator(newRegion(t, workers*perWorker*32), strategy.CreateOptions{})

	results := make([][]span, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				offset, err := bump.Allocate(24, 8)
				if err != nil {
					t.Error(err)
					return
				}
				results[w] = append(results[w], span{offset, 24})
			}
		}(w)
	}
	wg.Wait()

	var spans []span
	for _, r := range results {
		spans = append(spans, r...)
	}

	require.Len(t, spans, workers*perWorker)
	requireDisjoint(t, spans)
	require.Equal(t, workers*perWorker, bump.AllocationCount())
}

func TestBumpLogsOperations(t *testing.T) {
	var buffer bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buffer, &slog.HandlerOptions{Level: slog.LevelDebug}))

	bump := strategy.NewBumpAllocator(newRegion(t, 64), strategy.CreateOptions{Logger: logger})

	_, err := bump.Allocate(32, 1)
	require.NoError(t, err)
	_, err = bump.Allocate(64, 1)
	require.Error(t, err)

	require.Contains(t, buffer.String(), "BumpAllocator::Allocate")
	require.Contains(t, buffer.String(), "BumpAllocator::Allocate FAILED")
	require.Contains(t, buffer.String(), "Size=32")
}
