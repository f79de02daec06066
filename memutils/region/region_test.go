package region_test

import (
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/carve/memutils"
	"github.com/vkngwrapper/carve/memutils/region"
	"github.com/vkngwrapper/carve/memutils/region/mocks"
	"go.uber.org/mock/gomock"
)

func TestHeapRegionAlignment(t *testing.T) {
	for _, alignment := range []uint{1, 8, 64, 4096} {
		r, err := region.New(region.HeapBacking{}, 1000, alignment)
		require.NoError(t, err)
		require.Equal(t, 1000, r.Size())
		require.Zero(t, r.Base()%uintptr(alignment))
		require.NoError(t, r.Close())
	}
}

func TestMmapRegion(t *testing.T) {
	r, err := region.New(region.MmapBacking{}, 1<<16, 64)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, r.Close())
	}()

	require.Zero(t, r.Base()%64)

	payload := r.Bytes(100, 4)
	copy(payload, []byte{1, 2, 3, 4})
	require.Equal(t, []byte{1, 2, 3, 4}, r.Bytes(100, 4))
	require.Len(t, payload, 4)
	require.Equal(t, 4, cap(payload))
}

func TestRegionRejectsBadParameters(t *testing.T) {
	_, err := region.New(nil, 0, 8)
	require.True(t, errors.Is(err, memutils.InvalidRequestError))

	_, err = region.New(nil, 100, 3)
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))

	_, err = region.FromBytes(nil)
	require.True(t, errors.Is(err, memutils.InvalidRequestError))
}

func TestRegionBackingFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	backing := mocks.NewMockBacking(ctrl)
	backing.EXPECT().Acquire(4096, uint(16)).Return(nil, errors.New("no memory for you"))

	_, err := region.New(backing, 4096, 16)
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.RegionUnavailableError))
	require.Contains(t, err.Error(), "no memory for you")
}

func TestRegionBackingShortBuffer(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	short := make([]byte, 10)
	backing := mocks.NewMockBacking(ctrl)
	backing.EXPECT().Acquire(4096, uint(1)).Return(short, nil)
	backing.EXPECT().Release(short).Return(nil)

	_, err := region.New(backing, 4096, 1)
	require.True(t, errors.Is(err, memutils.RegionUnavailableError))
}

func TestRegionCloseReleasesOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	buffer := make([]byte, 64)
	backing := mocks.NewMockBacking(ctrl)
	backing.EXPECT().Acquire(64, uint(1)).Return(buffer, nil)
	backing.EXPECT().Release(buffer).Return(nil).Times(1)

	r, err := region.New(backing, 64, 1)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
}

func TestAlignOffset(t *testing.T) {
	r, err := region.New(nil, 256, 64)
	require.NoError(t, err)

	aligned, ok := r.AlignOffset(1, 16)
	require.True(t, ok)
	require.Equal(t, 16, aligned)
	require.Zero(t, r.Address(aligned)%16)

	aligned, ok = r.AlignOffset(64, 64)
	require.True(t, ok)
	require.Equal(t, 64, aligned)

	require.Equal(t, 48, r.AlignOffsetDown(63, 16))
	require.Equal(t, 0, r.AlignOffsetDown(7, 8))
}

func TestAlignOffsetUnalignedBase(t *testing.T) {
	buffer := make([]byte, 128)
	r, err := region.FromBytes(buffer[3:])
	require.NoError(t, err)

	aligned, ok := r.AlignOffset(0, 8)
	require.True(t, ok)
	require.Zero(t, r.Address(aligned)%8)
	require.Less(t, aligned, 8)
}

func TestRegionWords(t *testing.T) {
	r, err := region.New(nil, 64, region.WordSize)
	require.NoError(t, err)

	r.PutUint64At(8, 0xDEADBEEF)
	require.Equal(t, uint64(0xDEADBEEF), r.Uint64At(8))

	word := r.AtomicWord(16)
	atomic.StoreUint64(word, 42)
	require.Equal(t, uint64(42), atomic.LoadUint64(r.AtomicWord(16)))

	require.Panics(t, func() {
		r.AtomicWord(3)
	})
}

func TestContainsRange(t *testing.T) {
	r, err := region.New(nil, 100, 1)
	require.NoError(t, err)

	require.True(t, r.Contains(0))
	require.True(t, r.Contains(99))
	require.False(t, r.Contains(100))
	require.False(t, r.Contains(-1))

	require.True(t, r.ContainsRange(90, 10))
	require.False(t, r.ContainsRange(90, 11))
	require.False(t, r.ContainsRange(-1, 5))
}
