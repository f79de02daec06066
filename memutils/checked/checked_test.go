package checked_test

import (
	"fmt"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/carve/memutils"
	"github.com/vkngwrapper/carve/memutils/checked"
	"github.com/vkngwrapper/carve/memutils/region"
	"github.com/vkngwrapper/carve/memutils/strategy"
)

type recordingT struct {
	messages []string
}

func (r *recordingT) Errorf(format string, args ...interface{}) {
	r.messages = append(r.messages, fmt.Sprintf(format, args...))
}

func (r *recordingT) Helper() {}

func newFreeList(t *testing.T) *strategy.FreeListAllocator {
	r, err := region.New(nil, 1024, 64)
	require.NoError(t, err)

	freeList, err := strategy.NewFreeListAllocator(r, strategy.CreateOptions{})
	require.NoError(t, err)
	return freeList
}

func TestCheckedTracksAllocations(t *testing.T) {
	freeList := newFreeList(t)
	a := checked.New(freeList)

	first, err := a.Allocate(100, 8)
	require.NoError(t, err)
	second, err := a.Allocate(50, 16)
	require.NoError(t, err)

	require.Equal(t, 150, a.CurrentAlloc())
	require.Equal(t, 2, a.LiveCount())
	require.NoError(t, a.Validate())

	require.NoError(t, a.Free(first, 100, 8))
	require.NoError(t, a.Free(second, 50, 16))

	require.Zero(t, a.CurrentAlloc())
	require.Zero(t, a.LiveCount())
	a.AssertSize(t, 0)
}

func TestCheckedRejectsDoubleFree(t *testing.T) {
	freeList := newFreeList(t)
	a := checked.New(freeList)

	offset, err := a.Allocate(64, 8)
	require.NoError(t, err)
	_, err = a.Allocate(64, 8)
	require.NoError(t, err)

	require.NoError(t, a.Free(offset, 64, 8))
	freeBlocks := freeList.FreeBlockCount()

	err = a.Free(offset, 64, 8)
	require.True(t, errors.Is(err, memutils.NotOwnedError))
	require.Equal(t, freeBlocks, freeList.FreeBlockCount())
	require.Equal(t, 1, freeList.AllocationCount())
	require.NoError(t, a.Validate())
}

func TestCheckedRejectsMismatchedSize(t *testing.T) {
	a := checked.New(newFreeList(t))

	offset, err := a.Allocate(64, 8)
	require.NoError(t, err)

	err = a.Free(offset, 32, 8)
	require.True(t, errors.Is(err, memutils.NotOwnedError))

	err = a.Free(offset+8, 64, 8)
	require.True(t, errors.Is(err, memutils.NotOwnedError))

	require.Equal(t, 1, a.LiveCount())
}

func TestCheckedReportsLeaks(t *testing.T) {
	a := checked.New(newFreeList(t))

	_, err := a.Allocate(40, 8)
	require.NoError(t, err)

	recorder := &recordingT{}
	a.AssertSize(recorder, 0)

	require.Len(t, recorder.messages, 2)
	require.Contains(t, recorder.messages[0], "LEAK of 40 bytes")
	require.Contains(t, recorder.messages[0], "TestCheckedReportsLeaks")
	require.Contains(t, recorder.messages[1], "exp=0, got=40")
}

func TestCheckedNonFreeingAllocator(t *testing.T) {
	r, err := region.New(nil, 256, 8)
	require.NoError(t, err)

	a := checked.New(strategy.NewBumpAllocator(r, strategy.CreateOptions{}))

	offset, err := a.Allocate(16, 8)
	require.NoError(t, err)

	require.Error(t, a.Free(offset, 16, 8))
	require.Equal(t, 1, a.LiveCount())
	require.NoError(t, a.Validate())
}

func TestCheckedReset(t *testing.T) {
	stack, err := strategy.NewStackAllocator(nil, 256, strategy.CreateOptions{})
	require.NoError(t, err)

	a := checked.New(stack)
	for i := 0; i < 3; i++ {
		_, err := a.Allocate(16, 8)
		require.NoError(t, err)
	}

	a.Reset()
	require.Zero(t, a.LiveCount())
	require.Zero(t, stack.Top())
	a.AssertSize(t, 0)
	require.NoError(t, a.Validate())
}

func TestCheckedValidateCatchesUntrackedAllocations(t *testing.T) {
	freeList := newFreeList(t)
	a := checked.New(freeList)

	_, err := a.Allocate(16, 8)
	require.NoError(t, err)
	_, err = freeList.Allocate(16, 8)
	require.NoError(t, err)

	require.Error(t, a.Validate())
}
