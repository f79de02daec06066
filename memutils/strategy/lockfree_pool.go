package strategy

import (
	"context"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/carve/memutils"
	"github.com/vkngwrapper/carve/memutils/region"
	"golang.org/x/exp/slog"
)

const (
	headLinkMask uint64 = 1<<32 - 1
	headTagShift        = 32
)

// LockFreePool is a fixed-size block allocator whose free list is a Treiber stack: Get and Put read
// the head, compute the new head, and compare-and-swap it in, retrying with the freshly observed head
// when another goroutine got there first. Nothing ever blocks.
//
// The head word packs a generation tag above the head link, and every successful swap bumps the tag.
// A goroutine that read a head, stalled, and then tries to swap after the same block was popped and
// pushed back by others sees a different tag and retries instead of installing a stale link.
//
// Links live in the first word of each free block, so a caller must not touch a block after passing it
// to Put. Get reads the link of the block at the head before its swap, and that block may already
// belong to another goroutine that is writing into it. The value read is discarded when the swap
// fails, but the race detector still reports the read whenever holders write into their blocks.
type LockFreePool struct {
	poolArena

	logger *slog.Logger

	head      atomic.Uint64
	available atomic.Int64
}

var _ AllocateFreer = &LockFreePool{}

// NewLockFreePool obtains a region for blockCount blocks of at least blockSize bytes, each aligned to
// alignment, from backing and threads every block onto the free list in ascending address order.
// Block sizes and alignment are adjusted exactly as NewPool adjusts them. A nil backing means
// region.HeapBacking. Flags in options are ignored.
func NewLockFreePool(backing region.Backing, blockSize, blockCount int, alignment uint, options CreateOptions) (*LockFreePool, error) {
	arena, err := newPoolArena(backing, blockSize, blockCount, alignment)
	if err != nil {
		return nil, err
	}

	p := &LockFreePool{
		poolArena: arena,
		logger:    options.logger(),
	}

	for i := 0; i < p.blockCount; i++ {
		next := uint64(i + 2)
		if i == p.blockCount-1 {
			next = 0
		}
		atomic.StoreUint64(p.region.AtomicWord(i*p.blockSize), next)
	}

	p.available.Store(int64(p.blockCount))
	p.head.Store(1)

	return p, nil
}

func nextHead(oldHead uint64, link uint64) uint64 {
	tag := (oldHead >> headTagShift) + 1
	return tag<<headTagShift | link&headLinkMask
}

// Get pops a block from the free list and returns its offset. When every block is allocated, the
// error matches memutils.PoolExhaustedError.
func (p *LockFreePool) Get() (int, error) {
	for {
		head := p.head.Load()
		link := head & headLinkMask
		if link == 0 {
			p.logger.Debug("LockFreePool::Get FAILED")
			return 0, errors.Wrapf(memutils.PoolExhaustedError, "all %d blocks are allocated", p.blockCount)
		}

		offset := p.offset(link)
		// If another goroutine pops this block first, next may be garbage by the time it is read, but
		// the tag will have moved and the swap below will fail
		next := atomic.LoadUint64(p.region.AtomicWord(offset))

		if p.head.CompareAndSwap(head, nextHead(head, next)) {
			p.available.Add(-1)
			p.logger.LogAttrs(context.Background(), slog.LevelDebug, "LockFreePool::Get", slog.Int("Offset", offset))
			return offset, nil
		}
	}
}

// Put returns the block at offset to the free list. It returns false, and changes nothing, if offset
// is not the start of one of this pool's blocks or if every block is already free.
func (p *LockFreePool) Put(offset int) bool {
	if !p.Owns(offset) || p.available.Load() >= int64(p.blockCount) {
		p.logger.LogAttrs(context.Background(), slog.LevelDebug, "LockFreePool::Put REJECTED", slog.Int("Offset", offset))
		return false
	}

	link := p.link(offset)
	word := p.region.AtomicWord(offset)

	for {
		head := p.head.Load()
		atomic.StoreUint64(word, head&headLinkMask)

		if p.head.CompareAndSwap(head, nextHead(head, link)) {
			p.available.Add(1)
			p.logger.LogAttrs(context.Background(), slog.LevelDebug, "LockFreePool::Put", slog.Int("Offset", offset))
			return true
		}
	}
}

// Allocate returns a block for a request of size bytes aligned to alignment. Requests larger than a
// block, or with stricter alignment than the pool's, return an error matching
// memutils.InvalidRequestError.
func (p *LockFreePool) Allocate(size int, alignment uint) (int, error) {
	err := p.checkBlockRequest(size, alignment)
	if err != nil {
		return 0, err
	}

	return p.Get()
}

// Free returns the block at offset to the pool. A rejected offset returns an error matching
// memutils.NotOwnedError.
func (p *LockFreePool) Free(offset, size int, alignment uint) error {
	if !p.Put(offset) {
		return errors.Wrapf(memutils.NotOwnedError, "offset %d is not an allocated block of this pool", offset)
	}
	return nil
}

// Available returns the number of free blocks. While Get and Put are running on other goroutines
// the value may briefly lag the free list by the number of swaps in flight.
func (p *LockFreePool) Available() int {
	return int(p.available.Load())
}

// AllocationCount returns the number of allocated blocks, with the same caveat as Available
func (p *LockFreePool) AllocationCount() int {
	return p.blockCount - p.Available()
}

func (p *LockFreePool) AddStatistics(stats *memutils.Statistics) {
	p.addStatistics(stats, p.Available())
}

func (p *LockFreePool) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	p.addDetailedStatistics(stats, p.Available())
}

// Validate walks the free list and verifies that it is acyclic, that every link names a block in the
// pool, and that its length matches Available. It must not run concurrently with Get or Put.
func (p *LockFreePool) Validate() error {
	return p.validateFreeList(p.head.Load()&headLinkMask, p.Available(), func(offset int) uint64 {
		return atomic.LoadUint64(p.region.AtomicWord(offset))
	})
}

// BlockJsonData populates a json object with information about this pool's region
func (p *LockFreePool) BlockJsonData(json jwriter.ObjectState) {
	p.blockJsonData(json, "LockFreePool", p.Available())
}
