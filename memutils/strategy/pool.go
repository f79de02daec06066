package strategy

import (
	"context"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/carve/memutils"
	"github.com/vkngwrapper/carve/memutils/internal/utils"
	"github.com/vkngwrapper/carve/memutils/region"
	"golang.org/x/exp/slog"
)

// PoolLinkSize is the number of bytes a free pool block uses to link to the next free block. It is
// the smallest block size, and the smallest alignment, a pool will use.
const PoolLinkSize int = region.WordSize

// MaxPoolBlocks is the largest block count a pool supports
const MaxPoolBlocks int = math.MaxInt32 - 1

// poolArena is the layout shared by both pool variants: blockCount blocks of blockSize bytes laid
// end to end. Free blocks are linked by block index plus one, so that a link of zero ends the list.
type poolArena struct {
	region     *region.Region
	blockSize  int
	blockCount int
	alignment  uint
}

func newPoolArena(backing region.Backing, blockSize, blockCount int, alignment uint) (poolArena, error) {
	if blockSize < 1 {
		return poolArena{}, errors.Wrapf(memutils.InvalidRequestError, "pool block size must be positive, got %d", blockSize)
	}

	if blockCount < 1 || blockCount > MaxPoolBlocks {
		return poolArena{}, errors.Wrapf(memutils.InvalidRequestError, "pool block count must be in [1, %d], got %d", MaxPoolBlocks, blockCount)
	}

	err := memutils.CheckPow2(alignment, "pool alignment")
	if err != nil {
		return poolArena{}, err
	}

	alignment = max(alignment, uint(PoolLinkSize))
	alignedBlockSize, ok := memutils.AlignUpChecked(max(blockSize, PoolLinkSize), alignment)
	total := 0
	if ok {
		total, ok = memutils.MulChecked(alignedBlockSize, blockCount)
	}
	if !ok {
		return poolArena{}, errors.Wrapf(memutils.InvalidRequestError, "%d blocks of %d bytes aligned to %d overflows the address space", blockCount, blockSize, alignment)
	}

	r, err := region.New(backing, total, alignment)
	if err != nil {
		return poolArena{}, err
	}

	return poolArena{
		region:     r,
		blockSize:  alignedBlockSize,
		blockCount: blockCount,
		alignment:  alignment,
	}, nil
}

func (p *poolArena) link(offset int) uint64 {
	return uint64(offset/p.blockSize) + 1
}

func (p *poolArena) offset(link uint64) int {
	return int(link-1) * p.blockSize
}

// Owns returns true if offset is the start of one of this pool's blocks
func (p *poolArena) Owns(offset int) bool {
	return p.region.Contains(offset) && offset%p.blockSize == 0
}

// BlockSize returns the size of each block, after rounding up for alignment and link storage
func (p *poolArena) BlockSize() int { return p.blockSize }

// BlockCount returns the number of blocks in the pool
func (p *poolArena) BlockCount() int { return p.blockCount }

// Alignment returns the alignment of every block in the pool
func (p *poolArena) Alignment() uint { return p.alignment }

// Region returns the region this pool hands out offsets into
func (p *poolArena) Region() *region.Region { return p.region }

// Close releases the pool's region to its backing. The pool must not be used afterward.
func (p *poolArena) Close() error {
	return p.region.Close()
}

func (p *poolArena) checkBlockRequest(size int, alignment uint) error {
	err := checkRequest(size, alignment)
	if err != nil {
		return err
	}

	if size > p.blockSize {
		return errors.Wrapf(memutils.InvalidRequestError, "%d bytes will not fit in a %d-byte pool block", size, p.blockSize)
	}

	if alignment > p.alignment {
		return errors.Wrapf(memutils.InvalidRequestError, "alignment %d is stricter than the pool block alignment %d", alignment, p.alignment)
	}

	return nil
}

func (p *poolArena) addStatistics(stats *memutils.Statistics, available int) {
	stats.AddRegion(p.region.Size())
	stats.AllocationCount += p.blockCount - available
	stats.AllocationBytes += (p.blockCount - available) * p.blockSize
}

func (p *poolArena) addDetailedStatistics(stats *memutils.DetailedStatistics, available int) {
	p.addStatistics(&stats.Statistics, available)

	if available < p.blockCount {
		stats.AllocationSizeMin = min(stats.AllocationSizeMin, p.blockSize)
		stats.AllocationSizeMax = max(stats.AllocationSizeMax, p.blockSize)
	}

	for i := 0; i < available; i++ {
		stats.AddUnusedRange(p.blockSize)
	}
}

func (p *poolArena) validateFreeList(head uint64, available int, next func(offset int) uint64) error {
	if available < 0 || available > p.blockCount {
		return errors.Errorf("pool reports %d available blocks, but it only has %d", available, p.blockCount)
	}

	visited := make([]bool, p.blockCount)
	count := 0
	for link := head; link != 0; {
		if link > uint64(p.blockCount) {
			return errors.Errorf("free list link %d is outside the pool's %d blocks", link, p.blockCount)
		}

		index := int(link - 1)
		if visited[index] {
			return errors.Errorf("block %d appears in the free list more than once", index)
		}
		visited[index] = true
		count++

		link = next(p.offset(link))
	}

	if count != available {
		return errors.Errorf("the free list holds %d blocks, but the pool reports %d available", count, available)
	}

	return nil
}

func (p *poolArena) blockJsonData(json jwriter.ObjectState, algorithm string, available int) {
	writeBlockJson(&json, algorithm, p.region.Size(), available*p.blockSize, p.blockCount-available, available)
	json.Name("BlockSize").Int(p.blockSize)
	json.Name("BlockCount").Int(p.blockCount)
}

// Pool is a fixed-size block allocator whose free list head is guarded by a mutex. Get and Put are O(1).
// With CreateExternallySynchronized the mutex is skipped and the owner must serialize all access.
type Pool struct {
	poolArena

	mutex  utils.OptionalMutex
	logger *slog.Logger

	head      uint64
	available int
}

var _ AllocateFreer = &Pool{}

// NewPool obtains a region for blockCount blocks of at least blockSize bytes, each aligned to
// alignment, from backing and threads every block onto the free list in ascending address order.
// Block sizes are rounded up to a multiple of the alignment, and both are raised to at least
// PoolLinkSize. A nil backing means region.HeapBacking.
func NewPool(backing region.Backing, blockSize, blockCount int, alignment uint, options CreateOptions) (*Pool, error) {
	arena, err := newPoolArena(backing, blockSize, blockCount, alignment)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		poolArena: arena,
		mutex:     utils.OptionalMutex{UseMutex: options.useMutex()},
		logger:    options.logger(),
		head:      1,
		available: arena.blockCount,
	}

	for i := 0; i < p.blockCount; i++ {
		next := uint64(i + 2)
		if i == p.blockCount-1 {
			next = 0
		}
		p.region.PutUint64At(i*p.blockSize, next)
	}

	return p, nil
}

// Get pops a block from the free list and returns its offset. When every block is allocated, the
// error matches memutils.PoolExhaustedError.
func (p *Pool) Get() (int, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.head == 0 {
		p.logger.Debug("Pool::Get FAILED")
		return 0, errors.Wrapf(memutils.PoolExhaustedError, "all %d blocks are allocated", p.blockCount)
	}

	offset := p.offset(p.head)
	p.head = p.region.Uint64At(offset)
	p.available--

	p.logger.LogAttrs(context.Background(), slog.LevelDebug, "Pool::Get", slog.Int("Offset", offset))

	return offset, nil
}

// Put returns the block at offset to the free list. It returns false, and changes nothing, if offset
// is not the start of one of this pool's blocks or if every block is already free.
func (p *Pool) Put(offset int) bool {
	if !p.Owns(offset) {
		p.logger.LogAttrs(context.Background(), slog.LevelDebug, "Pool::Put REJECTED", slog.Int("Offset", offset))
		return false
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.available == p.blockCount {
		p.logger.LogAttrs(context.Background(), slog.LevelDebug, "Pool::Put REJECTED", slog.Int("Offset", offset))
		return false
	}

	p.region.PutUint64At(offset, p.head)
	p.head = p.link(offset)
	p.available++

	p.logger.LogAttrs(context.Background(), slog.LevelDebug, "Pool::Put", slog.Int("Offset", offset))

	return true
}

// Allocate returns a block for a request of size bytes aligned to alignment. Requests larger than a
// block, or with stricter alignment than the pool's, return an error matching
// memutils.InvalidRequestError.
func (p *Pool) Allocate(size int, alignment uint) (int, error) {
	err := p.checkBlockRequest(size, alignment)
	if err != nil {
		return 0, err
	}

	return p.Get()
}

// Free returns the block at offset to the pool. A rejected offset returns an error matching
// memutils.NotOwnedError.
func (p *Pool) Free(offset, size int, alignment uint) error {
	if !p.Put(offset) {
		return errors.Wrapf(memutils.NotOwnedError, "offset %d is not an allocated block of this pool", offset)
	}
	return nil
}

// Available returns the number of free blocks
func (p *Pool) Available() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.available
}

// AllocationCount returns the number of allocated blocks
func (p *Pool) AllocationCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.blockCount - p.available
}

func (p *Pool) AddStatistics(stats *memutils.Statistics) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.addStatistics(stats, p.available)
}

func (p *Pool) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.addDetailedStatistics(stats, p.available)
}

// Validate walks the free list and verifies that it is acyclic, that every link names a block in the
// pool, and that its length matches Available
func (p *Pool) Validate() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.validateFreeList(p.head, p.available, p.region.Uint64At)
}

// BlockJsonData populates a json object with information about this pool's region
func (p *Pool) BlockJsonData(json jwriter.ObjectState) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.blockJsonData(json, "Pool", p.available)
}
