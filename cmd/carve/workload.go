package main

import (
	"math/rand"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/carve/memutils"
	"github.com/vkngwrapper/carve/memutils/checked"
	"github.com/vkngwrapper/carve/memutils/region"
	"github.com/vkngwrapper/carve/memutils/strategy"
	"golang.org/x/exp/slog"
)

// Summary counts what happened during a workload
type Summary struct {
	Allocations int
	Frees       int
	Resets      int
	Failures    map[string]int
}

func newSummary() Summary {
	return Summary{Failures: map[string]int{}}
}

func (s *Summary) add(other Summary) {
	s.Allocations += other.Allocations
	s.Frees += other.Frees
	s.Resets += other.Resets
	for kind, count := range other.Failures {
		s.Failures[kind] += count
	}
}

// Ops returns the number of operations attempted
func (s *Summary) Ops() int {
	ops := s.Allocations + s.Frees + s.Resets
	for _, count := range s.Failures {
		ops += count
	}
	return ops
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, memutils.OutOfMemoryError):
		return "out_of_memory"
	case errors.Is(err, memutils.PoolExhaustedError):
		return "pool_exhausted"
	case errors.Is(err, memutils.NotOwnedError):
		return "not_owned"
	case errors.Is(err, memutils.OutOfOrderError):
		return "out_of_order"
	case errors.Is(err, memutils.InvalidRequestError), errors.Is(err, memutils.PowerOfTwoError):
		return "invalid_request"
	}
	return "other"
}

type closer interface {
	Close() error
}

// Workload is an allocator built from a WorkloadConfiguration, ready to run
type Workload struct {
	config    *WorkloadConfiguration
	allocator strategy.Allocator
	region    closer
}

// NewWorkload creates the allocator config describes
func NewWorkload(config *WorkloadConfiguration, logger *slog.Logger) (*Workload, error) {
	var backing region.Backing = region.HeapBacking{}
	if config.Backing == BackingMmap {
		backing = region.MmapBacking{}
	}

	options := strategy.CreateOptions{Logger: logger}

	var allocator strategy.Allocator
	var owned closer
	switch config.Strategy {
	case StrategyBump, StrategyFreeList:
		r, err := region.New(backing, config.RegionSize, config.RegionAlignment)
		if err != nil {
			return nil, err
		}
		owned = r

		if config.Strategy == StrategyBump {
			allocator = strategy.NewBumpAllocator(r, options)
		} else {
			allocator, err = strategy.NewFreeListAllocator(r, options)
			if err != nil {
				_ = r.Close()
				return nil, err
			}
		}
	case StrategyStack:
		stack, err := strategy.NewStackAllocator(backing, config.RegionSize, options)
		if err != nil {
			return nil, err
		}
		allocator, owned = stack, stack
	case StrategyPool:
		pool, err := strategy.NewPool(backing, config.Pool.BlockSize, config.Pool.BlockCount, config.Pool.Alignment, options)
		if err != nil {
			return nil, err
		}
		allocator, owned = pool, pool
	case StrategyLockFreePool:
		pool, err := strategy.NewLockFreePool(backing, config.Pool.BlockSize, config.Pool.BlockCount, config.Pool.Alignment, options)
		if err != nil {
			return nil, err
		}
		allocator, owned = pool, pool
	default:
		return nil, errors.Newf("unknown strategy %q", config.Strategy)
	}

	if config.Checked {
		allocator = checked.New(allocator)
	}

	return &Workload{
		config:    config,
		allocator: allocator,
		region:    owned,
	}, nil
}

// Allocator returns the allocator the workload runs against
func (w *Workload) Allocator() strategy.Allocator { return w.allocator }

// Close releases the allocator's region
func (w *Workload) Close() error {
	return w.region.Close()
}

// Run runs the configured script, or the random workload if there is no script
func (w *Workload) Run() (Summary, error) {
	if len(w.config.Script) > 0 {
		return w.runScript()
	}
	return w.runRandom(), nil
}

type liveAllocation struct {
	offset    int
	size      int
	alignment uint
}

// canFree is false for the bump strategy even when it is wrapped by checked.Allocator, which
// implements strategy.Freer for every allocator it wraps
func (w *Workload) canFree() bool {
	return w.config.Strategy != StrategyBump
}

func (w *Workload) free(a liveAllocation) error {
	freer, ok := w.allocator.(strategy.Freer)
	if !ok || !w.canFree() {
		return errors.Wrapf(memutils.InvalidRequestError, "the %s strategy cannot free individual allocations", w.config.Strategy)
	}
	return freer.Free(a.offset, a.size, a.alignment)
}

func (w *Workload) runScript() (Summary, error) {
	summary := newSummary()
	live := map[string]liveAllocation{}

	for i, line := range w.config.Script {
		op, err := ParseOperation(line)
		if err != nil {
			return summary, errors.Wrapf(err, "script line %d", i+1)
		}

		switch op.Kind {
		case OpAlloc:
			if _, exists := live[op.Name]; exists {
				return summary, errors.Newf("script line %d: %q is already allocated", i+1, op.Name)
			}

			offset, err := w.allocator.Allocate(op.Size, op.Alignment)
			if err != nil {
				summary.Failures[failureKind(err)]++
				continue
			}
			live[op.Name] = liveAllocation{offset: offset, size: op.Size, alignment: op.Alignment}
			summary.Allocations++
		case OpFree:
			a, exists := live[op.Name]
			if !exists {
				return summary, errors.Newf("script line %d: %q is not allocated", i+1, op.Name)
			}

			if err := w.free(a); err != nil {
				summary.Failures[failureKind(err)]++
				continue
			}
			delete(live, op.Name)
			summary.Frees++
		case OpReset:
			resetter, ok := w.allocator.(interface{ Reset() })
			if !ok || w.config.Strategy != StrategyStack {
				summary.Failures["invalid_request"]++
				continue
			}
			resetter.Reset()
			live = map[string]liveAllocation{}
			summary.Resets++
		}
	}

	return summary, nil
}

func (w *Workload) runRandom() Summary {
	random := w.config.Random
	summaries := make([]Summary, random.Workers)

	var wg sync.WaitGroup
	for worker := 0; worker < random.Workers; worker++ {
		ops := random.Ops / random.Workers
		if worker < random.Ops%random.Workers {
			ops++
		}

		wg.Add(1)
		go func(worker, ops int) {
			defer wg.Done()
			summaries[worker] = w.randomWorker(rand.New(rand.NewSource(random.Seed+int64(worker))), ops)
		}(worker, ops)
	}
	wg.Wait()

	summary := newSummary()
	for _, s := range summaries {
		summary.add(s)
	}
	return summary
}

func (w *Workload) randomWorker(rnd *rand.Rand, ops int) Summary {
	random := w.config.Random
	summary := newSummary()

	canFree := w.canFree()
	lifo := w.config.Strategy == StrategyStack

	maxAlignmentShift := 0
	for uint(1)<<maxAlignmentShift < random.MaxAlignment {
		maxAlignmentShift++
	}

	var live []liveAllocation
	for i := 0; i < ops; i++ {
		if canFree && len(live) > 0 && rnd.Intn(100) < random.FreePercent {
			index := len(live) - 1
			if !lifo {
				index = rnd.Intn(len(live))
			}

			a := live[index]
			live[index] = live[len(live)-1]
			live = live[:len(live)-1]

			if err := w.free(a); err != nil {
				summary.Failures[failureKind(err)]++
				continue
			}
			summary.Frees++
			continue
		}

		size := rnd.Intn(random.MaxSize) + 1
		alignment := uint(1) << rnd.Intn(maxAlignmentShift+1)
		if w.config.Strategy == StrategyPool || w.config.Strategy == StrategyLockFreePool {
			size = min(size, w.config.Pool.BlockSize)
			alignment = min(alignment, max(w.config.Pool.Alignment, uint(strategy.PoolLinkSize)))
		}

		offset, err := w.allocator.Allocate(size, alignment)
		if err != nil {
			summary.Failures[failureKind(err)]++
			continue
		}
		live = append(live, liveAllocation{offset: offset, size: size, alignment: alignment})
		summary.Allocations++
	}

	for i := len(live) - 1; i >= 0 && canFree; i-- {
		if err := w.free(live[i]); err != nil {
			summary.Failures[failureKind(err)]++
			continue
		}
		summary.Frees++
	}

	return summary
}
