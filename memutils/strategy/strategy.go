// Package strategy contains the allocation engines: bump, stack, free list, and the fixed-size pools.
// Each engine owns exactly one region.Region for its whole lifetime and hands callers offsets into it.
// Engines are interchangeable behind Allocator (and Freer, for engines that support individual frees),
// so any call site can be given whichever trade-off between speed, fragmentation, and free-order
// discipline suits it.
package strategy

import (
	"fmt"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/carve/memutils"
	"github.com/vkngwrapper/carve/memutils/region"
	"golang.org/x/exp/slog"
)

// Allocator is the allocation half of the contract every engine satisfies.
type Allocator interface {
	// Allocate reserves size bytes whose absolute address is aligned to alignment and returns their
	// offset within Region(). alignment must be a non-zero power of two and size must be positive.
	// When no span can satisfy the request, the returned error matches memutils.OutOfMemoryError
	// (memutils.PoolExhaustedError for pools) and the allocator is unchanged.
	Allocate(size int, alignment uint) (int, error)
	// Region returns the region this allocator hands out offsets into
	Region() *region.Region
	// AllocationCount returns the number of live allocations. For the bump allocator, which cannot free,
	// this is the number of successful allocations.
	AllocationCount() int

	// AddStatistics sums this allocator's occupancy into stats
	AddStatistics(stats *memutils.Statistics)
	// AddDetailedStatistics sums this allocator's occupancy, including the shape of its free space, into stats
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// Validate performs internal consistency checks. It is not expected to fail unless the allocator's
	// metadata has been overwritten by a caller writing outside its allocations.
	Validate() error
	// BlockJsonData populates a json object with information about this allocator's region
	BlockJsonData(json jwriter.ObjectState)
}

// Freer is implemented by every engine that can release individual allocations.
type Freer interface {
	// Free returns an allocation made by Allocate. size and alignment must match the values passed to
	// Allocate; engines that do not need them ignore them. A rejected free matches
	// memutils.NotOwnedError or memutils.OutOfOrderError and leaves the allocator unchanged.
	Free(offset, size int, alignment uint) error
}

// AllocateFreer is an Allocator that can also free individual allocations
type AllocateFreer interface {
	Allocator
	Freer
}

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

const (
	// CreateExternallySynchronized ensures that the allocator will not be synchronized internally. The
	// consumer must guarantee it is used from only one goroutine at a time or is synchronized by some
	// other mechanism, but performance may improve because internal mutexes are not used. It has no
	// effect on the stack allocator, which is never synchronized, or the lock-free pool, which never locks.
	CreateExternallySynchronized CreateFlags = 1 << iota
)

var createFlagsMapping = map[CreateFlags]string{
	CreateExternallySynchronized: "CreateExternallySynchronized",
}

func (f CreateFlags) String() string {
	if f == 0 {
		return "None"
	}

	var names []string
	for bit := 0; bit < 31; bit++ {
		flag := CreateFlags(1) << bit
		if f&flag == 0 {
			continue
		}

		name, ok := createFlagsMapping[flag]
		if !ok {
			name = fmt.Sprintf("CreateFlags(%#x)", int32(flag))
		}
		names = append(names, name)
	}

	return strings.Join(names, "|")
}

// CreateOptions contains optional settings when creating an allocator. It is valid to leave all
// fields blank.
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// Logger receives a debug record for each allocate, free, and reset. It exists for diagnostics
	// only; nothing about allocator behavior depends on it. A nil Logger discards records.
	Logger *slog.Logger
}

func (o CreateOptions) useMutex() bool {
	return o.Flags&CreateExternallySynchronized == 0
}

func (o CreateOptions) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return discardLogger
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(1 << 20)}))

func checkRequest(size int, alignment uint) error {
	if size < 1 {
		return errors.Wrapf(memutils.InvalidRequestError, "size must be positive, got %d", size)
	}

	return memutils.CheckPow2(alignment, "alignment")
}

func writeBlockJson(json *jwriter.ObjectState, algorithm string, totalBytes, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("Algorithm").String(algorithm)
	json.Name("TotalBytes").Int(totalBytes)
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}
