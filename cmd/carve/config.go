package main

import (
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/carve/memutils"
)

// StrategyType names the allocator a workload runs against
type StrategyType string

const (
	StrategyBump         StrategyType = "bump"
	StrategyStack        StrategyType = "stack"
	StrategyFreeList     StrategyType = "freelist"
	StrategyPool         StrategyType = "pool"
	StrategyLockFreePool StrategyType = "lockfree-pool"
)

// BackingType names where an allocator's region comes from
type BackingType string

const (
	BackingHeap BackingType = "heap"
	BackingMmap BackingType = "mmap"
)

// PoolConfiguration sizes the pool strategies
type PoolConfiguration struct {
	BlockSize  int  `toml:"block_size"`
	BlockCount int  `toml:"block_count"`
	Alignment  uint `toml:"alignment"`
}

// RandomConfiguration describes a randomized workload. It is used when the script is empty.
type RandomConfiguration struct {
	Seed         int64 `toml:"seed"`
	Ops          int   `toml:"ops"`
	Workers      int   `toml:"workers"`
	MaxSize      int   `toml:"max_size"`
	MaxAlignment uint  `toml:"max_alignment"`
	// FreePercent is the chance, out of 100, that an operation frees a live allocation instead of
	// making a new one
	FreePercent int `toml:"free_percent"`
}

// WorkloadConfiguration is the contents of a workload file
type WorkloadConfiguration struct {
	Strategy        StrategyType        `toml:"strategy"`
	Backing         BackingType         `toml:"backing"`
	RegionSize      int                 `toml:"region_size"`
	RegionAlignment uint                `toml:"region_alignment"`
	Checked         bool                `toml:"checked"`
	Script          []string            `toml:"script"`
	Pool            PoolConfiguration   `toml:"pool"`
	Random          RandomConfiguration `toml:"random"`
}

// DefaultWorkload is the configuration a workload file is decoded over
var DefaultWorkload = WorkloadConfiguration{
	Strategy:        StrategyFreeList,
	Backing:         BackingHeap,
	RegionSize:      1 << 20,
	RegionAlignment: 64,
	Pool: PoolConfiguration{
		BlockSize:  64,
		BlockCount: 1024,
		Alignment:  16,
	},
	Random: RandomConfiguration{
		Seed:         1,
		Ops:          10000,
		Workers:      1,
		MaxSize:      256,
		MaxAlignment: 16,
		FreePercent:  40,
	},
}

// LoadWorkload decodes the workload file at path over DefaultWorkload and validates the result
func LoadWorkload(path string) (*WorkloadConfiguration, error) {
	config := DefaultWorkload

	if _, err := toml.DecodeFile(path, &config); err != nil {
		return nil, errors.Wrapf(err, "failed to decode workload %s", path)
	}

	if err := config.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid workload %s", path)
	}

	return &config, nil
}

// Validate checks the configuration for settings no allocator could run with
func (c *WorkloadConfiguration) Validate() error {
	switch c.Strategy {
	case StrategyBump, StrategyStack, StrategyFreeList:
		if c.RegionSize < 1 {
			return errors.Newf("region_size must be positive, got %d", c.RegionSize)
		}
		if err := memutils.CheckPow2(c.RegionAlignment, "region_alignment"); err != nil {
			return err
		}
	case StrategyPool, StrategyLockFreePool:
		if c.Pool.BlockSize < 1 || c.Pool.BlockCount < 1 {
			return errors.Newf("pool block_size and block_count must be positive, got %d and %d", c.Pool.BlockSize, c.Pool.BlockCount)
		}
		if err := memutils.CheckPow2(c.Pool.Alignment, "pool alignment"); err != nil {
			return err
		}
	default:
		return errors.Newf("unknown strategy %q", c.Strategy)
	}

	switch c.Backing {
	case BackingHeap, BackingMmap:
	default:
		return errors.Newf("unknown backing %q", c.Backing)
	}

	for i, line := range c.Script {
		if _, err := ParseOperation(line); err != nil {
			return errors.Wrapf(err, "script line %d", i+1)
		}
	}

	if len(c.Script) > 0 {
		return nil
	}

	if c.Random.Ops < 1 || c.Random.Workers < 1 || c.Random.MaxSize < 1 {
		return errors.New("random ops, workers, and max_size must be positive")
	}
	if err := memutils.CheckPow2(c.Random.MaxAlignment, "random max_alignment"); err != nil {
		return err
	}
	if c.Random.FreePercent < 0 || c.Random.FreePercent > 100 {
		return errors.Newf("random free_percent must be in [0, 100], got %d", c.Random.FreePercent)
	}
	if c.Random.Workers > 1 && c.Strategy == StrategyStack {
		return errors.New("the stack strategy only supports a single worker")
	}

	return nil
}

// OperationKind is the verb of a script line
type OperationKind string

const (
	OpAlloc OperationKind = "alloc"
	OpFree  OperationKind = "free"
	OpReset OperationKind = "reset"
)

// Operation is one parsed script line: "alloc <name> <size> <alignment>", "free <name>", or "reset"
type Operation struct {
	Kind      OperationKind
	Name      string
	Size      int
	Alignment uint
}

func ParseOperation(line string) (Operation, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Operation{}, errors.New("empty operation")
	}

	switch OperationKind(fields[0]) {
	case OpAlloc:
		if len(fields) != 4 {
			return Operation{}, errors.Newf("expected \"alloc <name> <size> <alignment>\", got %q", line)
		}
		size, err := strconv.Atoi(fields[2])
		if err != nil {
			return Operation{}, errors.Wrapf(err, "bad size in %q", line)
		}
		alignment, err := strconv.ParseUint(fields[3], 10, 0)
		if err != nil {
			return Operation{}, errors.Wrapf(err, "bad alignment in %q", line)
		}
		return Operation{Kind: OpAlloc, Name: fields[1], Size: size, Alignment: uint(alignment)}, nil
	case OpFree:
		if len(fields) != 2 {
			return Operation{}, errors.Newf("expected \"free <name>\", got %q", line)
		}
		return Operation{Kind: OpFree, Name: fields[1]}, nil
	case OpReset:
		if len(fields) != 1 {
			return Operation{}, errors.Newf("expected \"reset\", got %q", line)
		}
		return Operation{Kind: OpReset}, nil
	}

	return Operation{}, errors.Newf("unknown operation %q", fields[0])
}
