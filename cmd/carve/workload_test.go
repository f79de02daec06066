package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/carve/memutils/checked"
	"golang.org/x/exp/slog"
)

func newTestWorkload(t *testing.T, config WorkloadConfiguration) *Workload {
	t.Helper()

	require.NoError(t, config.Validate())
	workload, err := NewWorkload(&config, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, workload.Close())
	})
	return workload
}

func TestScriptStack(t *testing.T) {
	config := DefaultWorkload
	config.Strategy = StrategyStack
	config.RegionSize = 256
	config.Script = []string{
		"alloc a 32 8",
		"alloc b 32 16",
		"free a",
		"free b",
		"free a",
		"alloc big 512 8",
		"alloc c 8 8",
		"reset",
		"alloc d 240 1",
	}

	summary, err := newTestWorkload(t, config).Run()
	require.NoError(t, err)
	require.Equal(t, 4, summary.Allocations)
	require.Equal(t, 2, summary.Frees)
	require.Equal(t, 1, summary.Resets)
	require.Equal(t, map[string]int{"out_of_order": 1, "out_of_memory": 1}, summary.Failures)
	require.Equal(t, 9, summary.Ops())
}

func TestScriptRejectsUnknownNames(t *testing.T) {
	config := DefaultWorkload
	config.Script = []string{"free a"}

	_, err := newTestWorkload(t, config).Run()
	require.Error(t, err)

	config.Script = []string{"alloc a 8 8", "alloc a 8 8"}
	_, err = newTestWorkload(t, config).Run()
	require.Error(t, err)
}

func TestScriptBumpCannotFree(t *testing.T) {
	config := DefaultWorkload
	config.Strategy = StrategyBump
	config.Checked = true
	config.Script = []string{"alloc a 8 8", "free a", "reset"}

	workload := newTestWorkload(t, config)
	summary, err := workload.Run()
	require.NoError(t, err)
	require.Equal(t, 1, summary.Allocations)
	require.Equal(t, 2, summary.Failures["invalid_request"])

	_, isChecked := workload.Allocator().(*checked.Allocator)
	require.True(t, isChecked)
}

func TestRandomWorkloads(t *testing.T) {
	tests := []struct {
		strategy StrategyType
		workers  int
		checked  bool
	}{
		{strategy: StrategyBump, workers: 4},
		{strategy: StrategyStack, workers: 1},
		{strategy: StrategyFreeList, workers: 4, checked: true},
		{strategy: StrategyPool, workers: 4},
		{strategy: StrategyLockFreePool, workers: 8},
	}

	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			config := DefaultWorkload
			config.Strategy = tt.strategy
			config.Checked = tt.checked
			config.RegionSize = 1 << 16
			config.Pool.BlockCount = 32
			config.Random.Ops = 4000
			config.Random.Workers = tt.workers

			workload := newTestWorkload(t, config)
			summary, err := workload.Run()
			require.NoError(t, err)
			require.Zero(t, summary.Failures["not_owned"])
			require.Zero(t, summary.Failures["out_of_order"])
			require.Zero(t, summary.Failures["invalid_request"])
			require.NoError(t, workload.Allocator().Validate())

			if tt.strategy == StrategyBump {
				require.Zero(t, summary.Frees)
				require.Equal(t, 4000, summary.Allocations+countFailures(summary))
			} else {
				// Everything still live at the end of the run is freed afterward
				require.Equal(t, summary.Allocations, summary.Frees)
				require.Zero(t, workload.Allocator().AllocationCount())
			}
		})
	}
}

func countFailures(summary Summary) int {
	total := 0
	for _, count := range summary.Failures {
		total += count
	}
	return total
}

func TestRunWorkloadJson(t *testing.T) {
	runConfig = writeWorkload(t, `
strategy = "pool"

[pool]
block_size = 48
block_count = 4
alignment = 16

[random]
ops = 100
`)
	jsonOut = true
	runMetrics = false
	t.Cleanup(func() {
		jsonOut = false
	})

	var stdout, stderr bytes.Buffer
	require.NoError(t, runWorkload(&stdout, &stderr))

	var report struct {
		Strategy string
		Ops      int
		Stats    struct {
			Allocators map[string]struct {
				Algorithm string
				BlockSize int
			}
		}
	}
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &report))
	require.Equal(t, "pool", report.Strategy)
	require.Equal(t, "Pool", report.Stats.Allocators["pool"].Algorithm)
	require.Equal(t, 48, report.Stats.Allocators["pool"].BlockSize)
	require.GreaterOrEqual(t, report.Ops, 100)
}

func TestRunWorkloadText(t *testing.T) {
	runConfig = writeWorkload(t, `
strategy = "freelist"
region_size = 1024
script = ["alloc a 2000 8", "alloc b 64 8", "free b"]
`)
	jsonOut = false
	runMetrics = true
	t.Cleanup(func() {
		runMetrics = false
	})

	var stdout, stderr bytes.Buffer
	require.NoError(t, runWorkload(&stdout, &stderr))

	require.Contains(t, stdout.String(), "Strategy:    freelist")
	require.Contains(t, stdout.String(), "Allocations: 1")
	require.Contains(t, stdout.String(), "Failed (out_of_memory): 1")
	require.Contains(t, stdout.String(), `carve_allocator_region_bytes{allocator="freelist"} 1024`)
}
