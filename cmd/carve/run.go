package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/aristanetworks/goarista/monotime"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/carve/memutils/metrics"
	"github.com/vkngwrapper/carve/memutils/strategy"
)

var (
	runConfig  string
	runMetrics bool
)

func init() {
	cmd := newRunCmd()
	cmd.Flags().StringVarP(&runConfig, "config", "c", "", "Workload file (TOML)")
	cmd.Flags().BoolVar(&runMetrics, "metrics", false, "Print the allocator's Prometheus metrics after the run")
	_ = cmd.MarkFlagRequired("config")
	rootCmd.AddCommand(cmd)
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run --config <workload.toml>",
		Short: "Run a workload against an allocator",
		Long: `The run command builds the allocator a workload file describes, runs the
workload's script (or its random workload if there is no script), and reports
the outcome.

Example:
  carve run --config workload.toml
  carve run --config workload.toml --json
  carve run --config workload.toml --verbose --metrics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkload(cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	return cmd
}

type runReport struct {
	Strategy StrategyType
	Ops      int
	Summary  Summary
	Elapsed  time.Duration
	Stats    json.RawMessage
}

func runWorkload(stdout, stderr io.Writer) error {
	config, err := LoadWorkload(runConfig)
	if err != nil {
		return err
	}

	workload, err := NewWorkload(config, newLogger(stderr))
	if err != nil {
		return errors.Wrapf(err, "failed to create %s allocator", config.Strategy)
	}
	defer func() {
		_ = workload.Close()
	}()

	start := monotime.Now()
	summary, err := workload.Run()
	elapsed := time.Duration(monotime.Now() - start)
	if err != nil {
		return err
	}

	if err := workload.Allocator().Validate(); err != nil {
		return errors.Wrap(err, "allocator failed validation after the workload")
	}

	allocators := map[string]strategy.Allocator{string(config.Strategy): workload.Allocator()}
	report := runReport{
		Strategy: config.Strategy,
		Ops:      summary.Ops(),
		Summary:  summary,
		Elapsed:  elapsed,
		Stats:    json.RawMessage(strategy.BuildStatsString(allocators, true)),
	}

	if jsonOut {
		encoder := json.NewEncoder(stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(report); err != nil {
			return err
		}
	} else {
		printReport(stdout, &report)
	}

	if runMetrics {
		return printMetrics(stdout, allocators)
	}

	return nil
}

func printReport(w io.Writer, report *runReport) {
	fmt.Fprintf(w, "Strategy:    %s\n", report.Strategy)
	fmt.Fprintf(w, "Operations:  %d in %s\n", report.Ops, report.Elapsed)
	fmt.Fprintf(w, "Allocations: %d\n", report.Summary.Allocations)
	fmt.Fprintf(w, "Frees:       %d\n", report.Summary.Frees)
	if report.Summary.Resets > 0 {
		fmt.Fprintf(w, "Resets:      %d\n", report.Summary.Resets)
	}

	kinds := make([]string, 0, len(report.Summary.Failures))
	for kind := range report.Summary.Failures {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	for _, kind := range kinds {
		fmt.Fprintf(w, "Failed (%s): %d\n", kind, report.Summary.Failures[kind])
	}
}

func printMetrics(w io.Writer, allocators map[string]strategy.Allocator) error {
	registry := prometheus.NewRegistry()
	if err := registry.Register(metrics.NewCollector("carve", allocators)); err != nil {
		return err
	}

	families, err := registry.Gather()
	if err != nil {
		return err
	}

	for _, family := range families {
		if _, err := expfmt.MetricFamilyToText(w, family); err != nil {
			return err
		}
	}

	return nil
}
