// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command pmustat drives the pmu library from the command line:
// counting totals, callchain sampling, and SPE sampling.
//
// A task can be given entirely by flags, or loaded from a YAML file:
//
//	events: [cycles, instructions]
//	pids: [1234]
//	cpus: [0, 1]
//	period: 1000
//	duration_ms: 1000
package main

import (
	"fmt"
	"os"

	"github.com/aclements/go-moremath/stats"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aclements/go-armpmu/pmu"
	"github.com/aclements/go-armpmu/symbol"
)

type taskConfig struct {
	Events     []string `yaml:"events"`
	PIDs       []int    `yaml:"pids"`
	CPUs       []int    `yaml:"cpus"`
	Period     uint64   `yaml:"period"`
	Freq       uint64   `yaml:"freq"`
	DurationMS int      `yaml:"duration_ms"`

	DataFilter  uint64 `yaml:"data_filter"`
	EventFilter uint64 `yaml:"event_filter"`
	MinLatency  uint64 `yaml:"min_latency"`
}

var cfg taskConfig
var cfgFile string
var verbose bool

func main() {
	root := &cobra.Command{
		Use:          "pmustat",
		Short:        "collect ARM PMU events",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
			if cfgFile == "" {
				return nil
			}
			data, err := os.ReadFile(cfgFile)
			if err != nil {
				return err
			}
			return yaml.Unmarshal(data, &cfg)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "YAML task config file")
	pf.BoolVarP(&verbose, "verbose", "v", false, "debug diagnostics")
	pf.StringSliceVarP(&cfg.Events, "events", "e", nil, "event names")
	pf.IntSliceVarP(&cfg.PIDs, "pids", "p", nil, "pids to monitor (empty = system-wide)")
	pf.IntSliceVarP(&cfg.CPUs, "cpus", "C", nil, "cpus to monitor (empty = all online)")
	pf.IntVarP(&cfg.DurationMS, "duration", "d", 1000, "collect duration in ms (-1 = until exit)")
	pf.Uint64Var(&cfg.Period, "period", 0, "sample period")
	pf.Uint64VarP(&cfg.Freq, "freq", "F", 0, "sample frequency (overrides period)")

	stat := &cobra.Command{
		Use:   "stat",
		Short: "count raw event totals",
		RunE:  func(cmd *cobra.Command, args []string) error { return run(pmu.Counting) },
	}
	record := &cobra.Command{
		Use:   "record",
		Short: "sample events with callchains",
		RunE:  func(cmd *cobra.Command, args []string) error { return run(pmu.Sampling) },
	}
	speCmd := &cobra.Command{
		Use:   "spe",
		Short: "sample with the Statistical Profiling Extension",
		RunE:  func(cmd *cobra.Command, args []string) error { return run(pmu.SPESampling) },
	}
	speCmd.Flags().Uint64Var(&cfg.DataFilter, "data-filter", uint64(pmu.SpeTSEnable|pmu.SpePAEnable), "SPE data filter bits")
	speCmd.Flags().Uint64Var(&cfg.EventFilter, "event-filter", 0, "SPE event filter bits")
	speCmd.Flags().Uint64Var(&cfg.MinLatency, "min-latency", 0, "SPE minimum latency")

	root.AddCommand(stat, record, speCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(taskType pmu.TaskType) error {
	attr := &pmu.Attr{
		Events:      cfg.Events,
		PIDs:        cfg.PIDs,
		CPUs:        cfg.CPUs,
		Period:      cfg.Period,
		DataFilter:  pmu.SpeFilter(cfg.DataFilter),
		EventFilter: pmu.SpeEventFilter(cfg.EventFilter),
		MinLatency:  cfg.MinLatency,
	}
	if cfg.Freq > 0 {
		attr.Period = cfg.Freq
		attr.UseFreq = true
	}

	pd := pmu.Open(taskType, attr)
	if pd < 0 {
		return fmt.Errorf("open: %s (%d)", pmu.ErrorString(), pmu.Errno())
	}
	defer pmu.Close(pd)

	if pmu.Collect(pd, cfg.DurationMS) < 0 {
		return fmt.Errorf("collect: %s (%d)", pmu.ErrorString(), pmu.Errno())
	}
	data := pmu.Read(pd)
	if data == nil && pmu.Errno() != 0 {
		return fmt.Errorf("read: %s (%d)", pmu.ErrorString(), pmu.Errno())
	}
	defer pmu.FreeData(data)

	switch taskType {
	case pmu.Counting:
		printCounts(data)
	case pmu.Sampling:
		printSamples(data)
	case pmu.SPESampling:
		printSpe(data)
	}
	return nil
}

func printCounts(data []pmu.Data) {
	byEvt := make(map[string][]float64)
	for _, d := range data {
		fmt.Printf("%-24s cpu=%-4d tid=%-8d comm=%-16s %12d\n",
			d.Evt, d.CPU, d.TID, d.Comm, d.Count)
		byEvt[d.Evt] = append(byEvt[d.Evt], float64(d.Count))
	}
	for evt, xs := range byEvt {
		s := stats.Sample{Xs: xs}
		fmt.Printf("# %-22s n=%-4d mean=%.1f p50=%.1f max=%.1f\n",
			evt, len(xs), s.Mean(), s.Quantile(0.5), s.Quantile(1))
	}
}

func printSamples(data []pmu.Data) {
	for _, d := range data {
		fmt.Printf("%s cpu=%d pid=%d tid=%d comm=%s\n", d.Evt, d.CPU, d.PID, d.TID, d.Comm)
		for frame := d.Stack; frame != nil; frame = frame.Next {
			printFrame(frame.Symbol)
		}
	}
}

func printSpe(data []pmu.Data) {
	for _, d := range data {
		fmt.Printf("cpu=%d pid=%d tid=%d comm=%s event=%#x va=%#x pa=%#x\n",
			d.CPU, d.PID, d.TID, d.Comm, d.Ext.Event, d.Ext.VA, d.Ext.PA)
		if d.Stack != nil {
			printFrame(d.Stack.Symbol)
		}
	}
}

func printFrame(sym *symbol.Symbol) {
	if sym == nil {
		fmt.Printf("\t[unknown]\n")
		return
	}
	if sym.File != "" {
		fmt.Printf("\t%s+%#x (%s:%d) %s\n", sym.Name, sym.Offset, sym.File, sym.Line, sym.Module)
		return
	}
	fmt.Printf("\t%s+%#x %s\n", sym.Name, sym.Offset, sym.Module)
}
