package main

import (
	"fmt"
	"time"

	"github.com/joeycumines/go-kpoll/internal/scenario"
	"github.com/spf13/cobra"
)

var stressCmd = &cobra.Command{
	Use:   "stress",
	Short: "Run a randomized producer and consumer workload",
	Long: `Run concurrent producers and consumers against a new kernel, checking
that every satisfied poll observed a ready event, and that no event is left
registered.`,
	Args: cobra.NoArgs,
	RunE: runStress,
}

func init() {
	f := stressCmd.Flags()
	f.Uint64("seed", uint64(time.Now().UnixNano()), "random seed")
	f.Int("producers", 4, "number of producer goroutines")
	f.Int("consumers", 8, "number of consumer threads, every second one a user thread")
	f.Int("sources", 3, "number of each type of source")
	f.Int("polls", 200, "polls per consumer")
	f.Int("max-events", 4, "maximum events per poll")
	f.Duration("max-timeout", 5*time.Millisecond, "maximum timeout per poll")
	f.StringP("report", "o", "", "write the report to this file, using MessagePack")
}

func runStress(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}

	f := cmd.Flags()
	var cfg scenario.StressConfig
	cfg.Seed, _ = f.GetUint64("seed")
	cfg.Producers, _ = f.GetInt("producers")
	cfg.Consumers, _ = f.GetInt("consumers")
	cfg.Sources, _ = f.GetInt("sources")
	cfg.Polls, _ = f.GetInt("polls")
	cfg.MaxEvents, _ = f.GetInt("max-events")
	cfg.MaxTimeout, _ = f.GetDuration("max-timeout")
	reportPath, _ := f.GetString("report")

	out := cmd.OutOrStdout()

	report, err := scenario.Stress(cmd.Context(), cfg, logger)
	if err != nil {
		failColor.Fprint(out, "FAIL")
		fmt.Fprintf(out, " stress (seed %d): %v\n", cfg.Seed, err)
		return err
	}

	passColor.Fprint(out, "PASS")
	fmt.Fprintf(out, " stress (seed %d) ", report.Seed)
	dimColor.Fprintf(out, "%s\n", report.Elapsed)
	fmt.Fprintf(out, "    polls %d: satisfied %d, would block %d, timed out %d\n",
		report.Polls, report.Satisfied, report.WouldBlock, report.TimedOut)
	fmt.Fprintf(out, "    produced %d, wake races %d\n", report.Produced, report.Metrics.WakeRaces)
	lat := report.Metrics.Latency
	fmt.Fprintf(out, "    blocked latency p50 %s, p99 %s, max %s\n", lat.P50, lat.P99, lat.Max)

	if reportPath != "" {
		return writeFile(reportPath, report)
	}
	return nil
}
