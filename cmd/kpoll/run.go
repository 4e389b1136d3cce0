package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/joeycumines/go-kpoll/internal/scenario"
	"github.com/spf13/cobra"
)

var (
	passColor = color.New(color.FgGreen, color.Bold)
	failColor = color.New(color.FgRed, color.Bold)
	dimColor  = color.New(color.Faint)
)

var errScenarioFailed = errors.New("scenario failed")

var runCmd = &cobra.Command{
	Use:   "run FILE...",
	Short: "Run scenario files",
	Long: `Run each scenario file against a new kernel, printing PASS or FAIL per
scenario. The command fails if any scenario fails.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringP("report", "o", "", "write the reports to this file, using MessagePack")
	runCmd.Flags().BoolP("verbose", "v", false, "print every step")
}

func runRun(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}
	reportPath, _ := cmd.Flags().GetString("report")
	verbose, _ := cmd.Flags().GetBool("verbose")

	out := cmd.OutOrStdout()

	var reports []*scenario.Report
	failed := 0
	for _, path := range args {
		s, err := scenario.Load(path)
		if err != nil {
			return err
		}

		report, err := scenario.Run(cmd.Context(), s, logger)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		reports = append(reports, report)

		printReport(out, path, report, verbose)
		if !report.Passed {
			failed++
		}
	}

	if reportPath != "" {
		if err := writeFile(reportPath, reports); err != nil {
			return err
		}
	}

	if failed != 0 {
		fmt.Fprintf(out, "%d of %d scenarios failed\n", failed, len(reports))
		return errScenarioFailed
	}
	return nil
}

func printReport(w io.Writer, path string, report *scenario.Report, verbose bool) {
	if report.Passed {
		passColor.Fprint(w, "PASS")
	} else {
		failColor.Fprint(w, "FAIL")
	}
	fmt.Fprintf(w, " %s (%s) ", report.Name, path)
	dimColor.Fprintf(w, "%s\n", report.Elapsed)

	for _, step := range report.Steps {
		if step.Passed && !verbose {
			continue
		}
		var who []string
		if step.Thread != "" {
			who = append(who, step.Thread)
		}
		if step.Source != "" {
			who = append(who, step.Source)
		}
		fmt.Fprintf(w, "    %3d %-8s %s", step.Index, step.Action, strings.Join(who, " "))
		if step.Outcome != "" {
			fmt.Fprintf(w, " -> %s %v", step.Outcome, step.Ready)
		}
		if step.Error != "" {
			failColor.Fprintf(w, ": %s", step.Error)
		}
		fmt.Fprintln(w)
	}

	for _, leak := range report.Leaks {
		failColor.Fprintf(w, "    leak: %s\n", leak)
	}
}

func writeFile(path string, v any) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return scenario.WriteReport(f, v)
}
