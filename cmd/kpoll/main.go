// Command kpoll runs scripted scenarios and randomized stress workloads
// against the kpoll event-wait multiplexer.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/fatih/color"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var rootCmd = &cobra.Command{
	Use:   "kpoll",
	Short: "Exercise the kpoll event-wait multiplexer",
	Long: `kpoll runs scenarios, described using TOML, and randomized stress
workloads, against a kernel of counters, channels, and latches.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		mode, _ := cmd.Flags().GetString("color")
		switch mode {
		case "auto":
			color.NoColor = !term.IsTerminal(int(os.Stdout.Fd()))
		case "on":
			color.NoColor = false
		case "off":
			color.NoColor = true
		default:
			return fmt.Errorf("invalid --color %q, expected auto, on, or off", mode)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(stressCmd)

	rootCmd.PersistentFlags().String("log-level", "warning", "log level (trace|debug|info|notice|warning|err|crit|alert|emerg|disabled)")
	rootCmd.PersistentFlags().String("color", "auto", "colorize output (auto|on|off)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// newLogger returns a JSON logger writing to stderr, at the level given by
// the --log-level flag.
func newLogger(cmd *cobra.Command) (*logiface.Logger[logiface.Event], error) {
	name, _ := cmd.Flags().GetString("log-level")
	level, err := parseLevel(name)
	if err != nil {
		return nil, err
	}
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(os.Stderr)),
		stumpy.L.WithLevel(level),
	).Logger(), nil
}

// parseLevel accepts the names returned by logiface.Level.String, and a few
// common aliases.
func parseLevel(s string) (logiface.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "disabled", "off", "none":
		return logiface.LevelDisabled, nil
	case "emerg", "emergency":
		return logiface.LevelEmergency, nil
	case "alert":
		return logiface.LevelAlert, nil
	case "crit", "critical":
		return logiface.LevelCritical, nil
	case "err", "error":
		return logiface.LevelError, nil
	case "warning", "warn":
		return logiface.LevelWarning, nil
	case "notice":
		return logiface.LevelNotice, nil
	case "info", "informational":
		return logiface.LevelInformational, nil
	case "debug":
		return logiface.LevelDebug, nil
	case "trace":
		return logiface.LevelTrace, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}
