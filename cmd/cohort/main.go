package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "cohort",
	Short: "Run process groups over an in-process or networked job",
	Long: `cohort hosts a job of ranks and runs a small load-splitting demo on it.

Every rank computes its share of a total with UniformLoad, reports it to the
master through AllRanksPrintf, and the master prints the result.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "one of debug, info, warn, error")
	rootCmd.AddCommand(localCmd, nodeCmd)
}

func logHandler() (slog.Handler, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(logLevel))); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
	}
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
