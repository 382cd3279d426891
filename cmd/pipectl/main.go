// Command pipectl drives the content pipeline from a terminal: it runs stages
// in the foreground, inspects job state, and queries the search index.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/markdave123-py/contexta-pipeline/internal/app"
	"github.com/markdave123-py/contexta-pipeline/internal/config"
)

var (
	application *app.App
	verbose     bool
	jsonOutput  bool
)

// skipApp marks commands that run without stores or providers.
const skipApp = "skip-app"

var rootCmd = &cobra.Command{
	Use:           "pipectl",
	Short:         "Operate the content processing pipeline",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if _, ok := cmd.Annotations[skipApp]; ok {
			return nil
		}
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		a, err := app.NewApp(cmd.Context(), config.LoadConfig(), logger)
		if err != nil {
			return err
		}
		application = a
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log progress and retries to stderr")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if application != nil {
		application.Close()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
