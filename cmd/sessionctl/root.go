package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/feichai0017/payslip-processor/internal/bootstrap"
	"github.com/feichai0017/payslip-processor/pkg/logger"
)

var (
	verbose    bool
	noColor    bool
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "sessionctl",
	Short: "Inspect and drive payslip upload sessions",
	Long: `sessionctl sizes payslip PDFs before upload and operates on upload
sessions directly against the configured session store: show status, list a
user's active sessions, resume processing in-process, cancel and retry.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor {
			color.NoColor = true
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging on stderr")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

func newLogger() (logger.Logger, error) {
	level := "warn"
	if verbose {
		level = "debug"
	}
	return logger.NewLogger(
		logger.WithLevel(level),
		logger.WithEncoding("console"),
		logger.WithOutputPaths([]string{"stderr"}),
		logger.WithErrorPaths(nil),
	)
}

// withApp builds the application for one command and releases it afterwards.
func withApp(ctx context.Context, opts bootstrap.Options, fn func(app *bootstrap.App) error) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	app, err := bootstrap.New(ctx, log, opts)
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(app)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var (
	bold   = color.New(color.Bold).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
)

func kv(key string, val interface{}) {
	fmt.Printf("  %-16s %v\n", key+":", val)
}
