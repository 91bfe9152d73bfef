package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/feichai0017/payslip-processor/internal/agent/document"
	"github.com/feichai0017/payslip-processor/internal/bootstrap"
	"github.com/feichai0017/payslip-processor/internal/service/resume"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Process the pending files of a session in this process",
	Long: `resume runs the resume engine locally against the configured session
store and object storage. Interrupting it with Ctrl-C leaves the session
resumable; the next run picks up the file that was in flight.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return withApp(ctx, bootstrap.Options{}, func(app *bootstrap.App) error {
			var bar *progressbar.ProgressBar
			onProgress := func(current, total int) {
				if jsonOutput {
					return
				}
				if bar == nil {
					bar = newBar(total)
				}
				_ = bar.Set(current)
			}

			var failures []string
			onFile := func(name string, o document.Outcome) {
				if !o.Success && !o.Skipped {
					failures = append(failures, fmt.Sprintf("%s: %s", name, o.Reason))
				}
			}

			out, err := app.Engine.Resume(ctx, args[0], onProgress, onFile)
			if bar != nil {
				_ = bar.Finish()
			}
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(out)
			}
			printOutcome(out, failures)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}

func newBar(total int) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("processing"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetItsString("files"),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "│",
			BarEnd:        "│",
		}),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(os.Stderr, "\n")
		}),
	)
}

func printOutcome(out *resume.Outcome, failures []string) {
	switch {
	case out.AlreadyDone:
		fmt.Printf("%s %s has nothing pending (%s)\n", green("✓"), bold(out.SessionID), statusColor(out.Status))
		return
	case out.Cancelled:
		fmt.Printf("%s %s was cancelled after %d of %d files\n", yellow("✗"), bold(out.SessionID), out.Processed, out.Total)
	default:
		fmt.Printf("%s %s %s in %s\n", green("✓"), bold(out.SessionID), statusColor(out.Status), out.Duration.Round(time.Millisecond))
	}
	kv("processed", fmt.Sprintf("%d of %d", out.Processed, out.Total))
	kv("completed", green(out.Completed))
	kv("failed", red(out.Failed))
	kv("skipped", yellow(out.Skipped))
	if out.Recovered > 0 {
		kv("recovered", out.Recovered)
	}
	for _, f := range failures {
		fmt.Printf("  %s %s\n", red("•"), f)
	}
}
