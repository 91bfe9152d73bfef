package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/feichai0017/payslip-processor/internal/bootstrap"
	"github.com/feichai0017/payslip-processor/internal/models"
	"github.com/feichai0017/payslip-processor/pkg/converters"
	"github.com/feichai0017/payslip-processor/pkg/logger"
	"github.com/feichai0017/payslip-processor/pkg/queue"
)

var storeOnly = bootstrap.Options{WithoutProcessor: true, WithoutStorage: true}

var (
	listUser   string
	retryIndex int
)

var statusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show a session and its files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), storeOnly, func(app *bootstrap.App) error {
			s, err := app.Sessions.GetSessionState(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(struct {
					Session *converters.SessionSummary `json:"session"`
					Files   []converters.FileView      `json:"files"`
				}{converters.Summarize(s), converters.Files(s, "")})
			}
			printSession(s)
			for _, f := range s.Files {
				line := fmt.Sprintf("  %4d  %-10s %s", f.Index, statusColor(f.Status), f.FileName)
				if f.Reason != "" {
					line += "  (" + f.Reason + ")"
				}
				fmt.Println(line)
			}
			return nil
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the active sessions of a user",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), storeOnly, func(app *bootstrap.App) error {
			list, err := app.Sessions.ListActiveSessions(cmd.Context(), listUser)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(converters.Summaries(list))
			}
			if len(list) == 0 {
				fmt.Printf("no active sessions for %s\n", listUser)
				return nil
			}
			for _, s := range list {
				fmt.Printf("%s  %s  %d/%d done  %d pending  updated %s\n",
					bold(s.ID), statusColor(s.Status), s.TotalFiles-s.PendingFiles, s.TotalFiles,
					s.PendingFiles, s.LastUpdatedAt.Format(time.RFC3339))
			}
			return nil
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <session-id>",
	Short: "Cancel a session and drop its queued resume task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), storeOnly, func(app *bootstrap.App) error {
			s, err := app.Sessions.CancelSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			dequeued := dropQueued(cmd.Context(), app, s.ID)
			if jsonOutput {
				return printJSON(map[string]interface{}{"session": converters.Summarize(s), "dequeued": dequeued})
			}
			fmt.Printf("%s %s cancelled, %d files left pending\n", yellow("✗"), bold(s.ID), s.PendingFiles)
			if dequeued {
				fmt.Println("  queued resume task removed")
			}
			return nil
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <session-id>",
	Short: "Put failed files back to pending",
	Long: `retry resets one failed file (--index) or every failed file of the
session to pending. A completed or failed session becomes active again;
run resume afterwards to process the files.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), storeOnly, func(app *bootstrap.App) error {
			var (
				s   *models.UploadSession
				n   = 1
				err error
			)
			if retryIndex >= 0 {
				s, err = app.Sessions.RetryFile(cmd.Context(), args[0], retryIndex)
			} else {
				s, n, err = app.Sessions.RetryFailed(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]interface{}{"session": converters.Summarize(s), "retried": n})
			}
			fmt.Printf("%s %d files reset to pending in %s\n", green("↻"), n, bold(s.ID))
			return nil
		})
	},
}

func init() {
	listCmd.Flags().StringVarP(&listUser, "user", "u", "", "user id")
	_ = listCmd.MarkFlagRequired("user")
	retryCmd.Flags().IntVarP(&retryIndex, "index", "i", -1, "retry a single file by index")

	rootCmd.AddCommand(statusCmd, listCmd, cancelCmd, retryCmd)
}

// dropQueued removes a waiting resume task when the queue is reachable.
func dropQueued(ctx context.Context, app *bootstrap.App, sessionID string) bool {
	q, err := queue.GetQueue()
	if err != nil {
		app.Logger.Debug("Queue unavailable, nothing to dequeue")
		return false
	}
	defer q.Close()

	ok, err := q.CancelResume(ctx, sessionID)
	if err != nil && !errors.Is(err, context.Canceled) {
		app.Logger.Warn("Failed to remove queued resume", logger.Error(err))
	}
	return ok
}

func printSession(s *models.UploadSession) {
	fmt.Printf("%s  %s\n", bold(s.ID), statusColor(s.Status))
	kv("user", s.UserID)
	kv("files", fmt.Sprintf("%d total, %s completed, %s failed, %s skipped, %d pending",
		s.TotalFiles, green(s.CompletedFiles), red(s.FailedFiles), yellow(s.SkippedFiles), s.PendingFiles))
	kv("started", s.StartedAt.Format(time.RFC3339))
	kv("updated", s.LastUpdatedAt.Format(time.RFC3339))
	if s.CompletedAt != nil {
		kv("completed", s.CompletedAt.Format(time.RFC3339))
	}
}

func statusColor[T ~string](status T) string {
	switch string(status) {
	case "completed":
		return green(string(status))
	case "failed", "cancelled":
		return red(string(status))
	case "skipped", "processing":
		return yellow(string(status))
	default:
		return cyan(string(status))
	}
}
