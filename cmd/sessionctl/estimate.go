package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	cfg "github.com/feichai0017/payslip-processor/config"
	"github.com/feichai0017/payslip-processor/internal/bootstrap"
	"github.com/feichai0017/payslip-processor/internal/splitter"
)

var (
	estimateProfile string
	planMaxPages    int
)

var estimateCmd = &cobra.Command{
	Use:   "estimate <file.pdf>",
	Short: "Estimate the page count of a local PDF",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sp, f, size, err := openPlan(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		plan := sp.Plan(cmd.Context(), f, size)
		if jsonOutput {
			return printJSON(plan.Estimate)
		}
		fmt.Printf("%s\n", bold(args[0]))
		kv("size", fmt.Sprintf("%d bytes", size))
		kv("pages", plan.Estimate.PageCount)
		kv("method", cyan(string(plan.Estimate.Method)))
		return nil
	},
}

var planCmd = &cobra.Command{
	Use:   "plan <file.pdf>",
	Short: "Show how a local PDF would be split into batches",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sp, f, size, err := openPlan(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		plan := sp.Plan(cmd.Context(), f, size)
		if jsonOutput {
			return printJSON(plan)
		}
		fmt.Printf("%s: %d pages (%s), %d batches of at most %d pages\n",
			bold(args[0]), plan.Estimate.PageCount, plan.Estimate.Method, len(plan.Batches), sp.MaxPagesPerBatch())
		for _, b := range plan.Batches {
			fmt.Printf("  batch %d/%d  pages %d-%d  (%d)\n",
				b.ID, b.TotalBatches, b.PageRangeStart, b.PageRangeEnd, b.PagesInBatch())
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{estimateCmd, planCmd} {
		c.Flags().StringVar(&estimateProfile, "profile", "", "estimator profile (bulk or receipt), overrides the pipeline file")
		rootCmd.AddCommand(c)
	}
	planCmd.Flags().IntVar(&planMaxPages, "max-pages", 0, "maximum pages per batch, overrides the pipeline file")
}

// openPlan builds a splitter from the pipeline file without touching any
// store and opens the document.
func openPlan(path string) (*splitter.Splitter, *os.File, int64, error) {
	pipeline, err := cfg.GetPipelineConfig()
	if err != nil {
		return nil, nil, 0, err
	}
	log, err := newLogger()
	if err != nil {
		return nil, nil, 0, err
	}

	ec := pipeline.Estimator
	if estimateProfile != "" {
		ec.Profile = estimateProfile
	}
	maxPages := pipeline.Splitter.MaxPagesPerBatch
	if planMaxPages > 0 {
		maxPages = planMaxPages
	}
	sp := splitter.NewSplitter(bootstrap.NewEstimator(ec, log), maxPages, log)

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, 0, err
	}
	return sp, f, info.Size(), nil
}
