package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rahul/scholar/internal/observability"
	"github.com/rahul/scholar/internal/store"
	"github.com/rahul/scholar/internal/workflow"
	"github.com/rahul/scholar/pkg/config"
)

func runCMD(cfgPath *string) *cobra.Command {
	var verbose bool
	var interval time.Duration
	run := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Generate one report in-process and print it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := observability.NewNopLogger()
			if verbose {
				logger = observability.NewLogger(cfg.Logging.LLMLogPath, cfg.Logging.MaxSize)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			return runOnce(ctx, a.service, strings.Join(args, " "), interval, cmd.OutOrStdout())
		},
	}
	run.Flags().BoolVarP(&verbose, "verbose", "v", false, "print structured events to stdout")
	run.Flags().DurationVar(&interval, "poll", 500*time.Millisecond, "progress polling interval")
	return run
}

// reportService is the slice of workflow.Service that runOnce drives.
type reportService interface {
	Submit(ctx context.Context, prompt string) (string, error)
	Progress(ctx context.Context, taskID string) []workflow.StepRecord
	Status(ctx context.Context, taskID string) (workflow.TaskStatus, error)
}

// runOnce submits prompt, prints every step transition as it is observed and
// finally the report.
func runOnce(ctx context.Context, svc reportService, prompt string, interval time.Duration, out io.Writer) error {
	id, err := svc.Submit(ctx, prompt)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "task %s\n", id)

	seen := map[int]workflow.StepStatus{}
	printChanges := func() {
		for i, s := range svc.Progress(ctx, id) {
			if seen[i] == s.Status {
				continue
			}
			seen[i] = s.Status
			fmt.Fprintf(out, "[%d] %-7s %s\n", i+1, s.Status, s.Title)
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		printChanges()
		st, err := svc.Status(ctx, id)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		switch st.Status {
		case store.StatusDone:
			printChanges()
			if st.Result != nil {
				fmt.Fprintf(out, "\n%s\n", st.Result.Report)
			}
			return nil
		case store.StatusError:
			printChanges()
			return fmt.Errorf("task %s failed: %s", id, st.Error)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("stopped waiting for task %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}
