package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rahul/scholar/internal/gateway"
	"github.com/rahul/scholar/internal/observability"
	"github.com/rahul/scholar/internal/workflow"
	"github.com/rahul/scholar/pkg/config"
)

func serveCMD(cfgPath *string) *cobra.Command {
	var listen string
	var drain time.Duration
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.App.Listen = listen
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServer(cfg, drain)
		},
	}
	serve.Flags().StringVar(&listen, "addr", "", "listen address (overrides app.listen)")
	serve.Flags().DurationVar(&drain, "drain", 30*time.Second, "how long shutdown waits for running tasks")
	return serve
}

func runServer(cfg *config.Config, drain time.Duration) error {
	dashboard := cfg.App.Dashboard && observability.IsTerminal()
	if dashboard {
		observability.InitializeTerminal()
		// Route all log output through the terminal mutex so it never
		// interrupts the dashboard's cursor save/restore sequence.
		log.SetOutput(observability.NewTermWriter())
	} else {
		observability.PrintBanner()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := observability.NewLogger(cfg.Logging.LLMLogPath, cfg.Logging.MaxSize)
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	n, err := a.service.RecoverOrphans(ctx)
	if err != nil {
		return fmt.Errorf("recover orphaned tasks: %w", err)
	}
	if n > 0 {
		log.Printf("Marked %d task(s) with an expired lease as failed", n)
	}
	log.Printf("Running as %s", a.service.Owner())
	go a.service.WatchOrphans(ctx, 0)

	sweeper := workflow.NewSweeper(a.registry, cfg.Workflow.ProgressTTL, cfg.Workflow.SweepInterval)
	go sweeper.Start(ctx)

	if dashboard {
		go func() {
			ticker := time.NewTicker(1 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					observability.PrintLiveStatus()
				}
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				observability.Heartbeat()
				logger.LogHeartbeat()
			}
		}
	}()

	var gw gateway.Gateway = gateway.NewHTTPGateway(cfg.App.Listen, a.service)
	go func() {
		if err := gw.Start(); err != nil {
			log.Printf("\033[91m[ FAIL ] GATEWAY CRITICAL ERROR: %v\033[0m", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		log.Printf("gateway shutdown: %v", err)
	}
	if err := a.service.Shutdown(shutdownCtx); err != nil {
		log.Printf("tasks still running at exit: %v", err)
	}

	if dashboard {
		observability.CleanupTerminal()
	}
	log.Println("\033[95m[ EXIT ] CORE DE-INITIALIZED. GOODBYE.\033[0m")
	return nil
}
