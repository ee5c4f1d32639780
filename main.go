package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"triage_server/config"
	"triage_server/internal/bootstrap"
	"triage_server/pkg/logger"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const (
	shutdownTimeout = 30 * time.Second // Maximum time to wait for graceful shutdown
)

var rootCmd = &cobra.Command{
	Use:           "triage",
	Short:         "Email triage server",
	Long:          "Classifies new mailbox messages into categories, tags them at the provider and checkpoints progress",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and/or the background scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, _ := cmd.Flags().GetString("mode")
		switch mode {
		case "api", "worker", "all":
		default:
			return fmt.Errorf("unknown mode: %s", mode)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		deps, cleanup, err := bootstrap.NewDependencies(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize dependencies: %w", err)
		}
		defer cleanup()

		switch mode {
		case "api":
			return runAPI(deps, nil)
		case "worker":
			return runWorker(bootstrap.NewWorker(deps))
		default:
			return runAPI(deps, bootstrap.NewWorker(deps))
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process new messages once and print the run summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		folder, _ := cmd.Flags().GetString("folder")
		if folder == "" {
			folder = cfg.MailFolder
		}

		deps, cleanup, err := bootstrap.NewDependencies(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize dependencies: %w", err)
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithTimeout(ctx, cfg.RunTimeout)
		defer cancel()

		summary, runErr := deps.Triage.RunOnce(ctx, folder)
		if summary != nil {
			if err := printJSON(summary); err != nil {
				return err
			}
		}
		return runErr
	},
}

var processedCmd = &cobra.Command{
	Use:   "processed",
	Short: "List processed message records",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		deps, cleanup, err := bootstrap.NewDependencies(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize dependencies: %w", err)
		}
		defer cleanup()

		records, err := deps.Triage.ListProcessed(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(records)
	},
}

func init() {
	serveCmd.Flags().String("mode", "all", "Run mode: api, worker, all")
	runCmd.Flags().String("folder", "", "Folder to process (default MAIL_FOLDER)")

	rootCmd.AddCommand(serveCmd, runCmd, processedCmd)
}

func main() {
	// Initialize logger early
	logger.Init(logger.Config{
		Level:   logger.LevelInfo,
		Service: "triage",
	})

	// Load .env file if exists (for local development)
	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file found, using environment variables")
	}

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger.Init(logger.Config{
		Level:   logger.ParseLevel(cfg.LogLevel),
		Service: "triage",
		Console: cfg.LogFormat == "console",
	})
	return cfg, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// runAPI serves HTTP until SIGINT/SIGTERM. When worker is set, the scheduler
// runs alongside and is stopped before the server shuts down.
func runAPI(deps *bootstrap.Dependencies, worker *bootstrap.Worker) error {
	app := bootstrap.NewAPI(deps)

	if worker != nil && deps.Config.SchedulerEnabled {
		if err := worker.Start(); err != nil {
			return err
		}
	}

	// Graceful shutdown with timeout
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutting down API server (timeout: %v)...", shutdownTimeout)

		if worker != nil {
			worker.Stop(shutdownTimeout)
		}

		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			logger.Error("Error shutting down: %v", err)
		} else {
			logger.Info("API server shut down gracefully")
		}
	}()

	addr := ":" + deps.Config.Port
	logger.Info("Starting API server on %s", addr)
	if err := app.Listen(addr); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func runWorker(worker *bootstrap.Worker) error {
	if err := worker.Start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down worker (timeout: %v)...", shutdownTimeout)
	if !worker.Stop(shutdownTimeout) {
		logger.Warn("Worker shutdown timed out, forcing exit")
	}
	return nil
}
