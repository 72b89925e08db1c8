package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gleaner-io/gleaner/pkg/api"
	"github.com/gleaner-io/gleaner/pkg/config"
	"github.com/gleaner-io/gleaner/pkg/events"
	"github.com/gleaner-io/gleaner/pkg/log"
	"github.com/gleaner-io/gleaner/pkg/metrics"
	"github.com/gleaner-io/gleaner/pkg/progress"
	"github.com/gleaner-io/gleaner/pkg/queue"
	"github.com/gleaner-io/gleaner/pkg/service"
	"github.com/gleaner-io/gleaner/pkg/storage"
	"github.com/gleaner-io/gleaner/pkg/upstream"
	"github.com/gleaner-io/gleaner/pkg/worker"
	"github.com/spf13/cobra"
)

var version = "0.1.0"

var (
	cfgPath  string
	addrFlag string
	dataDir  string
)

var rootCmd = &cobra.Command{
	Use:   "gleaner",
	Short: "VK community ingestion engine",
	Long:  "Gleaner collects posts and comments from VK communities through a durable task queue.",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and worker pool",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("gleaner %s\n", version)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	serveCmd.Flags().StringVar(&addrFlag, "addr", "", "listen address (overrides config)")
	serveCmd.Flags().StringVar(&dataDir, "data-dir", "", "data directory (overrides config)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if addrFlag != "" {
		cfg.Server.Addr = addrFlag
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	metrics.SetVersion(version)
	logger := log.WithComponent("main")
	logger.Info().Str("version", version).Msg("starting gleaner")

	if cfg.Upstream.AccessToken == "" {
		cfg.Upstream.AccessToken = os.Getenv("GLEANER_VK_TOKEN")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()
	metrics.RegisterComponent("store", true, "")

	q, err := queue.New(store.DB(), queue.Config{
		BaseDelay:   cfg.Queue.BaseDelay(),
		MaxDelay:    cfg.Queue.MaxDelay(),
		MaxAttempts: cfg.Queue.MaxAttempts,
		Lease:       cfg.Queue.Lease(),
	})
	if err != nil {
		return err
	}
	metrics.RegisterComponent("queue", true, "")

	client, err := upstream.NewClient(upstream.Config{
		BaseURL:          cfg.Upstream.BaseURL,
		AccessToken:      cfg.Upstream.AccessToken,
		APIVersion:       cfg.Upstream.APIVersion,
		RPS:              cfg.Upstream.RPS,
		Burst:            cfg.Upstream.Burst,
		Concurrency:      cfg.Upstream.Concurrency,
		RequestTimeout:   cfg.Upstream.RequestTimeout(),
		TransientRetries: cfg.Upstream.TransientRetries,
		PageSize:         cfg.Upstream.PageSize,
	})
	if err != nil {
		return err
	}

	broker := events.NewBroker()
	broker.Start()
	go logEvents(broker.Subscribe())

	calc := progress.New(cfg.Progress.EstimatedCommentsPerPost)
	svc := service.New(store, q, broker, calc, service.Config{})

	pool := worker.NewPool(store, q, client, broker, worker.Config{
		Count:              cfg.Workers.Count,
		DefaultTaskTimeout: cfg.Task.DefaultTimeout(),
	})
	if err := pool.Start(); err != nil {
		return err
	}

	collector := metrics.NewCollector(store, q)
	collector.Start()

	server := api.NewServer(svc, api.Config{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		EnableCORS:   cfg.Server.EnableCORS,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("http server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown failed")
	}

	pool.Stop()
	collector.Stop()
	broker.Stop()
	logger.Info().Msg("shutdown complete")
	return nil
}

// logEvents drains the lifecycle event stream into the log.
func logEvents(sub events.Subscriber) {
	logger := log.WithComponent("events")
	for event := range sub {
		logger.Info().
			Str("type", string(event.Type)).
			Str("task_id", event.TaskID).
			Str("message", event.Message).
			Msg("event")
	}
}
