// flagwatch connects a real client to a flag service, watches sync status
// transitions, and evaluates a set of flags on an interval. It is the
// quickest way to eyeball a flagwire deployment end to end, fakeflagd
// included.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/flagwire/flagwire"
	"github.com/flagwire/flagwire/datamodel"
)

type options struct {
	sdkKey       string
	streamingURL string
	pollingURL   string
	eventsURL    string
	mode         string
	flagKeys     []string
	contextKey   string
	interval     time.Duration
	waitFor      time.Duration
	verbose      bool
}

func main() {
	var opts options

	rootCmd := &cobra.Command{
		Use:   "flagwatch",
		Short: "Watch flag values and sync status from a flagwire service",
		RunE: func(_ *cobra.Command, _ []string) error {
			return watch(opts)
		},
	}

	rootCmd.Flags().StringVarP(&opts.sdkKey, "key", "k", os.Getenv("FLAGWIRE_SDK_KEY"), "SDK key (or set FLAGWIRE_SDK_KEY)")
	rootCmd.Flags().StringVar(&opts.streamingURL, "streaming-url", "http://localhost:8030", "streaming service base URL")
	rootCmd.Flags().StringVar(&opts.pollingURL, "polling-url", "http://localhost:8030", "polling service base URL")
	rootCmd.Flags().StringVar(&opts.eventsURL, "events-url", "http://localhost:8030", "events service base URL")
	rootCmd.Flags().StringVarP(&opts.mode, "mode", "m", "streaming", "data source mode: streaming, polling or none")
	rootCmd.Flags().StringSliceVarP(&opts.flagKeys, "flag", "f", nil, "flag key to evaluate (repeatable)")
	rootCmd.Flags().StringVar(&opts.contextKey, "context-key", "flagwatch-demo", "context key to evaluate against")
	rootCmd.Flags().DurationVarP(&opts.interval, "interval", "i", 5*time.Second, "evaluation interval")
	rootCmd.Flags().DurationVarP(&opts.waitFor, "wait", "w", 10*time.Second, "how long to wait for initialization")
	rootCmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true
	return cfg.Build()
}

func watch(opts options) error {
	logger, err := newLogger(opts.verbose)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg := flagwire.Config{
		Endpoints: flagwire.ServiceEndpoints{
			Streaming: opts.streamingURL,
			Polling:   opts.pollingURL,
			Events:    opts.eventsURL,
		},
		DataSource: flagwire.DataSourceConfig{
			Mode: flagwire.DataSourceMode(opts.mode),
		},
		Events: flagwire.EventsConfig{
			FlushInterval:     10 * time.Second,
			EnableCompression: true,
		},
		Application: flagwire.ApplicationInfo{ID: "flagwatch", Version: "1.0.0"},
		Evaluator:   valueEvaluator{},
		Logger:      logger,
	}

	client, err := flagwire.MakeClient(opts.sdkKey, cfg, opts.waitFor)
	if err != nil {
		logger.Warn("client started degraded", zap.Error(err))
		if client == nil {
			return err
		}
	}
	defer func() { _ = client.Close() }()

	ctx := datamodel.Context{Kind: "user", Key: opts.contextKey}
	if err := client.Identify(ctx); err != nil {
		logger.Warn("identify failed", zap.Error(err))
	}

	statusCh := client.StatusChanges()
	defer client.StopStatusChanges(statusCh)

	flagKeys := opts.flagKeys
	if len(flagKeys) == 0 {
		flagKeys = client.AllFlags()
		logger.Info("no flags requested, watching everything", zap.Strings("flags", flagKeys))
	}

	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	evaluateAll(client, flagKeys, ctx, logger)

	for {
		select {
		case sig := <-quit:
			logger.Info("shutting down", zap.String("signal", sig.String()))
			return nil

		case status, ok := <-statusCh:
			if !ok {
				return nil
			}
			logger.Info("sync status changed",
				zap.String("state", string(status.State)),
				zap.String("lastError", status.LastError.String()),
			)

		case <-ticker.C:
			evaluateAll(client, flagKeys, ctx, logger)
		}
	}
}

func evaluateAll(client *flagwire.Client, keys []string, ctx datamodel.Context, logger *zap.Logger) {
	for _, key := range keys {
		detail, err := client.VariationDetail(key, ctx, nil)
		field := zap.Skip()
		if err != nil {
			field = zap.Error(err)
		}
		logger.Info("evaluated",
			zap.String("flag", key),
			zap.Any("value", detail.Value),
			zap.String("reason", detail.Reason.Kind),
			field,
		)
	}
}
