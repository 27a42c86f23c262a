// deepresearchd wires the ResearchEngine and its collaborators into a
// process: config discovery via viper, a cobra command tree (serve,
// recover-check), and a prometheus registry. The tool-calling transport
// itself is left to whatever process embeds this binary's engine and
// tool surface; serve's job ends at startup recovery and holding the
// process open.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	rcfg "github.com/cklxx/deepresearch/internal/config"
	"github.com/cklxx/deepresearch/internal/engine"
	"github.com/cklxx/deepresearch/internal/estimator"
	"github.com/cklxx/deepresearch/internal/executor"
	"github.com/cklxx/deepresearch/internal/logging"
	"github.com/cklxx/deepresearch/internal/metrics"
	"github.com/cklxx/deepresearch/internal/notification"
	"github.com/cklxx/deepresearch/internal/provider/httpadapter"
	"github.com/cklxx/deepresearch/internal/store"
	"github.com/cklxx/deepresearch/internal/toolsurface"
)

var (
	red   = color.New(color.FgRed).SprintFunc()
	green = color.New(color.FgGreen).SprintFunc()
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red("Error:"), err)
		os.Exit(1)
	}
}

// NewRootCommand builds the deepresearchd command tree.
func NewRootCommand() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "deepresearchd",
		Short: "Durable orchestrator for long-running deep-research tasks",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a deepresearchd config file (default: deepresearch-config.yaml in $HOME or .)")

	configureViper()

	rootCmd.AddCommand(newServeCommand(&configPath))
	rootCmd.AddCommand(newRecoverCheckCommand(&configPath))
	return rootCmd
}

func configureViper() {
	viper.SetConfigName("deepresearch-config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME")
	viper.AddConfigPath(".")
}

// resolveConfigPath prefers an explicit --config flag; otherwise it asks
// viper to locate a config file on its search path and falls back to no
// file at all (defaults plus environment only) when none is found.
func resolveConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if err := viper.ReadInConfig(); err == nil {
		return viper.ConfigFileUsed()
	}
	return ""
}

func newServeCommand(configPath *string) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Build the orchestrator and recover any in-flight tasks from the last run",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c, err := buildContainer(*configPath, metricsAddr)
			if err != nil {
				return err
			}
			defer c.store.Close()

			if err := c.engine.RecoverOnStartup(ctx); err != nil {
				return fmt.Errorf("startup recovery: %w", err)
			}
			c.logger.Info("deepresearchd ready: startup recovery complete")

			if c.metricsServer != nil {
				go func() {
					if err := c.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						c.logger.Error("metrics server stopped: %v", err)
					}
				}()
			}

			<-ctx.Done()
			c.logger.Info("shutting down")
			if c.metricsServer != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = c.metricsServer.Shutdown(shutdownCtx)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to expose /metrics on, e.g. :9090 (disabled if empty and not set in config)")
	return cmd
}

func newRecoverCheckCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "recover-check",
		Short: "Run startup recovery once and exit, without holding the process open",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildContainer(*configPath, "")
			if err != nil {
				return err
			}
			defer c.store.Close()

			if err := c.engine.RecoverOnStartup(cmd.Context()); err != nil {
				return fmt.Errorf("recovery: %w", err)
			}
			fmt.Println(green("recovery complete"))
			return nil
		},
	}
}

// container holds every long-lived collaborator serve and recover-check
// construct identically.
type container struct {
	store         *store.Store
	engine        *engine.Engine
	surface       *toolsurface.Surface
	logger        logging.Logger
	metricsServer *http.Server
}

func buildContainer(configPath, metricsAddrFlag string) (*container, error) {
	resolved := resolveConfigPath(configPath)

	cfg, _, err := rcfg.Load(rcfg.WithConfigPath(resolved))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if metricsAddrFlag != "" {
		cfg.MetricsAddr = metricsAddrFlag
	}

	logger := logging.NewComponentLogger("deepresearchd")

	var reg *prometheus.Registry
	var m *metrics.Metrics
	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		reg = prometheus.NewRegistry()
		m = metrics.New(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	}

	s, err := store.Open(cfg.DBPath, logging.NewComponentLogger("store"), m)
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}

	provider := httpadapter.New(httpadapter.Config{
		BaseURL:    cfg.ProviderBaseURL,
		Credential: cfg.ProviderCredential, // never logged
		Logger:     logging.NewComponentLogger("provider"),
	})

	exec := executor.New(executor.Config{
		Capacity: cfg.ExecutorCapacity,
		Policy:   executor.PolicyQueue,
		Logger:   logging.NewComponentLogger("executor"),
	})

	notifier := notification.New(logging.NewComponentLogger("notifier"))

	eng := engine.New(engine.Config{
		Store:        s,
		Provider:     provider,
		Executor:     exec,
		Notifier:     notifier,
		Estimator:    estimator.New(cfg.SyncBudget.Seconds()),
		Metrics:      m,
		Logger:       logging.NewComponentLogger("engine"),
		SyncBudget:   cfg.SyncBudget,
		PollInterval: cfg.PollInterval,
		DefaultModel: cfg.DefaultModel,
	})

	return &container{
		store:         s,
		engine:        eng,
		surface:       toolsurface.New(eng),
		logger:        logger,
		metricsServer: metricsServer,
	}, nil
}
