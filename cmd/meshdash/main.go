package main

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"meshdash/internal/api"
	"meshdash/internal/chat"
	"meshdash/internal/config"
	"meshdash/internal/gateway"
	"meshdash/internal/logging"
	"meshdash/internal/status"
)

var (
	vcfg       = config.New()
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "meshdash",
	Short: "Dashboard and chat client for the Circuit Breaker Mesh",
	Long: `meshdash watches per-agent circuit breakers and spend on a Circuit Breaker
Mesh backend and lets you talk to it through the multi-agent orchestrator or a
single agent.

Run without a subcommand to open the terminal dashboard.`,
	SilenceUsage: true,
	RunE:         runTUI,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Path to a YAML config file")
	flags.String("base-url", config.DefaultBaseURL, "Backend base URL")
	flags.Duration("timeout", config.DefaultTimeout, "Per-request timeout")
	flags.StringSlice("agents", config.DefaultAgents, "Agent ids to track (comma separated)")
	flags.String("log-level", "info", "Log level: debug, info, warn, error")
	flags.Bool("no-log", false, "Disable logging")

	_ = vcfg.BindPFlag("api.base_url", flags.Lookup("base-url"))
	_ = vcfg.BindPFlag("api.timeout", flags.Lookup("timeout"))
	_ = vcfg.BindPFlag("agents", flags.Lookup("agents"))
	_ = vcfg.BindPFlag("log.level", flags.Lookup("log-level"))
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func main() {
	// USD amounts are JSON numbers on the wire and in --json output.
	decimal.MarshalJSONWithoutQuotes = true
	if err := Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "meshdash: %v\n", err)
		os.Exit(1)
	}
}

// runtime is everything a command needs to talk to the backend.
type runtime struct {
	cfg        *config.Config
	logger     *logrus.Logger
	client     *api.Client
	aggregator *status.Aggregator
	dispatcher *chat.Dispatcher
}

// loadConfig resolves configuration for cmd, honouring --no-log.
func loadConfig(cmd *cobra.Command, vp *viper.Viper) (*config.Config, error) {
	if f := cmd.Flags().Lookup("no-log"); f != nil && f.Changed {
		noLog, _ := cmd.Flags().GetBool("no-log")
		vp.Set("log.enabled", !noLog)
	}
	cfg, err := config.Load(vp, configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func newRuntime(cfg *config.Config, logger *logrus.Logger, notifier gateway.Notifier) *runtime {
	gw := gateway.New(gateway.Options{
		BaseURL:  cfg.API.BaseURL,
		Timeout:  cfg.API.Timeout,
		Notifier: notifier,
		Logger:   logger,
	})
	client := api.NewClient(gw)
	agg := status.New(client, cfg.Agents, logger)
	return &runtime{
		cfg:        cfg,
		logger:     logger,
		client:     client,
		aggregator: agg,
		dispatcher: chat.New(chat.Options{
			Backend:   client,
			Refresher: agg,
			Notifier:  notifier,
			Logger:    logger,
		}),
	}
}

// setup loads config and builds a runtime whose logs go to sink.
func setup(cmd *cobra.Command, sink logging.Sink, notifier gateway.Notifier) (*runtime, error) {
	cfg, err := loadConfig(cmd, vcfg)
	if err != nil {
		return nil, err
	}
	logger := logging.New(cfg.Log, sink)
	logging.LogConfig(logger, cfg)
	return newRuntime(cfg, logger, notifier), nil
}
