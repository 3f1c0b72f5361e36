package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/han-fei/telemesh/internal/config"
	"github.com/han-fei/telemesh/internal/topology"
	"github.com/han-fei/telemesh/internal/utils"
)

var runFlags struct {
	collector  bool
	aggregator bool
	targets    []string
	secondary  string
	interval   time.Duration
	identity   string
	address    string
	listen     string
	httpListen string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a telemesh node",
	Long: "Run a node with the collector role, the aggregator role or both.\n" +
		"Flags override values from the config file.",
	RunE: runNode,
}

func init() {
	f := runCmd.Flags()
	f.BoolVar(&runFlags.collector, "collector", false, "enable the collector role")
	f.BoolVar(&runFlags.aggregator, "aggregator", false, "enable the aggregator role")
	f.StringSliceVar(&runFlags.targets, "target", nil, "aggregator address to report to, in order (\"local\" for this node)")
	f.StringVar(&runFlags.secondary, "secondary", "", "secondary aggregator address to relay samples to")
	f.DurationVar(&runFlags.interval, "interval", 0, "collection interval")
	f.StringVar(&runFlags.identity, "identity", "", "pin the collector identity")
	f.StringVar(&runFlags.address, "address", "", "address other nodes use to reach this node (defaults to hostname and listen port)")
	f.StringVar(&runFlags.listen, "listen", "", "gRPC listen address")
	f.StringVar(&runFlags.httpListen, "http-listen", "", "admin HTTP listen address (\"-\" disables it)")
	rootCmd.AddCommand(runCmd)
}

// loadRunConfig 读取配置文件，应用命令行覆盖，再补默认值
func loadRunConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("collector") {
		cfg.Roles.Collector = runFlags.collector
	}
	if flags.Changed("aggregator") {
		cfg.Roles.Aggregator = runFlags.aggregator
	}
	if flags.Changed("target") {
		cfg.Collector.Targets = runFlags.targets
	}
	if flags.Changed("secondary") {
		cfg.Aggregator.Secondary = runFlags.secondary
	}
	if flags.Changed("interval") {
		cfg.Collector.Interval = runFlags.interval
	}
	if flags.Changed("identity") {
		cfg.Collector.Identity = runFlags.identity
	}
	if flags.Changed("address") {
		cfg.Node.Address = runFlags.address
	}
	if flags.Changed("listen") {
		cfg.Node.Listen = runFlags.listen
	}
	if flags.Changed("http-listen") {
		cfg.Node.HTTPListen = runFlags.httpListen
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

func runNode(cmd *cobra.Command, _ []string) error {
	cfg, err := loadRunConfig(cmd)
	if err != nil {
		return fmt.Errorf("telemesh run: %w", err)
	}

	logger := utils.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting telemesh", "version", buildVersion, "commit", buildCommit)

	node, err := topology.Build(cfg, topology.Deps{Logger: logger})
	if err != nil {
		return fmt.Errorf("telemesh run: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := node.Run(ctx); err != nil {
		return fmt.Errorf("telemesh run: %w", err)
	}
	return nil
}
