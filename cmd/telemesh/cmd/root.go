// Package cmd 实现 telemesh 命令行
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/han-fei/telemesh/internal/config"
)

var (
	cfgFile  string
	logLevel string
)

var (
	buildVersion = "dev"
	buildCommit  = "none"
)

// SetVersionInfo 设置版本信息
func SetVersionInfo(version, commit string) {
	buildVersion = version
	buildCommit = commit
	rootCmd.Version = buildVersion
	rootCmd.SetVersionTemplate(fmt.Sprintf("telemesh version {{.Version}}\ncommit: %s\n", buildCommit))
}

var rootCmd = &cobra.Command{
	Use:   "telemesh",
	Short: "telemesh collects host telemetry and aggregates it across nodes",
	Long: "telemesh runs collector and aggregator roles. Collectors sample CPU and memory\n" +
		"usage and report to aggregators; aggregators keep the latest sample per collector,\n" +
		"relay to a secondary aggregator and push to an external metrics sink.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error), overrides config")
	rootCmd.Version = buildVersion
}

// Execute 执行根命令
func Execute() error {
	return rootCmd.Execute()
}

// readConfig 读取配置文件，未指定文件时返回空配置
func readConfig() (*config.Config, error) {
	if cfgFile == "" {
		return &config.Config{}, nil
	}
	return config.ReadConfig(cfgFile)
}
