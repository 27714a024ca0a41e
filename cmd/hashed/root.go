package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/xela07ax/hashed-guard/internal/infra"
	"go.uber.org/zap"
)

var (
	cfgFile  string
	logLevel string

	appVersion = "dev"
)

var rootCmd = &cobra.Command{
	Use:           "hashed",
	Short:         "Governance layer for AI agent tool calls",
	Long:          "hashed checks every tool call of an AI agent against local and remote policies, signs it and keeps a durable audit trail.",
	Version:       appVersion,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default ./config.yaml or ./configs/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logger.level")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(identityCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(walCmd)
}

// bootstrap грузит конфиг и собирает логгер - общее начало всех команд.
func bootstrap() (*infra.Config, *zap.Logger, error) {
	cfg, err := infra.LoadConfig(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logger.Level = logLevel
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
