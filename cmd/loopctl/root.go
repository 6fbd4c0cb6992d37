package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/pump-loop/go-controller/internal/config"
	"github.com/danielpatrickdp/pump-loop/go-controller/internal/store"
)

var (
	configPath string
	dbOverride string

	rootCmd = &cobra.Command{
		Use:   "loopctl",
		Short: "Inspect and drive the pump loop controller",
		Long: `loopctl reads the controller database and talks to a running loopd
over Redis.

  loopctl decisions --last 20
  loopctl commands --kind deliver_bolus
  loopctl replay --fixture session.json
  loopctl push bolus 0.5`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to loop.yaml")
	rootCmd.PersistentFlags().StringVar(&dbOverride, "db", "", "path to the controller database (overrides config)")

	rootCmd.AddCommand(decisionsCmd)
	rootCmd.AddCommand(commandsCmd)
	rootCmd.AddCommand(watchdogCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(pushCmd)
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if dbOverride != "" {
		cfg.DBPath = dbOverride
	}
	return cfg, nil
}

func openStore() (*store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	st, err := store.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", cfg.DBPath, err)
	}
	return st, nil
}
