package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MrWong99/mcprouter/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: OK (%d servers, store %s, %d strategy overrides)\n",
			configPath, len(cfg.Servers), storeLabel(cfg.Store.Driver),
			len(cfg.Router.ToolStrategies)+len(cfg.Router.AgentStrategies))
		return nil
	},
}

func storeLabel(d config.StoreDriver) string {
	if d == config.StoreNone {
		return "disabled"
	}
	return string(d)
}
