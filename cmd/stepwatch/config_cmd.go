package main

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(effectiveConfig(cfg)); err != nil {
			return err
		}
		return enc.Close()
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}

// effectiveConfig fills scopes and counters with the source defaults so the
// printed config shows what will actually be polled.
func effectiveConfig(cfg appConfig) appConfig {
	if len(cfg.Scopes) == 0 || len(cfg.Counters) == 0 {
		scopes, counters := defaultLayout(cfg)
		if len(cfg.Scopes) == 0 {
			cfg.Scopes = scopes
		}
		if len(cfg.Counters) == 0 {
			cfg.Counters = counters
		}
	}
	return cfg
}
