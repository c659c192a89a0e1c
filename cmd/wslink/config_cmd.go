package main

import (
	"github.com/lisuiheng/wslink/core"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := core.LoadConfigWith(v, configPath)
		if err != nil {
			return err
		}
		return writeConfig(cmd, cfg)
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func writeConfig(cmd *cobra.Command, cfg core.Config) error {
	if cfg.Auth.Token != "" {
		cfg.Auth.Token = "<redacted>"
	}
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}
