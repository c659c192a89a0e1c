package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	configPath string
	debug      bool
	v          = viper.New()
)

var rootCmd = &cobra.Command{
	Use:           "wslink",
	Short:         "Keep a heartbeat-supervised websocket session open",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (default searches ./config.yaml, ./config/config.yaml, /etc/wslink/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Log at debug level to stdout")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
