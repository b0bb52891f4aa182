package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "./config/config.yaml"

var rootCmd = &cobra.Command{
	Use:   "jupiter-scada",
	Short: "Jupiter SCADA - OPC UA tag polling engine",
	Long: `jupiter-scada polls a catalog of OPC UA tags at per-tag intervals, keeps the
latest reading of every tag in memory and serves it over HTTP and WebSocket.`,
	SilenceUsage: true,
}

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "Path to configuration file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
