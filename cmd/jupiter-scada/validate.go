package main

import (
	"fmt"

	"github.com/spf13/cobra"

	scada "github.com/JupiterMack/jupiter-scada"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate a config file without starting the engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := scada.LoadConfig(configPath)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "config %s looks good: %d tags, endpoint %s\n", configPath, len(cfg.Tags), cfg.OPCUA.Endpoint)
		for _, tag := range cfg.Catalog() {
			fmt.Fprintf(out, "  %-24s %-20s every %s\n", tag.Name, tag.NodeID, tag.Interval)
		}
		return nil
	},
}
