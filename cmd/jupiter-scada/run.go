package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	scada "github.com/JupiterMack/jupiter-scada"
)

var (
	simulate bool
	logLevel string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start polling and serve the snapshot API",
	Long: `Loads the configuration, connects to the OPC UA server and polls every tag
until interrupted. With --simulate an in-memory server answers every node.`,
	RunE: runEngine,
}

func init() {
	runCmd.Flags().BoolVar(&simulate, "simulate", false, "Poll an in-memory simulated server instead of OPC UA")
	runCmd.Flags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, err := scada.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := overrideLogLevel(cfg, logLevel); err != nil {
		return err
	}

	var opts []scada.RuntimeOption
	if simulate {
		opts = append(opts, scada.WithSession(scada.NewSimulator()))
	}

	rt, err := scada.NewRuntime(cfg, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("runtime exited: %w", err)
	}
	return nil
}

// overrideLogLevel applies --log-level. An empty flag keeps the configured level.
func overrideLogLevel(cfg *scada.Config, level string) error {
	if level == "" {
		return nil
	}
	if !scada.ValidLogLevel(level) {
		return &scada.ConfigError{Field: "--log-level", Msg: fmt.Sprintf("unknown level %q", level)}
	}
	cfg.Log.Level = level
	return nil
}
