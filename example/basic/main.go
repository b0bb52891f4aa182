package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	scada "github.com/JupiterMack/jupiter-scada"
)

func main() {
	cfg, err := scada.LoadConfig("../../config/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	rt, err := scada.NewRuntime(cfg)
	if err != nil {
		log.Fatalf("build runtime: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("runtime exited: %v", err)
	}
}
