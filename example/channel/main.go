package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	scada "github.com/JupiterMack/jupiter-scada"
)

func main() {
	cfg, err := scada.LoadConfig("../../config/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	mirror, changes, closeChanges := scada.NewChannelMirror("fanout", 32)
	defer closeChanges()

	go fanoutWorker("alarms", changes)

	rt, err := scada.NewRuntime(cfg, scada.WithMirror(mirror))
	if err != nil {
		log.Fatalf("build runtime: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("runtime error: %v", err)
	}
}

func fanoutWorker(name string, changes <-chan []scada.Reading) {
	for batch := range changes {
		for _, r := range batch {
			if r.Status == scada.StatusGood {
				continue
			}
			fmt.Printf("[%s] %s %s at %s: %s\n", name, r.Name, r.Status, time.Now().Format(time.RFC3339), r.Error)
		}
	}
}
