package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/JupiterMack/jupiter-scada/pkg/scada"
)

func main() {
	cfg, err := scada.LoadConfig("../../config/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg.Mirror.Interval = time.Second

	printer := scada.NewCallbackMirror("stdout", func(changed []scada.Reading) error {
		for _, r := range changed {
			fmt.Printf("%s %-20s seq=%d status=%s value=%v\n",
				r.Timestamp.Format(time.RFC3339Nano),
				r.Name,
				r.Seq,
				r.Status,
				r.Value,
			)
		}
		return nil
	})

	rt, err := scada.NewRuntime(cfg,
		scada.WithSession(scada.NewSimulator()),
		scada.WithMirror(printer),
	)
	if err != nil {
		log.Fatalf("build runtime: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("runtime error: %v", err)
	}
}
