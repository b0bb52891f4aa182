package pipeline

import (
	"context"
	"time"

	"github.com/JupiterMack/jupiter-scada/internal/domain"
	"github.com/JupiterMack/jupiter-scada/internal/ports"
)

const flushTimeout = 5 * time.Second

type mark struct {
	seq    uint64
	status domain.Status
}

// RunMirrorPipeline copies changed readings from src to mirror every interval
// until ctx is cancelled, then flushes once more. A failed write is retried
// on the next tick with everything that changed since the last good write.
func RunMirrorPipeline(ctx context.Context, src ports.SnapshotSource, mirror ports.Mirror, interval time.Duration, obs ports.Observability) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if obs == nil {
		obs = ports.Nop{}
	}

	written := make(map[string]mark)
	flush := func(ctx context.Context) {
		changed := changedSince(src.Snapshot(), written)
		if len(changed) == 0 {
			return
		}
		if err := mirror.WriteSnapshot(ctx, changed); err != nil {
			obs.IncCounter("jupiter_mirror_errors_total", 1)
			obs.LogError("mirror_write_failed", err,
				ports.Field{Key: "mirror", Value: mirror.Name()},
				ports.Field{Key: "readings", Value: len(changed)})
			return
		}
		for _, r := range changed {
			written[r.Name] = mark{seq: r.Seq, status: r.Status}
		}
		obs.IncCounter("jupiter_mirror_writes_total", 1)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			flush(fctx)
			cancel()
			return nil
		case <-ticker.C:
			flush(ctx)
		}
	}
}

func changedSince(snapshot []domain.Reading, written map[string]mark) []domain.Reading {
	out := make([]domain.Reading, 0, len(snapshot))
	for _, r := range snapshot {
		prev, ok := written[r.Name]
		if ok && prev.seq == r.Seq && prev.status == r.Status {
			continue
		}
		out = append(out, r)
	}
	return out
}
