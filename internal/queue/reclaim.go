package queue

import (
	"context"
	"log/slog"
	"time"
)

// RunReclaimLoop periodically sweeps every class's in-flight set for
// entries past their visibility deadline and re-enqueues them, giving
// spec.md §4.2's "if a worker crashes, the reference reappears after D"
// guarantee. Modeled on the teacher's pkg/queue/orphan.go ticker loop.
func RunReclaimLoop(ctx context.Context, backend *RedisBackend, classes []Class, interval time.Duration) {
	log := slog.With("component", "queue.reclaim")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, class := range classes {
				n, err := backend.sweepExpired(ctx, class)
				if err != nil {
					log.Error("reclaim sweep failed", "class", class, "error", err)
					continue
				}
				if n > 0 {
					log.Info("reclaimed expired refs", "class", class, "count", n)
				}
			}
		}
	}
}
