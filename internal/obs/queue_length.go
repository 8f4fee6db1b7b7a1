// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// BacklogProber is implemented by backends that can report how many
// entries are currently queued, e.g. the streams backend's XLEN.
type BacklogProber interface {
	Backlog(ctx context.Context) (int64, error)
}

// StartBacklogUpdater samples prober's backlog every interval and reflects
// it onto the stream_backlog gauge until ctx is canceled.
func StartBacklogUpdater(ctx context.Context, interval time.Duration, prober BacklogProber, log *zap.Logger) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := prober.Backlog(ctx)
				if err != nil {
					log.Debug("backlog poll error", Err(err))
					continue
				}
				StreamBacklog.Set(float64(n))
			}
		}
	}()
}
