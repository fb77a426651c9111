package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/store"
)

// runPurger deletes messages older than retention every interval until ctx
// is done. Backlogs already skip them; this only reclaims storage.
func runPurger(ctx context.Context, logger *slog.Logger, m *metrics.Metrics, st store.Store, retention, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			purgeOnce(ctx, logger, m, st, now.Add(-retention))
		}
	}
}

func purgeOnce(ctx context.Context, logger *slog.Logger, m *metrics.Metrics, st store.Store, cutoff time.Time) int {
	n, err := st.PurgeExpired(ctx, cutoff)
	if err != nil {
		m.Inc(metrics.StoreError)
		logger.Error("purge expired messages", "err", err, "cutoff", cutoff)
		return 0
	}
	if n > 0 {
		m.Add(metrics.MessagesPurged, uint64(n))
		logger.Info("purged expired messages", "count", n, "cutoff", cutoff)
	}
	return n
}
