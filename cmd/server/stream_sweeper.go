package main

import (
	"context"
	"log/slog"
	"time"

	"livesight/internal/models"
)

// sweepStore is the slice of storage the sweeper needs.
type sweepStore interface {
	ListStreams(ctx context.Context) ([]models.Stream, error)
	TouchStreamStatus(ctx context.Context, id uint64, title, thumbnail string, live bool, viewers uint32) (models.Stream, error)
}

type sweepTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) sweepTicker

// runStreamSweeper periodically marks live streams offline when no lookup has
// refreshed them within maxAge. Lookups are the only path that reports a
// stream online, so a stream nobody asks about would otherwise stay live
// forever. Blocks until the context is cancelled.
func runStreamSweeper(ctx context.Context, logger *slog.Logger, store sweepStore, interval, maxAge time.Duration) {
	runStreamSweeperWithTicker(ctx, logger, store, interval, maxAge, func(d time.Duration) sweepTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	}, time.Now)
}

func runStreamSweeperWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	store sweepStore,
	interval, maxAge time.Duration,
	newTicker tickerFactory,
	now func() time.Time,
) {
	if store == nil || interval <= 0 || maxAge <= 0 {
		<-ctx.Done()
		return
	}
	ticker := newTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			sweepOnce(ctx, logger, store, maxAge, now())
		}
	}
}

func sweepOnce(ctx context.Context, logger *slog.Logger, store sweepStore, maxAge time.Duration, now time.Time) {
	streams, err := store.ListStreams(ctx)
	if err != nil {
		if logger != nil {
			logger.Error("failed to list streams", "error", err)
		}
		return
	}
	cutoff := now.Add(-maxAge)
	for _, stream := range streams {
		if !stream.Live || stream.UpdatedAt.After(cutoff) {
			continue
		}
		if _, err := store.TouchStreamStatus(ctx, stream.ID, stream.Title, stream.Thumbnail, false, 0); err != nil {
			if logger != nil {
				logger.Error("failed to mark stream offline", "stream_id", stream.ID, "error", err)
			}
			continue
		}
		if logger != nil {
			logger.Info("marked stale stream offline", "stream_id", stream.ID, "service", stream.Service, "channel", stream.Channel)
		}
	}
}
