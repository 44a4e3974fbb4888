package fee

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var ErrNotLoaded = errors.New("fee schedule not loaded")

type RefreshMetrics interface {
	ObserveRefresh(duration time.Duration)
	IncRefreshError()
}

// Cache holds the active schedule. Readers get an immutable snapshot, so a
// refresh never changes the rates used mid-settlement.
type Cache struct {
	mu          sync.RWMutex
	schedule    *Schedule
	lastRefresh time.Time
}

func NewCache() *Cache {
	return &Cache{}
}

func (c *Cache) Load(ctx context.Context, source Source) error {
	schedule, err := source.Load(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.schedule = schedule
	c.lastRefresh = time.Now()
	return nil
}

func (c *Cache) Refresh(ctx context.Context, source Source) error {
	return c.Load(ctx, source)
}

func (c *Cache) Current() (*Schedule, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.schedule == nil {
		return nil, ErrNotLoaded
	}
	return c.schedule, nil
}

func (c *Cache) LastRefresh() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRefresh
}

// StartAutoRefresh reloads from source every interval until ctx is done. A
// failed refresh keeps the previous schedule.
func (c *Cache) StartAutoRefresh(ctx context.Context, source Source, interval time.Duration, metrics RefreshMetrics, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		logger.Warn("fee schedule refresh disabled")
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				refreshCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				start := time.Now()
				err := c.Refresh(refreshCtx, source)
				cancel()
				if err != nil {
					logger.Error("fee schedule refresh failed", "error", err)
					if metrics != nil {
						metrics.IncRefreshError()
					}
					continue
				}
				if metrics != nil {
					metrics.ObserveRefresh(time.Since(start))
				}
				logger.Debug("fee schedule refreshed")
			}
		}
	}()
}
