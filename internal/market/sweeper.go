package market

import (
	"context"
	"time"

	"intelmarket.org/internal/obs"
)

// Sweeper periodically expires auctions past their end time and deactivates
// grants past their expiry. Both sweeps are also invocable directly through
// the Service for deterministic tests and operator tooling.
type Sweeper struct {
	svc Service
}

// NewSweeper wraps a service for background expiry sweeps.
func NewSweeper(svc Service) *Sweeper {
	return &Sweeper{svc: svc}
}

// RunOnce executes one sweep pass at the given instant.
func (sw *Sweeper) RunOnce(ctx context.Context, now time.Time) error {
	auctions, err := sw.svc.SweepExpiredAuctions(ctx, now)
	if err != nil {
		return err
	}
	grants, err := sw.svc.SweepExpiredGrants(ctx, now)
	if err != nil {
		return err
	}
	if auctions > 0 || grants > 0 {
		obs.LogRequest(map[string]any{
			"ts":               now.Format(time.RFC3339Nano),
			"level":            "info",
			"msg":              "expiry_sweep",
			"expired_auctions": auctions,
			"expired_grants":   grants,
		})
	}
	return nil
}

// Start runs sweeps at the provided interval until the returned stop
// function is called.
func (sw *Sweeper) Start(interval time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = sw.RunOnce(ctx, time.Now().UTC())
			}
		}
	}()
	return cancel
}
