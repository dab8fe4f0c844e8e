package escudo

import (
	"context"
	"time"
)

// Sweep runs CleanupExpired then Reconcile every interval until ctx is done.
func (svc *Service) Sweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	svc.logger.Info("escudo: sweeper started", map[string]interface{}{"interval": interval.String()})

	for {
		select {
		case <-ctx.Done():
			svc.logger.Info("escudo: sweeper stopped")
			return
		case <-svc.clock.After(interval):
			svc.sweepOnce(ctx)
		}
	}
}

func (svc *Service) sweepOnce(ctx context.Context) {
	expired, err := svc.CleanupExpired(ctx)
	if err != nil {
		svc.logger.Error("escudo: cleanup sweep", err)
	} else if expired > 0 {
		svc.logger.Info("escudo: expired grants", map[string]interface{}{"count": expired})
	}

	corrected, err := svc.Reconcile(ctx)
	if err != nil {
		svc.logger.Error("escudo: reconcile sweep", err)
	}
	if corrected > 0 {
		svc.logger.Warn("escudo: corrected cached balances", map[string]interface{}{"count": corrected})
	}
}
