// Package workers holds the periodic jobs run beside the API.
package workers

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Every runs fn immediately and then on each tick until ctx is done. A
// failing run is logged and does not stop the loop.
func Every(ctx context.Context, interval time.Duration, name string, fn func(ctx context.Context) error) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Str("worker", name).Msg("worker run failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

type PendingReconciler interface {
	ReconcilePending(ctx context.Context, olderThan time.Duration) (int, error)
}

// ConnectionReconciler re-checks connections that stayed in connecting, qr or
// error for longer than StaleAfter, in case their webhook never arrived.
type ConnectionReconciler struct {
	Connections PendingReconciler
	StaleAfter  time.Duration
}

func (c *ConnectionReconciler) RunOnce(ctx context.Context) error {
	n, err := c.Connections.ReconcilePending(ctx, c.StaleAfter)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Info().Int("connections", n).Msg("reconciled pending connections")
	}
	return nil
}

func (c *ConnectionReconciler) Run(ctx context.Context, interval time.Duration) error {
	return Every(ctx, interval, "connection-reconciler", c.RunOnce)
}
