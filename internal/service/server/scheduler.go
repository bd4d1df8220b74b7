package server

import (
	"context"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/oshokin/build-archive/internal/logger"
)

// schedule runs job at every time the cron expression fires until ctx ends.
// A job that runs past the next firing delays it instead of overlapping.
func schedule(ctx context.Context, expression *cronexpr.Expression, now func() time.Time, job func(context.Context)) {
	for {
		next := expression.Next(now())
		if next.IsZero() {
			logger.Warn(ctx, "Cron expression never fires again, stopping schedule")
			return
		}

		timer := time.NewTimer(next.Sub(now()))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		job(ctx)
	}
}
