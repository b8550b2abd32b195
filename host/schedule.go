package host

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/MarimerLLC/rockbot/work"
)

// ScheduledWork is run whenever a WithScheduledWork firing acquires the
// shared work slot.
type ScheduledWork func(ctx context.Context) error

// WithScheduledWork registers a cron-triggered hosted service (spec §4.9):
// on every firing of schedule it tries to acquire serializer's
// scheduled-priority slot and runs fn if it gets one; a firing that finds
// the slot held by user work is skipped outright rather than queued (spec
// §5 "scheduled work yields to user work").
func (b *Builder) WithScheduledWork(schedule string, serializer *work.Serializer, fn ScheduledWork) *Builder {
	if _, err := cron.ParseStandard(schedule); err != nil {
		b.err = fmt.Errorf("host: invalid scheduled-work cron expression %q: %w", schedule, err)
		return b
	}

	return b.AddHostedService(func(ctx context.Context) error {
		engine := cron.New()
		if _, err := engine.AddFunc(schedule, func() {
			handle, ok := serializer.TryAcquireForScheduled(ctx)
			if !ok {
				return
			}
			defer handle.Release()
			if err := fn(handle.Ctx); err != nil {
				b.logger.Error(handle.Ctx, "host: scheduled work failed", "error", err.Error())
			}
		}); err != nil {
			return fmt.Errorf("host: schedule work: %w", err)
		}

		engine.Start()
		<-ctx.Done()
		stopped := engine.Stop()
		<-stopped.Done()
		return nil
	})
}
